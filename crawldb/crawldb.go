// Package crawldb implements the Database Gateway collaborator from
// spec.md §4.6: pooled connection acquisition with guaranteed release, and
// an ordered range scan over the response table joined to its body row.
//
// The join is the one place this package departs from "just write SQL the
// obvious way": original_source/starbelly/subscription.py explicitly calls
// out that a plain equi-join reshuffled RethinkDB's row order, and hand-
// rolls an order-preserving merge instead. Postgres's planner is free to
// reorder a joined SELECT unless the ordering is the outermost operation
// applied to an already-correctly-ordered stream, so ScanResponses fetches
// the body columns with scalar subqueries evaluated per outer row instead
// of a JOIN clause, leaving the outer SELECT's ORDER BY as the only thing
// that determines row order.
package crawldb

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/starbelly/subscription-engine/wire"
)

// JobRow is the subset of the job table's columns the Crawl Sync
// Subscription needs for its initial status fetch (spec.md §4.4 step 1).
type JobRow struct {
	RunState  wire.JobRunState
	ItemCount int64
}

// ResponseRow is one row of the response table, merged with its body row,
// as consumed by the Crawl Sync Subscription's replay loop.
type ResponseRow struct {
	InsertSequence   int64
	URL              string
	CanonicalURL     string
	JobID            wire.JobID
	StartedAt        string
	CompletedAt      string
	DurationSeconds  float64
	StatusCode       int32
	ContentType      string
	Charset          string
	Cost             float64
	Headers          map[string]*string // nil values are NULLs; the subscription layer normalises them to ""
	IsSuccess        bool
	Body             []byte
	IsBodyCompressed bool
}

// Store is the subset of Gateway's behavior a Crawl Sync Subscription
// depends on. Declaring it lets tests substitute an in-memory fake.
type Store interface {
	FetchJobRow(ctx context.Context, jobID wire.JobID) (JobRow, error)
	ScanResponses(ctx context.Context, jobID wire.JobID, fromSequence int64) (ResponseCursor, error)
}

// Gateway is a pooled connection to the crawl store. It implements Store.
type Gateway struct {
	pool *pgxpool.Pool
}

// New wraps an already-configured connection pool.
func New(pool *pgxpool.Pool) *Gateway {
	return &Gateway{pool: pool}
}

// FetchJobRow reads run_state and item_count for jobID. Returns an error
// wrapping pgx.ErrNoRows when the job doesn't exist.
func (g *Gateway) FetchJobRow(ctx context.Context, jobID wire.JobID) (JobRow, error) {
	conn, err := g.pool.Acquire(ctx)
	if err != nil {
		return JobRow{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var row JobRow
	err = conn.QueryRow(ctx,
		`SELECT run_state, item_count FROM job WHERE job_id = $1`,
		jobID[:],
	).Scan(&row.RunState, &row.ItemCount)
	if err != nil {
		return JobRow{}, fmt.Errorf("fetch job row: %w", err)
	}

	return row, nil
}

// ResponseCursor iterates ResponseRow values in ascending insert_sequence
// order. It is the interface the subscription package programs against, so
// a Crawl Sync Subscription can be driven by a fake store in tests instead
// of a live Postgres connection.
type ResponseCursor interface {
	Next(ctx context.Context) (ResponseRow, bool, error)
	Close()
}

// Cursor is ResponseCursor's pgx-backed implementation. Close must be
// called on every exit path, including early termination from a cancelled
// context.
type Cursor struct {
	conn *pgxpool.Conn
	rows pgx.Rows
}

// ScanResponses opens an ordered range scan over the response table for
// jobID where insert_sequence >= fromSequence, joined with response_body
// by body_id, ordered by insert_sequence ascending. The join is expressed
// as a scalar subquery per output row (rather than a JOIN clause) so that
// the single ORDER BY on the outer SELECT is the only thing that can
// determine row order.
func (g *Gateway) ScanResponses(ctx context.Context, jobID wire.JobID, fromSequence int64) (ResponseCursor, error) {
	conn, err := g.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	rows, err := conn.Query(ctx, `
		SELECT
			r.insert_sequence, r.url, r.url_can, r.job_id,
			r.started_at, r.completed_at, r.duration, r.status_code,
			r.content_type, r.charset, r.cost, r.headers, r.is_success,
			(SELECT b.body FROM response_body b WHERE b.body_id = r.body_id),
			(SELECT b.is_compressed FROM response_body b WHERE b.body_id = r.body_id)
		FROM response r
		WHERE r.job_id = $1 AND r.insert_sequence >= $2
		ORDER BY r.insert_sequence ASC
	`, jobID[:], fromSequence)
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("scan responses: %w", err)
	}

	// conn.Release() happens in Cursor.Close, once rows are fully drained or
	// abandoned, mirroring the teacher's "acquire, defer release" shape but
	// deferred to the caller since the scan outlives this call.
	return &Cursor{conn: conn, rows: rows}, nil
}

// Next advances the cursor. It returns (row, true, nil) for each row, and
// (zero, false, err) once exhausted or on error; err is nil on ordinary
// exhaustion.
func (c *Cursor) Next(ctx context.Context) (ResponseRow, bool, error) {
	if err := ctx.Err(); err != nil {
		return ResponseRow{}, false, err
	}

	if !c.rows.Next() {
		return ResponseRow{}, false, c.rows.Err()
	}

	var row ResponseRow
	var jobID []byte
	var body []byte
	var isCompressed *bool

	err := c.rows.Scan(
		&row.InsertSequence, &row.URL, &row.CanonicalURL, &jobID,
		&row.StartedAt, &row.CompletedAt, &row.DurationSeconds, &row.StatusCode,
		&row.ContentType, &row.Charset, &row.Cost, &row.Headers, &row.IsSuccess,
		&body, &isCompressed,
	)
	if err != nil {
		return ResponseRow{}, false, fmt.Errorf("scan response row: %w", err)
	}

	copy(row.JobID[:], jobID)
	row.Body = body
	if isCompressed != nil {
		row.IsBodyCompressed = *isCompressed
	}

	return row, true, nil
}

// Close releases the cursor's rows and the underlying pooled connection.
// Deterministic close on every exit path, including cancellation, is
// required by spec.md §4.6.
func (c *Cursor) Close() {
	c.rows.Close()
	c.conn.Release()
}
