package subscription

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/starbelly/subscription-engine/crawldb"
	"github.com/starbelly/subscription-engine/wire"
)

// fakeSocket records every payload sent to it, decoded as a wire.ServerMessage
// so tests can assert on structure rather than raw bytes.
type fakeSocket struct {
	addr string

	mu  sync.Mutex
	out []wire.ServerMessage
}

func newFakeSocket(addr string) *fakeSocket {
	return &fakeSocket{addr: addr}
}

func (f *fakeSocket) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var msg wire.ServerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	f.mu.Lock()
	f.out = append(f.out, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) RemoteAddr() string { return f.addr }

func (f *fakeSocket) messages() []wire.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.ServerMessage, len(f.out))
	copy(out, f.out)
	return out
}

// fakeStore is an in-memory crawldb.Store: a job row plus an ordered slice of
// response rows, standing in for a real Postgres-backed Gateway in tests.
type fakeStore struct {
	mu        sync.Mutex
	job       crawldb.JobRow
	responses []crawldb.ResponseRow
}

func (f *fakeStore) FetchJobRow(ctx context.Context, jobID wire.JobID) (crawldb.JobRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.job, nil
}

func (f *fakeStore) setJob(row crawldb.JobRow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.job = row
}

func (f *fakeStore) ScanResponses(ctx context.Context, jobID wire.JobID, fromSequence int64) (crawldb.ResponseCursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var rows []crawldb.ResponseRow
	for _, row := range f.responses {
		if row.InsertSequence >= fromSequence {
			rows = append(rows, row)
		}
	}
	return &fakeCursor{rows: rows}, nil
}

type fakeCursor struct {
	rows []crawldb.ResponseRow
	i    int
}

func (c *fakeCursor) Next(ctx context.Context) (crawldb.ResponseRow, bool, error) {
	if err := ctx.Err(); err != nil {
		return crawldb.ResponseRow{}, false, err
	}
	if c.i >= len(c.rows) {
		return crawldb.ResponseRow{}, false, nil
	}
	row := c.rows[c.i]
	c.i++
	return row, true, nil
}

func (c *fakeCursor) Close() {}
