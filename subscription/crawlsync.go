package subscription

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"gopkg.in/tomb.v2"

	"github.com/starbelly/subscription-engine/crawldb"
	"github.com/starbelly/subscription-engine/jobtracker"
	"github.com/starbelly/subscription-engine/synctoken"
	"github.com/starbelly/subscription-engine/wire"
)

// DefaultPollInterval is the inter-poll sleep in the replay loop
// (spec.md §4.4 step 2e). A production implementation should replace this
// with a change-feed notification from the store; the poll is "acceptable
// for v1" per spec.md §9.
const DefaultPollInterval = time.Second

// CrawlSync is a resumable, ordered replay of crawl items for one job
// (spec.md §4.4).
type CrawlSync struct {
	id            wire.SubscriptionID
	tracker       *jobtracker.Tracker
	db            crawldb.Store
	socket        wire.Socket
	jobID         wire.JobID
	compressionOK bool
	pollInterval  time.Duration

	sequence atomic.Uint32

	runState  atomic.Value // wire.JobRunState
	itemCount atomic.Int64
}

// NewCrawlSync constructs a Crawl Sync Subscription. sequence starts at 0
// unless syncToken is non-nil, in which case it is decoded per
// spec.md §4.2/§4.4; a malformed token is rejected here, before any
// subscription is registered with the Manager (spec.md §7 category 1).
func NewCrawlSync(
	seq *Sequence,
	tracker *jobtracker.Tracker,
	db crawldb.Store,
	socket wire.Socket,
	jobID wire.JobID,
	compressionOK bool,
	syncToken []byte,
) (*CrawlSync, error) {
	c := &CrawlSync{
		id:            seq.Next(),
		tracker:       tracker,
		db:            db,
		socket:        socket,
		jobID:         jobID,
		compressionOK: compressionOK,
		pollInterval:  DefaultPollInterval,
	}

	if syncToken != nil {
		sequence, err := synctoken.Decode(syncToken)
		if err != nil {
			return nil, err
		}
		c.sequence.Store(sequence)
	}

	return c, nil
}

// SetPollInterval overrides the default inter-poll sleep (spec.md §4.4 step
// 2e). Must be called before the subscription is started.
func (c *CrawlSync) SetPollInterval(d time.Duration) {
	c.pollInterval = d
}

// ID returns the subscription id assigned at construction.
func (c *CrawlSync) ID() wire.SubscriptionID { return c.id }

// Socket returns the socket this subscription sends on.
func (c *CrawlSync) Socket() wire.Socket { return c.socket }

func (c *CrawlSync) start() *tomb.Tomb {
	return runProducer(c.run)
}

// run is the producer loop (spec.md §4.4). It is structured so that every
// suspension point — acquiring a connection, each row fetch, each send,
// and the inter-poll sleep — observes t.Dying() and aborts silently
// (no close event) on cancellation, per §4.4 Cancellation and §5.
func (c *CrawlSync) run(t *tomb.Tomb) error {
	ctx := t.Context(context.Background())

	if err := c.fetchInitialStatus(ctx); err != nil {
		return err
	}

	changes := make(jobtracker.Listener, 8)
	c.tracker.Listen(c.jobID, changes)
	defer c.tracker.Cancel(c.jobID, changes)
	go c.drainStatusChanges(t, changes)

	slog.Info("syncing crawl items", "job_id", c.jobID, "subscription_id", c.id)

	for {
		if err := c.replayOnce(ctx, t); err != nil {
			return err
		}

		if c.syncIsComplete() {
			slog.Info("item sync complete", "job_id", c.jobID, "subscription_id", c.id)
			return c.sendClosed(ctx)
		}

		select {
		case <-t.Dying():
			return nil
		case <-time.After(c.pollInterval):
		}
	}
}

// fetchInitialStatus performs spec.md §4.4 step 1.
func (c *CrawlSync) fetchInitialStatus(ctx context.Context) error {
	row, err := c.db.FetchJobRow(ctx, c.jobID)
	if err != nil {
		return err
	}
	c.runState.Store(row.RunState)
	c.itemCount.Store(row.ItemCount)
	return nil
}

// drainStatusChanges applies tracker notifications to local state without
// waking the replay loop's poll (spec.md §4.4 step 1: "subsequent status
// changes ... update local run_state/item_count").
func (c *CrawlSync) drainStatusChanges(t *tomb.Tomb, changes jobtracker.Listener) {
	for {
		select {
		case <-t.Dying():
			return
		case change := <-changes:
			c.runState.Store(change.Status.RunState)
			c.itemCount.Store(change.Status.ItemCount)
		}
	}
}

// replayOnce executes spec.md §4.4 step 2a-2c: one pass over the response
// table from the current sequence to the end of what's currently stored.
func (c *CrawlSync) replayOnce(ctx context.Context, t *tomb.Tomb) error {
	cursor, err := c.db.ScanResponses(ctx, c.jobID, int64(c.sequence.Load()))
	if err != nil {
		return err
	}
	defer cursor.Close()

	for {
		select {
		case <-t.Dying():
			return nil
		default:
		}

		row, ok, err := cursor.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		expected := c.sequence.Load()
		if uint32(row.InsertSequence) != expected {
			slog.Warn("crawl sync item out of order, resyncing",
				"job_id", c.jobID, "expected", expected, "found", row.InsertSequence)
			c.sequence.Store(uint32(row.InsertSequence))
		}
		c.sequence.Add(1)

		if row.IsSuccess {
			if err := c.sendItem(ctx, row); err != nil {
				return err
			}
		}
	}
}

// syncIsComplete implements spec.md §4.4's completion predicate.
func (c *CrawlSync) syncIsComplete() bool {
	state, _ := c.runState.Load().(wire.JobRunState)
	sequence := int64(c.sequence.Load())
	itemCount := c.itemCount.Load()
	return sequence >= itemCount-1 && (state == wire.JobCompleted || state == wire.JobCancelled)
}

// sendItem builds and transmits a sync_item event, attaching the token for
// the post-increment sequence a client must supply to resume after this
// item (spec.md §4.4.1).
func (c *CrawlSync) sendItem(ctx context.Context, row crawldb.ResponseRow) error {
	body := row.Body
	isCompressed := row.IsBodyCompressed

	if isCompressed && !c.compressionOK {
		decompressed, err := decompressGzip(body)
		if err != nil {
			return err
		}
		body = decompressed
		isCompressed = false
	}

	// Null header values are normalised to empty strings (spec.md §4.4.1).
	headers := make(map[string]string, len(row.Headers))
	for k, v := range row.Headers {
		if v != nil {
			headers[k] = *v
		} else {
			headers[k] = ""
		}
	}

	item := wire.CrawlItem{
		URL:              row.URL,
		CanonicalURL:     row.CanonicalURL,
		JobID:            row.JobID,
		StartedAt:        row.StartedAt,
		CompletedAt:      row.CompletedAt,
		DurationSeconds:  row.DurationSeconds,
		StatusCode:       row.StatusCode,
		ContentType:      row.ContentType,
		Charset:          row.Charset,
		Cost:             row.Cost,
		Body:             body,
		IsBodyCompressed: isCompressed,
		IsSuccess:        row.IsSuccess,
		Headers:          headers,
	}

	msg := wire.ServerMessage{
		Event: &wire.Event{
			SubscriptionID: c.id,
			SyncItem: &wire.SyncItemEvent{
				Item:  item,
				Token: synctoken.Encode(c.sequence.Load()),
			},
		},
	}

	payload, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	return c.socket.Send(ctx, payload)
}

// sendClosed emits the graceful-completion event (spec.md §4.4 step 2d).
// Only ever called on the graceful-completion path; cancellation never
// reaches here (spec.md §4.4 Cancellation).
func (c *CrawlSync) sendClosed(ctx context.Context) error {
	msg := wire.ServerMessage{
		Event: &wire.Event{
			SubscriptionID:     c.id,
			SubscriptionClosed: &wire.SubscriptionClosed{Reason: wire.ReasonEnd},
		},
	}
	payload, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	return c.socket.Send(ctx, payload)
}

// decompressGzip un-gzips a stored body when the client didn't negotiate
// compression support (spec.md §4.4.1).
func decompressGzip(compressed []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
