package subscription

import (
	"context"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/starbelly/subscription-engine/jobtracker"
	"github.com/starbelly/subscription-engine/wire"
)

// JobStatus is a coalescing, delta-encoded broadcast of job progress
// derived from the Job Tracker (spec.md §4.5).
type JobStatus struct {
	id          wire.SubscriptionID
	tracker     *jobtracker.Tracker
	socket      wire.Socket
	minInterval time.Duration

	mu       sync.Mutex
	pending  map[wire.JobID]jobtracker.Status
	lastSent map[wire.JobID]jobtracker.Status
	changed  chan struct{} // 1-buffered wake signal, coalesced by design
}

// NewJobStatus constructs a Job Status Subscription. It immediately takes
// a snapshot of all current jobs as the initial pending set, per
// spec.md §4.5 Startup.
func NewJobStatus(seq *Sequence, tracker *jobtracker.Tracker, socket wire.Socket, minInterval time.Duration) *JobStatus {
	j := &JobStatus{
		id:          seq.Next(),
		tracker:     tracker,
		socket:      socket,
		minInterval: minInterval,
		pending:     make(map[wire.JobID]jobtracker.Status),
		lastSent:    make(map[wire.JobID]jobtracker.Status),
		changed:     make(chan struct{}, 1),
	}

	for jobID, status := range tracker.Snapshot() {
		j.pending[jobID] = status
	}
	if len(j.pending) > 0 {
		j.wake()
	}

	return j
}

// ID returns the subscription id assigned at construction.
func (j *JobStatus) ID() wire.SubscriptionID { return j.id }

// Socket returns the socket this subscription sends on.
func (j *JobStatus) Socket() wire.Socket { return j.socket }

func (j *JobStatus) start() *tomb.Tomb {
	return runProducer(j.run)
}

// run is the producer loop (spec.md §4.5): emit immediately if there's
// pending state at startup, then wait for both min_interval to have
// elapsed and a change to be pending, emit, repeat.
func (j *JobStatus) run(t *tomb.Tomb) error {
	ctx := t.Context(context.Background())

	changes := make(jobtracker.Listener, 64)
	j.tracker.ListenAll(changes)
	defer j.tracker.CancelAll(changes)

	go j.drainChanges(t, changes)

	if j.hasPending() {
		if err := j.sendEvent(ctx); err != nil {
			return err
		}
	}

	for {
		select {
		case <-t.Dying():
			return nil
		case <-time.After(j.minInterval):
		}

		select {
		case <-t.Dying():
			return nil
		case <-j.changed:
		}

		if err := j.sendEvent(ctx); err != nil {
			return err
		}
	}
}

// drainChanges folds tracker notifications into the pending set and wakes
// the producer loop (spec.md §4.5 Startup/State).
func (j *JobStatus) drainChanges(t *tomb.Tomb, changes jobtracker.Listener) {
	for {
		select {
		case <-t.Dying():
			return
		case change := <-changes:
			j.mu.Lock()
			j.pending[change.JobID] = change.Status
			j.mu.Unlock()
			j.wake()
		}
	}
}

func (j *JobStatus) wake() {
	select {
	case j.changed <- struct{}{}:
	default:
	}
}

func (j *JobStatus) hasPending() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending) > 0
}

// sendEvent builds the delta-encoded event for every job in the pending
// set (spec.md §4.5 Delta encoding), transmits it, and clears pending.
func (j *JobStatus) sendEvent(ctx context.Context) error {
	j.mu.Lock()
	deltas := make([]wire.JobStatusDelta, 0, len(j.pending))
	for jobID, next := range j.pending {
		prev, hadPrev := j.lastSent[jobID]
		deltas = append(deltas, deltaFor(jobID, prev, next, hadPrev))
		j.lastSent[jobID] = next
	}
	j.pending = make(map[wire.JobID]jobtracker.Status)
	j.mu.Unlock()

	if len(deltas) == 0 {
		return nil
	}

	msg := wire.ServerMessage{
		Event: &wire.Event{
			SubscriptionID: j.id,
			JobList:        &wire.JobListEvent{Jobs: deltas},
		},
	}
	payload, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	return j.socket.Send(ctx, payload)
}

// deltaFor compares prev and next and returns a JobStatusDelta containing
// only the scalar fields that differ, plus only the http_status_counts
// entries whose count changed. When hadPrev is false (first emission for
// this job), every field is included since prev is the zero value.
func deltaFor(jobID wire.JobID, prev, next jobtracker.Status, hadPrev bool) wire.JobStatusDelta {
	delta := wire.JobStatusDelta{JobID: jobID}

	if !hadPrev || prev.Name != next.Name {
		delta.Name = strPtr(next.Name)
	}
	if !hadPrev || prev.RunState != next.RunState {
		delta.RunState = runStatePtr(next.RunState)
	}
	if !hadPrev || prev.StartedAt != next.StartedAt {
		delta.StartedAt = strPtr(next.StartedAt)
	}
	if !hadPrev || prev.CompletedAt != next.CompletedAt {
		delta.CompletedAt = strPtr(next.CompletedAt)
	}
	if !hadPrev || prev.ItemCount != next.ItemCount {
		delta.ItemCount = int64Ptr(next.ItemCount)
	}
	if !hadPrev || prev.HTTPSuccessCount != next.HTTPSuccessCount {
		delta.HTTPSuccessCount = int64Ptr(next.HTTPSuccessCount)
	}
	if !hadPrev || prev.HTTPErrorCount != next.HTTPErrorCount {
		delta.HTTPErrorCount = int64Ptr(next.HTTPErrorCount)
	}
	if !hadPrev || prev.ExceptionCount != next.ExceptionCount {
		delta.ExceptionCount = int64Ptr(next.ExceptionCount)
	}

	var statusDelta map[int]int64
	for code, count := range next.HTTPStatusCounts {
		if prevCount, ok := prev.HTTPStatusCounts[code]; !ok || prevCount != count {
			if statusDelta == nil {
				statusDelta = make(map[int]int64)
			}
			statusDelta[code] = count
		}
	}
	delta.HTTPStatusCounts = statusDelta

	return delta
}

func strPtr(s string) *string                        { return &s }
func int64Ptr(i int64) *int64                         { return &i }
func runStatePtr(s wire.JobRunState) *wire.JobRunState { return &s }
