package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starbelly/subscription-engine/jobtracker"
	"github.com/starbelly/subscription-engine/wire"
)

func testJobID(b byte) wire.JobID {
	var id wire.JobID
	id[0] = b
	return id
}

func waitForMessages(t *testing.T, socket *fakeSocket, n int) []wire.ServerMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		msgs := socket.messages()
		if len(msgs) >= n {
			return msgs
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages, got %d", n, len(msgs))
		case <-time.After(time.Millisecond):
		}
	}
}

func TestJobStatusEmitsSnapshotOnStartup(t *testing.T) {
	tracker := jobtracker.New()
	id := testJobID(1)
	tracker.Publish(id, jobtracker.Status{Name: "crawl-1", RunState: wire.JobRunning, ItemCount: 5})

	socket := newFakeSocket("a")
	seq := NewSequence()
	js := NewJobStatus(seq, tracker, socket, 10*time.Millisecond)
	tomb := js.start()
	defer func() {
		tomb.Kill(nil)
		_ = tomb.Wait()
	}()

	msgs := waitForMessages(t, socket, 1)
	require.NotNil(t, msgs[0].Event)
	require.NotNil(t, msgs[0].Event.JobList)
	require.Len(t, msgs[0].Event.JobList.Jobs, 1)

	delta := msgs[0].Event.JobList.Jobs[0]
	assert.Equal(t, id, delta.JobID)
	require.NotNil(t, delta.Name)
	assert.Equal(t, "crawl-1", *delta.Name)
	require.NotNil(t, delta.ItemCount)
	assert.EqualValues(t, 5, *delta.ItemCount)
}

func TestJobStatusCoalescesBurstsWithinMinInterval(t *testing.T) {
	tracker := jobtracker.New()
	socket := newFakeSocket("a")
	seq := NewSequence()
	// Long min_interval: everything published during it must coalesce into
	// exactly one emission once it elapses.
	js := NewJobStatus(seq, tracker, socket, 200*time.Millisecond)
	tomb := js.start()
	defer func() {
		tomb.Kill(nil)
		_ = tomb.Wait()
	}()

	id := testJobID(7)
	for i := int64(1); i <= 5; i++ {
		tracker.Publish(id, jobtracker.Status{Name: "job", RunState: wire.JobRunning, ItemCount: i})
		time.Sleep(5 * time.Millisecond)
	}

	msgs := waitForMessages(t, socket, 1)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Event.JobList.Jobs, 1)
	require.NotNil(t, msgs[0].Event.JobList.Jobs[0].ItemCount)
	assert.EqualValues(t, 5, *msgs[0].Event.JobList.Jobs[0].ItemCount)

	// Confirm no further emissions arrive once the burst has settled.
	time.Sleep(250 * time.Millisecond)
	assert.Len(t, socket.messages(), 1)
}

func TestJobStatusSecondEmissionOnlyCarriesChangedFields(t *testing.T) {
	tracker := jobtracker.New()
	socket := newFakeSocket("a")
	seq := NewSequence()
	js := NewJobStatus(seq, tracker, socket, 10*time.Millisecond)
	tomb := js.start()
	defer func() {
		tomb.Kill(nil)
		_ = tomb.Wait()
	}()

	id := testJobID(3)
	tracker.Publish(id, jobtracker.Status{
		Name:             "job",
		RunState:         wire.JobRunning,
		ItemCount:        1,
		HTTPSuccessCount: 1,
	})
	waitForMessages(t, socket, 1)

	// Only item_count changes this time; name and run_state are identical to
	// what was last transmitted.
	tracker.Publish(id, jobtracker.Status{
		Name:             "job",
		RunState:         wire.JobRunning,
		ItemCount:        2,
		HTTPSuccessCount: 1,
	})
	msgs := waitForMessages(t, socket, 2)

	delta := msgs[1].Event.JobList.Jobs[0]
	assert.Nil(t, delta.Name)
	assert.Nil(t, delta.RunState)
	assert.Nil(t, delta.HTTPSuccessCount)
	require.NotNil(t, delta.ItemCount)
	assert.EqualValues(t, 2, *delta.ItemCount)
}

func TestJobStatusHTTPStatusCountsOnlyIncludesChangedCodes(t *testing.T) {
	tracker := jobtracker.New()
	socket := newFakeSocket("a")
	seq := NewSequence()
	js := NewJobStatus(seq, tracker, socket, 10*time.Millisecond)
	tomb := js.start()
	defer func() {
		tomb.Kill(nil)
		_ = tomb.Wait()
	}()

	id := testJobID(4)
	tracker.Publish(id, jobtracker.Status{
		Name:             "job",
		HTTPStatusCounts: map[int]int64{200: 10, 404: 1},
	})
	waitForMessages(t, socket, 1)

	tracker.Publish(id, jobtracker.Status{
		Name:             "job",
		HTTPStatusCounts: map[int]int64{200: 11, 404: 1},
	})
	msgs := waitForMessages(t, socket, 2)

	delta := msgs[1].Event.JobList.Jobs[0]
	require.Len(t, delta.HTTPStatusCounts, 1)
	assert.EqualValues(t, 11, delta.HTTPStatusCounts[200])
	_, has404 := delta.HTTPStatusCounts[404]
	assert.False(t, has404)
}

func TestJobStatusNoPendingAtStartupSendsNothing(t *testing.T) {
	tracker := jobtracker.New()
	socket := newFakeSocket("a")
	seq := NewSequence()
	js := NewJobStatus(seq, tracker, socket, 20*time.Millisecond)
	tomb := js.start()

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, socket.messages())

	tomb.Kill(nil)
	_ = tomb.Wait()
}
