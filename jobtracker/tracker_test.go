package jobtracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starbelly/subscription-engine/wire"
)

func jobID(b byte) wire.JobID {
	var id wire.JobID
	id[0] = b
	return id
}

func TestSnapshotEmpty(t *testing.T) {
	tr := New()
	assert.Empty(t, tr.Snapshot())
}

func TestPublishUpdatesSnapshot(t *testing.T) {
	tr := New()
	id := jobID(1)
	tr.Publish(id, Status{Name: "job-1", RunState: wire.JobRunning, ItemCount: 3})

	snap := tr.Snapshot()
	require.Contains(t, snap, id)
	assert.Equal(t, "job-1", snap[id].Name)
	assert.EqualValues(t, 3, snap[id].ItemCount)
}

func TestListenReceivesOnlyMatchingJob(t *testing.T) {
	tr := New()
	idA, idB := jobID(1), jobID(2)

	l := make(Listener, 4)
	tr.Listen(idA, l)
	defer tr.Cancel(idA, l)

	tr.Publish(idB, Status{Name: "other"})
	tr.Publish(idA, Status{Name: "mine"})

	select {
	case change := <-l:
		assert.Equal(t, idA, change.JobID)
		assert.Equal(t, "mine", change.Status.Name)
	case <-time.After(time.Second):
		t.Fatal("expected a notification for idA")
	}

	select {
	case change := <-l:
		t.Fatalf("unexpected second notification: %+v", change)
	default:
	}
}

func TestListenAllReceivesEveryJob(t *testing.T) {
	tr := New()
	l := make(Listener, 4)
	tr.ListenAll(l)
	defer tr.CancelAll(l)

	tr.Publish(jobID(1), Status{Name: "a"})
	tr.Publish(jobID(2), Status{Name: "b"})

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case change := <-l:
			got[change.Status.Name] = true
		case <-time.After(time.Second):
			t.Fatal("expected two notifications")
		}
	}
	assert.True(t, got["a"])
	assert.True(t, got["b"])
}

func TestPublishNeverBlocksOnFullListener(t *testing.T) {
	tr := New()
	id := jobID(9)
	l := make(Listener) // unbuffered, unread: a slow subscriber
	tr.Listen(id, l)
	defer tr.Cancel(id, l)

	done := make(chan struct{})
	go func() {
		tr.Publish(id, Status{Name: "x"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full/unread listener channel")
	}
}

func TestCancelStopsNotifications(t *testing.T) {
	tr := New()
	id := jobID(1)
	l := make(Listener, 1)
	tr.Listen(id, l)
	tr.Cancel(id, l)

	tr.Publish(id, Status{Name: "after cancel"})

	select {
	case change := <-l:
		t.Fatalf("expected no notification after Cancel, got %+v", change)
	default:
	}
}
