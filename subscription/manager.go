// Package subscription implements the Subscription Engine core: the
// Sequence, the Subscription Manager, and the two concrete Subscription
// Tasks (Crawl Sync and Job Status) described in spec.md §4.
package subscription

import (
	"errors"
	"log/slog"
	"sync"

	"gopkg.in/tomb.v2"

	"github.com/starbelly/subscription-engine/wire"
)

// ErrManagerClosed is returned by Add once CloseAll has been called.
var ErrManagerClosed = errors.New("subscription manager is closed")

// ErrSocketClosing is returned by Add for a socket currently being torn
// down by CloseForSocket.
var ErrSocketClosing = errors.New("socket is being closed")

// Manager is a per-process registry that owns running subscription tasks,
// grouped by client socket, providing ordered shutdown semantics
// (spec.md §4.3). The zero value is not usable; construct with NewManager.
type Manager struct {
	mu      sync.Mutex
	closed  bool
	closing map[wire.Socket]struct{}
	subs    map[wire.Socket]map[wire.SubscriptionID]*tomb.Tomb
}

// NewManager returns an open, empty Manager.
func NewManager() *Manager {
	return &Manager{
		closing: make(map[wire.Socket]struct{}),
		subs:    make(map[wire.Socket]map[wire.SubscriptionID]*tomb.Tomb),
	}
}

// Add registers a subscription and launches its producer. It fails with
// ErrManagerClosed or ErrSocketClosing without registering anything; on
// success, a termination callback is attached that removes the record and
// performs an idempotent unsubscribe once the producer stops, for any
// reason (spec.md §4.3).
func (m *Manager) Add(task Task) error {
	socket := task.Socket()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if _, closing := m.closing[socket]; closing {
		m.mu.Unlock()
		return ErrSocketClosing
	}

	t := task.start()

	if m.subs[socket] == nil {
		m.subs[socket] = make(map[wire.SubscriptionID]*tomb.Tomb)
	}
	m.subs[socket][task.ID()] = t
	m.mu.Unlock()

	go m.awaitCompletion(socket, task.ID(), t)
	return nil
}

// awaitCompletion removes a subscription's record once its producer stops
// on its own (graceful completion, a storage error, or a send failure) —
// the termination callback described in spec.md §3's Subscription Record
// invariant: "a record exists iff its task is still running". An error the
// producer stopped with is logged here, at the subscription boundary; a
// cancelled producer stops with no error and is not logged.
func (m *Manager) awaitCompletion(socket wire.Socket, id wire.SubscriptionID, t *tomb.Tomb) {
	if err := t.Wait(); err != nil {
		slog.Error("subscription terminated with error",
			"remote_addr", socket.RemoteAddr(), "subscription_id", id, "error", err)
	}
	m.remove(socket, id, t)
}

// remove deletes the (socket, id) record only if it still points at t,
// which makes it safe to race against an explicit Unsubscribe call on the
// same pair.
func (m *Manager) remove(socket wire.Socket, id wire.SubscriptionID, t *tomb.Tomb) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bySocket, ok := m.subs[socket]
	if !ok {
		return
	}
	if cur, ok := bySocket[id]; !ok || cur != t {
		return
	}
	delete(bySocket, id)
	if len(bySocket) == 0 {
		delete(m.subs, socket)
	}
}

// Unsubscribe cancels the producer task for (socket, id), awaits its
// acknowledgement, and removes the record. Unknown pairs are logged and
// ignored, never raised as an error (spec.md §4.3, §7 Propagation).
func (m *Manager) Unsubscribe(socket wire.Socket, id wire.SubscriptionID) {
	m.mu.Lock()
	bySocket, ok := m.subs[socket]
	var t *tomb.Tomb
	if ok {
		t, ok = bySocket[id]
	}
	m.mu.Unlock()

	if !ok {
		slog.Error("unsubscribe: unknown subscription",
			"remote_addr", socket.RemoteAddr(), "subscription_id", id)
		return
	}

	t.Kill(nil)
	_ = t.Wait()
	m.remove(socket, id, t)
}

// CloseForSocket cancels every subscription bound to socket in parallel,
// waits for all of them, then removes the socket's entry. While in
// progress, socket is in the closing set and Add rejects new subscriptions
// for it. Idempotent (spec.md §4.3).
func (m *Manager) CloseForSocket(socket wire.Socket) {
	m.mu.Lock()
	if _, already := m.closing[socket]; already {
		m.mu.Unlock()
		return
	}
	bySocket := m.subs[socket]
	if len(bySocket) == 0 {
		m.mu.Unlock()
		return
	}
	m.closing[socket] = struct{}{}
	toms := make([]*tomb.Tomb, 0, len(bySocket))
	for _, t := range bySocket {
		toms = append(toms, t)
	}
	m.mu.Unlock()

	killAndWaitAll(toms)

	m.mu.Lock()
	delete(m.subs, socket)
	delete(m.closing, socket)
	m.mu.Unlock()
}

// CloseAll marks the Manager closed (further Add calls fail), cancels
// every active subscription in parallel, and waits for all to terminate.
// Idempotent; a second CloseAll is a no-op (spec.md §4.3).
func (m *Manager) CloseAll() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true

	toms := make([]*tomb.Tomb, 0)
	for _, bySocket := range m.subs {
		for _, t := range bySocket {
			toms = append(toms, t)
		}
	}
	m.mu.Unlock()

	slog.Info("closing subscription manager", "count", len(toms))
	killAndWaitAll(toms)

	m.mu.Lock()
	m.subs = make(map[wire.Socket]map[wire.SubscriptionID]*tomb.Tomb)
	m.mu.Unlock()
	slog.Info("subscription manager closed")
}

// killAndWaitAll requests cancellation of every tomb and blocks until all
// have acknowledged, running the waits concurrently so CloseAll/
// CloseForSocket don't serialize on however long the slowest subscription
// takes to notice cancellation.
func killAndWaitAll(toms []*tomb.Tomb) {
	var wg sync.WaitGroup
	wg.Add(len(toms))
	for _, t := range toms {
		t := t
		go func() {
			defer wg.Done()
			t.Kill(nil)
			_ = t.Wait()
		}()
	}
	wg.Wait()
}
