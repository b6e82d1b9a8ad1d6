package wire

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// Socket is the collaborator contract a Subscription Task sends events on.
// The Manager never closes a Socket; the transport layer owns that. Two
// Sockets are equal iff they are the same connection, which is what the
// Manager uses as a grouping key (spec.md §3 Socket Handle).
type Socket interface {
	Send(ctx context.Context, payload []byte) error
	RemoteAddr() string
}

// WSSocket adapts a gorilla/websocket connection to the Socket contract.
// Sends are serialized with a per-socket lock: spec.md §5 treats sockets as
// single-writer from the owning subscription's perspective, but one socket
// may carry many concurrent subscriptions multiplexed by subscription id,
// so writes from different producer goroutines must still be serialized
// here at the transport boundary.
type WSSocket struct {
	conn       *websocket.Conn
	remoteAddr string

	mu sync.Mutex
}

// NewWSSocket wraps an already-upgraded websocket connection.
func NewWSSocket(conn *websocket.Conn) *WSSocket {
	return &WSSocket{conn: conn, remoteAddr: conn.RemoteAddr().String()}
}

// Send writes one message frame. The websocket library has no per-call
// context support for writes, so ctx is only consulted before acquiring the
// write lock: a cancelled context makes Send a no-op abort rather than
// blocking on a socket the caller has already given up on.
func (s *WSSocket) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// RemoteAddr returns the remote address for diagnostics and logging.
func (s *WSSocket) RemoteAddr() string {
	return s.remoteAddr
}

// ReadRequest blocks for the next client Request frame. There is no
// concurrent reader on a given connection (gorilla/websocket requires a
// single reader goroutine per connection), so unlike Send this needs no
// lock.
func (s *WSSocket) ReadRequest() (Request, error) {
	_, payload, err := s.conn.ReadMessage()
	if err != nil {
		return Request{}, err
	}
	return UnmarshalRequest(payload)
}

// Close closes the underlying connection. Only the transport layer should
// call this; the Subscription Manager never does.
func (s *WSSocket) Close() error {
	return s.conn.Close()
}
