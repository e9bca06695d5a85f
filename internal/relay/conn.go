// Package relay routes session events between live WebSocket connections
// grouped into per-session rooms, and keeps presence in step with joins,
// leaves, heartbeats and disconnects.
package relay

import "errors"

var (
	// ErrConnClosed is returned by Send once a connection has been closed.
	ErrConnClosed = errors.New("connection closed")
	// ErrSendQueueFull is returned by Send when the recipient is not
	// draining its queue fast enough.
	ErrSendQueueFull = errors.New("send queue full")
)

// Conn is one live client connection as seen by the hub.
type Conn interface {
	// ID is unique per connection for the lifetime of the process.
	ID() string
	// Send enqueues an encoded frame without blocking.
	Send(frame []byte) error
	// Closed reports whether the underlying transport is gone.
	Closed() bool
	// Close tears the transport down. It is safe to call more than once.
	Close(reason string)
}
