// Package transport carries protocol frames over one long-lived connection
// per device.
package transport

import (
	"context"
	"errors"

	"github.com/nidhogg/constellation/internal/protocol"
)

// ErrClosed is returned by Send and Receive once the connection is closed.
var ErrClosed = errors.New("connection closed")

// Conn is a bidirectional frame connection to one device.
//
// Send may be called from any goroutine. Receive must only ever be called by
// a single reader for the lifetime of the connection.
type Conn interface {
	Send(ctx context.Context, msg *protocol.ClientMessage) error
	Receive() (*protocol.ServerMessage, error)
	Close() error
}

// Dialer opens connections to device endpoints.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }
