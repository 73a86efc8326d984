package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nidhogg/constellation/internal/protocol"
)

// WebsocketDialer dials device endpoints over websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// NewWebsocketDialer creates a dialer with the given handshake timeout.
func NewWebsocketDialer(handshake time.Duration) *WebsocketDialer {
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	return &WebsocketDialer{HandshakeTimeout: handshake, WriteTimeout: 10 * time.Second}
}

// Dial opens a websocket connection to url.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebsocketConn(ws, d.WriteTimeout), nil
}

// WebsocketConn adapts a gorilla connection to Conn.
// gorilla permits one concurrent writer, so writes are serialized here.
type WebsocketConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	closed       chan struct{}
}

// NewWebsocketConn wraps an established websocket connection.
func NewWebsocketConn(ws *websocket.Conn, writeTimeout time.Duration) *WebsocketConn {
	return &WebsocketConn{ws: ws, writeTimeout: writeTimeout, closed: make(chan struct{})}
}

// Send writes one frame.
func (c *WebsocketConn) Send(ctx context.Context, msg *protocol.ClientMessage) error {
	data, err := protocol.EncodeClient(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Time{}
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return c.wrap(err)
	}
	return nil
}

// Receive blocks until the next frame arrives or the connection fails.
// A frame that fails to decode yields a *DecodeError; the connection stays
// usable after one.
func (c *WebsocketConn) Receive() (*protocol.ServerMessage, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, c.wrap(err)
	}
	msg, err := protocol.DecodeServer(data)
	if err != nil {
		return nil, &DecodeError{Raw: data, Err: err}
	}
	return msg, nil
}

// Close closes the underlying websocket. Safe to call more than once.
func (c *WebsocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		// WriteControl may run concurrently with WriteMessage.
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *WebsocketConn) wrap(err error) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

// DecodeError reports a frame that arrived intact but could not be decoded.
// The connection itself is still usable.
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string { return "decode frame: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }
