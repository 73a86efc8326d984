package transport

import (
	"context"
	"sync"

	"github.com/nidhogg/constellation/internal/protocol"
)

// Pipe is an in-memory Conn paired with a device-side Peer.
// Useful wherever a device must be emulated without a network.
type Pipe struct {
	toDevice chan *protocol.ClientMessage
	toCore   chan *protocol.ServerMessage
	done     chan struct{}
	once     sync.Once
}

// NewPipe creates a connected Conn/Peer pair.
func NewPipe() (*Pipe, *Peer) {
	p := &Pipe{
		toDevice: make(chan *protocol.ClientMessage, 64),
		toCore:   make(chan *protocol.ServerMessage, 64),
		done:     make(chan struct{}),
	}
	return p, &Peer{pipe: p}
}

// Send implements Conn.
func (p *Pipe) Send(ctx context.Context, msg *protocol.ClientMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.toDevice <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive implements Conn.
func (p *Pipe) Receive() (*protocol.ServerMessage, error) {
	select {
	case msg := <-p.toCore:
		return msg, nil
	case <-p.done:
		return nil, ErrClosed
	}
}

// Close implements Conn. Closing from either side ends both.
func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// Peer is the device end of a Pipe.
type Peer struct {
	pipe *Pipe
}

// Next returns the next frame written by the core side.
func (d *Peer) Next(ctx context.Context) (*protocol.ClientMessage, error) {
	select {
	case msg := <-d.pipe.toDevice:
		return msg, nil
	case <-d.pipe.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reply delivers a frame to the core side.
func (d *Peer) Reply(msg *protocol.ServerMessage) error {
	select {
	case <-d.pipe.done:
		return ErrClosed
	default:
	}
	select {
	case d.pipe.toCore <- msg:
		return nil
	case <-d.pipe.done:
		return ErrClosed
	}
}

// Close drops the connection from the device side.
func (d *Peer) Close() error { return d.pipe.Close() }

// Closed is closed once either side closes the pipe.
func (d *Peer) Closed() <-chan struct{} { return d.pipe.done }
