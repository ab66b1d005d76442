// ABOUTME: In-memory Conn pair for wiring a client to a gateway without sockets.
// ABOUTME: Used by tests and by embedded deployments running both sides in one process.

package transport

import (
	"context"
	"sync"
)

const pipeBuffer = 256

// Pipe returns two connected in-memory Conns. Frames written on one end are
// read from the other in order. Closing either end closes both.
func Pipe() (Conn, Conn) {
	shared := &pipeState{done: make(chan struct{})}
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	return &pipeConn{in: ba, out: ab, state: shared}, &pipeConn{in: ab, out: ba, state: shared}
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeConn struct {
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
}

func (p *pipeConn) Read(ctx context.Context) ([]byte, error) {
	// Drain frames already delivered before reporting closure.
	select {
	case data := <-p.in:
		return data, nil
	default:
	}
	select {
	case data := <-p.in:
		return data, nil
	case <-p.state.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case p.out <- buf:
		return nil
	case <-p.state.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Close(string) error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}
