// ABOUTME: Text-frame connection abstraction shared by the agent client and the gateway.
// ABOUTME: Websocket implementation on coder/websocket; envelopes are encoded one per frame.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("connection closed")

// DefaultReadLimit caps a single inbound frame (4MB). Batches of query
// results can be large; the websocket default of 32KB is too small.
const DefaultReadLimit = 4 << 20

// Conn is a bidirectional text-frame connection. Read must only be called
// from one goroutine; Write and Close are safe for concurrent use.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer opens a client connection to url.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DialOptions configures the websocket dialer.
type DialOptions struct {
	Header      http.Header
	HTTPClient  *http.Client
	ReadLimit   int64
	DialTimeout time.Duration
}

// WebsocketDialer returns a Dialer that opens websocket connections.
func WebsocketDialer(opts DialOptions) Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		if opts.DialTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
			defer cancel()
		}
		c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
			HTTPHeader: opts.Header,
			HTTPClient: opts.HTTPClient,
		})
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", url, err)
		}
		return newWSConn(c, opts.ReadLimit), nil
	}
}

// Accept upgrades an HTTP request to a websocket connection.
func Accept(w http.ResponseWriter, r *http.Request, readLimit int64) (Conn, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Agents are non-browser processes; origin checks do not apply.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, fmt.Errorf("accepting websocket: %w", err)
	}
	return newWSConn(c, readLimit), nil
}

type wsConn struct {
	c *websocket.Conn
}

func newWSConn(c *websocket.Conn, readLimit int64) *wsConn {
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	c.SetReadLimit(readLimit)
	return &wsConn{c: c}
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := w.c.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(reason string) error {
	err := w.c.Close(websocket.StatusNormalClosure, reason)
	if err != nil {
		// Peer already gone; make sure the socket is released.
		_ = w.c.CloseNow()
	}
	return err
}
