// ABOUTME: Tests for the in-memory pipe and the websocket Conn implementation
// ABOUTME: Uses httptest for a real websocket round trip

package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipe_FIFO(t *testing.T) {
	a, b := Pipe()
	ctx := t.Context()

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, a.Write(ctx, []byte(msg)))
	}
	for _, want := range []string{"one", "two", "three"} {
		got, err := b.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestPipe_CloseUnblocksReader(t *testing.T) {
	a, b := Pipe()

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Read(context.Background())
		errCh <- err
	}()

	require.NoError(t, a.Close("bye"))

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("reader not unblocked by close")
	}

	assert.True(t, errors.Is(b.Write(t.Context(), []byte("x")), ErrClosed))
}

func TestPipe_DeliveredFramesSurviveClose(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, a.Write(t.Context(), []byte("last words")))
	require.NoError(t, a.Close(""))

	got, err := b.Read(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "last words", string(got))
}

func TestWebsocket_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, 0)
		if err != nil {
			return
		}
		defer conn.Close("done")
		data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		_ = conn.Write(r.Context(), []byte(strings.ToUpper(string(data))))
		// Wait for the client to hang up.
		_, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	dial := WebsocketDialer(DialOptions{DialTimeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	conn, err := dial(ctx, url)
	require.NoError(t, err)
	defer conn.Close("test over")

	require.NoError(t, conn.Write(ctx, []byte("hello")))
	got, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(got))
}
