// ABOUTME: Shared helpers for agent package tests.

package agent

import (
	"io"
	"log/slog"
	"testing"

	"github.com/2389/mcplink/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestSession returns a session and the agent's end of its connection.
func newTestSession(t *testing.T, sessionID, agentID, agentType string) (*Session, transport.Conn) {
	t.Helper()
	server, agentEnd := transport.Pipe()
	sess := NewSession(SessionParams{
		ID:           sessionID,
		AgentID:      agentID,
		AgentType:    agentType,
		Capabilities: []string{"sql"},
		Conn:         server,
		Logger:       testLogger(),
	})
	t.Cleanup(func() { _ = sess.Close("test done") })
	return sess, agentEnd
}
