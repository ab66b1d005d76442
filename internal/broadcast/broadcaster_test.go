// ABOUTME: Tests for the subscription index and event fan-out
// ABOUTME: Covers target union, default-to-all, dedup, failures, and disconnect cleanup

package broadcast

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcplink/internal/agent"
	"github.com/2389/mcplink/internal/protocol"
	"github.com/2389/mcplink/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	reg    *agent.Registry
	b      *Broadcaster
	agents map[string]transport.Conn // agent id -> agent end
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := agent.NewRegistry(testLogger())
	return &fixture{
		reg:    reg,
		b:      New(reg, Config{SendTimeout: 200 * time.Millisecond, Logger: testLogger()}),
		agents: make(map[string]transport.Conn),
	}
}

func (f *fixture) connect(t *testing.T, agentID, agentType string) *agent.Session {
	t.Helper()
	server, agentEnd := transport.Pipe()
	sess := agent.NewSession(agent.SessionParams{
		ID:        "sess-" + agentID,
		AgentID:   agentID,
		AgentType: agentType,
		Conn:      server,
		Logger:    testLogger(),
	})
	f.reg.Register(sess)
	f.agents[agentID] = agentEnd
	t.Cleanup(func() { _ = sess.Close("test done") })
	return sess
}

// received reports whether agentID got an event named event.
func (f *fixture) received(t *testing.T, agentID, event string) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	data, err := f.agents[agentID].Read(ctx)
	if err != nil {
		return false
	}
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env.Type == protocol.TypeEvent && env.EventName == event
}

func TestBroadcast_UnionOfSelectors(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "A", "sql")
	f.connect(t, "B", "llm")
	f.connect(t, "C", "llm")
	f.connect(t, "D", "vision")
	f.b.Subscribe("C", "schema_changed")
	f.b.Subscribe("D", "schema_changed")

	report, err := f.b.Broadcast(t.Context(), Message{
		Event:      "schema_changed",
		Payload:    map[string]string{"table": "users"},
		AgentIDs:   []string{"A"},
		AgentTypes: []string{"llm"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C", "D"}, report.Delivered)
	assert.Empty(t, report.Failed)
	for _, id := range []string{"A", "B", "C", "D"} {
		assert.True(t, f.received(t, id, "schema_changed"), id)
		assert.False(t, f.received(t, id, "schema_changed"), "%s received a duplicate", id)
	}
}

func TestBroadcast_OnlyMatchingTargets(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "A", "sql")
	f.connect(t, "B", "llm")
	f.connect(t, "C", "sql")

	report, err := f.b.Broadcast(t.Context(), Message{Event: "cache_flush", AgentTypes: []string{"sql"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "C"}, report.Delivered)
	assert.False(t, f.received(t, "B", "cache_flush"))
}

func TestBroadcast_AllSelectorsEmptyMeansEveryone(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "A", "sql")
	f.connect(t, "B", "llm")

	report, err := f.b.Broadcast(t.Context(), Message{Event: "maintenance"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, report.Delivered)
}

func TestBroadcast_SubscribersOnlyWhenSubscribed(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "A", "sql")
	f.connect(t, "B", "sql")
	f.b.Subscribe("B", "quota_exceeded")

	report, err := f.b.Broadcast(t.Context(), Message{Event: "quota_exceeded"})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, report.Delivered)
}

func TestBroadcast_FailuresDoNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "A", "sql")
	broken := f.connect(t, "B", "sql")
	require.NoError(t, broken.Close("gone"))

	report, err := f.b.Broadcast(t.Context(), Message{Event: "ping_all", AgentIDs: []string{"A", "B", "ghost"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, report.Delivered)
	assert.Equal(t, []string{"B", "ghost"}, report.Failed)
	assert.True(t, f.received(t, "A", "ping_all"))
}

func TestBroadcast_RejectsControlEvents(t *testing.T) {
	f := newFixture(t)

	_, err := f.b.Broadcast(t.Context(), Message{Event: protocol.EventIdentified})
	assert.True(t, errors.Is(err, ErrReservedEvent))

	_, err = f.b.Broadcast(t.Context(), Message{})
	assert.True(t, errors.Is(err, ErrEmptyEvent))
}

func TestSubscriptionIndex(t *testing.T) {
	f := newFixture(t)

	f.b.Subscribe("A", "schema_changed", "quota_exceeded")
	f.b.Subscribe("B", "schema_changed")
	assert.Equal(t, []string{"A", "B"}, f.b.Subscribers("schema_changed"))

	f.b.Unsubscribe("B", "schema_changed")
	assert.Equal(t, []string{"A"}, f.b.Subscribers("schema_changed"))

	assert.Equal(t, 2, f.b.RemoveAgent("A"))
	assert.Empty(t, f.b.Subscribers("schema_changed"))
	assert.Empty(t, f.b.Subscribers("quota_exceeded"))
	assert.Empty(t, f.b.Subscriptions())
	assert.Equal(t, 0, f.b.RemoveAgent("A"))
}

func TestSubscriptions_Snapshot(t *testing.T) {
	f := newFixture(t)
	f.b.Subscribe("B", "x")
	f.b.Subscribe("A", "x", "y")

	assert.Equal(t, map[string][]string{"x": {"A", "B"}, "y": {"A"}}, f.b.Subscriptions())
}

func TestBroadcast_ConcurrentSubscribeAndBroadcast(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "A", "sql")

	// Drain A so sends never fill the pipe.
	go func() {
		for {
			if _, err := f.agents["A"].Read(context.Background()); err != nil {
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				f.b.Subscribe("A", "tick")
			} else {
				f.b.Unsubscribe("A", "tick")
			}
		}()
		go func() {
			defer wg.Done()
			_, err := f.b.Broadcast(context.Background(), Message{Event: "tick"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}
