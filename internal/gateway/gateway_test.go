// ABOUTME: Tests for the gateway connection protocol over in-memory pipes
// ABOUTME: Covers identify gating, dispatch, dedupe, subscriptions, replacement, sweep and shutdown

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/mcplink/internal/broadcast"
	"github.com/2389/mcplink/internal/config"
	"github.com/2389/mcplink/internal/protocol"
	"github.com/2389/mcplink/internal/store"
	"github.com/2389/mcplink/internal/transport"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Sessions.StaleAfter = time.Minute
	cfg.Sessions.SweepInterval = time.Hour
	cfg.Sessions.WriteTimeout = time.Second
	cfg.Dispatch.HandlerTimeout = 2 * time.Second
	return cfg
}

func newTestGateway(t *testing.T, opts ...Option) (*Gateway, *store.MockStore) {
	t.Helper()
	ms := store.NewMockStore()
	opts = append([]Option{WithStore(ms), WithIdentifyTimeout(2 * time.Second)}, opts...)
	gw, err := New(testConfig(), testLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw, ms
}

// pipeAgent serves one end of an in-memory pipe and returns the agent end.
func pipeAgent(t *testing.T, gw *Gateway) transport.Conn {
	t.Helper()
	server, agentEnd := transport.Pipe()
	done := make(chan struct{})
	go func() {
		gw.ServeConn(context.Background(), server)
		close(done)
	}()
	t.Cleanup(func() {
		_ = agentEnd.Close("test done")
		<-done
	})
	return agentEnd
}

func send(t *testing.T, conn transport.Conn, env *protocol.Envelope) {
	t.Helper()
	data, err := protocol.Encode(env)
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), data))
}

func recv(t *testing.T, conn transport.Conn) *protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := conn.Read(ctx)
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

// closed waits for the gateway to close conn.
func closed(t *testing.T, conn transport.Conn) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		if _, err := conn.Read(ctx); err != nil {
			return ctx.Err() == nil
		}
	}
}

func identifyEvent(t *testing.T, agentID, agentType, version string) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEvent(protocol.EventIdentify, protocol.IdentifyPayload{
		AgentID:         agentID,
		AgentType:       agentType,
		Capabilities:    []string{"sql"},
		ProtocolVersion: version,
	})
	require.NoError(t, err)
	return env
}

// identify performs the handshake and returns the acknowledgment.
func identify(t *testing.T, conn transport.Conn, agentID, agentType string) protocol.IdentifiedPayload {
	t.Helper()
	send(t, conn, identifyEvent(t, agentID, agentType, protocol.Version))
	env := recv(t, conn)
	require.Equal(t, protocol.TypeEvent, env.Type)
	require.Equal(t, protocol.EventIdentified, env.EventName)

	var ack protocol.IdentifiedPayload
	require.NoError(t, env.DecodePayload(&ack))
	return ack
}

func subscribeEvent(t *testing.T, name string, events ...string) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEvent(name, protocol.SubscribePayload{Events: events})
	require.NoError(t, err)
	return env
}

func TestServeConn_RequestBeforeIdentify(t *testing.T) {
	gw, _ := newTestGateway(t)
	conn := pipeAgent(t, gw)

	send(t, conn, protocol.NewRequest("req_early_1", "echo", nil))
	env := recv(t, conn)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, "req_early_1", env.RequestID)
	assert.Equal(t, "agent not identified", env.Error)

	send(t, conn, &protocol.Envelope{Type: protocol.TypePing})
	assert.Equal(t, protocol.TypePong, recv(t, conn).Type)

	ack := identify(t, conn, "sql-agent", "sql")
	assert.NotEmpty(t, ack.SessionID)
}

func TestServeConn_Identify(t *testing.T) {
	gw, ms := newTestGateway(t)
	conn := pipeAgent(t, gw)

	ack := identify(t, conn, "sql-agent", "sql")

	assert.Equal(t, "sql-agent", ack.AgentID)
	assert.Equal(t, gw.ServerID(), ack.ServerID)
	assert.Equal(t, protocol.Version, ack.ProtocolVersion)
	assert.Subset(t, ack.Capabilities, []string{"echo", "list_methods", "server_info"})

	require.Eventually(t, func() bool { return gw.Registry().IsOnline("sql-agent") }, time.Second, 5*time.Millisecond)
	sess, ok := gw.Registry().Get("sql-agent")
	require.True(t, ok)
	assert.Equal(t, ack.SessionID, sess.ID)
	assert.Len(t, gw.Registry().OfTypes("sql"), 1)

	require.Eventually(t, func() bool {
		_, err := ms.GetSession(context.Background(), ack.SessionID)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	rec, err := ms.GetSession(context.Background(), ack.SessionID)
	require.NoError(t, err)
	assert.True(t, rec.Open())
	assert.Equal(t, []string{"sql"}, rec.Capabilities)
}

func TestServeConn_RejectsUnsupportedVersion(t *testing.T) {
	gw, _ := newTestGateway(t)
	conn := pipeAgent(t, gw)

	send(t, conn, identifyEvent(t, "future-agent", "sql", "2.0"))

	env := recv(t, conn)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Contains(t, env.Error, "unsupported protocol version")
	assert.True(t, closed(t, conn))
	assert.Equal(t, 0, gw.Registry().Count())
}

func TestServeConn_RejectsMissingAgentID(t *testing.T) {
	gw, _ := newTestGateway(t)
	conn := pipeAgent(t, gw)

	send(t, conn, identifyEvent(t, "", "sql", protocol.Version))

	env := recv(t, conn)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Contains(t, env.Error, "agent_id is required")
	assert.True(t, closed(t, conn))
}

func TestServeConn_IdentifyTimeout(t *testing.T) {
	gw, _ := newTestGateway(t, WithIdentifyTimeout(20*time.Millisecond))
	conn := pipeAgent(t, gw)

	assert.True(t, closed(t, conn))
}

func TestServeConn_UnknownMethod(t *testing.T) {
	gw, _ := newTestGateway(t)
	conn := pipeAgent(t, gw)
	identify(t, conn, "sql-agent", "sql")

	send(t, conn, protocol.NewRequest("req_1", "foo", nil))

	env := recv(t, conn)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, "req_1", env.RequestID)
	assert.Equal(t, "unknown method: foo", env.Error)
}

func TestServeConn_RequestUpdatesSessionMetrics(t *testing.T) {
	gw, _ := newTestGateway(t)
	conn := pipeAgent(t, gw)
	identify(t, conn, "sql-agent", "sql")

	send(t, conn, protocol.NewRequest("req_1", "echo", map[string]any{"q": "select 1"}))

	env := recv(t, conn)
	require.Equal(t, protocol.TypeResponse, env.Type)
	assert.JSONEq(t, `{"q":"select 1"}`, string(env.Payload))

	sess, ok := gw.Registry().Get("sql-agent")
	require.True(t, ok)
	assert.Equal(t, int64(1), sess.Info().RequestCount)
}

func TestServeConn_BatchKeepsOrder(t *testing.T) {
	gw, _ := newTestGateway(t)
	conn := pipeAgent(t, gw)
	identify(t, conn, "sql-agent", "sql")

	send(t, conn, protocol.NewBatchRequest("batch_1", []protocol.BatchEntry{
		{Method: "echo", Params: map[string]any{"n": 1}},
		{Method: "foo"},
		{Method: "echo", Params: map[string]any{"n": 3}},
	}))

	env := recv(t, conn)
	require.Equal(t, protocol.TypeBatchResponse, env.Type)
	assert.Equal(t, "batch_1", env.RequestID)
	require.Len(t, env.Results, 3)
	assert.JSONEq(t, `{"n":1}`, string(env.Results[0].Payload))
	assert.True(t, env.Results[1].Failed())
	assert.Equal(t, "unknown method: foo", env.Results[1].Error)
	assert.JSONEq(t, `{"n":3}`, string(env.Results[2].Payload))
}

func TestServeConn_DuplicateRequestID(t *testing.T) {
	gw, _ := newTestGateway(t)
	conn := pipeAgent(t, gw)
	identify(t, conn, "sql-agent", "sql")

	send(t, conn, protocol.NewRequest("req_1", "echo", nil))
	assert.Equal(t, protocol.TypeResponse, recv(t, conn).Type)

	send(t, conn, protocol.NewRequest("req_1", "echo", nil))
	env := recv(t, conn)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, "req_1", env.RequestID)
	assert.Equal(t, "duplicate request id", env.Error)
}

func TestServeConn_MalformedEnvelopes(t *testing.T) {
	gw, _ := newTestGateway(t)
	conn := pipeAgent(t, gw)
	identify(t, conn, "sql-agent", "sql")

	require.NoError(t, conn.Write(context.Background(), []byte(`{"type":"request","request_id":"req_bad"}`)))
	env := recv(t, conn)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, "req_bad", env.RequestID)
	assert.Contains(t, env.Error, "malformed envelope")

	// Unparseable frames are dropped and the loop keeps going.
	require.NoError(t, conn.Write(context.Background(), []byte(`not json`)))
	send(t, conn, &protocol.Envelope{Type: protocol.TypePing})
	assert.Equal(t, protocol.TypePong, recv(t, conn).Type)
}

func TestServeConn_PingTouchesSession(t *testing.T) {
	gw, _ := newTestGateway(t)
	conn := pipeAgent(t, gw)
	identify(t, conn, "sql-agent", "sql")

	sess, ok := gw.Registry().Get("sql-agent")
	require.True(t, ok)
	before := sess.LastSeen()
	time.Sleep(5 * time.Millisecond)

	send(t, conn, &protocol.Envelope{Type: protocol.TypePing})
	assert.Equal(t, protocol.TypePong, recv(t, conn).Type)
	assert.True(t, sess.LastSeen().After(before))
}

func TestServeConn_SecondIdentifyOnSameConnection(t *testing.T) {
	gw, _ := newTestGateway(t)
	conn := pipeAgent(t, gw)
	identify(t, conn, "sql-agent", "sql")

	send(t, conn, identifyEvent(t, "other", "sql", protocol.Version))
	env := recv(t, conn)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, "agent already identified", env.Error)
	assert.False(t, gw.Registry().IsOnline("other"))
}

func TestServeConn_SubscribeAndBroadcast(t *testing.T) {
	gw, _ := newTestGateway(t)
	conn := pipeAgent(t, gw)
	identify(t, conn, "sql-agent", "sql")

	send(t, conn, subscribeEvent(t, protocol.EventSubscribe, "schema_changed", "quota_exceeded"))
	require.Eventually(t, func() bool {
		return len(gw.Broadcaster().Subscribers("schema_changed")) == 1
	}, time.Second, 5*time.Millisecond)

	report, err := gw.Broadcaster().Broadcast(context.Background(), broadcast.Message{
		Event:   "schema_changed",
		Payload: map[string]string{"table": "users"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"sql-agent"}, report.Delivered)

	env := recv(t, conn)
	assert.Equal(t, protocol.TypeEvent, env.Type)
	assert.Equal(t, "schema_changed", env.EventName)
	assert.JSONEq(t, `{"table":"users"}`, string(env.Payload))

	send(t, conn, subscribeEvent(t, protocol.EventUnsubscribe, "schema_changed"))
	require.Eventually(t, func() bool {
		return len(gw.Broadcaster().Subscribers("schema_changed")) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"sql-agent"}, gw.Broadcaster().Subscribers("quota_exceeded"))
}

func TestServeConn_DisconnectCleanup(t *testing.T) {
	gw, ms := newTestGateway(t)
	conn := pipeAgent(t, gw)
	ack := identify(t, conn, "sql-agent", "sql")

	send(t, conn, subscribeEvent(t, protocol.EventSubscribe, "schema_changed"))
	require.Eventually(t, func() bool {
		return len(gw.Broadcaster().Subscribers("schema_changed")) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close("agent exiting"))

	require.Eventually(t, func() bool {
		rec, err := ms.GetSession(context.Background(), ack.SessionID)
		return err == nil && !rec.Open()
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, gw.Registry().Count())
	assert.Empty(t, gw.Broadcaster().Subscribers("schema_changed"))
	assert.Empty(t, gw.Registry().OfTypes("sql"))
}

func TestServeConn_ReidentifyReplacesSession(t *testing.T) {
	gw, ms := newTestGateway(t)
	first := pipeAgent(t, gw)
	second := pipeAgent(t, gw)

	ack1 := identify(t, first, "sql-agent", "sql")
	require.Eventually(t, func() bool { return gw.Registry().IsOnline("sql-agent") }, time.Second, 5*time.Millisecond)

	ack2 := identify(t, second, "sql-agent", "sql")
	send(t, second, subscribeEvent(t, protocol.EventSubscribe, "schema_changed"))

	assert.True(t, closed(t, first), "older session is closed")

	require.Eventually(t, func() bool {
		rec, err := ms.GetSession(context.Background(), ack1.SessionID)
		return err == nil && !rec.Open()
	}, time.Second, 5*time.Millisecond)
	rec, err := ms.GetSession(context.Background(), ack1.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "replaced by new session", rec.CloseReason)

	// Cleanup of the old session must not touch the new one.
	sess, ok := gw.Registry().Get("sql-agent")
	require.True(t, ok)
	assert.Equal(t, ack2.SessionID, sess.ID)
	require.Eventually(t, func() bool {
		return len(gw.Broadcaster().Subscribers("schema_changed")) == 1
	}, time.Second, 5*time.Millisecond)

	send(t, second, protocol.NewRequest("req_1", "echo", nil))
	assert.Equal(t, protocol.TypeResponse, recv(t, second).Type)
}

func TestSweepStale(t *testing.T) {
	gw, ms := newTestGateway(t)
	conn := pipeAgent(t, gw)
	ack := identify(t, conn, "sql-agent", "sql")
	require.Eventually(t, func() bool { return gw.Registry().IsOnline("sql-agent") }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, gw.sweepStale(context.Background(), time.Now()))

	assert.Equal(t, 1, gw.sweepStale(context.Background(), time.Now().Add(2*time.Minute)))
	assert.True(t, closed(t, conn))

	require.Eventually(t, func() bool {
		rec, err := ms.GetSession(context.Background(), ack.SessionID)
		return err == nil && rec.CloseReason == CloseReasonStale
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, gw.Registry().Count())
}

func TestSweepLoop_EvictsSilentAgents(t *testing.T) {
	cfg := testConfig()
	cfg.Sessions.StaleAfter = 30 * time.Millisecond
	cfg.Sessions.SweepInterval = 10 * time.Millisecond
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.sweepLoop(ctx)

	conn := pipeAgent(t, gw)
	identify(t, conn, "quiet-agent", "sql")

	assert.True(t, closed(t, conn))
	assert.Eventually(t, func() bool { return gw.Registry().Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSweepLoop_KeepsPingingAgentDuringSlowRequest(t *testing.T) {
	cfg := testConfig()
	cfg.Sessions.StaleAfter = 150 * time.Millisecond
	cfg.Sessions.SweepInterval = 20 * time.Millisecond
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	require.NoError(t, gw.Dispatcher().RegisterName("slow", func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-time.After(400 * time.Millisecond):
			return map[string]any{"done": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.sweepLoop(ctx)

	conn := pipeAgent(t, gw)
	identify(t, conn, "busy-agent", "sql")
	send(t, conn, protocol.NewRequest("req_1", "slow", nil))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(30 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				data, err := protocol.Encode(&protocol.Envelope{Type: protocol.TypePing})
				if err != nil || conn.Write(context.Background(), data) != nil {
					return
				}
			}
		}
	}()

	pongs := 0
	for {
		env := recv(t, conn)
		if env.Type == protocol.TypePong {
			pongs++
			continue
		}
		require.Equal(t, protocol.TypeResponse, env.Type)
		assert.Equal(t, "req_1", env.RequestID)
		assert.JSONEq(t, `{"done":true}`, string(env.Payload))
		break
	}
	assert.Positive(t, pongs, "pings are answered while the handler runs")
	assert.True(t, gw.Registry().IsOnline("busy-agent"))
}

func TestServeConn_PingAnsweredWhileRequestQueued(t *testing.T) {
	gw, _ := newTestGateway(t)
	release := make(chan struct{})
	require.NoError(t, gw.Dispatcher().RegisterName("block", func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-release:
			return "released", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	conn := pipeAgent(t, gw)
	identify(t, conn, "sql-agent", "sql")

	send(t, conn, protocol.NewRequest("req_1", "block", nil))
	send(t, conn, protocol.NewRequest("req_2", "echo", map[string]any{"n": 2}))
	send(t, conn, &protocol.Envelope{Type: protocol.TypePing})
	assert.Equal(t, protocol.TypePong, recv(t, conn).Type)

	close(release)
	first := recv(t, conn)
	assert.Equal(t, "req_1", first.RequestID)
	assert.JSONEq(t, `"released"`, string(first.Payload))
	assert.Equal(t, "req_2", recv(t, conn).RequestID)
}

func TestCloseReason_TrimsOnRuneBoundary(t *testing.T) {
	short := errors.New("connection reset")
	assert.Equal(t, "connection reset", closeReason(short))

	// 99 ASCII bytes then a 3-byte rune straddling the limit.
	long := errors.New(strings.Repeat("a", 99) + "€€")
	got := closeReason(long)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 99), got)
	assert.LessOrEqual(t, len(got), maxCloseReason)

	exact := errors.New(strings.Repeat("b", 97) + "€")
	assert.Equal(t, exact.Error(), closeReason(exact))
}

func TestServerInfoBuiltin(t *testing.T) {
	gw, _ := newTestGateway(t, WithVersion("1.2.3"))
	conn := pipeAgent(t, gw)
	identify(t, conn, "sql-agent", "sql")

	send(t, conn, protocol.NewRequest("req_1", "server_info", nil))
	env := recv(t, conn)
	require.Equal(t, protocol.TypeResponse, env.Type)

	var info ServerInfo
	require.NoError(t, json.Unmarshal(env.Payload, &info))
	assert.Equal(t, gw.ServerID(), info.ServerID)
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, protocol.Version, info.ProtocolVersion)
	assert.Equal(t, 1, info.Agents)
}

func TestShutdown_ClosesSessions(t *testing.T) {
	gw, ms := newTestGateway(t)
	conn := pipeAgent(t, gw)
	ack := identify(t, conn, "sql-agent", "sql")
	require.Eventually(t, func() bool { return gw.Registry().IsOnline("sql-agent") }, time.Second, 5*time.Millisecond)

	require.NoError(t, gw.Shutdown(context.Background()))
	assert.True(t, closed(t, conn))

	rec, err := ms.GetSession(context.Background(), ack.SessionID)
	require.NoError(t, err)
	assert.False(t, rec.Open(), "cleanup finishes before Shutdown returns")

	// New connections are refused once shutdown has begun.
	late := pipeAgent(t, gw)
	assert.True(t, closed(t, late))
}

func TestSupportedVersion(t *testing.T) {
	assert.True(t, supportedVersion("1.0"))
	assert.True(t, supportedVersion("1.7"))
	assert.True(t, supportedVersion("1"))
	assert.False(t, supportedVersion("2.0"))
	assert.False(t, supportedVersion(""))
}

func TestServe_GRPCHealthAndGracefulStop(t *testing.T) {
	gw, err := New(testConfig(), testLogger())
	require.NoError(t, err)

	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- gw.Serve(ctx, httpLn, grpcLn) }()

	conn, err := grpc.NewClient(grpcLn.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	checkCtx, checkCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer checkCancel()
	resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
