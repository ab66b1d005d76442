// ABOUTME: Tests for the gateway's HTTP admin API
// ABOUTME: Exercises health, agent and session listings, subscriptions and broadcast

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcplink/internal/agent"
	"github.com/2389/mcplink/internal/broadcast"
	"github.com/2389/mcplink/internal/protocol"
	"github.com/2389/mcplink/internal/store"
)

func doRequest(t *testing.T, gw *Gateway, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

// onlineAgent connects and identifies an agent, waiting until it is registered.
func onlineAgent(t *testing.T, gw *Gateway, agentID, agentType string) {
	t.Helper()
	conn := pipeAgent(t, gw)
	identify(t, conn, agentID, agentType)
	require.Eventually(t, func() bool { return gw.Registry().IsOnline(agentID) }, time.Second, 5*time.Millisecond)
}

func TestHandleHealth(t *testing.T) {
	gw, _ := newTestGateway(t, WithVersion("1.2.3"))
	onlineAgent(t, gw, "sql-agent", "sql")

	rec := doRequest(t, gw, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, gw.ServerID(), resp.ServerID)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, 1, resp.Agents)

	rec = doRequest(t, gw, http.MethodPost, "/health", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleListAgents(t *testing.T) {
	gw, _ := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodGet, "/api/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"agents":[]}`, rec.Body.String())

	onlineAgent(t, gw, "sql-agent", "sql")
	onlineAgent(t, gw, "llm-agent", "llm")

	tests := []struct {
		name   string
		target string
		want   []string
	}{
		{"all", "/api/agents", []string{"llm-agent", "sql-agent"}},
		{"by type", "/api/agents?type=sql", []string{"sql-agent"}},
		{"several types", "/api/agents?type=sql&type=llm", []string{"llm-agent", "sql-agent"}},
		{"no match", "/api/agents?type=vision", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, gw, http.MethodGet, tt.target, "")
			require.Equal(t, http.StatusOK, rec.Code)

			var resp AgentsResponse
			decodeBody(t, rec, &resp)
			var ids []string
			for _, a := range resp.Agents {
				ids = append(ids, a.AgentID)
			}
			assert.ElementsMatch(t, tt.want, ids)
		})
	}
}

func TestHandleGetAgent(t *testing.T) {
	gw, _ := newTestGateway(t)
	onlineAgent(t, gw, "sql-agent", "sql")

	rec := doRequest(t, gw, http.MethodGet, "/api/agents/sql-agent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info agent.Info
	decodeBody(t, rec, &info)
	assert.Equal(t, "sql-agent", info.AgentID)
	assert.Equal(t, "sql", info.AgentType)

	rec = doRequest(t, gw, http.MethodGet, "/api/agents/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "agent not found")

	rec = doRequest(t, gw, http.MethodDelete, "/api/agents/sql-agent", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleListSessions(t *testing.T) {
	gw, ms := newTestGateway(t)
	onlineAgent(t, gw, "sql-agent", "sql")

	gone := pipeAgent(t, gw)
	ack := identify(t, gone, "llm-agent", "llm")
	require.NoError(t, gone.Close("bye"))
	require.Eventually(t, func() bool {
		rec, err := ms.GetSession(context.Background(), ack.SessionID)
		return err == nil && !rec.Open()
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		sessions, err := ms.ListSessions(context.Background(), store.SessionFilter{})
		return err == nil && len(sessions) == 2
	}, time.Second, 5*time.Millisecond)

	tests := []struct {
		name   string
		target string
		want   []string
	}{
		{"all", "/api/sessions", []string{"llm-agent", "sql-agent"}},
		{"open only", "/api/sessions?open=true", []string{"sql-agent"}},
		{"by agent", "/api/sessions?agent_id=llm-agent", []string{"llm-agent"}},
		{"limit", "/api/sessions?limit=1", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, gw, http.MethodGet, tt.target, "")
			require.Equal(t, http.StatusOK, rec.Code)

			var resp SessionsResponse
			decodeBody(t, rec, &resp)
			if tt.want == nil {
				assert.Len(t, resp.Sessions, 1)
				return
			}
			var ids []string
			for _, s := range resp.Sessions {
				ids = append(ids, s.AgentID)
			}
			assert.ElementsMatch(t, tt.want, ids)
		})
	}
}

func TestHandleListSessions_BadQuery(t *testing.T) {
	gw, _ := newTestGateway(t)

	for _, target := range []string{"/api/sessions?open=maybe", "/api/sessions?limit=0", "/api/sessions?limit=x"} {
		rec := doRequest(t, gw, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestHandleListSessions_NoLedger(t *testing.T) {
	gw, err := New(testConfig(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	rec := doRequest(t, gw, http.MethodGet, "/api/sessions", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHandleSubscriptions(t *testing.T) {
	gw, _ := newTestGateway(t)
	gw.Broadcaster().Subscribe("sql-agent", "schema_changed")
	gw.Broadcaster().Subscribe("llm-agent", "schema_changed", "quota_exceeded")

	rec := doRequest(t, gw, http.MethodGet, "/api/subscriptions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SubscriptionsResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, []string{"llm-agent", "sql-agent"}, resp.Subscriptions["schema_changed"])
	assert.Equal(t, []string{"llm-agent"}, resp.Subscriptions["quota_exceeded"])
}

func TestHandleBroadcast(t *testing.T) {
	gw, _ := newTestGateway(t)
	conn := pipeAgent(t, gw)
	identify(t, conn, "sql-agent", "sql")
	require.Eventually(t, func() bool { return gw.Registry().IsOnline("sql-agent") }, time.Second, 5*time.Millisecond)

	body := `{"event_name":"schema_changed","payload":{"table":"users"},"agent_ids":["sql-agent","ghost"]}`
	rec := doRequest(t, gw, http.MethodPost, "/api/broadcast", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var report broadcast.Report
	decodeBody(t, rec, &report)
	assert.Equal(t, "schema_changed", report.Event)
	assert.Equal(t, []string{"sql-agent"}, report.Delivered)
	assert.Equal(t, []string{"ghost"}, report.Failed)

	env := recv(t, conn)
	assert.Equal(t, protocol.TypeEvent, env.Type)
	assert.Equal(t, "schema_changed", env.EventName)
}

func TestHandleBroadcast_Errors(t *testing.T) {
	gw, _ := newTestGateway(t)

	tests := []struct {
		name   string
		method string
		body   string
		status int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"invalid json", http.MethodPost, "{", http.StatusBadRequest},
		{"unknown field", http.MethodPost, `{"event_name":"x","agent":"sql-agent"}`, http.StatusBadRequest},
		{"empty event", http.MethodPost, `{"event_name":"  "}`, http.StatusBadRequest},
		{"reserved event", http.MethodPost, `{"event_name":"identified"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, gw, tt.method, "/api/broadcast", tt.body)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}
