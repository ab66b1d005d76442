// ABOUTME: HTTP admin API for inspecting live sessions and pushing events to agents.
// ABOUTME: Provides /health, /api/agents[/{id}], /api/sessions, /api/subscriptions and POST /api/broadcast.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/2389/mcplink/internal/agent"
	"github.com/2389/mcplink/internal/broadcast"
	"github.com/2389/mcplink/internal/store"
)

// maxBroadcastBody caps POST /api/broadcast bodies.
const maxBroadcastBody = 1 << 20

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	ServerID string `json:"server_id"`
	Version  string `json:"version"`
	Agents   int    `json:"agents"`
}

// AgentsResponse is the JSON response for GET /api/agents.
type AgentsResponse struct {
	Agents []agent.Info `json:"agents"`
}

// SessionsResponse is the JSON response for GET /api/sessions.
type SessionsResponse struct {
	Sessions []*store.SessionRecord `json:"sessions"`
}

// SubscriptionsResponse is the JSON response for GET /api/subscriptions.
type SubscriptionsResponse struct {
	Subscriptions map[string][]string `json:"subscriptions"`
}

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/api/agents", g.handleListAgents)
	mux.HandleFunc("/api/agents/{id}", g.handleGetAgent)
	mux.HandleFunc("/api/sessions", g.handleListSessions)
	mux.HandleFunc("/api/subscriptions", g.handleSubscriptions)
	mux.HandleFunc("/api/broadcast", g.handleBroadcast)
}

// handleHealth returns 200 OK while the gateway is serving.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		ServerID: g.serverID,
		Version:  g.version,
		Agents:   g.registry.Count(),
	})
}

// handleListAgents handles GET /api/agents requests.
// Supports optional ?type=X (repeatable) to filter by agent type.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	infos := g.registry.List()
	if types := r.URL.Query()["type"]; len(types) > 0 {
		filtered := make([]agent.Info, 0, len(infos))
		for _, info := range infos {
			for _, t := range types {
				if info.AgentType == t {
					filtered = append(filtered, info)
					break
				}
			}
		}
		infos = filtered
	}
	if infos == nil {
		infos = []agent.Info{}
	}

	writeJSON(w, http.StatusOK, AgentsResponse{Agents: infos})
}

// handleGetAgent handles GET /api/agents/{id}.
func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	info, err := g.registry.Lookup(r.PathValue("id"))
	if errors.Is(err, agent.ErrAgentNotFound) {
		g.sendJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		g.logger.Error("looking up agent", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleListSessions handles GET /api/sessions?agent_id=X&open=true&limit=N
// from the session ledger.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if g.store == nil {
		g.sendJSONError(w, http.StatusNotImplemented, "session ledger not configured")
		return
	}

	q := r.URL.Query()
	filter := store.SessionFilter{AgentID: q.Get("agent_id")}
	if v := q.Get("open"); v != "" {
		open, err := strconv.ParseBool(v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "open must be a boolean")
			return
		}
		filter.OpenOnly = open
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	sessions, err := g.store.ListSessions(r.Context(), filter)
	if err != nil {
		g.logger.Error("listing sessions", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if sessions == nil {
		sessions = []*store.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, SessionsResponse{Sessions: sessions})
}

// handleSubscriptions handles GET /api/subscriptions.
func (g *Gateway) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, SubscriptionsResponse{Subscriptions: g.broadcaster.Subscriptions()})
}

// handleBroadcast handles POST /api/broadcast with a broadcast.Message body
// and answers with the delivery report.
func (g *Gateway) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	msg, err := parseBroadcastRequest(io.LimitReader(r.Body, maxBroadcastBody))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := g.broadcaster.Broadcast(r.Context(), msg)
	switch {
	case errors.Is(err, broadcast.ErrReservedEvent), errors.Is(err, broadcast.ErrEmptyEvent):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		g.logger.Error("broadcast failed", "event", msg.Event, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// parseBroadcastRequest decodes a broadcast body. Unknown fields are
// rejected so a misspelled selector cannot silently widen delivery to
// every agent.
func parseBroadcastRequest(r io.Reader) (broadcast.Message, error) {
	var msg broadcast.Message
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		return msg, fmt.Errorf("invalid JSON body: %v", err)
	}
	msg.Event = strings.TrimSpace(msg.Event)
	return msg, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response with the given status code.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
