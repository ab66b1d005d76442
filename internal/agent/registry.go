// ABOUTME: Tracks identified agent sessions by agent id and by agent type.
// ABOUTME: Re-identification replaces a session; removing a stale one never evicts its successor.

package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrAgentNotFound indicates the specified agent is not connected.
var ErrAgentNotFound = errors.New("agent not found")

// Registry holds the current session of every identified agent.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byType   map[string]map[string]*Session
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		byType:   make(map[string]map[string]*Session),
		logger:   logger.With("component", "registry"),
	}
}

// Register makes sess the current session for its agent id and returns the
// session it replaced, if any. The caller closes the replaced session.
func (r *Registry) Register(sess *Session) *Session {
	r.mu.Lock()
	prev := r.sessions[sess.AgentID]
	if prev != nil {
		r.removeLocked(prev)
	}
	r.sessions[sess.AgentID] = sess
	set, ok := r.byType[sess.AgentType]
	if !ok {
		set = make(map[string]*Session)
		r.byType[sess.AgentType] = set
	}
	set[sess.AgentID] = sess
	total := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", sess.AgentID,
		"agent_type", sess.AgentType,
		"session_id", sess.ID,
		"capabilities", sess.Capabilities,
		"replaced", prev != nil,
		"total_agents", total,
	)
	return prev
}

// Unregister removes sess if it is still the current session for its agent
// id. It reports whether anything was removed.
func (r *Registry) Unregister(sess *Session) bool {
	r.mu.Lock()
	if r.sessions[sess.AgentID] != sess {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(sess)
	total := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", sess.AgentID,
		"agent_type", sess.AgentType,
		"session_id", sess.ID,
		"reason", sess.CloseReason(),
		"total_agents", total,
	)
	return true
}

func (r *Registry) removeLocked(sess *Session) {
	delete(r.sessions, sess.AgentID)
	if set, ok := r.byType[sess.AgentType]; ok {
		delete(set, sess.AgentID)
		if len(set) == 0 {
			delete(r.byType, sess.AgentType)
		}
	}
}

// Get returns the current session for agentID.
func (r *Registry) Get(agentID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[agentID]
	return sess, ok
}

// Lookup returns a snapshot of agentID's current session, or
// ErrAgentNotFound when it is not connected.
func (r *Registry) Lookup(agentID string) (Info, error) {
	sess, ok := r.Get(agentID)
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return sess.Info(), nil
}

// IsOnline reports whether agentID has a current session.
func (r *Registry) IsOnline(agentID string) bool {
	_, ok := r.Get(agentID)
	return ok
}

// OfTypes returns the sessions whose agent type is one of types.
func (r *Registry) OfTypes(types ...string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, t := range types {
		for _, sess := range r.byType[t] {
			out = append(out, sess)
		}
	}
	return out
}

// All returns every current session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Count returns the number of connected agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns a snapshot of every session, sorted by agent id.
func (r *Registry) List() []Info {
	sessions := r.All()
	infos := make([]Info, len(sessions))
	for i, sess := range sessions {
		infos[i] = sess.Info()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].AgentID < infos[j].AgentID })
	return infos
}

// Stale returns sessions last seen before now minus after.
func (r *Registry) Stale(now time.Time, after time.Duration) []*Session {
	cutoff := now.Add(-after)
	var out []*Session
	for _, sess := range r.All() {
		if sess.LastSeen().Before(cutoff) {
			out = append(out, sess)
		}
	}
	return out
}
