// ABOUTME: Store interface and data types for the session ledger
// ABOUTME: Defines SessionRecord, SessionEnd and SessionFilter

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when a session id is recorded twice
var ErrDuplicateSession = errors.New("session already recorded")

// SessionRecord is the persisted history of one agent session.
type SessionRecord struct {
	SessionID      string     `json:"session_id"`
	AgentID        string     `json:"agent_id"`
	AgentType      string     `json:"agent_type"`
	Capabilities   []string   `json:"capabilities"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	CloseReason    string     `json:"close_reason,omitempty"`
	RequestCount   int64      `json:"request_count"`
	AvgLatencyMS   float64    `json:"avg_latency_ms"`
}

// Open reports whether the session has not been closed yet.
func (r *SessionRecord) Open() bool {
	return r.DisconnectedAt == nil
}

// SessionEnd carries the final state of a session.
type SessionEnd struct {
	At           time.Time
	Reason       string
	RequestCount int64
	AvgLatencyMS float64
}

// SessionFilter narrows ListSessions. Zero values match everything.
type SessionFilter struct {
	AgentID  string
	OpenOnly bool
	Limit    int // 0 means DefaultListLimit
}

// DefaultListLimit caps ListSessions when no limit is given.
const DefaultListLimit = 100

// Store persists the session ledger.
type Store interface {
	RecordConnect(ctx context.Context, rec *SessionRecord) error
	RecordDisconnect(ctx context.Context, sessionID string, end SessionEnd) error
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	// ListSessions returns matching records, most recently connected first.
	ListSessions(ctx context.Context, f SessionFilter) ([]*SessionRecord, error)
	// CloseOrphaned closes every open session with reason and returns how many it closed.
	CloseOrphaned(ctx context.Context, at time.Time, reason string) (int, error)
	Close() error
}
