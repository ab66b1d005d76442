// ABOUTME: Mock Store implementation for testing
// ABOUTME: Keeps the session ledger in memory so tests run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord // keyed by session ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*SessionRecord),
	}
}

// RecordConnect stores a new open session.
func (m *MockStore) RecordConnect(_ context.Context, rec *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[rec.SessionID]; exists {
		return ErrDuplicateSession
	}
	r := *rec
	r.Capabilities = append([]string{}, rec.Capabilities...)
	r.DisconnectedAt = nil
	m.sessions[rec.SessionID] = &r
	return nil
}

// RecordDisconnect closes an open session.
func (m *MockStore) RecordDisconnect(_ context.Context, sessionID string, end SessionEnd) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if !r.Open() {
		return nil
	}
	at := end.At
	r.DisconnectedAt = &at
	r.CloseReason = end.Reason
	r.RequestCount = end.RequestCount
	r.AvgLatencyMS = end.AvgLatencyMS
	return nil
}

// GetSession returns a copy of the session.
func (m *MockStore) GetSession(_ context.Context, sessionID string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// ListSessions returns matching sessions, most recently connected first.
func (m *MockStore) ListSessions(_ context.Context, f SessionFilter) ([]*SessionRecord, error) {
	m.mu.RLock()
	var out []*SessionRecord
	for _, r := range m.sessions {
		if f.AgentID != "" && r.AgentID != f.AgentID {
			continue
		}
		if f.OpenOnly && !r.Open() {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.After(out[j].ConnectedAt) })
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CloseOrphaned closes every open session.
func (m *MockStore) CloseOrphaned(_ context.Context, at time.Time, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.sessions {
		if r.Open() {
			t := at
			r.DisconnectedAt = &t
			r.CloseReason = reason
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
