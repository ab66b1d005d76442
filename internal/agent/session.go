// ABOUTME: Represents a single identified agent and the write side of its connection.
// ABOUTME: Tracks liveness and per-session request metrics for monitoring.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/mcplink/internal/protocol"
	"github.com/2389/mcplink/internal/transport"
)

// ErrSessionClosed is returned when sending on a closed session.
var ErrSessionClosed = errors.New("session closed")

// Defaults for zero SessionParams fields.
const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultLatencyAlpha = 0.1
)

// SessionParams contains the parameters for creating a new Session.
type SessionParams struct {
	ID           string
	AgentID      string
	AgentType    string
	Capabilities []string
	Conn         transport.Conn
	WriteTimeout time.Duration
	LatencyAlpha float64
	Logger       *slog.Logger
}

// Session is one identified agent connection.
type Session struct {
	ID           string
	AgentID      string
	AgentType    string
	Capabilities []string
	ConnectedAt  time.Time

	conn         transport.Conn
	writeTimeout time.Duration
	alpha        float64
	writeMu      sync.Mutex
	logger       *slog.Logger

	mu           sync.Mutex
	lastSeen     time.Time
	requestCount int64
	cumulative   time.Duration
	avgLatency   float64 // ms
	closeReason  string
	done         chan struct{}
}

// NewSession creates a Session for an identified agent.
func NewSession(p SessionParams) *Session {
	if p.WriteTimeout <= 0 {
		p.WriteTimeout = DefaultWriteTimeout
	}
	if p.LatencyAlpha <= 0 || p.LatencyAlpha > 1 {
		p.LatencyAlpha = DefaultLatencyAlpha
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	now := time.Now()
	return &Session{
		ID:           p.ID,
		AgentID:      p.AgentID,
		AgentType:    p.AgentType,
		Capabilities: p.Capabilities,
		ConnectedAt:  now,
		conn:         p.Conn,
		writeTimeout: p.WriteTimeout,
		alpha:        p.LatencyAlpha,
		logger:       p.Logger.With("agent_id", p.AgentID, "session_id", p.ID),
		lastSeen:     now,
		done:         make(chan struct{}),
	}
}

// Send writes env to the agent. Concurrent senders are serialized.
func (s *Session) Send(ctx context.Context, env *protocol.Envelope) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, data)
}

// Touch records that the agent was heard from.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen returns when the agent was last heard from.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// RecordRequest counts one handled request and folds its latency into the
// moving average.
func (s *Session) RecordRequest(latency time.Duration) {
	sample := float64(latency) / float64(time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestCount++
	s.cumulative += latency
	if s.requestCount == 1 {
		s.avgLatency = sample
		return
	}
	s.avgLatency = s.alpha*sample + (1-s.alpha)*s.avgLatency
}

// Info is a point-in-time view of a session.
type Info struct {
	SessionID           string    `json:"session_id"`
	AgentID             string    `json:"agent_id"`
	AgentType           string    `json:"agent_type"`
	Capabilities        []string  `json:"capabilities"`
	ConnectedAt         time.Time `json:"connected_at"`
	LastSeen            time.Time `json:"last_seen"`
	RequestCount        int64     `json:"request_count"`
	AvgLatencyMS        float64   `json:"avg_latency_ms"`
	CumulativeLatencyMS float64   `json:"cumulative_latency_ms"`
}

// Info returns a snapshot of the session's metadata and metrics.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:           s.ID,
		AgentID:             s.AgentID,
		AgentType:           s.AgentType,
		Capabilities:        append([]string(nil), s.Capabilities...),
		ConnectedAt:         s.ConnectedAt,
		LastSeen:            s.lastSeen,
		RequestCount:        s.requestCount,
		AvgLatencyMS:        s.avgLatency,
		CumulativeLatencyMS: float64(s.cumulative) / float64(time.Millisecond),
	}
}

// Close closes the underlying connection. Only the first reason is kept.
func (s *Session) Close(reason string) error {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil
	default:
	}
	s.closeReason = reason
	close(s.done)
	s.mu.Unlock()

	s.logger.Debug("closing session", "reason", reason)
	return s.conn.Close(reason)
}

// Done is closed once Close has been called.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// CloseReason returns the reason passed to the first Close, if any.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}
