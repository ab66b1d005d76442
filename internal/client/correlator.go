// ABOUTME: Maps outstanding request ids to the caller awaiting the answer.
// ABOUTME: Each pending call resolves exactly once: response, error, timeout, or rejection.

package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/mcplink/internal/protocol"
)

// outcome is what a pending call resolves to.
type outcome struct {
	env *protocol.Envelope
	err error
}

// PendingCall links a sent request to the slot awaiting its result.
type PendingCall struct {
	id       string
	issuedAt time.Time
	slot     chan outcome // buffered(1), written at most once
}

// ID returns the request id of the call.
func (p *PendingCall) ID() string { return p.id }

// Correlator assigns request ids and matches inbound answers to pending calls.
type Correlator struct {
	agentID string
	counter atomic.Uint64

	mu      sync.Mutex
	pending map[string]*PendingCall

	logger *slog.Logger
}

// NewCorrelator creates a Correlator scoped to agentID.
func NewCorrelator(agentID string, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		agentID: agentID,
		pending: make(map[string]*PendingCall),
		logger:  logger.With("component", "correlator"),
	}
}

// NextRequestID returns a fresh id for a single request.
func (c *Correlator) NextRequestID() string {
	return fmt.Sprintf("req_%s_%d", c.agentID, c.counter.Add(1))
}

// NextBatchID returns a fresh id for a batch. It shares the counter with
// request ids so a batch id never equals a member id.
func (c *Correlator) NextBatchID() string {
	return fmt.Sprintf("batch_%s_%d", c.agentID, c.counter.Add(1))
}

// Register creates a PendingCall for id.
func (c *Correlator) Register(id string) (*PendingCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequestID, id)
	}
	call := &PendingCall{
		id:       id,
		issuedAt: time.Now(),
		slot:     make(chan outcome, 1),
	}
	c.pending[id] = call
	return call, nil
}

// take removes and returns the pending call for id, if still outstanding.
func (c *Correlator) take(id string) *PendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return call
}

// Resolve delivers an inbound response, batch_response or error envelope to
// the call with the same request id. Envelopes without a pending call are
// logged and discarded; it returns false for those.
func (c *Correlator) Resolve(env *protocol.Envelope) bool {
	call := c.take(env.RequestID)
	if call == nil {
		c.logger.Warn("received response for unknown request",
			"request_id", env.RequestID,
			"type", env.Type,
		)
		return false
	}
	c.logger.Debug("response correlated",
		"request_id", env.RequestID,
		"type", env.Type,
		"latency", time.Since(call.issuedAt),
	)
	call.slot <- outcome{env: env}
	return true
}

// Cancel removes a pending call without resolving it (used when the send
// itself failed and the caller gets the send error directly).
func (c *Correlator) Cancel(id string) {
	c.take(id)
}

// RejectAll fails every pending call with err and clears the map.
// Returns how many calls were rejected.
func (c *Correlator) RejectAll(err error) int {
	c.mu.Lock()
	calls := c.pending
	c.pending = make(map[string]*PendingCall)
	c.mu.Unlock()

	for _, call := range calls {
		call.slot <- outcome{err: err}
	}
	return len(calls)
}

// Await blocks until call resolves, timeout elapses, or ctx is done.
// On timeout or cancellation the call is removed; if a resolution raced in
// first, that resolution wins.
func (c *Correlator) Await(ctx context.Context, call *PendingCall, timeout time.Duration) (*protocol.Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var abandon error
	select {
	case out := <-call.slot:
		return out.env, out.err
	case <-timer.C:
		abandon = fmt.Errorf("%w: %s after %s", ErrTimeout, call.id, timeout)
	case <-ctx.Done():
		abandon = ctx.Err()
	}

	if c.take(call.id) != nil {
		return nil, abandon
	}
	out := <-call.slot
	return out.env, out.err
}

// Pending returns the number of outstanding calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
