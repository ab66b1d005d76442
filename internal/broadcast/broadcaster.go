// ABOUTME: Subscription index and best-effort event fan-out to agent sessions.
// ABOUTME: Targets are the deduplicated union of ids, types and event subscribers.

package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/mcplink/internal/agent"
	"github.com/2389/mcplink/internal/protocol"
	"github.com/2389/mcplink/internal/telemetry"
)

// ErrReservedEvent is returned when broadcasting a protocol control event.
var ErrReservedEvent = errors.New("reserved event name")

// ErrEmptyEvent is returned when broadcasting without an event name.
var ErrEmptyEvent = errors.New("event name is required")

// DefaultSendTimeout bounds each per-target send.
const DefaultSendTimeout = 5 * time.Second

// Sessions is the view of connected agents the broadcaster needs.
type Sessions interface {
	Get(agentID string) (*agent.Session, bool)
	OfTypes(types ...string) []*agent.Session
	All() []*agent.Session
}

// Config contains configuration options for the Broadcaster.
type Config struct {
	SendTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *telemetry.Metrics
}

// Message is one event to deliver.
type Message struct {
	Event      string   `json:"event_name"`
	Payload    any      `json:"payload,omitempty"`
	AgentTypes []string `json:"agent_types,omitempty"`
	AgentIDs   []string `json:"agent_ids,omitempty"`
}

// Report lists which targets received the event. Both lists are sorted.
type Report struct {
	Event     string   `json:"event_name"`
	Delivered []string `json:"delivered"`
	Failed    []string `json:"failed"`
}

// Broadcaster holds the subscription index and delivers events.
type Broadcaster struct {
	sessions Sessions
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	mu      sync.RWMutex
	byEvent map[string]map[string]struct{} // event -> agent ids
	byAgent map[string]map[string]struct{} // agent id -> events
}

// New creates a Broadcaster delivering to sessions.
func New(sessions Sessions, cfg Config) *Broadcaster {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broadcaster{
		sessions: sessions,
		timeout:  cfg.SendTimeout,
		logger:   cfg.Logger.With("component", "broadcaster"),
		metrics:  cfg.Metrics,
		byEvent:  make(map[string]map[string]struct{}),
		byAgent:  make(map[string]map[string]struct{}),
	}
}

// Subscribe adds agentID to the subscriber set of each event.
func (b *Broadcaster) Subscribe(agentID string, events ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mine, ok := b.byAgent[agentID]
	if !ok {
		mine = make(map[string]struct{})
		b.byAgent[agentID] = mine
	}
	for _, ev := range events {
		if ev == "" {
			continue
		}
		subs, ok := b.byEvent[ev]
		if !ok {
			subs = make(map[string]struct{})
			b.byEvent[ev] = subs
		}
		subs[agentID] = struct{}{}
		mine[ev] = struct{}{}
	}
	if len(mine) == 0 {
		delete(b.byAgent, agentID)
	}

	b.logger.Debug("subscribed", "agent_id", agentID, "events", events)
}

// Unsubscribe removes agentID from the subscriber set of each event.
func (b *Broadcaster) Unsubscribe(agentID string, events ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ev := range events {
		b.dropLocked(agentID, ev)
	}
	b.logger.Debug("unsubscribed", "agent_id", agentID, "events", events)
}

// RemoveAgent clears every subscription held by agentID and returns how
// many were removed.
func (b *Broadcaster) RemoveAgent(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	mine := b.byAgent[agentID]
	n := len(mine)
	for ev := range mine {
		b.dropLocked(agentID, ev)
	}
	return n
}

func (b *Broadcaster) dropLocked(agentID, event string) {
	if subs, ok := b.byEvent[event]; ok {
		delete(subs, agentID)
		if len(subs) == 0 {
			delete(b.byEvent, event)
		}
	}
	if mine, ok := b.byAgent[agentID]; ok {
		delete(mine, event)
		if len(mine) == 0 {
			delete(b.byAgent, agentID)
		}
	}
}

// Subscribers returns the agent ids subscribed to event, sorted.
func (b *Broadcaster) Subscribers(event string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sortedKeys(b.byEvent[event])
}

// Subscriptions returns the whole index as event -> sorted agent ids.
func (b *Broadcaster) Subscriptions() map[string][]string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string][]string, len(b.byEvent))
	for ev, subs := range b.byEvent {
		out[ev] = sortedKeys(subs)
	}
	return out
}

// Broadcast delivers msg to its targets and reports the outcome per agent.
// Explicit ids that are not connected are reported as failed.
func (b *Broadcaster) Broadcast(ctx context.Context, msg Message) (Report, error) {
	report := Report{Event: msg.Event, Delivered: []string{}, Failed: []string{}}
	if msg.Event == "" {
		return report, ErrEmptyEvent
	}
	if isReserved(msg.Event) {
		return report, fmt.Errorf("%w: %s", ErrReservedEvent, msg.Event)
	}

	env, err := protocol.NewEvent(msg.Event, msg.Payload)
	if err != nil {
		return report, err
	}

	targets, missing := b.resolve(msg)

	var (
		mu     sync.Mutex
		g      errgroup.Group
		failed = missing
	)
	var delivered []string
	for id, sess := range targets {
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, b.timeout)
			defer cancel()

			err := sess.Send(sendCtx, env)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				b.logger.Warn("event delivery failed",
					"event", msg.Event,
					"agent_id", id,
					"error", err,
				)
				failed = append(failed, id)
				return nil
			}
			delivered = append(delivered, id)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(delivered)
	sort.Strings(failed)
	if delivered != nil {
		report.Delivered = delivered
	}
	if failed != nil {
		report.Failed = failed
	}

	b.metrics.RecordBroadcast(ctx, msg.Event, len(report.Delivered), len(report.Failed))
	b.logger.Info("event broadcast",
		"event", msg.Event,
		"delivered", len(report.Delivered),
		"failed", len(report.Failed),
	)
	return report, nil
}

// resolve computes the deduplicated target set. It also returns explicit
// ids with no connected session.
func (b *Broadcaster) resolve(msg Message) (map[string]*agent.Session, []string) {
	targets := make(map[string]*agent.Session)
	var missing []string

	for _, id := range msg.AgentIDs {
		if _, seen := targets[id]; seen {
			continue
		}
		sess, ok := b.sessions.Get(id)
		if !ok {
			if !slices.Contains(missing, id) {
				missing = append(missing, id)
			}
			continue
		}
		targets[id] = sess
	}

	for _, sess := range b.sessions.OfTypes(msg.AgentTypes...) {
		targets[sess.AgentID] = sess
	}

	subscribers := b.Subscribers(msg.Event)
	for _, id := range subscribers {
		if sess, ok := b.sessions.Get(id); ok {
			targets[id] = sess
		}
	}

	if len(msg.AgentIDs) == 0 && len(msg.AgentTypes) == 0 && len(subscribers) == 0 {
		for _, sess := range b.sessions.All() {
			targets[sess.AgentID] = sess
		}
	}
	return targets, missing
}

func isReserved(event string) bool {
	switch event {
	case protocol.EventIdentify, protocol.EventIdentified, protocol.EventSubscribe, protocol.EventUnsubscribe:
		return true
	}
	return false
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
