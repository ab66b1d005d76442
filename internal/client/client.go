// ABOUTME: Agent-side client sharing one gateway connection across many callers.
// ABOUTME: Combines the connection manager, batcher and correlator behind Call.

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/mcplink/internal/protocol"
	"github.com/2389/mcplink/internal/telemetry"
	"github.com/2389/mcplink/internal/transport"
)

// Config describes how an agent connects and batches.
type Config struct {
	URL          string
	AgentID      string
	AgentType    string
	Capabilities []string

	BatchSize        int
	BatchTimeout     time.Duration
	CallTimeout      time.Duration
	BatchCallTimeout time.Duration

	PingInterval  time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	Reconnect Backoff
}

// Defaults applied by New for zero fields.
const (
	DefaultBatchSize        = 10
	DefaultBatchTimeout     = 50 * time.Millisecond
	DefaultCallTimeout      = 30 * time.Second
	DefaultBatchCallTimeout = 60 * time.Second
	DefaultPingInterval     = 15 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultShutdownGrace    = 5 * time.Second
	DefaultReconnectBase    = 500 * time.Millisecond
	DefaultReconnectCap     = 30 * time.Second
	DefaultReconnectTries   = 10
)

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = DefaultBatchTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.BatchCallTimeout <= 0 {
		c.BatchCallTimeout = DefaultBatchCallTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.Reconnect.Base <= 0 {
		c.Reconnect.Base = DefaultReconnectBase
	}
	if c.Reconnect.Cap <= 0 {
		c.Reconnect.Cap = DefaultReconnectCap
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = DefaultReconnectTries
	}
	return c
}

// EventHandler receives server-originated events. It runs on the
// connection's read loop and must not block.
type EventHandler func(name string, payload json.RawMessage)

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the websocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(c *Client) { c.dial = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records reconnect attempts on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithEventHandler registers the callback for inbound events.
func WithEventHandler(h EventHandler) Option {
	return func(c *Client) { c.onEvent = h }
}

// WithFatalHandler registers a callback invoked once when the client gives
// up reconnecting.
func WithFatalHandler(h func(error)) Option {
	return func(c *Client) { c.onFatal = h }
}

// Client is one agent's connection to the gateway.
type Client struct {
	cfg     Config
	dial    transport.Dialer
	logger  *slog.Logger
	metrics *telemetry.Metrics
	onEvent EventHandler
	onFatal func(error)

	corr    *Correlator
	batcher *Batcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      State
	conn       transport.Conn
	connCancel context.CancelFunc
	attempts   int
	terminal   error
	closed     bool
	done       chan struct{}
	doneOnce   sync.Once
	serverCaps []string
	sessionID  string
	subs       map[string]struct{}

	writeMu  sync.Mutex
	lastPong atomic.Int64
}

// New creates a disconnected client. Call Connect to open the connection.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
		state:  StateDisconnected,
		done:   make(chan struct{}),
		subs:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("agent_id", cfg.AgentID)
	if c.dial == nil {
		c.dial = transport.WebsocketDialer(transport.DialOptions{DialTimeout: c.cfg.WriteTimeout})
	}

	c.corr = NewCorrelator(cfg.AgentID, c.logger)
	c.batcher = NewBatcher(ctx, BatcherConfig{
		Size:             c.cfg.BatchSize,
		Timeout:          c.cfg.BatchTimeout,
		CallTimeout:      c.cfg.CallTimeout,
		BatchCallTimeout: c.cfg.BatchCallTimeout,
	}, c.corr, c.exchange, c.logger)

	return c, nil
}

// Call invokes method on the gateway. Calls are batched transparently.
// The returned payload is the handler's JSON result.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	return c.batcher.Submit(ctx, method, params)
}

// CallInto invokes method and decodes the result into out.
func (c *Client) CallInto(ctx context.Context, method string, params map[string]any, out any) error {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

// exchange registers a pending call for env, sends it, and awaits the answer.
func (c *Client) exchange(ctx context.Context, env *protocol.Envelope, timeout time.Duration) (*protocol.Envelope, error) {
	call, err := c.corr.Register(env.RequestID)
	if err != nil {
		return nil, err
	}
	if err := c.send(ctx, env); err != nil {
		c.corr.Cancel(env.RequestID)
		return nil, err
	}
	return c.corr.Await(ctx, call, timeout)
}

// Subscribe asks the gateway to deliver the named events to this agent.
// Subscriptions are re-sent after every reconnect.
func (c *Client) Subscribe(ctx context.Context, events ...string) error {
	c.mu.Lock()
	for _, e := range events {
		c.subs[e] = struct{}{}
	}
	c.mu.Unlock()
	return c.sendSubscription(ctx, protocol.EventSubscribe, events)
}

// Unsubscribe removes event subscriptions.
func (c *Client) Unsubscribe(ctx context.Context, events ...string) error {
	c.mu.Lock()
	for _, e := range events {
		delete(c.subs, e)
	}
	c.mu.Unlock()
	return c.sendSubscription(ctx, protocol.EventUnsubscribe, events)
}

func (c *Client) sendSubscription(ctx context.Context, name string, events []string) error {
	env, err := protocol.NewEvent(name, protocol.SubscribePayload{Events: events})
	if err != nil {
		return err
	}
	return c.send(ctx, env)
}

func (c *Client) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for e := range c.subs {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// State returns the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the current reconnect attempt number (0 when connected).
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// ServerCapabilities returns what the gateway advertised in its last ack.
func (c *Client) ServerCapabilities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.serverCaps...)
}

// SessionID returns the gateway's id for the current session.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// LastPong returns when the gateway last answered a ping.
func (c *Client) LastPong() time.Time {
	ns := c.lastPong.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Pending returns the number of calls awaiting a response.
func (c *Client) Pending() int {
	return c.corr.Pending()
}

// Done is closed once the client reaches its terminal state.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error, or nil while the client is usable.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}
