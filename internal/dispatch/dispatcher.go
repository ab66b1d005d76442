// ABOUTME: Maps method names to handlers and turns requests into replies.
// ABOUTME: Batches run concurrently with bounded parallelism and keep input order.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/mcplink/internal/protocol"
	"github.com/2389/mcplink/internal/telemetry"
)

// ErrUnknownMethod indicates no handler is registered under the name.
var ErrUnknownMethod = errors.New("unknown method")

// ErrDuplicateMethod indicates a handler is already registered under the name.
var ErrDuplicateMethod = errors.New("method already registered")

// ErrHandlerPanic wraps a recovered handler panic.
var ErrHandlerPanic = errors.New("handler panicked")

// Handler executes one method call.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Defaults for zero Config fields.
const (
	DefaultBatchConcurrency = 8
	DefaultHandlerTimeout   = 30 * time.Second
)

// Config contains configuration options for the Dispatcher.
type Config struct {
	BatchConcurrency int
	HandlerTimeout   time.Duration
	Logger           *slog.Logger
	Metrics          *telemetry.Metrics
}

// Dispatcher routes requests to registered handlers.
type Dispatcher struct {
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
	metrics     *telemetry.Metrics

	mu     sync.RWMutex
	typed  map[protocol.Method]Handler
	custom map[string]Handler
}

// New creates a Dispatcher with the list_methods and echo builtins registered.
func New(cfg Config) *Dispatcher {
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = DefaultBatchConcurrency
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	d := &Dispatcher{
		concurrency: cfg.BatchConcurrency,
		timeout:     cfg.HandlerTimeout,
		logger:      cfg.Logger.With("component", "dispatch"),
		metrics:     cfg.Metrics,
		typed:       make(map[protocol.Method]Handler),
		custom:      make(map[string]Handler),
	}
	d.typed[protocol.MethodListMethods] = d.listMethods
	d.typed[protocol.MethodEcho] = echo
	return d
}

// Register installs h for a well-known method.
func (d *Dispatcher) Register(m protocol.Method, h Handler) error {
	if m == protocol.MethodUnknown {
		return fmt.Errorf("%w: cannot register MethodUnknown", ErrUnknownMethod)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.typed[m]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateMethod, m)
	}
	d.typed[m] = h
	return nil
}

// RegisterName installs h under an arbitrary wire name. Names of well-known
// methods land in the typed table.
func (d *Dispatcher) RegisterName(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrUnknownMethod)
	}
	if m := protocol.ParseMethod(name); m != protocol.MethodUnknown {
		return d.Register(m, h)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.custom[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateMethod, name)
	}
	d.custom[name] = h
	return nil
}

// lookup resolves a wire name to its handler.
func (d *Dispatcher) lookup(name string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if m := protocol.ParseMethod(name); m != protocol.MethodUnknown {
		h, ok := d.typed[m]
		return h, ok
	}
	h, ok := d.custom[name]
	return h, ok
}

// Methods returns every registered method name, sorted.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	names := make([]string, 0, len(d.typed)+len(d.custom))
	for m := range d.typed {
		names = append(names, m.String())
	}
	for name := range d.custom {
		names = append(names, name)
	}
	d.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Call runs the handler for method with the configured timeout. Panics are
// recovered and returned as errors.
func (d *Dispatcher) Call(ctx context.Context, method string, params map[string]any) (result any, err error) {
	h, ok := d.lookup(method)
	if !ok {
		d.metrics.RecordRequest(ctx, method, telemetry.OutcomeUnknownMethod, 0)
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				"method", method,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			result, err = nil, fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
		outcome := telemetry.OutcomeOK
		if err != nil {
			outcome = telemetry.OutcomeHandlerError
		}
		d.metrics.RecordRequest(ctx, method, outcome, time.Since(start))
	}()

	return h(ctx, params)
}

// Dispatch answers a request or batch_request envelope. Any other type
// yields an error envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, env *protocol.Envelope) *protocol.Envelope {
	switch env.Type {
	case protocol.TypeRequest:
		return d.dispatchSingle(ctx, env)
	case protocol.TypeBatchRequest:
		return d.dispatchBatch(ctx, env)
	default:
		return protocol.NewError(env.RequestID, fmt.Sprintf("cannot dispatch %s", env.Type))
	}
}

func (d *Dispatcher) dispatchSingle(ctx context.Context, env *protocol.Envelope) *protocol.Envelope {
	result, err := d.Call(ctx, env.Method, env.Params)
	if err != nil {
		d.logger.Debug("request failed",
			"request_id", env.RequestID,
			"method", env.Method,
			"error", err,
		)
		return protocol.NewError(env.RequestID, errorMessage(err))
	}

	resp, err := protocol.NewResponse(env.RequestID, result)
	if err != nil {
		d.logger.Warn("encoding handler result",
			"request_id", env.RequestID,
			"method", env.Method,
			"error", err,
		)
		return protocol.NewError(env.RequestID, err.Error())
	}
	return resp
}

func (d *Dispatcher) dispatchBatch(ctx context.Context, env *protocol.Envelope) *protocol.Envelope {
	results := make([]protocol.BatchResult, len(env.Requests))

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, req := range env.Requests {
		g.Go(func() error {
			results[i] = d.batchEntry(ctx, req)
			return nil
		})
	}
	_ = g.Wait()

	d.metrics.RecordBatch(ctx, len(env.Requests))
	d.logger.Debug("batch dispatched",
		"request_id", env.RequestID,
		"entries", len(env.Requests),
	)
	return &protocol.Envelope{Type: protocol.TypeBatchResponse, RequestID: env.RequestID, Results: results}
}

func (d *Dispatcher) batchEntry(ctx context.Context, req protocol.BatchEntry) protocol.BatchResult {
	result, err := d.Call(ctx, req.Method, req.Params)
	if err != nil {
		return protocol.BatchResult{Error: errorMessage(err)}
	}
	raw, err := protocol.MarshalPayload(result)
	if err != nil {
		return protocol.BatchResult{Error: err.Error()}
	}
	return protocol.BatchResult{Payload: raw}
}

// errorMessage never returns "", which on the wire would read as success.
func errorMessage(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "handler failed"
}
