// ABOUTME: Accumulates outgoing calls into windows flushed by size or timeout.
// ABOUTME: One entry goes out as a plain request, more as a single batch_request.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/mcplink/internal/protocol"
)

// exchangeFunc sends env and waits for the envelope answering it.
type exchangeFunc func(ctx context.Context, env *protocol.Envelope, timeout time.Duration) (*protocol.Envelope, error)

// callResult is delivered to a caller's result slot.
type callResult struct {
	payload json.RawMessage
	err     error
}

type batchEntry struct {
	method     string
	params     map[string]any
	slot       chan callResult // buffered(1)
	enqueuedAt time.Time
}

func (e *batchEntry) deliver(payload json.RawMessage, err error) {
	e.slot <- callResult{payload: payload, err: err}
}

// window is one batch generation. Once detached from the Batcher it is
// never appended to again.
type window struct {
	gen     uint64
	entries []*batchEntry
	timer   *time.Timer
}

// BatcherConfig holds the flush policy.
type BatcherConfig struct {
	Size             int           // flush when this many calls are queued
	Timeout          time.Duration // flush this long after the first call of a window
	CallTimeout      time.Duration // await deadline for a single request
	BatchCallTimeout time.Duration // await deadline for a batch_request
}

// Batcher groups calls into windows. At most one window is open at a time
// and every window is flushed exactly once.
type Batcher struct {
	cfg      BatcherConfig
	ids      *Correlator
	exchange exchangeFunc
	ctx      context.Context
	logger   *slog.Logger

	mu      sync.Mutex
	current *window
	gen     uint64
	closed  error
	flushes sync.WaitGroup
}

// NewBatcher creates a Batcher. ctx bounds every flush; cancel it to stop.
func NewBatcher(ctx context.Context, cfg BatcherConfig, ids *Correlator, exchange exchangeFunc, logger *slog.Logger) *Batcher {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		cfg:      cfg,
		ids:      ids,
		exchange: exchange,
		ctx:      ctx,
		logger:   logger.With("component", "batcher"),
	}
}

// Submit queues a call and blocks until its result, or until ctx is done.
// A call abandoned by ctx may still execute on the gateway.
func (b *Batcher) Submit(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	e := &batchEntry{
		method:     method,
		params:     params,
		slot:       make(chan callResult, 1),
		enqueuedAt: time.Now(),
	}
	if err := b.enqueue(e); err != nil {
		return nil, err
	}

	select {
	case r := <-e.slot:
		return r.payload, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Batcher) enqueue(e *batchEntry) error {
	b.mu.Lock()
	if b.closed != nil {
		err := b.closed
		b.mu.Unlock()
		return err
	}

	w := b.current
	if w == nil {
		b.gen++
		w = &window{gen: b.gen}
		b.current = w
	}
	w.entries = append(w.entries, e)

	if len(w.entries) >= b.cfg.Size {
		b.current = nil
		if w.timer != nil {
			w.timer.Stop()
		}
		b.flushes.Add(1)
		b.mu.Unlock()
		go b.flush(w, "size")
		return nil
	}

	if len(w.entries) == 1 {
		w.timer = time.AfterFunc(b.cfg.Timeout, func() { b.flushOnTimer(w) })
	}
	b.mu.Unlock()
	return nil
}

// flushOnTimer flushes w unless a size flush already detached it.
func (b *Batcher) flushOnTimer(w *window) {
	b.mu.Lock()
	if b.current != w {
		b.mu.Unlock()
		return
	}
	b.current = nil
	b.flushes.Add(1)
	b.mu.Unlock()

	b.flush(w, "timeout")
}

func (b *Batcher) flush(w *window, trigger string) {
	defer b.flushes.Done()

	b.logger.Debug("flushing window",
		"generation", w.gen,
		"entries", len(w.entries),
		"trigger", trigger,
		"waited", time.Since(w.entries[0].enqueuedAt),
	)

	if len(w.entries) == 1 {
		b.flushSingle(w.entries[0])
		return
	}
	b.flushBatch(w.entries)
}

func (b *Batcher) flushSingle(e *batchEntry) {
	env := protocol.NewRequest(b.ids.NextRequestID(), e.method, e.params)

	resp, err := b.exchange(b.ctx, env, b.cfg.CallTimeout)
	if err != nil {
		e.deliver(nil, b.normalize(err))
		return
	}

	switch resp.Type {
	case protocol.TypeResponse:
		e.deliver(resp.Payload, nil)
	case protocol.TypeError:
		e.deliver(nil, &RemoteError{RequestID: env.RequestID, Method: e.method, Message: resp.Error})
	default:
		e.deliver(nil, fmt.Errorf("%w: %s answered with %s", ErrProtocol, env.RequestID, resp.Type))
	}
}

func (b *Batcher) flushBatch(entries []*batchEntry) {
	reqs := make([]protocol.BatchEntry, len(entries))
	for i, e := range entries {
		reqs[i] = protocol.BatchEntry{Method: e.method, Params: e.params}
	}
	env := protocol.NewBatchRequest(b.ids.NextBatchID(), reqs)

	resp, err := b.exchange(b.ctx, env, b.cfg.BatchCallTimeout)
	if err != nil {
		b.rejectAll(entries, b.normalize(err))
		return
	}

	switch resp.Type {
	case protocol.TypeBatchResponse:
	case protocol.TypeError:
		b.rejectAll(entries, &RemoteError{RequestID: env.RequestID, Message: resp.Error})
		return
	default:
		b.rejectAll(entries, fmt.Errorf("%w: %s answered with %s", ErrProtocol, env.RequestID, resp.Type))
		return
	}

	if len(resp.Results) != len(entries) {
		b.rejectAll(entries, fmt.Errorf("%w: batch %s returned %d results for %d requests",
			ErrProtocol, env.RequestID, len(resp.Results), len(entries)))
		return
	}

	for i, e := range entries {
		r := resp.Results[i]
		if r.Failed() {
			e.deliver(nil, &RemoteError{RequestID: env.RequestID, Method: e.method, Message: r.Error})
			continue
		}
		e.deliver(r.Payload, nil)
	}
}

func (b *Batcher) rejectAll(entries []*batchEntry, err error) {
	for _, e := range entries {
		e.deliver(nil, err)
	}
}

// normalize maps cancellation of the batcher's own context to ErrClosed.
func (b *Batcher) normalize(err error) error {
	if b.ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return ErrClosed
	}
	return err
}

// Close rejects the open window (if any) with err and makes further Submit
// calls fail with err. Flushes already started finish on their own.
func (b *Batcher) Close(err error) {
	b.mu.Lock()
	if b.closed != nil {
		b.mu.Unlock()
		return
	}
	b.closed = err
	w := b.current
	b.current = nil
	if w != nil && w.timer != nil {
		w.timer.Stop()
	}
	b.mu.Unlock()

	if w != nil {
		b.rejectAll(w.entries, err)
	}
}

// Wait blocks until every started flush has delivered its results.
func (b *Batcher) Wait() {
	b.flushes.Wait()
}
