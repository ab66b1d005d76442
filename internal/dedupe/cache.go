// ABOUTME: Thread-safe TTL cache of (session, request id) pairs.
// ABOUTME: Used by the gateway to reject a request id replayed on the same session.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults for zero Config fields.
const (
	DefaultTTL           = 5 * time.Minute
	DefaultMaxSize       = 100_000
	DefaultSweepInterval = time.Minute
)

// Config sets the cache limits.
type Config struct {
	TTL           time.Duration
	MaxSize       int
	SweepInterval time.Duration
}

// Key identifies one request on one session.
type Key struct {
	Session string
	Request string
}

type entry struct {
	seenAt  time.Time
	element *list.Element // holds the Key
}

// Cache is a TTL-based, size-limited record of seen request ids, grouped by
// session. The oldest entry is evicted first when the cache is full.
type Cache struct {
	mu        sync.Mutex
	bySession map[string]map[string]*entry
	order     *list.List // oldest at front
	size      int
	ttl       time.Duration
	maxSize   int

	done   chan struct{}
	closed bool
}

// New creates a cache and starts its background sweep.
func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	c := &Cache{
		bySession: make(map[string]map[string]*entry),
		order:     list.New(),
		ttl:       cfg.TTL,
		maxSize:   cfg.MaxSize,
		done:      make(chan struct{}),
	}
	go c.sweep(cfg.SweepInterval)
	return c
}

// Seen atomically checks whether requestID was already seen on sessionID
// within the TTL, and records it if not. It returns true for a duplicate.
func (c *Cache) Seen(sessionID, requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	reqs := c.bySession[sessionID]
	if e, ok := reqs[requestID]; ok {
		if now.Sub(e.seenAt) < c.ttl {
			return true
		}
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return false
	}

	if c.size >= c.maxSize {
		c.evictOldestLocked()
	}
	if reqs == nil {
		reqs = make(map[string]*entry)
		c.bySession[sessionID] = reqs
	}
	reqs[requestID] = &entry{
		seenAt:  now,
		element: c.order.PushBack(Key{Session: sessionID, Request: requestID}),
	}
	c.size++
	return false
}

// Forget drops every request id recorded for sessionID.
func (c *Cache) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.bySession[sessionID] {
		c.order.Remove(e.element)
		c.size--
	}
	delete(c.bySession, sessionID)
}

// Len returns the number of recorded pairs, expired ones included until the
// next sweep.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.removeLocked(front.Value.(Key))
}

func (c *Cache) removeLocked(k Key) {
	reqs, ok := c.bySession[k.Session]
	if !ok {
		return
	}
	e, ok := reqs[k.Request]
	if !ok {
		return
	}
	c.order.Remove(e.element)
	delete(reqs, k.Request)
	if len(reqs) == 0 {
		delete(c.bySession, k.Session)
	}
	c.size--
}

func (c *Cache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired(time.Now())
		case <-c.done:
			return
		}
	}
}

// removeExpired walks from the oldest entry and stops at the first live one.
func (c *Cache) removeExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for front := c.order.Front(); front != nil; front = c.order.Front() {
		k := front.Value.(Key)
		if now.Sub(c.bySession[k.Session][k.Request].seenAt) < c.ttl {
			return
		}
		c.removeLocked(k)
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
