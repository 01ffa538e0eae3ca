// ABOUTME: Thread-safe generic TTL cache with insertion-order eviction
// ABOUTME: Backs the tool listing cache and the MCP endpoint session table

package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/agent-gateway/internal/clock"
)

type entry[V any] struct {
	key      string
	value    V
	storedAt time.Time
	element  *list.Element
}

// Cache maps string keys to values that expire after ttl. When full, the
// oldest entry is evicted. A background goroutine sweeps expired entries.
type Cache[V any] struct {
	mu      sync.Mutex
	items   map[string]*entry[V]
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
	done    chan struct{}
	closed  bool
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	clock    clock.Clock
	interval time.Duration
}

// WithClock injects the time source.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithSweepInterval sets how often expired entries are removed.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

// New creates a cache. maxSize <= 0 means unbounded.
func New[V any](ttl time.Duration, maxSize int, opts ...Option) *Cache[V] {
	o := options{clock: clock.Real(), interval: time.Minute}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Cache[V]{
		items:   make(map[string]*entry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   o.clock,
		done:    make(chan struct{}),
	}
	go c.sweep(o.interval)
	return c
}

// Get returns the value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.items[key]
	if !ok {
		return zero, false
	}
	if c.expired(e, c.clock.Now()) {
		c.removeLocked(e)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, refreshing its age.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if e, ok := c.items[key]; ok {
		e.value = value
		e.storedAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if c.maxSize > 0 && len(c.items) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			key, _ := front.Value.(string)
			c.removeLocked(c.items[key])
		}
	}

	e := &entry[V]{key: key, value: value, storedAt: now}
	e.element = c.order.PushBack(key)
	c.items[key] = e
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		c.removeLocked(e)
	}
}

// Purge removes every entry.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*entry[V])
	c.order.Init()
}

// Len counts stored entries, including expired ones not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

func (c *Cache[V]) expired(e *entry[V], now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.storedAt) >= c.ttl
}

// removeLocked must be called with mu held.
func (c *Cache[V]) removeLocked(e *entry[V]) {
	if e == nil {
		return
	}
	c.order.Remove(e.element)
	delete(c.items, e.key)
}

func (c *Cache[V]) sweep(interval time.Duration) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			c.sweepOnce()
		case <-c.done:
			return
		}
	}
}

func (c *Cache[V]) sweepOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for _, e := range c.items {
		if c.expired(e, now) {
			c.removeLocked(e)
		}
	}
}
