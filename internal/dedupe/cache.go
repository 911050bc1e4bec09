// ABOUTME: Thread-safe TTL cache for suppressing duplicate deliveries.
// ABOUTME: The registry uses it so a re-sent command result is only processed once.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry struct {
	seenAt  time.Time
	element *list.Element
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSweepInterval sets how often expired entries are purged. Zero disables
// the background sweep; expired entries are then only replaced lazily.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) { c.sweepEvery = d }
}

// Cache remembers keys for a TTL, bounded by maxSize. Insertion order is
// tracked in a list so the oldest key is evicted in O(1).
type Cache struct {
	mu         sync.Mutex
	seen       map[string]*cacheEntry
	order      *list.List
	ttl        time.Duration
	maxSize    int
	now        func() time.Time
	sweepEvery time.Duration
	done       chan struct{}
	closed     bool
}

// New creates a cache. Unless disabled with WithSweepInterval(0), a
// background goroutine purges expired entries every minute until Close.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	c := &Cache{
		seen:       make(map[string]*cacheEntry),
		order:      list.New(),
		ttl:        ttl,
		maxSize:    maxSize,
		now:        time.Now,
		sweepEvery: time.Minute,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepEvery > 0 {
		go c.sweepLoop()
	}
	return c
}

// Seen reports whether key was marked within the TTL.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// CheckAndMark marks key and reports whether it was already marked within
// the TTL. Check and mark happen under one lock.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked(key) {
		return true
	}
	c.markLocked(key)
	return false
}

// Forget drops key so the next CheckAndMark treats it as new.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.seen[key]; ok {
		c.order.Remove(e.element)
		delete(c.seen, key)
	}
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) liveLocked(key string) bool {
	e, ok := c.seen[key]
	return ok && c.now().Sub(e.seenAt) < c.ttl
}

func (c *Cache) markLocked(key string) {
	now := c.now()

	if e, ok := c.seen[key]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if c.maxSize > 0 && len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, oldest)
		}
	}

	c.seen[key] = &cacheEntry{seenAt: now, element: c.order.PushBack(key)}
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Purge()
		case <-c.done:
			return
		}
	}
}

// Purge removes every expired entry now.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.seen {
		if now.Sub(e.seenAt) >= c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background sweep. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
