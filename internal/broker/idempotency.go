package broker

import (
	"context"
	"sync"
	"time"
)

// DedupCache remembers which idempotency keys have already produced a
// broker order, with a TTL covering plausible retry windows. It lets a
// retried submit short-circuit locally instead of asking the broker, which
// matters for brokers without native idempotency.
type DedupCache struct {
	mu      sync.Mutex
	entries map[string]dedupEntry
	ttl     time.Duration
	stop    chan struct{}
	once    sync.Once
}

type dedupEntry struct {
	ref       OrderRef
	expiresAt time.Time
}

// NewDedupCache creates a cache whose entries expire after ttl. A janitor
// goroutine sweeps expired entries once per ttl (at least once a minute).
func NewDedupCache(ttl time.Duration) *DedupCache {
	c := &DedupCache{
		entries: make(map[string]dedupEntry),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}

	sweep := ttl
	if sweep > time.Minute {
		sweep = time.Minute
	}
	go c.janitor(sweep)
	return c
}

func (c *DedupCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

// Get returns the cached order ref for key, if present and unexpired.
func (c *DedupCache) Get(key string) (*OrderRef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	ref := entry.ref
	return &ref, true
}

// Put records the order ref produced by key.
func (c *DedupCache) Put(key string, ref OrderRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = dedupEntry{ref: ref, expiresAt: time.Now().Add(c.ttl)}
}

// Len returns the number of live entries.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the janitor.
func (c *DedupCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

// Compile-time interface check.
var _ Broker = (*dedupBroker)(nil)

// dedupBroker consults the cache before letting a Submit reach the wire.
type dedupBroker struct {
	Broker
	cache *DedupCache
}

// WithDedup wraps b with local submit de-duplication.
func WithDedup(b Broker, cache *DedupCache) Broker {
	return &dedupBroker{Broker: b, cache: cache}
}

func (d *dedupBroker) Submit(ctx context.Context, req SubmitRequest) (*OrderRef, error) {
	if ref, ok := d.cache.Get(req.IdempotencyKey); ok {
		return ref, nil
	}

	ref, err := d.Broker.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	d.cache.Put(req.IdempotencyKey, *ref)
	return ref, nil
}
