// Package memo provides an expiring, single-flight memoisation cache.
//
// Each key maps to a promise entry: the first caller installs it and runs the
// factory, every concurrent caller for the same key waits on the same entry.
// Failed computations are evicted before their error is surfaced so a later
// call retries.
package memo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Never marks an entry that lives until the cache is reset.
var Never time.Time

// ErrCacheClosed is returned by every lookup after Shutdown.
var ErrCacheClosed = errors.New("memo: cache is closed")

// Factory computes the value for a key.
type Factory[T any] func(ctx context.Context) (T, error)

// Result is delivered by GetOrCreateAsync.
type Result[T any] struct {
	Value T
	Err   error
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Resets     uint64
	Entries    int
	Generation uint64
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

type entry[T any] struct {
	done      chan struct{}
	value     T
	err       error
	expiresAt time.Time
}

func (e *entry[T]) completed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Cache is safe for concurrent use. The zero value is not usable; call New.
type Cache[T any] struct {
	mu         sync.Mutex
	entries    map[string]*entry[T]
	generation uint64
	closed     bool
	now        func() time.Time
	stats      Stats
}

// New builds an empty cache.
func New[T any](opts ...Option) *Cache[T] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[T]{
		entries: make(map[string]*entry[T]),
		now:     o.now,
	}
}

// Now reports the cache clock, so callers can derive absolute expiries.
func (c *Cache[T]) Now() time.Time {
	return c.now()
}

// GetOrCreate returns the live value for key, or runs factory once for all
// concurrent callers and caches a successful result until expiresAt.
//
// A caller whose ctx is cancelled stops waiting and gets ctx.Err(); the
// computation keeps running for the remaining waiters.
func (c *Cache[T]) GetOrCreate(ctx context.Context, key string, factory Factory[T], expiresAt time.Time) (T, error) {
	var zero T
	e, err := c.acquire(ctx, key, factory, expiresAt)
	if err != nil {
		return zero, err
	}

	select {
	case <-e.done:
		if e.err != nil {
			return zero, e.err
		}
		return e.value, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// GetOrCreateAsync is GetOrCreate delivering its outcome on a channel that
// receives exactly one Result.
func (c *Cache[T]) GetOrCreateAsync(ctx context.Context, key string, factory Factory[T], expiresAt time.Time) <-chan Result[T] {
	out := make(chan Result[T], 1)
	go func() {
		v, err := c.GetOrCreate(ctx, key, factory, expiresAt)
		out <- Result[T]{Value: v, Err: err}
	}()
	return out
}

func (c *Cache[T]) acquire(ctx context.Context, key string, factory Factory[T], expiresAt time.Time) (*entry[T], error) {
	if factory == nil {
		return nil, fmt.Errorf("memo: factory for %q is nil", key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCacheClosed
	}

	if e, ok := c.entries[key]; ok {
		if !e.completed() || !c.expired(e) {
			c.stats.Hits++
			return e, nil
		}
		delete(c.entries, key)
		c.stats.Evictions++
	}

	c.stats.Misses++
	e := &entry[T]{done: make(chan struct{}), expiresAt: expiresAt}
	c.entries[key] = e
	go c.compute(context.WithoutCancel(ctx), key, e, factory)
	return e, nil
}

func (c *Cache[T]) compute(ctx context.Context, key string, e *entry[T], factory Factory[T]) {
	value, err := invoke(ctx, factory)

	c.mu.Lock()
	e.value, e.err = value, err
	if err != nil && c.entries[key] == e {
		delete(c.entries, key)
		c.stats.Evictions++
	}
	c.mu.Unlock()

	close(e.done)
}

func invoke[T any](ctx context.Context, factory Factory[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("memo: factory panicked: %v", r)
		}
	}()
	return factory(ctx)
}

func (c *Cache[T]) expired(e *entry[T]) bool {
	if e.expiresAt.IsZero() {
		return false
	}
	return !c.now().Before(e.expiresAt)
}

// Reset drops every entry. Computations already running finish for their
// current waiters but their results never become visible to new lookups.
func (c *Cache[T]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry[T])
	c.generation++
	c.stats.Resets++
}

// Shutdown resets the cache and refuses further lookups with ErrCacheClosed.
func (c *Cache[T]) Shutdown() {
	c.Reset()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Len counts entries, including in-flight ones.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	s.Generation = c.generation
	return s
}
