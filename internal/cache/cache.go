// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/jeranaias/rigrun-relay/internal/metrics"
)

// ErrClosed is returned by GetOrFetch after Close.
var ErrClosed = errors.New("request cache closed")

// FetchFunc produces the value for a key.
type FetchFunc func(ctx context.Context) (any, error)

// =============================================================================
// REQUEST CACHE
// =============================================================================

// RequestCache collapses concurrent calls for the same key into one fetch
// and serves completed results until their TTL runs out.
//
// The TTL of an entry starts when its fetch completes. Failed fetches are
// never stored: every waiter of the failed call receives the error and the
// next call starts a fresh fetch.
type RequestCache struct {
	name   string
	store  Store
	logger zerolog.Logger

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	flights map[string]*flight // running fetches, one per key
	closed  bool

	// ctx is canceled by Close and bounds every fetch.
	ctx    context.Context
	cancel context.CancelFunc

	// Statistics
	hits      int
	misses    int
	coalesced int
	evictions int
}

// flight is a running fetch. Clear marks it stale so its result is not stored.
type flight struct {
	stale bool
}

type entry struct {
	value     any
	expiresAt time.Time
	timer     *time.Timer
}

// Options configures a RequestCache.
type Options struct {
	// Name labels metrics and log lines.
	Name string
	// Store is an optional shared tier consulted before fetching.
	Store Store
	// Logger receives store errors. Defaults to a no-op logger.
	Logger *zerolog.Logger
}

// Stats holds cache statistics.
type Stats struct {
	Hits      int
	Misses    int
	Coalesced int
	Evictions int
	Entries   int
	HitRate   float64
}

// New creates a RequestCache.
func New(opts Options) *RequestCache {
	if opts.Name == "" {
		opts.Name = "default"
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("cache", opts.Name).Logger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RequestCache{
		name:    opts.Name,
		store:   opts.Store,
		logger:  logger,
		entries: make(map[string]*entry),
		flights: make(map[string]*flight),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// =============================================================================
// LOOKUP
// =============================================================================

// GetOrFetch returns the cached value for key, joins an in-flight fetch for
// key, or runs fetch and caches its result for ttl after it completes.
//
// A ttl <= 0 deduplicates concurrent calls without keeping the result.
// If ctx is done before the shared fetch completes, GetOrFetch returns
// ctx.Err() and the fetch keeps running for the other waiters.
func (c *RequestCache) GetOrFetch(ctx context.Context, key string, fetch FetchFunc, ttl time.Duration) (any, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if v, ok := c.lookupLocked(key); ok {
		c.hits++
		c.mu.Unlock()
		metrics.CacheHits.WithLabelValues(c.name).Inc()
		return v, nil
	}
	c.mu.Unlock()

	// ran is only written by the closure that actually executes.
	ran := false
	ch := c.group.DoChan(key, func() (any, error) {
		ran = true
		return c.runFlight(ctx, key, fetch, ttl)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		c.mu.Lock()
		if ran {
			c.misses++
		} else {
			c.coalesced++
		}
		c.mu.Unlock()
		if ran {
			metrics.CacheMisses.WithLabelValues(c.name).Inc()
		} else {
			metrics.CacheCoalesced.WithLabelValues(c.name).Inc()
		}
		return res.Val, res.Err
	}
}

// runFlight executes once per flight, on a singleflight goroutine.
func (c *RequestCache) runFlight(callerCtx context.Context, key string, fetch FetchFunc, ttl time.Duration) (any, error) {
	c.mu.Lock()
	// A flight for this key may have completed between the caller's lookup
	// and this flight starting.
	if v, ok := c.lookupLocked(key); ok {
		c.mu.Unlock()
		return v, nil
	}
	f := &flight{}
	c.flights[key] = f
	c.mu.Unlock()

	// The fetch is shared: it must not die with the first caller, only with
	// the cache itself.
	ctx, cancel := context.WithCancel(context.WithoutCancel(callerCtx))
	stop := context.AfterFunc(c.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	value, fromStore, err := c.fetchThroughStore(ctx, key, fetch, ttl)
	if err != nil {
		c.mu.Lock()
		c.endFlightLocked(key, f)
		c.mu.Unlock()
		metrics.CacheEvictions.WithLabelValues(c.name, "error").Inc()
		return nil, err
	}
	if !fromStore && c.store != nil && ttl > 0 {
		if serr := c.store.Set(ctx, key, value, ttl); serr != nil {
			c.logger.Warn().Err(serr).Str("key", key).Msg("store set failed")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl > 0 && !c.closed && !f.stale {
		c.storeLocked(key, value, ttl)
	}
	c.endFlightLocked(key, f)
	return value, nil
}

// endFlightLocked unregisters f unless a newer flight took its place (must hold lock).
func (c *RequestCache) endFlightLocked(key string, f *flight) {
	if c.flights[key] == f {
		delete(c.flights, key)
	}
}

// fetchThroughStore consults the shared tier before calling fetch.
func (c *RequestCache) fetchThroughStore(ctx context.Context, key string, fetch FetchFunc, ttl time.Duration) (any, bool, error) {
	if c.store != nil && ttl > 0 {
		v, ok, err := c.store.Get(ctx, key)
		if err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("store get failed")
		} else if ok {
			return v, true, nil
		}
	}
	v, err := fetch(ctx)
	return v, false, err
}

// lookupLocked returns an unexpired completed entry (must hold lock).
func (c *RequestCache) lookupLocked(key string) (any, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !time.Now().Before(e.expiresAt) {
		c.removeLocked(key, "ttl")
		return nil, false
	}
	return e.value, true
}

// storeLocked records a completed value and schedules its eviction (must hold lock).
func (c *RequestCache) storeLocked(key string, value any, ttl time.Duration) {
	if old, ok := c.entries[key]; ok {
		old.timer.Stop()
	}
	e := &entry{value: value, expiresAt: time.Now().Add(ttl)}
	e.timer = time.AfterFunc(ttl, func() { c.expire(key, e) })
	c.entries[key] = e
}

// expire is the TTL timer callback.
func (c *RequestCache) expire(key string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// The entry may have been replaced or cleared since the timer was set.
	if c.entries[key] == e {
		c.removeLocked(key, "ttl")
	}
}

// removeLocked deletes an entry and stops its timer (must hold lock).
func (c *RequestCache) removeLocked(key, reason string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	e.timer.Stop()
	delete(c.entries, key)
	c.evictions++
	metrics.CacheEvictions.WithLabelValues(c.name, reason).Inc()
}

// =============================================================================
// INVALIDATION
// =============================================================================

// Clear removes key. A fetch in flight for key still answers its current
// waiters, but its result is not stored and later calls start a new fetch.
func (c *RequestCache) Clear(key string) {
	c.mu.Lock()
	c.removeLocked(key, "clear")
	if f, ok := c.flights[key]; ok {
		f.stale = true
		delete(c.flights, key)
	}
	c.mu.Unlock()

	c.group.Forget(key)
	if c.store != nil {
		if err := c.store.Delete(c.ctx, key); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("store delete failed")
		}
	}
}

// ClearAll removes every entry and cancels every eviction timer.
func (c *RequestCache) ClearAll() {
	c.mu.Lock()
	keys := c.clearLocked()
	c.mu.Unlock()

	for _, key := range keys {
		c.group.Forget(key)
	}
	if c.store != nil {
		if err := c.store.Flush(c.ctx); err != nil {
			c.logger.Warn().Err(err).Msg("store flush failed")
		}
	}
}

// clearLocked drops all entries and returns the keys that were known (must hold lock).
func (c *RequestCache) clearLocked() []string {
	keys := make([]string, 0, len(c.entries)+len(c.flights))
	for key := range c.entries {
		keys = append(keys, key)
	}
	for key, f := range c.flights {
		f.stale = true
		keys = append(keys, key)
	}
	for key := range c.entries {
		c.removeLocked(key, "clear")
	}
	c.flights = make(map[string]*flight)
	return keys
}

// Close cancels in-flight fetches and all timers. The shared store, if any,
// is left untouched. Close is idempotent.
func (c *RequestCache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	keys := c.clearLocked()
	c.mu.Unlock()

	c.cancel()
	for _, key := range keys {
		c.group.Forget(key)
	}
	return nil
}

// =============================================================================
// INSPECTION
// =============================================================================

// Len returns the number of completed entries.
func (c *RequestCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cache statistics.
func (c *RequestCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	hitRate := 0.0
	total := c.hits + c.misses + c.coalesced
	if total > 0 {
		hitRate = float64(c.hits+c.coalesced) / float64(total)
	}

	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Coalesced: c.coalesced,
		Evictions: c.evictions,
		Entries:   len(c.entries),
		HitRate:   hitRate,
	}
}
