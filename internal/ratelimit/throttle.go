// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/rigrun-relay/internal/metrics"
)

// =============================================================================
// THROTTLER
// =============================================================================

// Throttler runs fn at most once per window. The first call fires
// immediately; calls inside the window are dropped, not queued.
//
// The window is a token bucket with a burst of one, so a call becomes
// eligible again exactly one window after the last call that fired.
type Throttler[T any] struct {
	mu      sync.Mutex
	fn      func(T)
	limit   time.Duration
	limiter *rate.Limiter
	stopped bool
}

// Throttle returns a Throttler that calls fn at most once per limit.
func Throttle[T any](fn func(T), limit time.Duration) *Throttler[T] {
	return &Throttler[T]{
		fn:      fn,
		limit:   limit,
		limiter: newWindowLimiter(limit),
	}
}

func newWindowLimiter(limit time.Duration) *rate.Limiter {
	if limit <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(limit), 1)
}

// Call runs fn(arg) synchronously if the window allows it.
// Returns true if fn ran.
func (t *Throttler[T]) Call(arg T) bool {
	t.mu.Lock()
	allowed := !t.stopped && t.limiter.Allow()
	t.mu.Unlock()

	if !allowed {
		metrics.LimiterDropped.WithLabelValues("throttle").Inc()
		return false
	}
	metrics.LimiterFired.WithLabelValues("throttle").Inc()
	t.fn(arg)
	return true
}

// Reset makes the next call eligible immediately.
func (t *Throttler[T]) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limiter = newWindowLimiter(t.limit)
}

// Stop disables the throttler. Later calls are dropped.
func (t *Throttler[T]) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}
