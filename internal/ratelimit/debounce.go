// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimit

import (
	"sync"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/metrics"
)

// =============================================================================
// DEBOUNCER
// =============================================================================

// Debouncer runs fn once a burst of calls has been quiet for the wait period.
// Only the last call's argument is forwarded.
//
// Thread-safety: Call, Flush, Cancel and Stop may be used from any goroutine.
// fn runs on a timer goroutine (or the Flush caller), never under the lock.
type Debouncer[T any] struct {
	mu      sync.Mutex
	fn      func(T)
	wait    time.Duration
	timer   *time.Timer
	last    T
	pending bool
	gen     uint64 // invalidates timers that fired after being superseded
	stopped bool
}

// Debounce returns a Debouncer that calls fn after wait of inactivity.
func Debounce[T any](fn func(T), wait time.Duration) *Debouncer[T] {
	return &Debouncer[T]{fn: fn, wait: wait}
}

// Call records arg and restarts the quiet-period timer.
func (d *Debouncer[T]) Call(arg T) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
		metrics.LimiterDropped.WithLabelValues("debounce").Inc()
	}

	d.last = arg
	d.pending = true
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.wait, func() { d.fire(gen) })
}

// Flush runs a pending call immediately. Returns false if nothing was pending.
func (d *Debouncer[T]) Flush() bool {
	d.mu.Lock()
	if !d.pending || d.stopped {
		d.mu.Unlock()
		return false
	}
	arg := d.takeLocked()
	d.mu.Unlock()

	d.run(arg)
	return true
}

// Cancel drops a pending call without running it.
func (d *Debouncer[T]) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.takeLocked()
}

// Stop cancels any pending call and disables the debouncer.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.takeLocked()
	d.stopped = true
}

// Pending reports whether a call is waiting for its quiet period.
func (d *Debouncer[T]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Debouncer[T]) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.pending || d.stopped {
		d.mu.Unlock()
		return
	}
	arg := d.takeLocked()
	d.mu.Unlock()

	d.run(arg)
}

// takeLocked clears the pending state and returns the last argument (must hold lock).
func (d *Debouncer[T]) takeLocked() T {
	var zero T
	arg := d.last
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.last = zero
	d.pending = false
	d.gen++
	return arg
}

func (d *Debouncer[T]) run(arg T) {
	metrics.LimiterFired.WithLabelValues("debounce").Inc()
	d.fn(arg)
}
