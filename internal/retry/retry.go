// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/metrics"
)

// Default policy values.
const (
	// DefaultMaxRetries is the default number of attempts.
	DefaultMaxRetries = 3

	// DefaultBaseDelay is the delay before the second attempt.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay caps a single backoff delay.
	DefaultMaxDelay = 10 * time.Second
)

// ErrExhausted is returned when every attempt failed. When a failure was
// observed the returned error wraps both ErrExhausted and that failure.
var ErrExhausted = errors.New("retries exhausted")

// =============================================================================
// POLICY
// =============================================================================

// Policy describes how an operation is retried.
type Policy struct {
	// Name labels metrics for this call site.
	Name string

	// MaxRetries is the total number of attempts.
	MaxRetries int

	// BaseDelay is the delay before the second attempt. Each further delay doubles.
	BaseDelay time.Duration

	// MaxDelay caps a single delay (0 = no cap).
	MaxDelay time.Duration

	// Retryable classifies failures. nil retries every non-cancellation error.
	Retryable func(error) bool

	// OnRetry is called before sleeping ahead of attempt k (k >= 1).
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy returns a policy with the package defaults.
func DefaultPolicy(name string) Policy {
	return Policy{
		Name:       name,
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Backoff returns the delay before attempt k (0-indexed, k >= 1):
// BaseDelay * 2^(k-1), capped by MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 0 || p.BaseDelay <= 0 {
		return 0
	}
	limit := p.MaxDelay
	if limit <= 0 {
		limit = math.MaxInt64
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		// Doubling past the limit would overflow.
		if delay > limit/2 {
			return limit
		}
		delay *= 2
	}
	if delay > limit {
		return limit
	}
	return delay
}

// =============================================================================
// RETRY LOOP
// =============================================================================

// Do runs op until it succeeds, fails permanently, is canceled, or runs out
// of attempts.
//
// Cancellation is checked before every attempt and never consumes one. A
// cancellation error returned by op is returned as is, without retrying.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	label := p.Name
	if label == "" {
		label = "default"
	}

	for attempt := 0; attempt < p.MaxRetries; attempt++ {
		// Apply backoff delay after first attempt
		if attempt > 0 {
			delay := p.Backoff(attempt)
			if p.OnRetry != nil {
				p.OnRetry(attempt, delay, lastErr)
			}
			if err := sleep(ctx, delay); err != nil {
				return zero, err
			}
		}

		if err := ctx.Err(); err != nil {
			return zero, err
		}

		metrics.RetryAttempts.WithLabelValues(label).Inc()
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}

		if IsCanceled(err) || ctx.Err() != nil {
			return zero, err
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return zero, err
		}
		lastErr = err
	}

	// All retries exhausted
	metrics.RetryExhausted.WithLabelValues(label).Inc()
	if lastErr != nil {
		return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxRetries, lastErr)
	}
	return zero, ErrExhausted
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

// IsCanceled reports whether err is a cancellation. Callers use it to
// suppress user-facing error display.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
