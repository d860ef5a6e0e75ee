// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package retry re-runs fallible operations with exponential backoff.
//
// The delay before attempt k (k >= 1) is BaseDelay * 2^(k-1), optionally
// capped by MaxDelay. Context cancellation is checked before every attempt
// and is never retried.
//
// # Key Types
//
//   - Policy: attempt count, base delay, cap and failure classifier
//   - ErrExhausted: returned (wrapping the last failure) when attempts run out
//
// # Usage
//
//	policy := retry.DefaultPolicy("history.list")
//	policy.Retryable = isTransient
//	convs, err := retry.DoValue(ctx, policy, func(ctx context.Context) ([]model.ConversationMeta, error) {
//	    return client.fetchList(ctx)
//	})
package retry
