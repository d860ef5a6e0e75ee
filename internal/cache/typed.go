// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Typed is a type-safe view over a RequestCache.
type Typed[T any] struct {
	cache *RequestCache
}

// NewTyped wraps c.
func NewTyped[T any](c *RequestCache) *Typed[T] {
	return &Typed[T]{cache: c}
}

// GetOrFetch is RequestCache.GetOrFetch for values of type T.
func (t *Typed[T]) GetOrFetch(ctx context.Context, key string, fetch func(ctx context.Context) (T, error), ttl time.Duration) (T, error) {
	var zero T
	raw, err := t.cache.GetOrFetch(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	}, ttl)
	if err != nil {
		return zero, err
	}
	return decode[T](raw)
}

// Clear removes key from the underlying cache.
func (t *Typed[T]) Clear(key string) {
	t.cache.Clear(key)
}

// Cache returns the underlying RequestCache.
func (t *Typed[T]) Cache() *RequestCache {
	return t.cache
}

// decode converts a cached value to T. Values from a remote store arrive
// as JSON.
func decode[T any](raw any) (T, error) {
	var zero T
	if v, ok := raw.(T); ok {
		return v, nil
	}

	var result T
	var data []byte
	switch v := raw.(type) {
	case nil:
		return zero, nil
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return zero, fmt.Errorf("failed to marshal intermediate value: %w", err)
		}
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return zero, fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return result, nil
}
