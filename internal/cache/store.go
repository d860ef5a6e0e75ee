// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Store is a shared tier behind a RequestCache. Values read back from a
// remote store may arrive as json.RawMessage; Typed decodes them.
type Store interface {
	Get(ctx context.Context, key string) (any, bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Flush(ctx context.Context) error
}

// NoExpiry is the TTL reported for a key that never expires.
const NoExpiry time.Duration = -1

// TTLStore is a Store that reports how long a key has left to live: zero
// when the key is missing, NoExpiry when it never expires.
type TTLStore interface {
	Store
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// =============================================================================
// MEMORY STORE
// =============================================================================

// MemoryStore is a process-wide Store on go-cache. Several RequestCache
// instances (one per session, say) can share it.
type MemoryStore struct {
	c *gocache.Cache
}

var _ TTLStore = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore. cleanup is the janitor interval for
// expired items; a value <= 0 disables the janitor and expiry stays lazy.
func NewMemoryStore(defaultTTL, cleanup time.Duration) *MemoryStore {
	return &MemoryStore{c: gocache.New(defaultTTL, cleanup)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (any, bool, error) {
	v, ok := s.c.Get(key)
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	s.c.Set(key, value, ttl)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.c.Delete(key)
	return nil
}

func (s *MemoryStore) Flush(_ context.Context) error {
	s.c.Flush()
	return nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	_, exp, ok := s.c.GetWithExpiration(key)
	switch {
	case !ok:
		return 0, nil
	case exp.IsZero():
		return NoExpiry, nil
	}
	return max(time.Until(exp), 0), nil
}

// ItemCount returns the number of items, including expired ones not yet swept.
func (s *MemoryStore) ItemCount() int {
	return s.c.ItemCount()
}

// =============================================================================
// TIERED STORE
// =============================================================================

// l1Fraction is the share of the TTL a value lives in the near tier.
const l1Fraction = 0.3

// TieredStore reads through a near store (L1) to a far store (L2) and
// back-fills L1 on an L2 hit. Writes go to L2 first. A back-filled value
// never outlives its L2 copy, so L1 is only back-filled when L2 reports TTLs.
type TieredStore struct {
	L1 Store
	L2 Store
}

// NewTieredStore creates a TieredStore.
func NewTieredStore(l1, l2 Store) *TieredStore {
	return &TieredStore{L1: l1, L2: l2}
}

func (s *TieredStore) Get(ctx context.Context, key string) (any, bool, error) {
	if v, ok, err := s.L1.Get(ctx, key); err == nil && ok {
		return v, true, nil
	}
	v, ok, err := s.L2.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if ttl, ok := s.backfillTTL(ctx, key); ok {
		_ = s.L1.Set(ctx, key, v, ttl)
	}
	return v, true, nil
}

// backfillTTL derives the L1 lifetime of key from its remaining L2 lifetime.
func (s *TieredStore) backfillTTL(ctx context.Context, key string) (time.Duration, bool) {
	far, ok := s.L2.(TTLStore)
	if !ok {
		return 0, false
	}
	remaining, err := far.TTL(ctx, key)
	switch {
	case err != nil || remaining == 0:
		return 0, false
	case remaining < 0:
		// L2 keeps it forever; the L1 default expiration applies.
		return 0, true
	}
	return l1TTL(remaining), true
}

func (s *TieredStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := s.L2.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return s.L1.Set(ctx, key, value, l1TTL(ttl))
}

func (s *TieredStore) Delete(ctx context.Context, key string) error {
	_ = s.L1.Delete(ctx, key)
	return s.L2.Delete(ctx, key)
}

func (s *TieredStore) Flush(ctx context.Context) error {
	_ = s.L1.Flush(ctx)
	return s.L2.Flush(ctx)
}

func l1TTL(ttl time.Duration) time.Duration {
	d := time.Duration(float64(ttl) * l1Fraction)
	if d < time.Second {
		d = time.Second
	}
	if d > ttl {
		d = ttl
	}
	return d
}
