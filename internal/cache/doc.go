// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache deduplicates in-flight requests and keeps their results for
// a time-to-live measured from completion.
//
// Concurrent GetOrFetch calls for one key share a single fetch. Successful
// results are kept until their TTL elapses; failures are never kept and
// reach every waiter of the failed fetch. Clear, ClearAll and Close cancel
// pending eviction timers.
//
// An optional Store adds a shared tier: MemoryStore (go-cache) for sharing
// within a process, RedisStore for sharing across processes, and
// TieredStore to combine both.
//
// # Key Types
//
//   - RequestCache: the deduplicating TTL cache
//   - Typed: generic wrapper that decodes values read back from a Store
//   - Store: shared tier interface
//
// # Usage
//
//	c := cache.New(cache.Options{Name: "history"})
//	defer c.Close()
//	list := cache.NewTyped[[]model.ConversationMeta](c)
//	convs, err := list.GetOrFetch(ctx, cache.Fingerprint("list", userID), fetchList, 30*time.Second)
package cache
