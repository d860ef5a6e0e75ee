// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ratelimit shapes how often a function runs in response to a rapid
// stream of calls.
//
// # Key Types
//
//   - Debouncer: fires once after a quiet period, with the last call's argument
//   - Throttler: fires the first call of each window and drops the rest
//
// # Usage
//
//	save := ratelimit.Debounce(func(text string) { draft.Save(text) }, 300*time.Millisecond)
//	defer save.Stop()
//	save.Call(input)
//
//	render := ratelimit.Throttle(func(struct{}) { view.Refresh() }, 33*time.Millisecond)
//	render.Call(struct{}{})
package ratelimit
