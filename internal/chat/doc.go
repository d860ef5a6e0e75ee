// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat holds conversation state and drives chat turns.
//
// # Key Types
//
//   - Store: ordered, id-keyed messages of one conversation, with the
//     streaming flag and the citations of the current reply
//   - Runner: sends input, streams the reply into a Store, persists turns
//   - History: conversation list kept in step with a history.Backend
//
// Change notifications from a Store are delivered synchronously; updates
// made while a reply streams are throttled, and EndStream always notifies.
//
// # Usage
//
//	store := chat.NewStore(chat.StoreOptions{})
//	defer store.Close()
//	runner := chat.NewRunner(chat.RunnerOptions{Store: store, Streamer: client, Backend: backend})
//	defer runner.Close()
//	turn, err := runner.Send(ctx, "What were sales last month?")
package chat
