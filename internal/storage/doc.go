// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides conversation persistence for rigrun relay.
//
// SQLiteStore keeps every user's conversations in one SQLite database
// (pure Go driver, no cgo) and implements history.Backend, so it can sit
// behind the relay's history HTTP API or be used directly by the CLI.
//
// # Key Types
//
//   - SQLiteStore: per-user conversation table with merge-by-id updates
//   - ConversationError: comparable error type; ErrConversationNotFound
//     also matches history.ErrNotFound
//   - ExportFormat: Markdown or JSON export
//
// # Usage
//
//	store, err := storage.Open(ctx, storage.Options{Path: "history.db"})
//	ctx = history.WithUser(ctx, "user-1")
//	conv, err := store.UpdateMessages(ctx, "", msgs)
//	metas, err := store.List(ctx)
//	err = storage.ExportToFile(ctx, store, conv.ID, "out.md", storage.FormatMarkdown)
//
// # Storage Location
//
// The default database is ~/.rigrun-relay/history.db.
package storage
