// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the relay command line.
//
// Parse turns argv into a Command and Args; Run loads the config, builds an
// App (request cache, chat backend client, history backend) and dispatches.
//
// # Commands
//
//   - serve: history HTTP API over the configured backend
//   - ask, chat: one-shot and interactive conversations with streamed replies
//   - history: list, show, search, rename, delete, clear, export
//   - config: show, init, path
//
// Output is styled with lipgloss and markdown is rendered with glamour only
// when stdout is a terminal; --raw and --json force plain output.
package cli
