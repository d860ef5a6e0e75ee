// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes conversation history over HTTP.
//
// Any history.Backend can be served; the relay binary serves a
// storage.SQLiteStore. Every /history route requires the user identity
// header (X-Ms-Client-Principal-Id) and is rate limited per identity.
//
// # Endpoints
//
//   - GET    /history/list?offset=N  - one page of conversation metadata
//   - GET    /history/read/{id}      - a conversation with its messages
//   - DELETE /history/delete/{id}    - delete one conversation
//   - DELETE /history/delete_all     - delete all of the user's conversations
//   - POST   /history/update         - merge messages by id (creates when new)
//   - POST   /history/rename         - set a conversation title
//   - GET    /health                 - health check
//   - GET    /metrics                - Prometheus metrics
//
// Errors are returned as {"error": "..."} with 400, 401, 404, 429 or 500.
//
// # Usage
//
//	srv := server.New(server.Options{Addr: ":8787", Backend: store})
//	if err := srv.ListenAndServe(ctx); err != nil {
//		logger.Fatal().Err(err).Msg("server failed")
//	}
package server
