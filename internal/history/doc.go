// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package history defines the conversation history backend and an HTTP
// client for it.
//
// Every request is scoped to a user. The client stamps the user id in the
// X-Ms-Client-Principal-Id header; server-side implementations read it from
// the request context via UserFromContext.
//
// # Key Types
//
//   - Backend: list/read/delete/update/rename contract
//   - Client: HTTP Backend with cached reads and retried requests
//   - APIError: backend failure carrying the HTTP status
//
// # Routes
//
//	GET    /history/list?offset=N
//	GET    /history/read/{id}
//	DELETE /history/delete/{id}
//	DELETE /history/delete_all
//	POST   /history/update   {"conversation_id": "...", "messages": [...]}
//	POST   /history/rename   {"conversation_id": "...", "title": "..."}
//
// # Usage
//
//	client := history.NewClient(history.ClientOptions{
//	    BaseURL:  "http://localhost:8787",
//	    Identity: history.StaticIdentity("user-1"),
//	})
//	defer client.Close()
//	convs, err := client.List(ctx)
package history
