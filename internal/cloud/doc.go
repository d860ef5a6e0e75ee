// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides the client for the streaming chat backend.
//
// The backend answers POST /conversation either with a single JSON document
// or, when the request sets "stream": true, with Server-Sent Events. Every
// event of one reply carries the same message id; content is either the
// whole reply so far or, with "delta": true, an increment.
//
// # Key Types
//
//   - Client: HTTP client with retry on transient failures
//   - Request: conversation id plus wire messages
//   - Chunk: one streamed event, with the accumulated Text filled in
//   - StreamError: mid-stream failure carrying the partial reply
//   - SSEReader: Server-Sent Events parser
//
// # Usage
//
//	client := cloud.NewClient(cloud.Options{BaseURL: "http://localhost:7071"})
//	req := cloud.NewRequest(convID, store.Messages())
//	result, err := client.Stream(ctx, req, func(chunk cloud.Chunk) error {
//	    fmt.Print(chunk.Text)
//	    return nil
//	})
package cloud
