// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// This package defines the domain types shared by the message store, the
// history client and the storage layer, plus the parsers that turn raw
// backend replies into those types.
//
// # Key Types
//
//   - Conversation: Container for a chat session with ordered messages
//   - Message: Single message with role, content, timestamp and citations
//   - Content: Tagged variant (TextContent, ChartContent, ObjectContent)
//   - ChartData: Chart payload parsed from a backend reply
//   - Role: Message role enumeration (user, assistant, tool, error)
//
// # Usage
//
// Split a reply into answer and citations:
//
//	answer, citations := model.ExtractAnswerAndCitations(reply)
//
// Resolve wire content once at ingestion:
//
//	msg := model.NewAssistantMessage(chunkID, model.ResolveText(answer))
//	if chart, ok := msg.Chart(); ok {
//	    fmt.Println(chart.Type)
//	}
package model
