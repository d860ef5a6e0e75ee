// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jeranaias/rigrun-relay/internal/util"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleError     Role = "error"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleTool:
		return "Tool"
	case RoleError:
		return "Error"
	default:
		return string(r)
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool, RoleError:
		return true
	}
	return false
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation.
//
// Messages are values: the store hands out copies, and a streamed update for
// an existing ID replaces the whole value in place.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`

	// Content is resolved once at ingestion. Never nil for a constructed message.
	Content Content `json:"content"`

	// Citations holds the raw citation payload attached to a completed answer.
	Citations string `json:"citations,omitempty"`

	// Feedback is the user's rating of an assistant answer, if any.
	Feedback string `json:"feedback,omitempty"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content Content) Message {
	if content == nil {
		content = TextContent{}
	}
	return Message{
		ID:        NewMessageID(),
		Role:      role,
		CreatedAt: time.Now(),
		Content:   content,
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(text string) Message {
	return NewMessage(RoleUser, TextContent{Body: text})
}

// NewAssistantMessage creates an assistant message with the given ID.
// Streamed chunks for one reply share the ID chosen by the backend.
func NewAssistantMessage(id string, content Content) Message {
	msg := NewMessage(RoleAssistant, content)
	if id != "" {
		msg.ID = id
	}
	return msg
}

// NewErrorMessage creates an error-role message describing a failed turn.
func NewErrorMessage(err error) Message {
	text := "An error occurred. Please try again."
	if err != nil {
		text = err.Error()
	}
	return NewMessage(RoleError, TextContent{Body: text})
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// Text returns the display text of the message content.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return m.Content.Text()
}

// Chart returns the chart payload if the message carries one.
func (m Message) Chart() (*ChartData, bool) {
	c, ok := m.Content.(ChartContent)
	if !ok {
		return nil, false
	}
	return &c.Chart, true
}

// Preview returns a truncated preview of the message content.
// Uses rune-based truncation to handle Unicode correctly.
func (m Message) Preview(maxLen int) string {
	return util.TruncateRunes(m.Text(), maxLen)
}

// IsEmpty returns true if the message has no content.
func (m Message) IsEmpty() bool {
	return m.Content == nil || m.Content.IsEmpty()
}

// =============================================================================
// JSON ENCODING
// =============================================================================

type messageJSON struct {
	ID        string          `json:"id"`
	Role      Role            `json:"role"`
	CreatedAt time.Time       `json:"created_at"`
	Content   json.RawMessage `json:"content"`
	Citations string          `json:"citations,omitempty"`
	Feedback  string          `json:"feedback,omitempty"`
}

// MarshalJSON encodes text content as a JSON string and structured content
// as a JSON object.
func (m Message) MarshalJSON() ([]byte, error) {
	content := m.Content
	if content == nil {
		content = TextContent{}
	}
	raw, err := content.MarshalContent()
	if err != nil {
		return nil, fmt.Errorf("encode content of message %s: %w", m.ID, err)
	}
	return json.Marshal(messageJSON{
		ID:        m.ID,
		Role:      m.Role,
		CreatedAt: m.CreatedAt,
		Content:   raw,
		Citations: m.Citations,
		Feedback:  m.Feedback,
	})
}

// UnmarshalJSON decodes a message and resolves its content variant.
func (m *Message) UnmarshalJSON(data []byte) error {
	var aux messageJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = Message{
		ID:        aux.ID,
		Role:      aux.Role,
		CreatedAt: aux.CreatedAt,
		Content:   ResolveContent(aux.Content),
		Citations: aux.Citations,
		Feedback:  aux.Feedback,
	}
	return nil
}

// =============================================================================
// STATISTICS TYPE
// =============================================================================

// Statistics holds timing information for a streamed reply.
type Statistics struct {
	StartTime      time.Time
	FirstChunkTime time.Time
	EndTime        time.Time

	Chunks int

	// Derived on Finalize
	TTFC          time.Duration // time to first chunk
	TotalDuration time.Duration
}

// NewStatistics creates a new Statistics with the start time set.
func NewStatistics() *Statistics {
	return &Statistics{StartTime: time.Now()}
}

// RecordChunk counts a chunk and records the first arrival time.
func (s *Statistics) RecordChunk() {
	s.Chunks++
	if s.FirstChunkTime.IsZero() {
		s.FirstChunkTime = time.Now()
		s.TTFC = s.FirstChunkTime.Sub(s.StartTime)
	}
}

// Finalize computes the final statistics.
func (s *Statistics) Finalize() {
	s.EndTime = time.Now()
	s.TotalDuration = s.EndTime.Sub(s.StartTime)
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// NewMessageID returns a time-ordered unique message ID.
func NewMessageID() string {
	return "msg_" + ulid.Make().String()
}
