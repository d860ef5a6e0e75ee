// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"strings"
	"testing"
)

// =============================================================================
// ANSWER / CITATION TESTS
// =============================================================================

func TestExtractAnswerAndCitations(t *testing.T) {
	tests := []struct {
		name          string
		blob          string
		wantAnswer    string
		wantCitations string
	}{
		{
			name:          "well formed document",
			blob:          `{"answer": "Hello world","citations":[1,2]}`,
			wantAnswer:    "Hello world",
			wantCitations: `"citations":[1,2]`,
		},
		{
			name:          "no markers",
			blob:          "no markers here",
			wantAnswer:    "no markers here",
			wantCitations: "",
		},
		{
			name:          "truncated stream falls back to markers",
			blob:          `{"answer": "Partial \nanswer", "citations": [{"title": "doc`,
			wantAnswer:    "Partial   \nanswer",
			wantCitations: `"citations": [{"title": "doc`,
		},
		{
			name:          "answer without citations",
			blob:          `{"answer": "just text`,
			wantAnswer:    "just text",
			wantCitations: "",
		},
		{
			name:          "document without citations field",
			blob:          `{"answer": "line one\nline two"}`,
			wantAnswer:    "line one  \nline two",
			wantCitations: "",
		},
		{
			name:          "object without answer is plain text",
			blob:          `{"other": 1}`,
			wantAnswer:    `{"other": 1}`,
			wantCitations: "",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			answer, citations := ExtractAnswerAndCitations(tc.blob)
			if answer != tc.wantAnswer {
				t.Errorf("answer = %q, want %q", answer, tc.wantAnswer)
			}
			if citations != tc.wantCitations {
				t.Errorf("citations = %q, want %q", citations, tc.wantCitations)
			}
		})
	}
}

func TestExtractAnswerAndCitations_CitationsPrefix(t *testing.T) {
	_, citations := ExtractAnswerAndCitations(`{"answer": "Hello world","citations":[1,2]}`)
	if !strings.HasPrefix(citations, `"citations":`) {
		t.Errorf("citations %q should start with \"citations\":", citations)
	}
}

// =============================================================================
// CHART TESTS
// =============================================================================

func TestParseChart(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantOK   bool
		wantType string
	}{
		{"bar chart", `{"type":"bar","data":[{"x":1,"y":2}]}`, true, "bar"},
		{"chartType alias", `{"chartType":"pie","data":{"a":1}}`, true, "pie"},
		{"object envelope", `{"object":{"type":"line","data":[1,2,3]}}`, true, "line"},
		{"string envelope", `{"object":"{\"type\":\"scatter\",\"data\":[[1,2]]}"}`, true, "scatter"},
		{"empty data array", `{"type":"bar","data":[]}`, false, ""},
		{"empty data object", `{"type":"bar","data":{}}`, false, ""},
		{"missing type", `{"data":[1]}`, false, ""},
		{"empty type", `{"type":"","data":[1]}`, false, ""},
		{"not an object", `[1,2,3]`, false, ""},
		{"malformed", `{"type":"bar","data":[`, false, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chart, ok := ParseChart([]byte(tc.raw))
			if ok != tc.wantOK {
				t.Fatalf("ParseChart() ok = %v, want %v", ok, tc.wantOK)
			}
			if ok && chart.Type != tc.wantType {
				t.Errorf("Type = %q, want %q", chart.Type, tc.wantType)
			}
			if !ok && chart != nil {
				t.Error("expected nil chart on failure")
			}
		})
	}
}

func TestParseChart_OptionalFields(t *testing.T) {
	raw := `{"type":"bar","data":[1],"options":{"stacked":true},"answer":"Sales by month","error":""}`
	chart, ok := ParseChart([]byte(raw))
	if !ok {
		t.Fatal("expected chart")
	}
	if chart.Answer != "Sales by month" {
		t.Errorf("Answer = %q", chart.Answer)
	}
	if string(chart.Options) != `{"stacked":true}` {
		t.Errorf("Options = %s", chart.Options)
	}
}

// =============================================================================
// CONTENT TESTS
// =============================================================================

func TestResolveContent(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ContentKind
	}{
		{"string", `"hello"`, KindText},
		{"chart object", `{"type":"bar","data":[1]}`, KindChart},
		{"chart in string", `"{\"type\":\"bar\",\"data\":[1]}"`, KindChart},
		{"generic object", `{"foo":"bar"}`, KindObject},
		{"array", `[1,2]`, KindObject},
		{"null", `null`, KindText},
		{"invalid", `{oops`, KindText},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ResolveContent(json.RawMessage(tc.raw))
			if got.Kind() != tc.want {
				t.Errorf("Kind() = %q, want %q", got.Kind(), tc.want)
			}
		})
	}
}

func TestMessage_JSONRoundTripKeepsVariant(t *testing.T) {
	chart, _ := ParseChart([]byte(`{"type":"bar","data":[1]}`))
	msgs := []Message{
		NewUserMessage("hi"),
		NewAssistantMessage("a1", ChartContent{Chart: *chart}),
	}

	data, err := json.Marshal(msgs)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"content":"hi"`) {
		t.Errorf("text content should encode as a string: %s", data)
	}

	var decoded []Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded[0].Content.Kind() != KindText || decoded[0].Text() != "hi" {
		t.Errorf("first message = %+v", decoded[0])
	}
	if _, ok := decoded[1].Chart(); !ok {
		t.Errorf("second message should decode as chart, got %q", decoded[1].Content.Kind())
	}
	if decoded[1].ID != "a1" {
		t.Errorf("ID = %q, want a1", decoded[1].ID)
	}
}

// =============================================================================
// CONVERSATION TESTS
// =============================================================================

func TestConversation_UpsertMessage(t *testing.T) {
	conv := NewConversation()
	conv.AddMessage(NewUserMessage("question"))
	conv.AddMessage(NewAssistantMessage("a1", TextContent{Body: "par"}))

	replaced := conv.UpsertMessage(NewAssistantMessage("a1", TextContent{Body: "partial answer"}))
	if !replaced {
		t.Error("expected in-place replacement")
	}
	if conv.MessageCount() != 2 {
		t.Fatalf("MessageCount = %d, want 2", conv.MessageCount())
	}
	if got := conv.Messages[1].Text(); got != "partial answer" {
		t.Errorf("Messages[1] = %q", got)
	}

	if conv.UpsertMessage(NewAssistantMessage("a2", TextContent{Body: "next"})) {
		t.Error("new id should append")
	}
	if conv.MessageCount() != 3 {
		t.Errorf("MessageCount = %d, want 3", conv.MessageCount())
	}
}

func TestConversation_TitleFromFirstUserMessage(t *testing.T) {
	conv := NewConversation()
	if conv.GetTitle() != "New Conversation" {
		t.Errorf("default title = %q", conv.GetTitle())
	}
	conv.AddMessage(NewUserMessage(strings.Repeat("x", 80)))
	if n := len([]rune(conv.Title)); n != titleLength {
		t.Errorf("title length = %d, want %d", n, titleLength)
	}

	conv.SetTitle("Renamed")
	conv.AddMessage(NewUserMessage("another"))
	if conv.Title != "Renamed" {
		t.Errorf("Title = %q, want Renamed", conv.Title)
	}
}

func TestConversation_LongHistoryIsKept(t *testing.T) {
	conv := NewConversation()
	first := NewUserMessage("first")
	conv.AddMessage(first)
	for i := 0; i < 1500; i++ {
		conv.AddMessage(NewUserMessage("m"))
	}
	reply := NewAssistantMessage("r1", TextContent{Body: "par"})
	conv.UpsertMessage(reply)
	before := conv.indexOf("r1")
	conv.AddMessage(NewUserMessage("next"))
	reply.Content = TextContent{Body: "partial"}
	conv.UpsertMessage(reply)

	if conv.MessageCount() != 1503 {
		t.Errorf("MessageCount = %d, want 1503", conv.MessageCount())
	}
	if conv.Messages[0].ID != first.ID {
		t.Error("first message should survive a long history")
	}
	if after := conv.indexOf("r1"); after != before {
		t.Errorf("reply position moved from %d to %d", before, after)
	}
}

func TestConversation_Clone(t *testing.T) {
	conv := NewConversation()
	conv.AddMessage(NewUserMessage("a"))
	clone := conv.Clone()
	clone.Messages[0] = NewUserMessage("b")
	if conv.Messages[0].Text() != "a" {
		t.Error("Clone should not share the message slice")
	}
}

func TestRole_Valid(t *testing.T) {
	for _, r := range []Role{RoleUser, RoleAssistant, RoleTool, RoleError} {
		if !r.Valid() {
			t.Errorf("%q should be valid", r)
		}
	}
	if Role("system").Valid() {
		t.Error("system is not a conversation role")
	}
}

func TestNewMessageID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewMessageID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
