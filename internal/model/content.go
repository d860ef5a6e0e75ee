// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"bytes"
	"encoding/json"
	"strings"
)

// =============================================================================
// CONTENT VARIANT
// =============================================================================

// ContentKind tags the variant held by a Content value.
type ContentKind string

const (
	KindText   ContentKind = "text"
	KindChart  ContentKind = "chart"
	KindObject ContentKind = "object"
)

// Content is the body of a message: TextContent, ChartContent or
// ObjectContent. The set is closed; callers switch on the concrete type.
type Content interface {
	Kind() ContentKind
	// Text returns a plain-text rendering of the content.
	Text() string
	IsEmpty() bool
	// MarshalContent returns the wire form of the content.
	MarshalContent() (json.RawMessage, error)

	sealed()
}

// TextContent is plain (Markdown) text.
type TextContent struct {
	Body string
}

func (TextContent) Kind() ContentKind { return KindText }
func (c TextContent) Text() string    { return c.Body }
func (c TextContent) IsEmpty() bool   { return c.Body == "" }
func (TextContent) sealed()           {}

func (c TextContent) MarshalContent() (json.RawMessage, error) {
	return json.Marshal(c.Body)
}

// ChartContent is a parsed chart payload.
type ChartContent struct {
	Chart ChartData
}

func (ChartContent) Kind() ContentKind { return KindChart }
func (ChartContent) IsEmpty() bool     { return false }
func (ChartContent) sealed()           {}

// Text returns the chart's answer text, or its error, or a short label.
func (c ChartContent) Text() string {
	switch {
	case c.Chart.Answer != "":
		return c.Chart.Answer
	case c.Chart.Error != "":
		return c.Chart.Error
	default:
		return "[" + c.Chart.Type + " chart]"
	}
}

func (c ChartContent) MarshalContent() (json.RawMessage, error) {
	return json.Marshal(c.Chart)
}

// ObjectContent is structured content that is not a chart.
type ObjectContent struct {
	Raw json.RawMessage
}

func (ObjectContent) Kind() ContentKind { return KindObject }
func (c ObjectContent) Text() string    { return string(c.Raw) }
func (c ObjectContent) IsEmpty() bool   { return len(c.Raw) == 0 }
func (ObjectContent) sealed()           {}

func (c ObjectContent) MarshalContent() (json.RawMessage, error) {
	if len(c.Raw) == 0 {
		return json.RawMessage("null"), nil
	}
	return c.Raw, nil
}

// =============================================================================
// RESOLUTION
// =============================================================================

// ResolveContent turns a wire value into a Content variant.
// JSON strings become text (or a chart when the string itself holds a chart
// document), chart-shaped objects become charts, and any other JSON value
// becomes ObjectContent. Malformed input is kept as text.
func ResolveContent(raw json.RawMessage) Content {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return TextContent{}
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return TextContent{Body: string(trimmed)}
		}
		return ResolveText(s)
	}

	if !json.Valid(trimmed) {
		return TextContent{Body: string(trimmed)}
	}
	if chart, ok := ParseChart(trimmed); ok {
		return ChartContent{Chart: *chart}
	}
	return ObjectContent{Raw: append(json.RawMessage(nil), trimmed...)}
}

// ResolveText classifies a text body. Text that parses as a chart document
// becomes ChartContent; everything else stays text.
func ResolveText(s string) Content {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, "{") {
		if chart, ok := ParseChart([]byte(t)); ok {
			return ChartContent{Chart: *chart}
		}
	}
	return TextContent{Body: s}
}
