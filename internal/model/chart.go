// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"bytes"
	"encoding/json"
	"strings"
)

// =============================================================================
// CHART PAYLOAD
// =============================================================================

// ChartData is a visualization request produced by the backend.
type ChartData struct {
	// Type is the chart kind: bar, line, pie, scatter, ...
	Type string `json:"type"`
	// Data is an array or keyed object of points/series.
	Data json.RawMessage `json:"data"`
	// Options carries optional display options.
	Options json.RawMessage `json:"options,omitempty"`
	// Answer is optional human-readable text accompanying the chart.
	Answer string `json:"answer,omitempty"`
	// Error is set when the backend could not produce the chart.
	Error string `json:"error,omitempty"`
}

// maxEnvelopeDepth bounds how many {"object": ...} wrappers are unwrapped.
const maxEnvelopeDepth = 4

// ParseChart parses raw JSON as a chart payload.
//
// A document is a chart when it is an object with a non-empty "type" or
// "chartType" string and a non-empty "data" value. The payload may be nested
// in an {"object": ...} envelope, where the envelope value is either an
// object or a string holding one. Any other input yields (nil, false); parse
// failures are not reported as errors.
func ParseChart(raw []byte) (*ChartData, bool) {
	return parseChart(raw, 0)
}

func parseChart(raw []byte, depth int) (*ChartData, bool) {
	if depth > maxEnvelopeDepth {
		return nil, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, false
	}

	if inner, ok := fields["object"]; ok {
		inner = bytes.TrimSpace(inner)
		if len(inner) > 0 && inner[0] == '"' {
			var s string
			if err := json.Unmarshal(inner, &s); err != nil {
				return nil, false
			}
			inner = []byte(s)
		}
		return parseChart(inner, depth+1)
	}

	chartType := stringField(fields, "type")
	if chartType == "" {
		chartType = stringField(fields, "chartType")
	}
	if chartType == "" {
		return nil, false
	}

	data := bytes.TrimSpace(fields["data"])
	if !nonEmptyJSON(data) {
		return nil, false
	}

	chart := &ChartData{
		Type:   chartType,
		Data:   append(json.RawMessage(nil), data...),
		Answer: stringField(fields, "answer"),
		Error:  stringField(fields, "error"),
	}
	if opts := bytes.TrimSpace(fields["options"]); len(opts) > 0 && !bytes.Equal(opts, []byte("null")) {
		chart.Options = append(json.RawMessage(nil), opts...)
	}
	return chart, true
}

// stringField returns fields[name] when it is a JSON string.
func stringField(fields map[string]json.RawMessage, name string) string {
	raw, ok := fields[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// nonEmptyJSON reports whether raw is a value other than null, "", [] or {}.
func nonEmptyJSON(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	switch raw[0] {
	case 'n':
		return false
	case '"':
		var s string
		return json.Unmarshal(raw, &s) == nil && s != ""
	case '[':
		var arr []json.RawMessage
		return json.Unmarshal(raw, &arr) == nil && len(arr) > 0
	case '{':
		var obj map[string]json.RawMessage
		return json.Unmarshal(raw, &obj) == nil && len(obj) > 0
	default:
		return json.Valid(raw)
	}
}
