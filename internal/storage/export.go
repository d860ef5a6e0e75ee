// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/history"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/util"
)

// ExportFormat selects the export encoding.
type ExportFormat string

const (
	FormatMarkdown ExportFormat = "markdown"
	FormatJSON     ExportFormat = "json"
)

// ParseExportFormat accepts "markdown", "md" and "json".
func ParseExportFormat(s string) (ExportFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "markdown", "md":
		return FormatMarkdown, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown export format %q (want markdown or json)", s)
	}
}

// =============================================================================
// CONVERSATION EXPORT
// =============================================================================

// ExportMarkdown renders the conversation as Markdown with role labels.
// Chart replies are written as fenced JSON.
func ExportMarkdown(conv *model.Conversation) string {
	var sb strings.Builder
	sb.WriteString("# " + conv.GetTitle() + "\n\n")
	sb.WriteString("Conversation: " + conv.ID + "\n")
	sb.WriteString("Created: " + conv.CreatedAt.Format(time.RFC3339) + "\n\n")
	sb.WriteString("---\n\n")

	for _, msg := range conv.Messages {
		sb.WriteString("**" + msg.Role.DisplayName() + "** (" + msg.CreatedAt.Format("15:04") + "):\n\n")
		if chart, ok := msg.Chart(); ok {
			raw, _ := json.MarshalIndent(chart, "", "  ")
			sb.WriteString("```json\n" + string(raw) + "\n```")
		} else {
			sb.WriteString(msg.Text())
		}
		if msg.Citations != "" {
			sb.WriteString("\n\n> " + msg.Citations)
		}
		sb.WriteString("\n\n---\n\n")
	}
	return sb.String()
}

// ExportJSON encodes the conversation as indented JSON.
func ExportJSON(conv *model.Conversation) ([]byte, error) {
	return json.MarshalIndent(conv, "", "  ")
}

// Export encodes conv in format.
func Export(conv *model.Conversation, format ExportFormat) ([]byte, error) {
	switch format {
	case FormatJSON:
		return ExportJSON(conv)
	case FormatMarkdown, "":
		return []byte(ExportMarkdown(conv)), nil
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
}

// ExportToFile reads conversation id from backend and writes it to path
// atomically.
func ExportToFile(ctx context.Context, backend history.Backend, id, path string, format ExportFormat) error {
	conv, err := backend.Read(ctx, id)
	if err != nil {
		return err
	}
	data, err := Export(conv, format)
	if err != nil {
		return err
	}
	return util.AtomicWriteFile(path, data, 0644)
}
