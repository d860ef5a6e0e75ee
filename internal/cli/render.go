// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/util"
)

// =============================================================================
// MARKDOWN
// =============================================================================

// Renderer writes replies and listings to an output stream. Markdown is
// rendered through glamour only when Markdown is set; piped output stays
// plain.
type Renderer struct {
	Out      io.Writer
	Markdown bool
	Width    int

	md *glamour.TermRenderer
}

// NewRenderer returns a renderer for out. Markdown rendering is enabled
// when out is a terminal and raw is false.
func NewRenderer(out io.Writer, tty, raw bool) *Renderer {
	r := &Renderer{Out: out, Markdown: tty && !raw, Width: DefaultTerminalWidth}
	if tty {
		r.Width = TerminalWidth()
	}
	if r.Markdown {
		md, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(min(r.Width, 100)),
		)
		if err != nil {
			r.Markdown = false
		} else {
			r.md = md
		}
	}
	return r
}

// RenderMarkdown returns text rendered for the terminal, or text unchanged
// when markdown is off or rendering fails.
func (r *Renderer) RenderMarkdown(text string) string {
	if !r.Markdown || r.md == nil {
		return text
	}
	out, err := r.md.Render(text)
	if err != nil {
		return text
	}
	return out
}

// Printf writes formatted output.
func (r *Renderer) Printf(format string, args ...any) {
	fmt.Fprintf(r.Out, format, args...)
}

// =============================================================================
// MESSAGES
// =============================================================================

// MessageBody returns the markdown body of msg. Charts are shown as fenced
// JSON.
func MessageBody(msg model.Message) string {
	if chart, ok := msg.Chart(); ok {
		raw, err := json.MarshalIndent(chart, "", "  ")
		if err == nil {
			return "```json\n" + string(raw) + "\n```"
		}
	}
	return msg.Text()
}

// Message writes one message with its role label.
func (r *Renderer) Message(msg model.Message) {
	r.Printf("%s %s\n", RenderRole(msg.Role), DimStyle.Render(msg.CreatedAt.Format("15:04")))
	body := MessageBody(msg)
	if r.Markdown {
		r.Printf("%s", r.RenderMarkdown(body))
	} else {
		r.Printf("%s\n", body)
	}
	if msg.Citations != "" {
		r.Printf("%s %s\n", DimStyle.Render("citations:"), util.TruncateWidth(util.SingleLine(msg.Citations), r.Width-11))
	}
	r.Printf("\n")
}

// =============================================================================
// TABLES
// =============================================================================

// Conversations writes a one-line-per-conversation table, newest first.
func (r *Renderer) Conversations(items []model.ConversationMeta) {
	if len(items) == 0 {
		r.Printf("%s\n", DimStyle.Render("No conversations."))
		return
	}
	const (
		idWidth      = 36
		countWidth   = 5
		updatedWidth = 16
	)
	titleWidth := max(r.Width-idWidth-countWidth-updatedWidth-6, 12)

	header := strings.Join([]string{
		util.PadRight("ID", idWidth),
		util.PadRight("TITLE", titleWidth),
		util.PadRight("MSGS", countWidth),
		"UPDATED",
	}, "  ")
	r.Printf("%s\n", HeaderStyle.Render(header))
	for _, m := range items {
		r.Printf("%s  %s  %s  %s\n",
			util.PadRight(m.ID, idWidth),
			util.PadRight(util.SingleLine(m.Title), titleWidth),
			util.PadRight(fmt.Sprint(m.MessageCount), countWidth),
			DimStyle.Render(formatAge(m.UpdatedAt)),
		)
	}
}

// formatAge renders t relative to now for recent times, as a date otherwise.
func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("2006-01-02 15:04")
	}
}
