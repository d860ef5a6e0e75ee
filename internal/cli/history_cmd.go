// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/jeranaias/rigrun-relay/internal/chat"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/storage"
)

// searcher is implemented by backends with server-side search.
type searcher interface {
	Search(ctx context.Context, query string) ([]model.ConversationMeta, error)
}

// =============================================================================
// HISTORY
// =============================================================================

func runHistory(ctx context.Context, app *App, args Args, out *Renderer) error {
	list := chat.NewHistory(app.Backend, chat.HistoryOptions{
		RefreshDelay: app.Config.Limits.RefreshDebounce(),
		Logger:       &app.Logger,
	})
	defer list.Close()

	id := strings.TrimSpace(args.Flags.Positional(2))
	switch strings.ToLower(args.Subcommand) {
	case "", "list", "ls":
		if err := list.Refresh(ctx); err != nil {
			return err
		}
		return printMetas(out, list.Items(), args.JSON)

	case "search", "find":
		query := strings.Join(args.Rest, " ")
		if strings.TrimSpace(query) == "" {
			return usageErrorf("history search needs a query")
		}
		items, err := search(ctx, app, list, query)
		if err != nil {
			return err
		}
		return printMetas(out, items, args.JSON)

	case "show", "view":
		if id == "" {
			return usageErrorf("history show needs a conversation id")
		}
		conv, err := list.Open(ctx, id)
		if err != nil {
			return err
		}
		if args.JSON {
			return writeJSON(out, conv)
		}
		if out.Markdown {
			out.Printf("%s", out.RenderMarkdown(storage.ExportMarkdown(conv)))
			return nil
		}
		out.Printf("%s\n%s\n\n", TitleStyle.Render(conv.GetTitle()), DimStyle.Render(conv.ID))
		for _, msg := range conv.Messages {
			out.Message(msg)
		}
		return nil

	case "rename":
		title := strings.Join(args.Flags.PositionalFrom(3), " ")
		if id == "" || strings.TrimSpace(title) == "" {
			return usageErrorf("history rename needs a conversation id and a title")
		}
		if err := list.Rename(ctx, id, title); err != nil {
			return err
		}
		out.Printf("%s %s\n", SuccessStyle.Render("Renamed"), id)
		return nil

	case "delete", "rm":
		if id == "" {
			return usageErrorf("history delete needs a conversation id")
		}
		if err := list.Delete(ctx, id); err != nil {
			return err
		}
		out.Printf("%s %s\n", SuccessStyle.Render("Deleted"), id)
		return nil

	case "clear":
		if !args.Flags.BoolFlag("yes", "y") {
			return usageErrorf("history clear deletes every conversation; pass --yes to confirm")
		}
		if err := list.DeleteAll(ctx); err != nil {
			return err
		}
		out.Printf("%s\n", SuccessStyle.Render("All conversations deleted."))
		return nil

	case "export":
		if id == "" {
			return usageErrorf("history export needs a conversation id")
		}
		format, err := storage.ParseExportFormat(args.Flags.Flag("format", "f"))
		if err != nil {
			return usageErrorf("%v", err)
		}
		if path := args.Flags.Flag("output", "o"); path != "" {
			if err := storage.ExportToFile(ctx, app.Backend, id, path, format); err != nil {
				return err
			}
			out.Printf("%s %s\n", SuccessStyle.Render("Exported to"), path)
			return nil
		}
		conv, err := list.Open(ctx, id)
		if err != nil {
			return err
		}
		data, err := storage.Export(conv, format)
		if err != nil {
			return err
		}
		out.Printf("%s\n", strings.TrimRight(string(data), "\n"))
		return nil

	default:
		return usageErrorf("unknown history command %q", args.Subcommand)
	}
}

// search uses the backend's own search when it has one and otherwise
// filters the refreshed list by title and preview.
func search(ctx context.Context, app *App, list *chat.History, query string) ([]model.ConversationMeta, error) {
	if s, ok := app.Backend.(searcher); ok {
		return s.Search(ctx, query)
	}
	if err := list.Refresh(ctx); err != nil {
		return nil, err
	}
	return FilterMetas(list.Items(), query), nil
}

// FilterMetas keeps conversations whose title or preview contains query,
// ignoring case.
func FilterMetas(items []model.ConversationMeta, query string) []model.ConversationMeta {
	q := strings.ToLower(strings.TrimSpace(query))
	return lo.Filter(items, func(m model.ConversationMeta, _ int) bool {
		return strings.Contains(strings.ToLower(m.Title), q) ||
			strings.Contains(strings.ToLower(m.Preview), q)
	})
}

func printMetas(out *Renderer, items []model.ConversationMeta, asJSON bool) error {
	if asJSON {
		return writeJSON(out, items)
	}
	out.Conversations(items)
	if len(items) > 0 {
		out.Printf("%s\n", DimStyle.Render(pluralize(len(items), "conversation")))
	}
	return nil
}

func writeJSON(out *Renderer, v any) error {
	enc := json.NewEncoder(out.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func pluralize(n int, noun string) string {
	return fmt.Sprintf("%d %s", n, lo.Ternary(n == 1, noun, noun+"s"))
}
