// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/jeranaias/rigrun-relay/internal/chat"
	"github.com/jeranaias/rigrun-relay/internal/history"
	"github.com/jeranaias/rigrun-relay/internal/model"
)

// maxStdinQuery bounds a question piped on stdin.
const maxStdinQuery = 1 << 20

// =============================================================================
// ASK
// =============================================================================

func runAsk(ctx context.Context, app *App, args Args, out *Renderer) error {
	query := args.Query()
	if query == "" && !IsTTY() {
		data, err := io.ReadAll(io.LimitReader(os.Stdin, maxStdinQuery))
		if err != nil {
			return err
		}
		query = strings.TrimSpace(string(data))
	}
	if query == "" {
		return usageErrorf("ask needs a question")
	}

	session, err := newSession(ctx, app, args.Flags.Flag("conversation"), !args.Flags.BoolFlag("no-persist"))
	if err != nil {
		return err
	}
	defer session.Close()

	if args.JSON {
		turn, err := session.Send(ctx, query, NewRenderer(io.Discard, false, true))
		return writeTurnJSON(out.Out, turn, err)
	}
	_, err = session.Send(ctx, query, out)
	return err
}

type turnJSON struct {
	ConversationID string         `json:"conversation_id,omitempty"`
	Reply          *model.Message `json:"reply,omitempty"`
	Citations      string         `json:"citations,omitempty"`
	Persisted      bool           `json:"persisted"`
	Error          string         `json:"error,omitempty"`
}

func writeTurnJSON(w io.Writer, turn *chat.Turn, err error) error {
	doc := turnJSON{}
	if turn != nil {
		doc.ConversationID = turn.ConversationID
		doc.Citations = turn.Citations
		doc.Persisted = turn.Persisted
		if turn.Reply.ID != "" {
			doc.Reply = &turn.Reply
		}
	}
	if err != nil {
		doc.Error = err.Error()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(doc); encErr != nil {
		return encErr
	}
	return err
}

// =============================================================================
// SESSION
// =============================================================================

// session is one conversation driven from the terminal.
type session struct {
	app    *App
	store  *chat.Store
	runner *chat.Runner
}

func newSession(ctx context.Context, app *App, conversationID string, persist bool) (*session, error) {
	var conv *model.Conversation
	if conversationID != "" {
		c, err := app.Backend.Read(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		conv = c
	}

	store := chat.NewStore(chat.StoreOptions{
		Conversation:   conv,
		NotifyInterval: app.Config.Limits.NotifyThrottle(),
	})
	var backend history.Backend
	if persist && app.Config.Chat.Persist {
		backend = app.Backend
	}
	runner := chat.NewRunner(chat.RunnerOptions{
		Store:       store,
		Streamer:    app.Cloud,
		Backend:     backend,
		Logger:      &app.Logger,
		SubmitDelay: app.Config.Limits.SubmitDebounce(),
		Context:     ctx,
	})
	return &session{app: app, store: store, runner: runner}, nil
}

// Send runs one turn, streaming the reply to out.
func (s *session) Send(ctx context.Context, text string, out *Renderer) (*chat.Turn, error) {
	if d := s.app.Config.Chat.StreamTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	p := newStreamPrinter(out, s.store)
	defer p.Close()

	turn, err := s.runner.Send(ctx, text)
	p.Finish(turn, err)
	return turn, err
}

func (s *session) Close() error {
	s.runner.Close()
	return s.store.Close()
}

// =============================================================================
// STREAM PRINTER
// =============================================================================

// streamPrinter writes a streamed reply as it grows. Markdown output cannot
// be rendered incrementally, so in markdown mode only the final reply is
// printed.
type streamPrinter struct {
	out   *Renderer
	store *chat.Store
	stop  func()

	mu      sync.Mutex
	replyID string
	printed string
}

func newStreamPrinter(out *Renderer, store *chat.Store) *streamPrinter {
	p := &streamPrinter{out: out, store: store, stop: func() {}}
	if !out.Markdown {
		p.stop = store.Subscribe(p.onChange)
	}
	return p
}

func (p *streamPrinter) onChange(c chat.Change) {
	if c.Kind != chat.ChangeUpdated && c.Kind != chat.ChangeAppended {
		return
	}
	msg, ok := p.store.Message(c.MessageID)
	if !ok || msg.Role != model.RoleAssistant {
		return
	}
	if _, isChart := msg.Chart(); isChart {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.replyID == "" {
		p.replyID = msg.ID
	}
	if msg.ID != p.replyID {
		return
	}
	text := msg.Text()
	if strings.HasPrefix(text, p.printed) {
		p.out.Printf("%s", text[len(p.printed):])
		p.printed = text
	}
}

// Finish prints whatever the stream did not, then the citations. Errors
// are left to the caller.
func (p *streamPrinter) Finish(turn *chat.Turn, err error) {
	p.stop()
	p.mu.Lock()
	defer p.mu.Unlock()

	if turn != nil && turn.Reply.ID != "" {
		body := MessageBody(turn.Reply)
		switch {
		case p.out.Markdown:
			p.out.Printf("%s", p.out.RenderMarkdown(body))
		case p.printed != "" && strings.HasPrefix(body, p.printed):
			p.out.Printf("%s\n", body[len(p.printed):])
		case p.printed != "":
			p.out.Printf("\n%s\n", body)
		default:
			p.out.Printf("%s\n", body)
		}
		p.printed = body
		if turn.Citations != "" {
			p.out.Printf("%s %s\n", DimStyle.Render("citations:"), turn.Citations)
		}
	}
}

func (p *streamPrinter) Close() {
	p.stop()
}
