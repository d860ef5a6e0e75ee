// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/jeranaias/rigrun-relay/internal/config"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/retry"
)

// historyFileName holds REPL input history inside the config directory.
const historyFileName = "chat_history"

// =============================================================================
// INTERACTIVE CHAT
// =============================================================================

func runChat(ctx context.Context, app *App, args Args, out *Renderer) error {
	if !IsTTY() {
		return usageErrorf("chat needs an interactive terminal; use ask for piped input")
	}
	sess, err := newSession(ctx, app, args.Flags.Flag("conversation"), !args.Flags.BoolFlag("no-persist"))
	if err != nil {
		return err
	}
	defer func() { sess.Close() }()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(completeCommand)
	histPath := inputHistoryPath()
	loadInputHistory(line, histPath)
	defer saveInputHistory(line, histPath)

	out.Printf("%s %s\n", TitleStyle.Render("relay chat"), DimStyle.Render("(/help for commands, Ctrl+D to quit)"))
	for _, msg := range sess.store.Messages() {
		out.Message(msg)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		input, err := line.Prompt("you> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			out.Printf("\n")
			return nil
		}
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			quit, err := chatCommand(ctx, app, &sess, input, args, out)
			if err != nil {
				out.Printf("%s %v\n", ErrorStyle.Render("Error:"), err)
			}
			if quit {
				return nil
			}
			continue
		}

		out.Printf("%s\n", RenderRole(model.RoleAssistant))
		if _, err := sess.Send(ctx, input, out); err != nil {
			if retry.IsCanceled(err) && ctx.Err() == nil {
				out.Printf("%s\n", WarningStyle.Render("(canceled)"))
				continue
			}
			out.Printf("%s %v\n", ErrorStyle.Render("Error:"), err)
		}
		out.Printf("\n")
	}
}

var chatCommands = []string{"/help", "/new", "/title", "/id", "/quit"}

func completeCommand(line string) []string {
	var c []string
	for _, cmd := range chatCommands {
		if strings.HasPrefix(cmd, strings.ToLower(line)) {
			c = append(c, cmd)
		}
	}
	return c
}

// chatCommand runs a slash command. It reports whether the REPL should end.
func chatCommand(ctx context.Context, app *App, sess **session, input string, args Args, out *Renderer) (bool, error) {
	name, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(name) {
	case "/quit", "/exit", "/q":
		return true, nil
	case "/help":
		out.Printf("  /new          start a new conversation\n")
		out.Printf("  /title TEXT   rename this conversation\n")
		out.Printf("  /id           show the conversation id\n")
		out.Printf("  /quit         leave\n")
	case "/id":
		out.Printf("%s\n", (*sess).store.ConversationID())
	case "/new":
		next, err := newSession(ctx, app, "", !args.Flags.BoolFlag("no-persist"))
		if err != nil {
			return false, err
		}
		(*sess).Close()
		*sess = next
		out.Printf("%s\n", SuccessStyle.Render("New conversation."))
	case "/title":
		if rest == "" {
			return false, usageErrorf("/title needs a title")
		}
		id := (*sess).store.ConversationID()
		if err := app.Backend.Rename(ctx, id, rest); err != nil {
			return false, err
		}
		(*sess).store.SetTitle(rest)
		out.Printf("%s\n", SuccessStyle.Render("Renamed."))
	default:
		return false, usageErrorf("unknown command %s", name)
	}
	return false, nil
}

func inputHistoryPath() string {
	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, historyFileName)
}

func loadInputHistory(line *liner.State, path string) {
	if f, err := os.Open(path); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
}

func saveInputHistory(line *liner.State, path string) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	line.WriteHistory(f)
}
