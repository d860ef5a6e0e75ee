// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jeranaias/rigrun-relay/internal/retry"
)

// Exit codes.
const (
	ExitOK    = 0
	ExitError = 1
	ExitUsage = 2
)

// ErrUsage marks errors caused by bad arguments.
var ErrUsage = errors.New("usage error")

func usageErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
}

// Run executes cmd and returns the process exit code.
func Run(ctx context.Context, cmd Command, args Args, stdout, stderr io.Writer) int {
	switch cmd {
	case CmdHelp:
		PrintUsage(stdout)
		return ExitOK
	case CmdVersion:
		PrintVersion(stdout)
		return ExitOK
	case CmdUnknown:
		fmt.Fprintf(stderr, "%s unknown command %q\n\n", ErrorStyle.Render("Error:"), args.Name)
		PrintUsage(stderr)
		return ExitUsage
	}

	err := runCommand(ctx, cmd, args, stdout, stderr)
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrUsage):
		fmt.Fprintf(stderr, "%s %v\n", ErrorStyle.Render("Error:"), err)
		return ExitUsage
	case retry.IsCanceled(err):
		fmt.Fprintln(stderr, WarningStyle.Render("Interrupted."))
		return ExitError
	default:
		fmt.Fprintf(stderr, "%s %v\n", ErrorStyle.Render("Error:"), err)
		return ExitError
	}
}

func runCommand(ctx context.Context, cmd Command, args Args, stdout, stderr io.Writer) error {
	if cmd == CmdConfig && strings.EqualFold(args.Subcommand, "init") {
		return initConfig(stdout, args)
	}
	cfg, path, err := LoadConfig(args.ConfigPath)
	if err != nil {
		return err
	}
	if args.Verbose {
		cfg.Log.Level = "debug"
	}
	if cmd == CmdConfig {
		return runConfig(args, cfg, path, stdout)
	}

	app, err := NewApp(ctx, cfg, stderr)
	if err != nil {
		return err
	}
	app.ConfigPath = path
	defer func() {
		if err := app.Close(); err != nil {
			app.Logger.Warn().Err(err).Msg("shutdown incomplete")
		}
	}()
	ctx = app.Context(ctx)

	out := NewRenderer(stdout, stdout == os.Stdout && IsStdoutTTY(), args.Raw || args.JSON)
	switch cmd {
	case CmdServe:
		return runServe(ctx, app, args)
	case CmdAsk:
		return runAsk(ctx, app, args, out)
	case CmdChat:
		return runChat(ctx, app, args, out)
	case CmdHistory:
		return runHistory(ctx, app, args, out)
	default:
		return usageErrorf("unhandled command %q", args.Name)
	}
}
