// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"runtime"
	"strings"
)

// Version information (overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command is the CLI command to execute.
type Command int

const (
	CmdHelp Command = iota
	CmdServe
	CmdAsk
	CmdChat
	CmdHistory
	CmdConfig
	CmdVersion
	CmdUnknown
)

var commandNames = map[string]Command{
	"serve":   CmdServe,
	"ask":     CmdAsk,
	"chat":    CmdChat,
	"history": CmdHistory,
	"hist":    CmdHistory,
	"config":  CmdConfig,
	"version": CmdVersion,
	"help":    CmdHelp,
}

// boolFlags never take a value.
var boolFlags = []string{"json", "raw", "verbose", "v", "yes", "y", "force", "no-persist", "help", "h"}

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	ConfigPath string
	JSON       bool
	Raw        bool
	Verbose    bool

	// Name is the command word as typed.
	Name string
	// Subcommand is the first argument after the command.
	Subcommand string
	// Rest are the positionals after the subcommand.
	Rest []string

	Flags *ArgParser
}

// Query joins every positional after the command word.
func (a Args) Query() string {
	words := a.Rest
	if a.Subcommand != "" {
		words = append([]string{a.Subcommand}, words...)
	}
	return strings.TrimSpace(strings.Join(words, " "))
}

const usageText = `relay - resilient chat client and conversation history service

Usage:
  relay serve [--addr HOST:PORT]        Serve the history API
  relay ask "question" [flags]          Ask one question and stream the answer
  relay chat [--conversation ID]        Interactive chat
  relay history list                    List conversations
  relay history show ID                 Show a conversation
  relay history search QUERY            Find conversations by title or preview
  relay history rename ID TITLE         Rename a conversation
  relay history delete ID               Delete a conversation
  relay history clear --yes             Delete every conversation
  relay history export ID [--format md|json] [--output FILE]
  relay config show                     Show the effective config (secrets masked)
  relay config init [--force] [--json]  Write a default config file
  relay version                         Show version information

Ask flags:
  --conversation ID   Continue an existing conversation
  --no-persist        Do not save the turn to history

Global flags:
  --config FILE       Config file (default ~/.rigrun-relay/config.toml)
  --json              JSON output where supported
  --raw               Plain text output, no markdown rendering
  --verbose, -v       Debug logging

Environment:
  RELAY_*             Overrides any config key, e.g. RELAY_CLOUD_URL,
                      RELAY_HISTORY_MODE, RELAY_LOG_LEVEL
`

// Parse parses argv (without the program name).
func Parse(argv []string) (Command, Args) {
	p := NewArgParser(argv, boolFlags...)
	args := Args{
		ConfigPath: p.Flag("config", "c"),
		JSON:       p.BoolFlag("json"),
		Raw:        p.BoolFlag("raw"),
		Verbose:    p.BoolFlag("verbose", "v"),
		Name:       p.Positional(0),
		Subcommand: p.Positional(1),
		Rest:       p.PositionalFrom(2),
		Flags:      p,
	}

	if args.Name == "" || p.BoolFlag("help", "h") {
		return CmdHelp, args
	}
	cmd, ok := commandNames[strings.ToLower(args.Name)]
	if !ok {
		return CmdUnknown, args
	}
	return cmd, args
}

// PrintUsage writes the help text.
func PrintUsage(w io.Writer) {
	fmt.Fprint(w, usageText)
}

// PrintVersion writes version information.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "relay %s\n", Version)
	fmt.Fprintf(w, "  commit: %s\n", GitCommit)
	fmt.Fprintf(w, "  built:  %s\n", BuildDate)
	fmt.Fprintf(w, "  go:     %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
