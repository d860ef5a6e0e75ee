// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging builds the zerolog logger shared by relay components.
//
// Components take a *zerolog.Logger in their options and derive a child
// with a "component" field; a nil logger means zerolog.Nop().
package logging

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-relay/internal/config"
)

// New returns a logger writing to w (stderr when nil). The console format
// is human readable; json emits one object per line.
func New(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	return base(cfg, w).Level(ParseLevel(cfg.Level))
}

// ParseLevel parses a level name, falling back to info.
func ParseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func base(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// =============================================================================
// RUNTIME LEVEL
// =============================================================================

// Level is a minimum level that can change while loggers using it run.
// It is installed as a hook, so child loggers follow it too.
type Level struct {
	v atomic.Int32
}

// NewDynamic returns a logger whose level is held by the returned Level.
func NewDynamic(cfg config.LogConfig, w io.Writer) (zerolog.Logger, *Level) {
	lvl := &Level{}
	lvl.Set(ParseLevel(cfg.Level))
	return base(cfg, w).Hook(lvl), lvl
}

// Get returns the current level.
func (l *Level) Get() zerolog.Level {
	return zerolog.Level(l.v.Load())
}

// Set changes the level.
func (l *Level) Set(level zerolog.Level) {
	l.v.Store(int32(level))
}

// Run implements zerolog.Hook.
func (l *Level) Run(e *zerolog.Event, level zerolog.Level, _ string) {
	if level < l.Get() {
		e.Discard()
	}
}
