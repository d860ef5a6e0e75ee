// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-relay/internal/config"
)

func TestNew_JSONLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LogConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("dropped")
	logger.Warn().Str("cache", "history").Msg("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if entry["message"] != "kept" || entry["level"] != "warn" || entry["cache"] != "history" {
		t.Errorf("entry = %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("missing timestamp")
	}
}

func TestNew_ConsoleAndFallbackLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LogConfig{Level: "bogus", Format: "console"}, &buf)

	logger.Debug().Msg("hidden")
	logger.Info().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("invalid level should fall back to info")
	}
	if !strings.Contains(out, "shown") || strings.HasPrefix(out, "{") {
		t.Errorf("console output = %q", out)
	}
}

func TestNewDynamic_LevelChanges(t *testing.T) {
	var buf bytes.Buffer
	logger, level := NewDynamic(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	child := logger.With().Str("component", "server").Logger()

	child.Info().Msg("before")
	level.Set(ParseLevel("debug"))
	child.Debug().Msg("after")

	out := buf.String()
	if strings.Contains(out, "before") {
		t.Error("info logged while level was warn")
	}
	if !strings.Contains(out, "after") {
		t.Errorf("debug not logged after lowering level: %q", out)
	}
	if level.Get() != zerolog.DebugLevel {
		t.Errorf("level = %v, want debug", level.Get())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":  zerolog.DebugLevel,
		" WARN ": zerolog.WarnLevel,
		"":       zerolog.InfoLevel,
		"nope":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
