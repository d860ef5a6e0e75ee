// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/rigrun-relay/internal/config"
)

// =============================================================================
// CONFIG
// =============================================================================

func runConfig(args Args, cfg *config.Config, path string, out io.Writer) error {
	switch strings.ToLower(args.Subcommand) {
	case "", "show":
		return showConfig(out, cfg, path, args.JSON)
	case "init":
		return initConfig(out, args)
	case "path":
		if path == "" {
			path = "(none, using defaults)"
		}
		fmt.Fprintln(out, path)
		return nil
	default:
		return usageErrorf("unknown config command %q", args.Subcommand)
	}
}

func showConfig(out io.Writer, cfg *config.Config, path string, asJSON bool) error {
	redacted := cfg.Redacted()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(redacted)
	}
	source := path
	if source == "" {
		source = "defaults"
	}
	fmt.Fprintf(out, "%s\n", DimStyle.Render("# effective config from "+source+" and RELAY_* environment"))
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(redacted); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	_, err := out.Write(buf.Bytes())
	return err
}

func initConfig(out io.Writer, args Args) error {
	path := args.ConfigPath
	if path == "" {
		locate := config.ConfigPathTOML
		if args.JSON {
			locate = config.ConfigPathJSON
		}
		p, err := locate()
		if err != nil {
			return err
		}
		path = p
	}
	if _, err := os.Stat(path); err == nil && !args.Flags.BoolFlag("force") {
		return usageErrorf("%s already exists; pass --force to overwrite", path)
	}
	if err := config.Save(config.Default(), path); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", SuccessStyle.Render("Wrote"), path)
	return nil
}
