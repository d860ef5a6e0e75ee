// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for relay.
//
// Supports both TOML and JSON configuration formats, with defaults for every
// key, RELAY_* environment overrides, .env files and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.rigrun-relay/config.toml
//   - ~/.rigrun-relay/config.json
//   - Built-in defaults
//
// # Key Types
//
//   - Config: root with cache, retry, limits, cloud, history, chat, server,
//     storage, redis and log sections
//   - ValidationError / ValidateErrors: every problem found by Validate
//
// # Usage
//
//	_ = config.LoadDotEnv()
//	cfg, err := config.Load()
//	err = config.Watch(ctx, path, cfg.Limits.ConfigReloadDebounce(), func(c *config.Config, err error) {
//		...
//	})
package config
