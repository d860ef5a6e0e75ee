// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"

	"github.com/jeranaias/rigrun-relay/internal/config"
	"github.com/jeranaias/rigrun-relay/internal/logging"
	"github.com/jeranaias/rigrun-relay/internal/server"
)

// =============================================================================
// SERVE
// =============================================================================

func runServe(ctx context.Context, app *App, args Args) error {
	cfg := app.Config
	srv := server.New(server.Options{
		Addr:          args.Flags.FlagOrDefault("addr", cfg.Server.Addr),
		Backend:       app.Backend,
		Logger:        &app.Logger,
		PageSize:      cfg.Server.PageSize,
		RateLimit:     cfg.Server.RateLimit,
		RateBurst:     cfg.Server.RateBurst,
		AnonymousUser: cfg.Server.AnonymousUser,
	})

	if app.ConfigPath != "" {
		err := config.Watch(ctx, app.ConfigPath, cfg.Limits.ConfigReloadDebounce(), func(next *config.Config, err error) {
			applyReload(app, next, err)
		})
		if err != nil {
			app.Logger.Warn().Err(err).Str("path", app.ConfigPath).Msg("config watch disabled")
		}
	}

	app.Logger.Info().
		Str("addr", srv.Addr()).
		Str("history", cfg.History.Mode).
		Str("cache", cfg.Cache.Store).
		Msg("starting history server")
	return srv.ListenAndServe(ctx)
}

// applyReload applies the settings that can change without a restart.
// Everything else is logged and takes effect on the next start.
func applyReload(app *App, next *config.Config, err error) {
	if err != nil {
		app.Logger.Warn().Err(err).Msg("config reload rejected")
		return
	}
	level := logging.ParseLevel(next.Log.Level)
	if level != app.LogLevel.Get() {
		app.LogLevel.Set(level)
		app.Logger.Info().Str("level", level.String()).Msg("log level changed")
	}
	if next.Server != app.Config.Server || next.History != app.Config.History || next.Cache != app.Config.Cache {
		app.Logger.Warn().Msg("changed settings apply after restart")
	}
}
