// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-relay/internal/cache"
	"github.com/jeranaias/rigrun-relay/internal/cloud"
	"github.com/jeranaias/rigrun-relay/internal/config"
	"github.com/jeranaias/rigrun-relay/internal/history"
	"github.com/jeranaias/rigrun-relay/internal/logging"
	"github.com/jeranaias/rigrun-relay/internal/retry"
	"github.com/jeranaias/rigrun-relay/internal/storage"
)

// =============================================================================
// APPLICATION WIRING
// =============================================================================

// App holds the components one command runs against. Every component is
// created from the Config, and Close releases them in reverse order.
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     zerolog.Logger
	LogLevel   *logging.Level

	Cache   *cache.RequestCache
	Cloud   *cloud.Client
	Backend history.Backend

	closers []namedCloser
}

type namedCloser struct {
	name string
	c    io.Closer
}

// LoadConfig loads .env files and the config file. An explicit path must
// exist; otherwise the default TOML then JSON locations are tried.
func LoadConfig(path string) (*config.Config, string, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, "", err
	}
	if path == "" {
		path = config.Locate()
	}
	if path == "" {
		cfg, err := config.Load()
		return cfg, "", err
	}
	cfg, err := config.LoadFromPath(path)
	return cfg, path, err
}

// NewApp builds the components described by cfg. Components that are not
// needed by a command are cheap to create and are never dialed until used,
// except an explicitly configured Redis store which is pinged up front.
func NewApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*App, error) {
	logger, level := logging.NewDynamic(cfg.Log, logOut)
	app := &App{Config: cfg, Logger: logger, LogLevel: level}

	store, err := app.newCacheStore(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Cache = cache.New(cache.Options{Name: "relay", Store: store, Logger: &app.Logger})
	app.track("request cache", app.Cache)

	app.Cloud = cloud.NewClient(cloud.Options{
		BaseURL: cfg.Cloud.URL,
		APIKey:  cfg.Cloud.APIKey,
		Timeout: cfg.Cloud.Timeout(),
		Retry:   app.retryPolicy("cloud"),
		Logger:  &app.Logger,
	})

	backend, err := app.newBackend(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Backend = backend
	return app, nil
}

// Context returns ctx carrying the configured history user.
func (a *App) Context(ctx context.Context) context.Context {
	if history.UserFromContext(ctx) != "" {
		return ctx
	}
	return history.WithUser(ctx, a.Config.History.User)
}

func (a *App) retryPolicy(name string) retry.Policy {
	return retry.Policy{
		Name:       name,
		MaxRetries: a.Config.Retry.MaxRetries,
		BaseDelay:  a.Config.Retry.BaseDelay(),
		MaxDelay:   a.Config.Retry.MaxDelay(),
		OnRetry: func(attempt int, delay time.Duration, err error) {
			a.Logger.Debug().Str("op", name).Int("attempt", attempt).Dur("delay", delay).Err(err).Msg("retrying")
		},
	}
}

func (a *App) newCacheStore(ctx context.Context) (cache.Store, error) {
	c := a.Config.Cache
	switch c.Store {
	case config.CacheStoreNone, "":
		return nil, nil
	case config.CacheStoreMemory:
		return cache.NewMemoryStore(c.TTL(), c.Cleanup()), nil
	case config.CacheStoreRedis, config.CacheStoreTiered:
		redisStore, err := cache.NewRedisStore(ctx, a.Config.Redis.URL, a.Config.Redis.Prefix)
		if err != nil {
			return nil, err
		}
		a.track("redis", redisStore)
		if c.Store == config.CacheStoreRedis {
			return redisStore, nil
		}
		return cache.NewTieredStore(cache.NewMemoryStore(c.TTL(), c.Cleanup()), redisStore), nil
	default:
		return nil, fmt.Errorf("unknown cache store %q", c.Store)
	}
}

func (a *App) newBackend(ctx context.Context) (history.Backend, error) {
	h := a.Config.History
	if h.Mode == config.HistoryModeRemote {
		client := history.NewClient(history.ClientOptions{
			BaseURL:    h.URL,
			HTTPClient: &http.Client{Timeout: h.Timeout()},
			Identity:   history.StaticIdentity(h.User),
			Cache:      a.Cache,
			ReadTTL:    a.Config.Cache.TTL(),
			Retry:      a.retryPolicy("history"),
			Logger:     &a.Logger,
		})
		a.track("history client", client)
		return client, nil
	}

	path := a.Config.Storage.Path
	if path == "" {
		p, err := storage.DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve history database path: %w", err)
		}
		path = p
	}
	db, err := storage.Open(ctx, storage.Options{
		Path:             path,
		MaxConversations: a.Config.Storage.MaxConversations,
		Logger:           &a.Logger,
	})
	if err != nil {
		return nil, err
	}
	a.track("history database", db)
	return db, nil
}

func (a *App) track(name string, c io.Closer) {
	a.closers = append(a.closers, namedCloser{name: name, c: c})
}

// Close releases every component, newest first, and reports all failures.
func (a *App) Close() error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		nc := a.closers[i]
		if err := nc.c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", nc.name, err))
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}
