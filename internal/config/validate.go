// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

var (
	validCacheStores = map[string]bool{CacheStoreNone: true, CacheStoreMemory: true, CacheStoreRedis: true, CacheStoreTiered: true}
	validHistoryMode = map[string]bool{HistoryModeLocal: true, HistoryModeRemote: true}
	validLogFormats  = map[string]bool{"console": true, "json": true}
)

// Validate validates the configuration and returns ValidateErrors listing
// every problem found.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Cache
	if c.Cache.TTLSecs < 0 {
		add("cache.ttl_secs", "cannot be negative, got %d", c.Cache.TTLSecs)
	}
	if !validCacheStores[c.Cache.Store] {
		add("cache.store", "invalid store '%s', must be one of: none, memory, redis, tiered", c.Cache.Store)
	}
	if (c.Cache.Store == CacheStoreRedis || c.Cache.Store == CacheStoreTiered) && c.Redis.URL == "" {
		add("redis.url", "required when cache.store is '%s'", c.Cache.Store)
	}

	// Retry
	if c.Retry.MaxRetries < 1 || c.Retry.MaxRetries > 10 {
		add("retry.max_retries", "must be 1-10, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BaseDelayMs < 0 {
		add("retry.base_delay_ms", "cannot be negative, got %d", c.Retry.BaseDelayMs)
	}
	if c.Retry.MaxDelayMs < 0 {
		add("retry.max_delay_ms", "cannot be negative, got %d", c.Retry.MaxDelayMs)
	}

	// Limits
	if c.Limits.SubmitDebounceMs < 0 || c.Limits.RefreshDebounceMs < 0 ||
		c.Limits.NotifyThrottleMs < 0 || c.Limits.ConfigReloadDebounceMs < 0 {
		add("limits", "intervals cannot be negative")
	}

	// Endpoints
	if err := validateURL(c.Cloud.URL); err != nil {
		add("cloud.url", "%v", err)
	}
	if !validHistoryMode[c.History.Mode] {
		add("history.mode", "invalid mode '%s', must be one of: local, remote", c.History.Mode)
	}
	if c.History.Mode == HistoryModeRemote {
		if err := validateURL(c.History.URL); err != nil {
			add("history.url", "%v", err)
		}
	}
	if strings.TrimSpace(c.History.User) == "" {
		add("history.user", "cannot be empty")
	}

	// Server
	if c.Server.PageSize < 1 || c.Server.PageSize > 1000 {
		add("server.page_size", "must be 1-1000, got %d", c.Server.PageSize)
	}
	if c.Server.RateBurst < 0 {
		add("server.rate_burst", "cannot be negative, got %d", c.Server.RateBurst)
	}

	// Log
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil || c.Log.Level == "" {
		add("log.level", "invalid level '%s'", c.Log.Level)
	}
	if !validLogFormats[c.Log.Format] {
		add("log.format", "invalid format '%s', must be one of: console, json", c.Log.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got '%s'", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}
