// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"

	"github.com/jeranaias/rigrun-relay/internal/util"
)

// EnvPrefix prefixes every environment override, e.g. RELAY_CLOUD_API_KEY.
const EnvPrefix = "RELAY_"

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete relay configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	Cache   CacheConfig   `toml:"cache" json:"cache" envPrefix:"CACHE_"`
	Retry   RetryConfig   `toml:"retry" json:"retry" envPrefix:"RETRY_"`
	Limits  LimitsConfig  `toml:"limits" json:"limits" envPrefix:"LIMITS_"`
	Cloud   CloudConfig   `toml:"cloud" json:"cloud" envPrefix:"CLOUD_"`
	History HistoryConfig `toml:"history" json:"history" envPrefix:"HISTORY_"`
	Chat    ChatConfig    `toml:"chat" json:"chat" envPrefix:"CHAT_"`
	Server  ServerConfig  `toml:"server" json:"server" envPrefix:"SERVER_"`
	Storage StorageConfig `toml:"storage" json:"storage" envPrefix:"STORAGE_"`
	Redis   RedisConfig   `toml:"redis" json:"redis" envPrefix:"REDIS_"`
	Log     LogConfig     `toml:"log" json:"log" envPrefix:"LOG_"`
}

// Cache store kinds.
const (
	CacheStoreNone   = "none"
	CacheStoreMemory = "memory"
	CacheStoreRedis  = "redis"
	CacheStoreTiered = "tiered"
)

// History modes.
const (
	HistoryModeLocal  = "local"
	HistoryModeRemote = "remote"
)

// CacheConfig contains request cache configuration.
type CacheConfig struct {
	// TTLSecs is how long a completed read is reused
	TTLSecs int `toml:"ttl_secs" json:"ttl_secs" env:"TTL_SECS"`
	// Store selects the backing store: "none", "memory", "redis" or "tiered"
	Store string `toml:"store" json:"store" env:"STORE"`
	// CleanupSecs is the memory store janitor interval
	CleanupSecs int `toml:"cleanup_secs" json:"cleanup_secs" env:"CLEANUP_SECS"`
}

// RetryConfig contains the retry policy for backend calls.
type RetryConfig struct {
	// MaxRetries is the total number of attempts
	MaxRetries int `toml:"max_retries" json:"max_retries" env:"MAX_RETRIES"`
	// BaseDelayMs is the delay before the second attempt; it doubles after
	BaseDelayMs int `toml:"base_delay_ms" json:"base_delay_ms" env:"BASE_DELAY_MS"`
	// MaxDelayMs caps a single delay (0 = uncapped)
	MaxDelayMs int `toml:"max_delay_ms" json:"max_delay_ms" env:"MAX_DELAY_MS"`
}

// LimitsConfig contains debounce and throttle intervals.
type LimitsConfig struct {
	// SubmitDebounceMs collapses rapid input submissions
	SubmitDebounceMs int `toml:"submit_debounce_ms" json:"submit_debounce_ms" env:"SUBMIT_DEBOUNCE_MS"`
	// RefreshDebounceMs collapses history list refreshes
	RefreshDebounceMs int `toml:"refresh_debounce_ms" json:"refresh_debounce_ms" env:"REFRESH_DEBOUNCE_MS"`
	// NotifyThrottleMs bounds streaming update notifications
	NotifyThrottleMs int `toml:"notify_throttle_ms" json:"notify_throttle_ms" env:"NOTIFY_THROTTLE_MS"`
	// ConfigReloadDebounceMs collapses bursts of config file events
	ConfigReloadDebounceMs int `toml:"config_reload_debounce_ms" json:"config_reload_debounce_ms" env:"CONFIG_RELOAD_DEBOUNCE_MS"`
}

// CloudConfig contains the chat backend configuration.
type CloudConfig struct {
	// URL is the chat backend base URL
	URL string `toml:"url" json:"url" env:"URL"`
	// APIKey is sent as a bearer token when set
	APIKey string `toml:"api_key" json:"api_key" env:"API_KEY"`
	// TimeoutSecs bounds non-streaming requests
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs" env:"TIMEOUT_SECS"`
}

// HistoryConfig selects where conversation history lives.
type HistoryConfig struct {
	// Mode is "local" (SQLite database) or "remote" (history HTTP service)
	Mode string `toml:"mode" json:"mode" env:"MODE"`
	// URL is the history service base URL for remote mode
	URL string `toml:"url" json:"url" env:"URL"`
	// User is the identity sent in the X-Ms-Client-Principal-Id header
	User string `toml:"user" json:"user" env:"USER"`
	// TimeoutSecs bounds a single history request
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs" env:"TIMEOUT_SECS"`
}

// ChatConfig contains conversation behaviour settings.
type ChatConfig struct {
	// Persist saves completed turns to history
	Persist bool `toml:"persist" json:"persist" env:"PERSIST"`
	// StreamTimeoutSecs bounds one streamed reply (0 = no limit)
	StreamTimeoutSecs int `toml:"stream_timeout_secs" json:"stream_timeout_secs" env:"STREAM_TIMEOUT_SECS"`
}

// ServerConfig contains the history HTTP server configuration.
type ServerConfig struct {
	Addr string `toml:"addr" json:"addr" env:"ADDR"`
	// RateLimit is requests per minute per identity (negative disables)
	RateLimit int `toml:"rate_limit" json:"rate_limit" env:"RATE_LIMIT"`
	RateBurst int `toml:"rate_burst" json:"rate_burst" env:"RATE_BURST"`
	PageSize  int `toml:"page_size" json:"page_size" env:"PAGE_SIZE"`
	// AnonymousUser serves requests without an identity header as this user
	AnonymousUser string `toml:"anonymous_user" json:"anonymous_user" env:"ANONYMOUS_USER"`
}

// StorageConfig contains the SQLite history database settings.
type StorageConfig struct {
	// Path is the database file (default ~/.rigrun-relay/history.db)
	Path string `toml:"path" json:"path" env:"PATH"`
	// MaxConversations limits stored conversations per user (negative = unlimited)
	MaxConversations int `toml:"max_conversations" json:"max_conversations" env:"MAX_CONVERSATIONS"`
}

// RedisConfig contains the shared cache store settings.
type RedisConfig struct {
	URL    string `toml:"url" json:"url" env:"URL"`
	Prefix string `toml:"prefix" json:"prefix" env:"PREFIX"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	// Level is trace, debug, info, warn or error
	Level string `toml:"level" json:"level" env:"LEVEL"`
	// Format is "console" or "json"
	Format string `toml:"format" json:"format" env:"FORMAT"`
}

// =============================================================================
// DURATION ACCESSORS
// =============================================================================

// TTL returns the cache TTL.
func (c CacheConfig) TTL() time.Duration { return time.Duration(c.TTLSecs) * time.Second }

// Cleanup returns the memory store janitor interval.
func (c CacheConfig) Cleanup() time.Duration { return time.Duration(c.CleanupSecs) * time.Second }

// BaseDelay returns the first retry delay.
func (c RetryConfig) BaseDelay() time.Duration { return time.Duration(c.BaseDelayMs) * time.Millisecond }

// MaxDelay returns the retry delay cap.
func (c RetryConfig) MaxDelay() time.Duration { return time.Duration(c.MaxDelayMs) * time.Millisecond }

// SubmitDebounce returns the submit debounce interval.
func (c LimitsConfig) SubmitDebounce() time.Duration {
	return time.Duration(c.SubmitDebounceMs) * time.Millisecond
}

// RefreshDebounce returns the history refresh debounce interval.
func (c LimitsConfig) RefreshDebounce() time.Duration {
	return time.Duration(c.RefreshDebounceMs) * time.Millisecond
}

// NotifyThrottle returns the streaming notification interval.
func (c LimitsConfig) NotifyThrottle() time.Duration {
	return time.Duration(c.NotifyThrottleMs) * time.Millisecond
}

// ConfigReloadDebounce returns the config reload debounce interval.
func (c LimitsConfig) ConfigReloadDebounce() time.Duration {
	return time.Duration(c.ConfigReloadDebounceMs) * time.Millisecond
}

// Timeout returns the non-streaming request timeout.
func (c CloudConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSecs) * time.Second }

// Timeout returns the history request timeout.
func (c HistoryConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSecs) * time.Second }

// StreamTimeout returns the per-reply stream limit.
func (c ChatConfig) StreamTimeout() time.Duration {
	return time.Duration(c.StreamTimeoutSecs) * time.Second
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1",
		Cache: CacheConfig{
			TTLSecs:     30,
			Store:       CacheStoreMemory,
			CleanupSecs: 60,
		},
		Retry: RetryConfig{
			MaxRetries:  3,
			BaseDelayMs: 500,
			MaxDelayMs:  30000,
		},
		Limits: LimitsConfig{
			SubmitDebounceMs:       0,
			RefreshDebounceMs:      300,
			NotifyThrottleMs:       50,
			ConfigReloadDebounceMs: 200,
		},
		Cloud: CloudConfig{
			URL:         "http://127.0.0.1:5000",
			TimeoutSecs: 60,
		},
		History: HistoryConfig{
			Mode:        HistoryModeLocal,
			User:        "local",
			TimeoutSecs: 30,
		},
		Chat: ChatConfig{
			Persist: true,
		},
		Server: ServerConfig{
			Addr:      "127.0.0.1:8787",
			RateLimit: 120,
			RateBurst: 20,
			PageSize:  25,
		},
		Storage: StorageConfig{
			MaxConversations: 500,
		},
		Redis: RedisConfig{
			Prefix: "relay:cache:",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the relay configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigrun-relay"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// ensureSecurePermissions tightens config files to 0600; they may hold API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env")
// into the environment. Missing files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Locate returns the first existing default config file, TOML before JSON,
// or "" when there is none.
func Locate() string {
	for _, pathFn := range []func() (string, error){ConfigPathTOML, ConfigPathJSON} {
		path, err := pathFn()
		if err != nil {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Load loads configuration from the default config file(s).
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	if path := Locate(); path != "" {
		return LoadFromPath(path)
	}

	cfg := Default()
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file. Files ending in
// .json are read as JSON, everything else as TOML. Keys missing from the
// file keep their default values.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := ensureSecurePermissions(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if strings.HasSuffix(path, ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read JSON config %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode JSON config %s: %w", path, err)
		}
	} else {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to decode TOML config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			fmt.Fprintf(os.Stderr, "Warning: unknown config keys in %s: %v\n", path, undecoded)
		}
	}

	fillDefaults(cfg)
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// finish applies environment overrides and validates.
func finish(cfg *Config) error {
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ApplyEnvOverrides sets fields from RELAY_* environment variables.
func (c *Config) ApplyEnvOverrides() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

// fillDefaults fills in any missing values with defaults. Zero is a
// meaningful value for SubmitDebounceMs, MaxDelayMs and StreamTimeoutSecs,
// so those are left alone.
func fillDefaults(cfg *Config) {
	d := Default()

	if cfg.Version == "" {
		cfg.Version = d.Version
	}

	if cfg.Cache.TTLSecs == 0 {
		cfg.Cache.TTLSecs = d.Cache.TTLSecs
	}
	if cfg.Cache.Store == "" {
		cfg.Cache.Store = d.Cache.Store
	}
	if cfg.Cache.CleanupSecs == 0 {
		cfg.Cache.CleanupSecs = d.Cache.CleanupSecs
	}

	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = d.Retry.MaxRetries
	}
	if cfg.Retry.BaseDelayMs == 0 {
		cfg.Retry.BaseDelayMs = d.Retry.BaseDelayMs
	}

	if cfg.Limits.RefreshDebounceMs == 0 {
		cfg.Limits.RefreshDebounceMs = d.Limits.RefreshDebounceMs
	}
	if cfg.Limits.NotifyThrottleMs == 0 {
		cfg.Limits.NotifyThrottleMs = d.Limits.NotifyThrottleMs
	}
	if cfg.Limits.ConfigReloadDebounceMs == 0 {
		cfg.Limits.ConfigReloadDebounceMs = d.Limits.ConfigReloadDebounceMs
	}

	if cfg.Cloud.URL == "" {
		cfg.Cloud.URL = d.Cloud.URL
	}
	if cfg.Cloud.TimeoutSecs == 0 {
		cfg.Cloud.TimeoutSecs = d.Cloud.TimeoutSecs
	}

	if cfg.History.Mode == "" {
		cfg.History.Mode = d.History.Mode
	}
	if cfg.History.User == "" {
		cfg.History.User = d.History.User
	}
	if cfg.History.TimeoutSecs == 0 {
		cfg.History.TimeoutSecs = d.History.TimeoutSecs
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = d.Server.Addr
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = d.Server.RateLimit
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = d.Server.RateBurst
	}
	if cfg.Server.PageSize == 0 {
		cfg.Server.PageSize = d.Server.PageSize
	}

	if cfg.Storage.MaxConversations == 0 {
		cfg.Storage.MaxConversations = d.Storage.MaxConversations
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = d.Redis.Prefix
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = d.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = d.Log.Format
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

const tomlHeader = `# rigrun relay configuration file
# Environment variables prefixed with RELAY_ override these values,
# e.g. RELAY_CLOUD_API_KEY or RELAY_HISTORY_MODE.

`

// SaveTOML writes the configuration to a TOML file with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var sb strings.Builder
	sb.WriteString(tomlHeader)
	if err := toml.NewEncoder(&sb).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, []byte(sb.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON writes the configuration to a JSON file with 0600 permissions.
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Save writes cfg to path, choosing the format by extension.
func Save(cfg *Config, path string) error {
	if strings.HasSuffix(path, ".json") {
		return SaveJSON(cfg, path)
	}
	return SaveTOML(cfg, path)
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	clone := *c
	if clone.Cloud.APIKey != "" {
		clone.Cloud.APIKey = "********"
	}
	if u, err := url.Parse(clone.Redis.URL); err == nil && clone.Redis.URL != "" {
		clone.Redis.URL = u.Redacted()
	}
	return &clone
}

// =============================================================================
// GLOBAL CONFIG
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance.
// Loads configuration on first access. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfigMu.Lock()
		globalConfig = cfg
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigOnce.Do(func() {})
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state for testing.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
