// Package config defines the runtime configuration for the simulator and
// provides validation helpers.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/atmx/fxsim/internal/engine"
	"github.com/atmx/fxsim/internal/news"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FXSIM_* environment variables.
type Config struct {
	Server   ServerConfig `toml:"server"`
	Market   MarketConfig `toml:"market"`
	Store    StoreConfig  `toml:"store"`
	Redis    RedisConfig  `toml:"redis"`
	S3       S3Config     `toml:"s3"`
	News     []news.Item  `toml:"news"`
	LogLevel string       `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	RunOnce     bool     `toml:"run_once"` // one market step, then exit
}

// MarketConfig holds the price process tuning and the ticker interval.
type MarketConfig struct {
	TickEvery        duration      `toml:"tick_every"`
	StrictDurability bool          `toml:"strict_durability"`
	Seed             int64         `toml:"seed"` // 0 seeds from the clock
	Params           engine.Params `toml:"params"`
}

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend     string `toml:"backend"`
	Path        string `toml:"path"`         // file and sqlite
	JournalPath string `toml:"journal_path"` // file backend only
	DSN         string `toml:"dsn"`          // postgres
}

// RedisConfig holds Redis connection parameters. Redis is optional; an
// empty Addr and URL disable the cache, the lock and the event feed.
type RedisConfig struct {
	Addr      string   `toml:"addr"`
	URL       string   `toml:"url"`
	Password  string   `toml:"password"`
	DB        int      `toml:"db"`
	Namespace string   `toml:"namespace"`
	Channel   string   `toml:"channel"`
	CacheTTL  duration `toml:"cache_ttl"`
	Lock      bool     `toml:"lock"`
	LockWait  duration `toml:"lock_wait"`
}

// Enabled reports whether a Redis server is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" || r.URL != "" }

// S3Config holds S3-compatible archive parameters. An empty Bucket disables
// the archiver.
type S3Config struct {
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	Prefix         string   `toml:"prefix"`
	Every          duration `toml:"every"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "800ms", "5m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the standard game settings.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"*"},
		},
		Market: MarketConfig{
			TickEvery: duration{800 * time.Millisecond},
			Params:    engine.DefaultParams(),
		},
		Store: StoreConfig{
			Backend:     BackendFile,
			Path:        "fxsim_state.json",
			JournalPath: "fxsim_ledger.jsonl",
		},
		Redis: RedisConfig{
			Namespace: "fxsim",
			Channel:   "fxsim:events",
			CacheTTL:  duration{30 * time.Second},
			LockWait:  duration{2 * time.Second},
		},
		S3: S3Config{
			Region: "us-east-1",
			Prefix: "snapshots",
			Every:  duration{time.Minute},
			UseSSL: true,
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

var validBackends = map[string]bool{
	BackendMemory:   true,
	BackendFile:     true,
	BackendSQLite:   true,
	BackendPostgres: true,
}

// Validate checks the configuration for inconsistencies and returns every
// problem found in one error.
func (c *Config) Validate() error {
	var errs []string

	if _, ok := validLogLevels[strings.ToLower(c.LogLevel)]; !ok {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}

	if c.Market.TickEvery.Duration <= 0 {
		errs = append(errs, "market.tick_every must be positive")
	}
	if err := c.Market.Params.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	backend := strings.ToLower(c.Store.Backend)
	switch {
	case !validBackends[backend]:
		errs = append(errs, fmt.Sprintf("unknown store.backend %q (valid: memory, file, sqlite, postgres)", c.Store.Backend))
	case (backend == BackendFile || backend == BackendSQLite) && c.Store.Path == "":
		errs = append(errs, fmt.Sprintf("store.path is required for the %s backend", backend))
	case backend == BackendPostgres && c.Store.DSN == "":
		errs = append(errs, "store.dsn is required for the postgres backend")
	}

	if c.Redis.Enabled() {
		if c.Redis.Namespace == "" {
			errs = append(errs, "redis.namespace is required when redis is enabled")
		}
		if c.Redis.Lock && c.Redis.LockWait.Duration <= 0 {
			errs = append(errs, "redis.lock_wait must be positive when redis.lock is set")
		}
	}

	if c.S3.Bucket != "" {
		if c.S3.Region == "" {
			errs = append(errs, "s3.region is required when s3.bucket is set")
		}
		if c.S3.Every.Duration <= 0 {
			errs = append(errs, "s3.every must be positive")
		}
	}

	if len(c.News) > 0 {
		if err := news.Catalog(c.News).Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	if lvl, ok := validLogLevels[strings.ToLower(c.LogLevel)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// Catalog returns the configured news catalog, or the built-in one when the
// file lists none.
func (c *Config) Catalog() news.Catalog {
	if len(c.News) == 0 {
		return news.DefaultCatalog()
	}
	return news.Catalog(c.News)
}
