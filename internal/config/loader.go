package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path over Defaults, loads .env if present and
// applies environment overrides. An empty path, or a path that does not
// exist, yields the defaults plus overrides. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads FXSIM_* variables, plus the PORT, DATABASE_URL and
// REDIS_URL conventions of container platforms, and overwrites the matching
// fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Platform conventions ──
	setInt(&cfg.Server.Port, "PORT")
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.Backend = BackendPostgres
		cfg.Store.DSN = v
	}
	setStr(&cfg.Redis.URL, "REDIS_URL")

	// ── Server ──
	setInt(&cfg.Server.Port, "FXSIM_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "FXSIM_SERVER_CORS_ORIGINS")
	setBool(&cfg.Server.RunOnce, "FXSIM_RUN_ONCE")

	// ── Market ──
	setDuration(&cfg.Market.TickEvery, "FXSIM_MARKET_TICK_EVERY")
	setBool(&cfg.Market.StrictDurability, "FXSIM_MARKET_STRICT_DURABILITY")
	setInt64(&cfg.Market.Seed, "FXSIM_MARKET_SEED")
	setFloat64(&cfg.Market.Params.Target, "FXSIM_MARKET_TARGET")
	setFloat64(&cfg.Market.Params.Theta, "FXSIM_MARKET_THETA")
	setFloat64(&cfg.Market.Params.Sigma, "FXSIM_MARKET_SIGMA")
	setFloat64(&cfg.Market.Params.JumpProb, "FXSIM_MARKET_JUMP_PROB")
	setFloat64(&cfg.Market.Params.NewsProb, "FXSIM_MARKET_NEWS_PROB")

	// ── Store ──
	setStr(&cfg.Store.Backend, "FXSIM_STORE_BACKEND")
	setStr(&cfg.Store.Path, "FXSIM_STORE_PATH")
	setStr(&cfg.Store.JournalPath, "FXSIM_STORE_JOURNAL_PATH")
	setStr(&cfg.Store.DSN, "FXSIM_STORE_DSN")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "FXSIM_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FXSIM_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FXSIM_REDIS_DB")
	setStr(&cfg.Redis.Namespace, "FXSIM_REDIS_NAMESPACE")
	setStr(&cfg.Redis.Channel, "FXSIM_REDIS_CHANNEL")
	setDuration(&cfg.Redis.CacheTTL, "FXSIM_REDIS_CACHE_TTL")
	setBool(&cfg.Redis.Lock, "FXSIM_REDIS_LOCK")
	setDuration(&cfg.Redis.LockWait, "FXSIM_REDIS_LOCK_WAIT")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "FXSIM_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FXSIM_S3_REGION")
	setStr(&cfg.S3.Bucket, "FXSIM_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FXSIM_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FXSIM_S3_SECRET_KEY")
	setStr(&cfg.S3.Prefix, "FXSIM_S3_PREFIX")
	setDuration(&cfg.S3.Every, "FXSIM_S3_EVERY")
	setBool(&cfg.S3.UseSSL, "FXSIM_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FXSIM_S3_FORCE_PATH_STYLE")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "FXSIM_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}
