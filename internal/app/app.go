// Package app assembles the simulator's components from a Config. Both the
// server and the CLI build their object graph here.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/fxsim/internal/api"
	"github.com/atmx/fxsim/internal/archive"
	"github.com/atmx/fxsim/internal/config"
	"github.com/atmx/fxsim/internal/engine"
	"github.com/atmx/fxsim/internal/feed"
	"github.com/atmx/fxsim/internal/game"
	"github.com/atmx/fxsim/internal/store"
)

// App holds the wired components. Optional parts are nil when disabled.
type App struct {
	Config    *config.Config
	Service   *game.Service
	Hub       *api.WSHub
	Publisher *feed.Publisher
	Archiver  *archive.Archiver
	Redis     *redis.Client

	cleanup []func()
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

// Options tweak what Wire builds.
type Options struct {
	// WithHub creates the WebSocket hub and registers it as a notifier.
	WithHub bool
	// WithBackground creates the Redis publisher and the S3 archiver.
	WithBackground bool
}

// Wire connects the store, journal, locker, engine and notifiers described
// by cfg. Call Close on the returned App when done.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// --- Redis ---
	if cfg.Redis.Enabled() {
		rdb, err := newRedis(cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.Redis = rdb
		logger.Info("connected to Redis", "namespace", cfg.Redis.Namespace)
	}

	// --- Store and journal ---
	st, journal, err := a.openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	if a.Redis != nil && cfg.Redis.CacheTTL.Duration > 0 {
		st = store.NewCachedStore(st, a.Redis, cfg.Redis.CacheTTL.Duration, cfg.Redis.Namespace)
		logger.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.String())
	}

	var locker store.Locker = store.NewLocalLocker()
	if a.Redis != nil && cfg.Redis.Lock {
		locker = store.NewRedisLocker(a.Redis, cfg.Redis.Namespace, cfg.Redis.LockWait.Duration)
		logger.Info("Redis state lock enabled")
	}

	// --- Engine ---
	seed := cfg.Market.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	eng, err := engine.New(cfg.Market.Params, cfg.Catalog(), rand.New(rand.NewSource(seed)))
	if err != nil {
		return nil, err
	}

	a.Service = game.NewService(st, eng, game.Options{
		Journal:          journal,
		Locker:           locker,
		Logger:           logger,
		StrictDurability: cfg.Market.StrictDurability,
	})

	// --- Notifiers ---
	if opts.WithHub {
		a.Hub = api.NewWSHub(logger)
		a.Service.AddNotifier(a.Hub)
	}
	if opts.WithBackground && a.Redis != nil && cfg.Redis.Channel != "" {
		a.Publisher = feed.NewPublisher(a.Redis, cfg.Redis.Channel, logger)
		a.Service.AddNotifier(a.Publisher)
	}

	// --- Archive ---
	if opts.WithBackground && cfg.S3.Bucket != "" {
		client, err := archive.NewS3Client(ctx, archive.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		a.Archiver = archive.NewArchiver(client, cfg.S3.Bucket, cfg.S3.Prefix, a.Service, logger)
	}

	ok = true
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, store.Journal, error) {
	switch strings.ToLower(cfg.Backend) {
	case config.BackendMemory:
		logger.Warn("using in-memory store (data will not persist)")
		mem := store.NewMemoryStore()
		return mem, mem, nil

	case config.BackendFile:
		logger.Info("using file store", "path", cfg.Path)
		var journal store.Journal
		if cfg.JournalPath != "" {
			journal = store.NewFileJournal(cfg.JournalPath)
		}
		return store.NewFileStore(cfg.Path), journal, nil

	case config.BackendSQLite:
		db, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		a.cleanup = append(a.cleanup, func() { db.Close() })
		logger.Info("using SQLite store", "path", cfg.Path)
		return db, db, nil

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		logger.Info("connected to PostgreSQL")
		return pg, pg, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

func newRedis(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL != "" {
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), nil
}
