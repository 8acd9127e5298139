package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/atmx/fxsim/internal/config"
	"github.com/atmx/fxsim/internal/game"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestWire_Backends(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name  string
		store config.StoreConfig
	}{
		{"memory", config.StoreConfig{Backend: config.BackendMemory}},
		{"file", config.StoreConfig{
			Backend:     config.BackendFile,
			Path:        filepath.Join(dir, "state.json"),
			JournalPath: filepath.Join(dir, "ledger.jsonl"),
		}},
		{"sqlite", config.StoreConfig{Backend: config.BackendSQLite, Path: filepath.Join(dir, "fx.db")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.Store = tt.store
			cfg.Market.Seed = 7

			a, err := Wire(context.Background(), &cfg, quietLogger(), Options{WithHub: true})
			if err != nil {
				t.Fatalf("wire: %v", err)
			}
			defer a.Close()

			if a.Hub == nil {
				t.Error("expected hub when requested")
			}
			if a.Publisher != nil || a.Archiver != nil {
				t.Error("background workers should be off without redis and s3")
			}

			ctx := context.Background()
			if _, err := a.Service.Advance(ctx); err != nil {
				t.Fatalf("advance: %v", err)
			}
			res, err := a.Service.Open(ctx, game.OpenRequest{Username: "alice", Max: true})
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if res.Warning != "" {
				t.Errorf("unexpected warning: %s", res.Warning)
			}
			trades, err := a.Service.Trades(ctx, "alice", 10)
			if err != nil {
				t.Fatalf("trades: %v", err)
			}
			if len(trades) != 1 {
				t.Errorf("expected 1 journal entry, got %d", len(trades))
			}
		})
	}
}

func TestWire_UnknownBackend(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.Backend = "etcd"

	if _, err := Wire(context.Background(), &cfg, quietLogger(), Options{}); err == nil {
		t.Error("expected error for unknown backend")
	}
}
