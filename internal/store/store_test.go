package store_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/fxsim/internal/model"
	"github.com/atmx/fxsim/internal/store"
)

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// sampleDoc builds a document with n history points and one user holding a
// position.
func sampleDoc(n int) *model.Document {
	doc := model.NewDocument(t0)
	for i := 1; i < n; i++ {
		p := d(100 + float64(i)/100)
		doc.Market.History = append(doc.Market.History, model.PricePoint{Timestamp: t0.Add(time.Duration(i) * time.Second), Price: p})
		doc.Market.CurrentPrice = p
	}
	doc.Users["alice"] = &model.UserAccount{
		Username:    "alice",
		Cash:        d(90000),
		Position:    &model.Position{EntryPrice: d(100), Notional: d(10000), Quantity: d(100)},
		RealizedPnL: d(12.5),
		Seq:         1,
		CreatedAt:   t0,
	}
	doc.NextSeq = 1
	doc.Event = &model.NewsEvent{Message: "headline", Multiplier: 1.05, Timestamp: t0}
	return doc
}

type backend struct {
	name string
	open func(t *testing.T) store.Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) store.Store { return store.NewMemoryStore() }},
		{"file", func(t *testing.T) store.Store {
			return store.NewFileStore(filepath.Join(t.TempDir(), "state", "state.json"))
		}},
		{"sqlite", func(t *testing.T) store.Store {
			s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "fxsim.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}
}

func TestStore_LoadMissing(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			s := b.open(t)

			_, err := s.Load(context.Background())
			assert.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestStore_SaveLoad(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			s := b.open(t)
			ctx := context.Background()

			doc := sampleDoc(10)
			require.NoError(t, s.Save(ctx, doc))
			assert.Equal(t, int64(1), doc.Version)

			got, err := s.Load(ctx)
			require.NoError(t, err)

			assert.Equal(t, int64(1), got.Version)
			assert.True(t, got.Market.CurrentPrice.Equal(doc.Market.CurrentPrice))
			assert.Len(t, got.Market.History, 10)
			require.Contains(t, got.Users, "alice")
			alice := got.Users["alice"]
			assert.True(t, alice.Cash.Equal(d(90000)))
			require.NotNil(t, alice.Position)
			assert.True(t, alice.Position.Quantity.Equal(d(100)))
			require.NotNil(t, got.Event)
			assert.Equal(t, "headline", got.Event.Message)
		})
	}
}

func TestStore_SaveTruncatesHistory(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			s := b.open(t)
			ctx := context.Background()

			doc := sampleDoc(150)
			require.NoError(t, s.Save(ctx, doc))
			assert.Len(t, doc.Market.History, model.HistoryLimit)

			got, err := s.Load(ctx)
			require.NoError(t, err)
			require.Len(t, got.Market.History, model.HistoryLimit)
			last := got.Market.History[len(got.Market.History)-1]
			assert.True(t, last.Price.Equal(got.Market.CurrentPrice))
			assert.True(t, got.Market.History[0].Timestamp.Equal(t0.Add(50*time.Second)))
		})
	}
}

func TestStore_VersionIncrements(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			s := b.open(t)
			ctx := context.Background()

			doc := sampleDoc(2)
			for i := 0; i < 3; i++ {
				require.NoError(t, s.Save(ctx, doc))
			}
			got, err := s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(3), got.Version)
		})
	}
}

func TestMemoryStore_LoadReturnsCopy(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleDoc(3)))

	a, err := s.Load(ctx)
	require.NoError(t, err)
	a.Users["alice"].Cash = d(1)
	a.Users["alice"].Position.Notional = d(1)

	b, err := s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, b.Users["alice"].Cash.Equal(d(90000)))
	assert.True(t, b.Users["alice"].Position.Notional.Equal(d(10000)))
}

func TestFileStore_Corrupt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := store.NewFileStore(path).Load(context.Background())
	assert.ErrorIs(t, err, store.ErrCorruptState)
}

func TestFileStore_InvalidDocument(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"market":{"current_price":"-3","history":[]}}`), 0o644))

	_, err := store.NewFileStore(path).Load(context.Background())
	assert.ErrorIs(t, err, store.ErrCorruptState)
}

func TestFileStore_SaveFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	// Parent path is a regular file, so the directory cannot be created.
	s := store.NewFileStore(filepath.Join(blocker, "state.json"))
	doc := sampleDoc(2)
	err := s.Save(context.Background(), doc)
	assert.Error(t, err)
	assert.Equal(t, int64(0), doc.Version, "version must not advance on a failed save")
}

func TestSQLiteSchemaCreated(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fxsim.db")
	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table' AND name IN ('sim_state','ledger_entries')`)
	require.NoError(t, err)
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		found[name] = true
	}
	require.NoError(t, rows.Err())

	assert.True(t, found["sim_state"])
	assert.True(t, found["ledger_entries"])
}

// --- Journal ---

type journalBackend struct {
	name string
	open func(t *testing.T) store.Journal
}

func journals() []journalBackend {
	return []journalBackend{
		{"memory", func(t *testing.T) store.Journal { return store.NewMemoryStore() }},
		{"file", func(t *testing.T) store.Journal {
			return store.NewFileJournal(filepath.Join(t.TempDir(), "trades.jsonl"))
		}},
		{"sqlite", func(t *testing.T) store.Journal {
			s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "fxsim.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}
}

func entry(id, user, side string, at time.Time) *model.LedgerEntry {
	return &model.LedgerEntry{
		ID:        id,
		Username:  user,
		Side:      side,
		Notional:  d(5000),
		Quantity:  d(50),
		Price:     d(110),
		Proceeds:  d(5500),
		Profit:    d(500),
		Timestamp: at,
	}
}

func TestJournal_AppendAndList(t *testing.T) {
	t.Parallel()

	for _, b := range journals() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			j := b.open(t)
			ctx := context.Background()

			require.NoError(t, j.Append(ctx, entry("e1", "alice", model.SideOpen, t0)))
			require.NoError(t, j.Append(ctx, entry("e2", "bob", model.SideOpen, t0.Add(time.Second))))
			require.NoError(t, j.Append(ctx, entry("e3", "alice", model.SideClose, t0.Add(2*time.Second))))

			got, err := j.ListByUser(ctx, "alice", 0)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "e3", got[0].ID, "newest first")
			assert.Equal(t, "e1", got[1].ID)
			assert.True(t, got[0].Profit.Equal(d(500)))
			assert.True(t, got[0].Timestamp.Equal(t0.Add(2*time.Second)))

			limited, err := j.ListByUser(ctx, "alice", 1)
			require.NoError(t, err)
			require.Len(t, limited, 1)
			assert.Equal(t, "e3", limited[0].ID)

			none, err := j.ListByUser(ctx, "carol", 0)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

// --- Locks ---

func TestLocalLocker(t *testing.T) {
	t.Parallel()

	l := store.NewLocalLocker()
	unlock, err := l.Acquire(context.Background(), "state", time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "state", time.Second)
	assert.True(t, errors.Is(err, store.ErrLockHeld))

	unlock()
	unlock() // second call is a no-op

	again, err := l.Acquire(context.Background(), "state", time.Second)
	require.NoError(t, err)
	again()
}
