// Package store defines the persistence interfaces for the simulator.
// The whole game lives in one document that is loaded and saved as a unit;
// fills are additionally appended to an immutable trade journal.
//
// Implementations: in-memory (tests/dev), JSON flat file, SQLite, PostgreSQL,
// and a Redis read-through/write-through cache over any of them.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/fxsim/internal/model"
)

var (
	// ErrNotFound is returned by Load when no document has been saved yet.
	ErrNotFound = errors.New("store: state not found")

	// ErrCorruptState is returned by Load when the stored document cannot be
	// decoded or fails validation.
	ErrCorruptState = errors.New("store: corrupt state")

	// ErrLockHeld is returned when a lock could not be acquired in time.
	ErrLockHeld = errors.New("store: lock held")
)

// Store persists the simulation document. Save is last-writer-wins.
type Store interface {
	// Load returns the stored document, ErrNotFound or ErrCorruptState.
	Load(ctx context.Context) (*model.Document, error)

	// Save writes doc, keeping only the most recent model.HistoryLimit
	// history points, and bumps doc.Version on success.
	Save(ctx context.Context, doc *model.Document) error
}

// Journal is the append-only trade record.
type Journal interface {
	// Append records an immutable fill.
	Append(ctx context.Context, entry *model.LedgerEntry) error

	// ListByUser returns up to limit fills for username, newest first.
	// A limit <= 0 returns all fills.
	ListByUser(ctx context.Context, username string, limit int) ([]model.LedgerEntry, error)
}

// Locker serializes load-mutate-save sections, possibly across processes.
type Locker interface {
	// Acquire blocks until the lock for key is held, ctx is done, or the
	// implementation gives up with ErrLockHeld. The returned func releases
	// the lock and is safe to call more than once.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// commit runs write against a trimmed copy of doc carrying the next version,
// and only updates doc once the write succeeded.
func commit(doc *model.Document, write func(next *model.Document, data []byte) error) error {
	next := doc.Clone()
	next.Market.TrimHistory()
	next.Version++
	if next.Users == nil {
		next.Users = make(map[string]*model.UserAccount)
	}

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := write(next, data); err != nil {
		return err
	}

	doc.Version = next.Version
	doc.Market.History = append([]model.PricePoint(nil), next.Market.History...)
	return nil
}

// decode parses and validates a stored document.
func decode(data []byte) (*model.Document, error) {
	var doc model.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if doc.Users == nil {
		doc.Users = make(map[string]*model.UserAccount)
	}
	for name, u := range doc.Users {
		if u.Username == "" {
			u.Username = name
		}
	}
	return &doc, nil
}

func limitEntries(entries []model.LedgerEntry, limit int) []model.LedgerEntry {
	if limit > 0 && len(entries) > limit {
		return entries[:limit]
	}
	return entries
}
