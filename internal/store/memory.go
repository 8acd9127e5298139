package store

import (
	"context"
	"sync"

	"github.com/atmx/fxsim/internal/model"
)

// MemoryStore implements Store and Journal in process memory. Used for
// testing and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	doc    *model.Document
	ledger []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (*model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.doc == nil {
		return nil, ErrNotFound
	}
	// Hand out a copy to avoid external mutation.
	return s.doc.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, doc *model.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return commit(doc, func(next *model.Document, _ []byte) error {
		s.doc = next
		return nil
	})
}

func (s *MemoryStore) Append(_ context.Context, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *MemoryStore) ListByUser(_ context.Context, username string, limit int) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if s.ledger[i].Username == username {
			result = append(result, s.ledger[i])
		}
	}
	return limitEntries(result, limit), nil
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Journal = (*MemoryStore)(nil)
)
