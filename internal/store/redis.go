package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/fxsim/internal/model"
)

// CachedStore wraps a primary Store with a Redis cache. Saves go to the
// primary first and then refresh the cached copy; loads check Redis first
// and fall back to the primary.
type CachedStore struct {
	primary   Store
	rdb       *redis.Client
	ttl       time.Duration
	namespace string
}

// NewCachedStore creates a cached wrapper around a primary store. Keys are
// prefixed with namespace.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, namespace string) *CachedStore {
	if namespace == "" {
		namespace = "fxsim"
	}
	return &CachedStore{
		primary:   primary,
		rdb:       rdb,
		ttl:       ttl,
		namespace: namespace,
	}
}

func (s *CachedStore) Load(ctx context.Context) (*model.Document, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, stateKey(s.namespace)).Bytes()
	if err == nil {
		if doc, err := decode(data); err == nil {
			return doc, nil
		}
		// Unreadable cache entry: drop it and go to the primary.
		s.rdb.Del(ctx, stateKey(s.namespace))
	}

	// Cache miss: read from primary.
	doc, err := s.primary.Load(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, doc)
	return doc, nil
}

func (s *CachedStore) Save(ctx context.Context, doc *model.Document) error {
	if err := s.primary.Save(ctx, doc); err != nil {
		// Invalidate so the next load re-reads the primary.
		s.rdb.Del(ctx, stateKey(s.namespace))
		return err
	}
	s.cache(ctx, doc)
	return nil
}

// Invalidate drops the cached document.
func (s *CachedStore) Invalidate(ctx context.Context) error {
	return s.rdb.Del(ctx, stateKey(s.namespace)).Err()
}

func (s *CachedStore) cache(ctx context.Context, doc *model.Document) {
	snapshot := doc.Clone()
	snapshot.Market.TrimHistory()
	if data, err := json.Marshal(snapshot); err == nil {
		s.rdb.Set(ctx, stateKey(s.namespace), data, s.ttl)
	}
}

func stateKey(ns string) string { return fmt.Sprintf("%s:state", ns) }

var _ Store = (*CachedStore)(nil)
