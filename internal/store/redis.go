package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pluvio/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for position and quote lookups. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. Work-scan and history queries pass through uncached — they feed
// state transitions and must see fresh data.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Quotes ---

func (s *CachedStore) CreateQuote(ctx context.Context, q *model.Quote) error {
	if err := s.primary.CreateQuote(ctx, q); err != nil {
		return err
	}
	s.cacheSet(ctx, quoteKey(q.Handle), q)
	return nil
}

func (s *CachedStore) GetQuote(ctx context.Context, handle string) (*model.Quote, error) {
	var q model.Quote
	if s.cacheGet(ctx, quoteKey(handle), &q) {
		return &q, nil
	}

	fresh, err := s.primary.GetQuote(ctx, handle)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, quoteKey(handle), fresh)
	return fresh, nil
}

func (s *CachedStore) UpdateQuote(ctx context.Context, q *model.Quote) error {
	if err := s.primary.UpdateQuote(ctx, q); err != nil {
		return err
	}
	s.rdb.Del(ctx, quoteKey(q.Handle))
	return nil
}

// --- Positions ---

func (s *CachedStore) CreatePosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.CreatePosition(ctx, p); err != nil {
		return err
	}
	s.cacheSet(ctx, positionKey(p.ID), p)
	return nil
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	var p model.Position
	if s.cacheGet(ctx, positionKey(id), &p) {
		return &p, nil
	}

	fresh, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, positionKey(id), fresh)
	return fresh, nil
}

func (s *CachedStore) GetPositionBySettlementHandle(ctx context.Context, handle string) (*model.Position, error) {
	// Handle→ID mapping is cached; the position read reuses GetPosition.
	id, err := s.rdb.Get(ctx, handleKey(handle)).Result()
	if err == nil {
		return s.GetPosition(ctx, id)
	}

	p, err := s.primary.GetPositionBySettlementHandle(ctx, handle)
	if err != nil {
		return nil, err
	}
	s.rdb.Set(ctx, handleKey(handle), p.ID, s.ttl)
	s.cacheSet(ctx, positionKey(p.ID), p)
	return p, nil
}

func (s *CachedStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.UpdatePosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(p.ID))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPositionsByOwner(ctx context.Context, owner string) ([]model.Position, error) {
	return s.primary.ListPositionsByOwner(ctx, owner)
}

func (s *CachedStore) ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]model.Position, error) {
	return s.primary.ListExpiredActive(ctx, now, limit)
}

func (s *CachedStore) ListSettlingReported(ctx context.Context, limit int) ([]model.Position, error) {
	return s.primary.ListSettlingReported(ctx, limit)
}

func (s *CachedStore) InsertJournalEntry(ctx context.Context, e *model.JournalEntry) error {
	return s.primary.InsertJournalEntry(ctx, e)
}

func (s *CachedStore) ListJournalByPosition(ctx context.Context, positionID string) ([]model.JournalEntry, error) {
	return s.primary.ListJournalByPosition(ctx, positionID)
}

func (s *CachedStore) InsertDrawRecord(ctx context.Context, r *model.DrawRecord) error {
	return s.primary.InsertDrawRecord(ctx, r)
}

func (s *CachedStore) ListDrawRecords(ctx context.Context) ([]model.DrawRecord, error) {
	return s.primary.ListDrawRecords(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheSet(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) cacheGet(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func quoteKey(handle string) string  { return fmt.Sprintf("quote:%s", handle) }
func positionKey(id string) string   { return fmt.Sprintf("position:%s", id) }
func handleKey(handle string) string { return fmt.Sprintf("settlement:%s", handle) }
