package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pluvio/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Live Active/Settling positions are tracked in index sets so
// work queries scale with open positions, not total ever created.
type MemoryStore struct {
	mu        sync.RWMutex
	quotes    map[string]*model.Quote
	positions map[string]*model.Position
	byHandle  map[string]string // settlement handle → position ID
	active    map[string]struct{}
	settling  map[string]struct{}
	journal   []model.JournalEntry
	draws     []model.DrawRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		quotes:    make(map[string]*model.Quote),
		positions: make(map[string]*model.Position),
		byHandle:  make(map[string]string),
		active:    make(map[string]struct{}),
		settling:  make(map[string]struct{}),
	}
}

// --- Quotes ---

func (s *MemoryStore) CreateQuote(_ context.Context, q *model.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.quotes[q.Handle]; exists {
		return fmt.Errorf("quote %s already exists", q.Handle)
	}
	cp := *q
	s.quotes[q.Handle] = &cp
	return nil
}

func (s *MemoryStore) GetQuote(_ context.Context, handle string) (*model.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[handle]
	if !ok {
		return nil, fmt.Errorf("%w: quote %s", ErrNotFound, handle)
	}
	cp := *q
	return &cp, nil
}

func (s *MemoryStore) UpdateQuote(_ context.Context, q *model.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.quotes[q.Handle]; !ok {
		return fmt.Errorf("%w: quote %s", ErrNotFound, q.Handle)
	}
	cp := *q
	s.quotes[q.Handle] = &cp
	return nil
}

// --- Positions ---

func (s *MemoryStore) CreatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.positions[p.ID]; exists {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	cp := *p
	s.positions[p.ID] = &cp
	s.reindexLocked(&cp)
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: position %s", ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPositionBySettlementHandle(_ context.Context, handle string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHandle[handle]
	if !ok {
		return nil, fmt.Errorf("%w: settlement handle %s", ErrNotFound, handle)
	}
	cp := *s.positions[id]
	return &cp, nil
}

func (s *MemoryStore) UpdatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; !ok {
		return fmt.Errorf("%w: position %s", ErrNotFound, p.ID)
	}
	cp := *p
	s.positions[p.ID] = &cp
	s.reindexLocked(&cp)
	return nil
}

// reindexLocked keeps the live-position index sets in sync with status.
func (s *MemoryStore) reindexLocked(p *model.Position) {
	delete(s.active, p.ID)
	delete(s.settling, p.ID)

	switch p.Status {
	case model.StatusActive:
		s.active[p.ID] = struct{}{}
	case model.StatusSettling:
		s.settling[p.ID] = struct{}{}
	}
	if p.SettlementHandle != "" {
		s.byHandle[p.SettlementHandle] = p.ID
	}
}

func (s *MemoryStore) ListPositionsByOwner(_ context.Context, owner string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.Owner == owner {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListExpiredActive(_ context.Context, now time.Time, limit int) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for id := range s.active {
		p := s.positions[id]
		if !now.Before(p.Terms.WindowEnd) {
			out = append(out, *p)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ListSettlingReported(_ context.Context, limit int) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for id := range s.settling {
		p := s.positions[id]
		if p.IndexReported {
			out = append(out, *p)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// --- Journal ---

func (s *MemoryStore) InsertJournalEntry(_ context.Context, e *model.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = append(s.journal, *e)
	return nil
}

func (s *MemoryStore) ListJournalByPosition(_ context.Context, positionID string) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.JournalEntry
	for _, e := range s.journal {
		if e.PositionID == positionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- Reserve draws ---

func (s *MemoryStore) InsertDrawRecord(_ context.Context, r *model.DrawRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draws = append(s.draws, *r)
	return nil
}

func (s *MemoryStore) ListDrawRecords(_ context.Context) ([]model.DrawRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.DrawRecord, len(s.draws))
	copy(out, s.draws)
	return out, nil
}
