// Package store defines the persistence interface for the settlement
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/pluvio/settlement-engine/internal/model"
)

// ErrNotFound is returned when a quote or position does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Positions and quotes are mutable
// records; journal entries and draw records are append-only.
type Store interface {
	// --- Quotes ---

	// CreateQuote persists a pending quote keyed by its oracle handle.
	CreateQuote(ctx context.Context, q *model.Quote) error

	// GetQuote retrieves a quote by handle.
	GetQuote(ctx context.Context, handle string) (*model.Quote, error)

	// UpdateQuote overwrites a quote (fulfillment, failure, redemption).
	UpdateQuote(ctx context.Context, q *model.Quote) error

	// --- Positions ---

	// CreatePosition persists a new position.
	CreatePosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves a position by ID.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// GetPositionBySettlementHandle retrieves the position whose
	// settlement oracle request matches the handle.
	GetPositionBySettlementHandle(ctx context.Context, handle string) (*model.Position, error)

	// UpdatePosition overwrites a position's mutable state.
	UpdatePosition(ctx context.Context, p *model.Position) error

	// ListPositionsByOwner returns all positions currently owned by owner.
	ListPositionsByOwner(ctx context.Context, owner string) ([]model.Position, error)

	// ListExpiredActive returns up to limit Active positions whose window
	// has ended. Backed by a live-position index, not a full history scan.
	ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]model.Position, error)

	// ListSettlingReported returns up to limit Settling positions whose
	// index value has been reported.
	ListSettlingReported(ctx context.Context, limit int) ([]model.Position, error)

	// --- Immutable journal ---

	// InsertJournalEntry appends an immutable audit record.
	InsertJournalEntry(ctx context.Context, e *model.JournalEntry) error

	// ListJournalByPosition returns all journal entries for a position.
	ListJournalByPosition(ctx context.Context, positionID string) ([]model.JournalEntry, error)

	// --- Reserve draws ---

	// InsertDrawRecord appends an immutable reserve-draw record.
	InsertDrawRecord(ctx context.Context, r *model.DrawRecord) error

	// ListDrawRecords returns the full draw history.
	ListDrawRecords(ctx context.Context) ([]model.DrawRecord, error)
}
