package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pluvio/settlement-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Partial indexes on (status, window_end) and (status, index_reported) keep
// the work queries proportional to live positions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Quotes ---

func (s *PostgresStore) CreateQuote(ctx context.Context, q *model.Quote) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO quotes (handle, requester, kind, latitude, longitude, location_key,
		                     window_start, window_end, strike, spread, notional,
		                     multiplier, premium, fulfilled, failed, redeemed,
		                     requested_at, fulfilled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC,
		         $14, $15, $16, $17, $18)`,
		q.Handle, q.Requester, string(q.Terms.Kind), q.Terms.Latitude, q.Terms.Longitude,
		q.Terms.LocationKey, q.Terms.WindowStart, q.Terms.WindowEnd,
		q.Terms.Strike.String(), q.Terms.Spread.String(), q.Terms.Notional.String(),
		q.Multiplier.String(), q.Premium.String(),
		q.Fulfilled, q.Failed, q.Redeemed, q.RequestedAt, q.FulfilledAt,
	)
	return err
}

func (s *PostgresStore) GetQuote(ctx context.Context, handle string) (*model.Quote, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT handle, requester, kind, latitude, longitude, location_key,
		        window_start, window_end,
		        strike::TEXT, spread::TEXT, notional::TEXT,
		        multiplier::TEXT, premium::TEXT,
		        fulfilled, failed, redeemed, requested_at, fulfilled_at
		 FROM quotes WHERE handle = $1`, handle)

	q, err := scanQuote(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: quote %s", ErrNotFound, handle)
		}
		return nil, fmt.Errorf("get quote %s: %w", handle, err)
	}
	return q, nil
}

func (s *PostgresStore) UpdateQuote(ctx context.Context, q *model.Quote) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE quotes
		 SET premium = $2::NUMERIC, fulfilled = $3, failed = $4, redeemed = $5,
		     fulfilled_at = $6
		 WHERE handle = $1`,
		q.Handle, q.Premium.String(), q.Fulfilled, q.Failed, q.Redeemed, q.FulfilledAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: quote %s", ErrNotFound, q.Handle)
	}
	return nil
}

func scanQuote(row pgx.Row) (*model.Quote, error) {
	var q model.Quote
	var kind, strike, spread, notional, multiplier, premium string

	err := row.Scan(&q.Handle, &q.Requester, &kind, &q.Terms.Latitude, &q.Terms.Longitude,
		&q.Terms.LocationKey, &q.Terms.WindowStart, &q.Terms.WindowEnd,
		&strike, &spread, &notional, &multiplier, &premium,
		&q.Fulfilled, &q.Failed, &q.Redeemed, &q.RequestedAt, &q.FulfilledAt)
	if err != nil {
		return nil, err
	}

	q.Terms.Kind = model.OptionKind(kind)
	q.Terms.Strike, _ = decimal.NewFromString(strike)
	q.Terms.Spread, _ = decimal.NewFromString(spread)
	q.Terms.Notional, _ = decimal.NewFromString(notional)
	q.Multiplier, _ = decimal.NewFromString(multiplier)
	q.Premium, _ = decimal.NewFromString(premium)
	return &q, nil
}

// --- Positions ---

const positionColumns = `id, kind, latitude, longitude, location_key,
	window_start, window_end,
	strike::TEXT, spread::TEXT, notional::TEXT,
	status, owner, owner_at_settlement, quote_handle, settlement_handle,
	premium::TEXT, locked_collateral::TEXT,
	index_reported, reported_index::TEXT, final_payout::TEXT, pending_claim::TEXT,
	created_at, settled_at`

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, kind, latitude, longitude, location_key,
		                        window_start, window_end, strike, spread, notional,
		                        status, owner, owner_at_settlement, quote_handle,
		                        settlement_handle, premium, locked_collateral,
		                        index_reported, reported_index, final_payout,
		                        pending_claim, created_at, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7,
		         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		         $11, $12, $13, $14, $15,
		         $16::NUMERIC, $17::NUMERIC, $18,
		         $19::NUMERIC, $20::NUMERIC, $21::NUMERIC, $22, $23)`,
		p.ID, string(p.Terms.Kind), p.Terms.Latitude, p.Terms.Longitude, p.Terms.LocationKey,
		p.Terms.WindowStart, p.Terms.WindowEnd,
		p.Terms.Strike.String(), p.Terms.Spread.String(), p.Terms.Notional.String(),
		string(p.Status), p.Owner, p.OwnerAtSettlement, p.QuoteHandle, p.SettlementHandle,
		p.Premium.String(), p.LockedCollateral.String(),
		p.IndexReported, p.ReportedIndex.String(), p.FinalPayout.String(),
		p.PendingClaim.String(), p.CreatedAt, p.SettledAt,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: position %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) GetPositionBySettlementHandle(ctx context.Context, handle string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE settlement_handle = $1`, handle)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: settlement handle %s", ErrNotFound, handle)
		}
		return nil, fmt.Errorf("get position by handle %s: %w", handle, err)
	}
	return p, nil
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions
		 SET status = $2, owner = $3, owner_at_settlement = $4,
		     settlement_handle = $5, index_reported = $6,
		     reported_index = $7::NUMERIC, final_payout = $8::NUMERIC,
		     pending_claim = $9::NUMERIC, settled_at = $10
		 WHERE id = $1`,
		p.ID, string(p.Status), p.Owner, p.OwnerAtSettlement,
		p.SettlementHandle, p.IndexReported,
		p.ReportedIndex.String(), p.FinalPayout.String(),
		p.PendingClaim.String(), p.SettledAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: position %s", ErrNotFound, p.ID)
	}
	return nil
}

func (s *PostgresStore) ListPositionsByOwner(ctx context.Context, owner string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE owner = $1 ORDER BY created_at`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions
		 WHERE status = 'ACTIVE' AND window_end <= $1
		 ORDER BY window_end
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListSettlingReported(ctx context.Context, limit int) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions
		 WHERE status = 'SETTLING' AND index_reported
		 ORDER BY window_end
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var kind, status string
	var strike, spread, notional, premium, locked, reported, payout, claim string

	err := row.Scan(&p.ID, &kind, &p.Terms.Latitude, &p.Terms.Longitude, &p.Terms.LocationKey,
		&p.Terms.WindowStart, &p.Terms.WindowEnd,
		&strike, &spread, &notional,
		&status, &p.Owner, &p.OwnerAtSettlement, &p.QuoteHandle, &p.SettlementHandle,
		&premium, &locked,
		&p.IndexReported, &reported, &payout, &claim,
		&p.CreatedAt, &p.SettledAt)
	if err != nil {
		return nil, err
	}

	p.Terms.Kind = model.OptionKind(kind)
	p.Status = model.PositionStatus(status)
	p.Terms.Strike, _ = decimal.NewFromString(strike)
	p.Terms.Spread, _ = decimal.NewFromString(spread)
	p.Terms.Notional, _ = decimal.NewFromString(notional)
	p.Premium, _ = decimal.NewFromString(premium)
	p.LockedCollateral, _ = decimal.NewFromString(locked)
	p.ReportedIndex, _ = decimal.NewFromString(reported)
	p.FinalPayout, _ = decimal.NewFromString(payout)
	p.PendingClaim, _ = decimal.NewFromString(claim)
	return &p, nil
}

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// --- Journal ---

func (s *PostgresStore) InsertJournalEntry(ctx context.Context, e *model.JournalEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO journal_entries (id, position_id, type, amount, detail, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
		e.ID, e.PositionID, e.Type, e.Amount.String(), e.Detail, e.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListJournalByPosition(ctx context.Context, positionID string) ([]model.JournalEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, type, amount::TEXT, detail, timestamp
		 FROM journal_entries WHERE position_id = $1 ORDER BY timestamp`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.JournalEntry
	for rows.Next() {
		var e model.JournalEntry
		var amount string
		if err := rows.Scan(&e.ID, &e.PositionID, &e.Type, &amount, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amount)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Reserve draws ---

func (s *PostgresStore) InsertDrawRecord(ctx context.Context, r *model.DrawRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO draw_records (id, amount, reason, timestamp)
		 VALUES ($1, $2::NUMERIC, $3, $4)`,
		r.ID, r.Amount.String(), r.Reason, r.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListDrawRecords(ctx context.Context) ([]model.DrawRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, amount::TEXT, reason, timestamp
		 FROM draw_records ORDER BY timestamp`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DrawRecord
	for rows.Next() {
		var r model.DrawRecord
		var amount string
		if err := rows.Scan(&r.ID, &amount, &r.Reason, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Amount, _ = decimal.NewFromString(amount)
		out = append(out, r)
	}
	return out, rows.Err()
}
