// Package reserve implements the second-loss capital pool that refills the
// primary vault after adverse settlements.
//
// Share mechanics mirror the vault (virtual-offset conversion), with two
// additions: a per-depositor lockup on principal, and a separately funded
// yield pool claimable pro-rata at any time. Lockup blocks principal
// withdrawal only, never yield.
package reserve

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pluvio/settlement-engine/internal/model"
)

var (
	// ErrZeroAmount is returned for zero or negative amounts.
	ErrZeroAmount = errors.New("reserve: amount must be positive")

	// ErrLocked is returned when principal is withdrawn before the
	// depositor's lockup expires.
	ErrLocked = errors.New("reserve: principal locked until lockup expiry")

	// ErrExceedsBalance is returned when a withdrawal exceeds the
	// depositor's redeemable value.
	ErrExceedsBalance = errors.New("reserve: amount exceeds redeemable balance")

	// ErrUnauthorized is returned when a non-guardian attempts a draw.
	ErrUnauthorized = errors.New("reserve: caller not authorized")

	// ErrReserveFloor is returned when the draw limits leave nothing
	// drawable.
	ErrReserveFloor = errors.New("reserve: draw would breach reserve floor")

	// ErrNoYield is returned when a yield claim finds nothing accrued.
	ErrNoYield = errors.New("reserve: no yield claimable")
)

const bpsDenominator = 10000

var virtualOffset = decimal.NewFromInt(1000)

// Sink receives value transferred out of the pool: principal withdrawals,
// yield claims, and draws into the vault.
type Sink interface {
	Transfer(ctx context.Context, recipient string, amount decimal.Decimal) error
}

// Config holds the pool's roles and draw parameters.
type Config struct {
	Guardian string

	// LockupPeriod is added to "now" on every deposit to set the
	// depositor's principal lockup expiry.
	LockupPeriod time.Duration

	// MaxSingleDrawBps caps one draw to a fraction of the pool balance.
	MaxSingleDrawBps int64

	// MinReserveBps is the floor: a draw may never push the pool below
	// this fraction of its pre-draw balance.
	MinReserveBps int64
}

// Pool is the reserve account. All operations are serialized; the struct is
// safe for concurrent use.
type Pool struct {
	mu   sync.Mutex
	cfg  Config
	sink Sink

	assets      decimal.Decimal
	totalShares decimal.Decimal
	shares      map[string]decimal.Decimal

	lockupExpiry map[string]time.Time

	// Yield accounting: accYieldPerShare accumulates yield-per-share at
	// each DepositYield; yieldDebt records what each depositor has already
	// been credited for, so pending = shares×acc − debt.
	accruedYield     decimal.Decimal
	accYieldPerShare decimal.Decimal
	yieldDebt        map[string]decimal.Decimal

	totalDrawn decimal.Decimal
	draws      []model.DrawRecord
}

// New creates an empty reserve pool.
func New(cfg Config, sink Sink) *Pool {
	return &Pool{
		cfg:          cfg,
		sink:         sink,
		shares:       make(map[string]decimal.Decimal),
		lockupExpiry: make(map[string]time.Time),
		yieldDebt:    make(map[string]decimal.Decimal),
	}
}

// Deposit adds principal, mints shares, and resets the depositor's lockup
// expiry to now + lockupPeriod.
func (p *Pool) Deposit(depositor string, amount decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrZeroAmount
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	minted := amount.Mul(p.totalShares.Add(virtualOffset)).
		Div(p.assets.Add(virtualOffset))

	// Settle the yield position at the old share balance before it changes.
	p.yieldDebt[depositor] = p.yieldDebt[depositor].
		Add(minted.Mul(p.accYieldPerShare))

	p.assets = p.assets.Add(amount)
	p.totalShares = p.totalShares.Add(minted)
	p.shares[depositor] = p.shares[depositor].Add(minted)
	p.lockupExpiry[depositor] = now.Add(p.cfg.LockupPeriod)
	return minted, nil
}

// Withdraw redeems principal. Fails before the depositor's lockup expiry.
func (p *Pool) Withdraw(ctx context.Context, depositor string, amount decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrZeroAmount
	}

	p.mu.Lock()
	if now.Before(p.lockupExpiry[depositor]) {
		p.mu.Unlock()
		return decimal.Zero, ErrLocked
	}
	if amount.GreaterThan(p.redeemableLocked(depositor)) {
		p.mu.Unlock()
		return decimal.Zero, ErrExceedsBalance
	}

	burned := amount.Mul(p.totalShares.Add(virtualOffset)).
		Div(p.assets.Add(virtualOffset)).
		RoundUp(18)
	if burned.GreaterThan(p.shares[depositor]) {
		burned = p.shares[depositor]
	}

	p.yieldDebt[depositor] = p.yieldDebt[depositor].
		Sub(burned.Mul(p.accYieldPerShare))
	p.shares[depositor] = p.shares[depositor].Sub(burned)
	p.totalShares = p.totalShares.Sub(burned)
	p.assets = p.assets.Sub(amount)
	p.mu.Unlock()

	if err := p.sink.Transfer(ctx, depositor, amount); err != nil {
		p.mu.Lock()
		p.yieldDebt[depositor] = p.yieldDebt[depositor].
			Add(burned.Mul(p.accYieldPerShare))
		p.shares[depositor] = p.shares[depositor].Add(burned)
		p.totalShares = p.totalShares.Add(burned)
		p.assets = p.assets.Add(amount)
		p.mu.Unlock()
		return decimal.Zero, err
	}
	return burned, nil
}

// DepositYield adds separately-deposited yield, distributed pro-rata to
// current shareholders. A deposit into an empty pool is rejected: there is
// nobody to distribute to.
func (p *Pool) DepositYield(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrZeroAmount
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.totalShares.IsZero() {
		return ErrNoYield
	}
	p.accruedYield = p.accruedYield.Add(amount)
	p.accYieldPerShare = p.accYieldPerShare.Add(amount.Div(p.totalShares))
	return nil
}

// PendingYield returns the depositor's unclaimed yield.
func (p *Pool) PendingYield(depositor string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingYieldLocked(depositor)
}

func (p *Pool) pendingYieldLocked(depositor string) decimal.Decimal {
	return p.shares[depositor].Mul(p.accYieldPerShare).
		Sub(p.yieldDebt[depositor])
}

// ClaimYield pays out the depositor's accrued yield. Never checks lockup:
// lockup binds principal only.
func (p *Pool) ClaimYield(ctx context.Context, depositor string) (decimal.Decimal, error) {
	p.mu.Lock()
	pending := p.pendingYieldLocked(depositor)
	if pending.LessThanOrEqual(decimal.Zero) {
		p.mu.Unlock()
		return decimal.Zero, ErrNoYield
	}

	p.yieldDebt[depositor] = p.yieldDebt[depositor].Add(pending)
	p.accruedYield = p.accruedYield.Sub(pending)
	p.mu.Unlock()

	if err := p.sink.Transfer(ctx, depositor, pending); err != nil {
		p.mu.Lock()
		p.yieldDebt[depositor] = p.yieldDebt[depositor].Sub(pending)
		p.accruedYield = p.accruedYield.Add(pending)
		p.mu.Unlock()
		return decimal.Zero, err
	}
	return pending, nil
}

// FundPrimaryVault draws capital toward the vault under the guardian's
// authority. The drawn amount is capped by the single-draw limit and the
// reserve floor:
//
//	drawn = min(requested, maxSingleDrawBps×balance, balance − minReserveBps×balance)
//
// Every successful draw appends an immutable record and increments
// totalDrawn. Booking the capital on the vault side is a separate guarded
// call; the two steps are driven together by the same privileged caller.
func (p *Pool) FundPrimaryVault(ctx context.Context, caller string, requested decimal.Decimal, reason string, now time.Time) (model.DrawRecord, error) {
	if caller != p.cfg.Guardian {
		return model.DrawRecord{}, ErrUnauthorized
	}
	if requested.LessThanOrEqual(decimal.Zero) {
		return model.DrawRecord{}, ErrZeroAmount
	}

	p.mu.Lock()
	bps := decimal.NewFromInt(bpsDenominator)
	maxSingle := p.assets.Mul(decimal.NewFromInt(p.cfg.MaxSingleDrawBps)).Div(bps)
	floor := p.assets.Mul(decimal.NewFromInt(p.cfg.MinReserveBps)).Div(bps)
	available := p.assets.Sub(floor)

	drawn := requested
	if maxSingle.LessThan(drawn) {
		drawn = maxSingle
	}
	if available.LessThan(drawn) {
		drawn = available
	}
	if drawn.LessThanOrEqual(decimal.Zero) {
		p.mu.Unlock()
		return model.DrawRecord{}, ErrReserveFloor
	}

	p.assets = p.assets.Sub(drawn)
	p.totalDrawn = p.totalDrawn.Add(drawn)
	record := model.DrawRecord{
		ID:        uuid.New().String(),
		Amount:    drawn,
		Reason:    reason,
		Timestamp: now,
	}
	p.draws = append(p.draws, record)
	p.mu.Unlock()

	if err := p.sink.Transfer(ctx, "vault", drawn); err != nil {
		p.mu.Lock()
		p.assets = p.assets.Add(drawn)
		p.totalDrawn = p.totalDrawn.Sub(drawn)
		p.draws = p.draws[:len(p.draws)-1]
		p.mu.Unlock()
		return model.DrawRecord{}, err
	}
	return record, nil
}

// --- Queries ---

// Stats is a snapshot of the pool's accounting.
type Stats struct {
	Assets       decimal.Decimal `json:"assets"`
	TotalShares  decimal.Decimal `json:"total_shares"`
	AccruedYield decimal.Decimal `json:"accrued_yield"`
	TotalDrawn   decimal.Decimal `json:"total_drawn"`
	DrawCount    int             `json:"draw_count"`
}

// Stats returns a snapshot of the pool state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Assets:       p.assets,
		TotalShares:  p.totalShares,
		AccruedYield: p.accruedYield,
		TotalDrawn:   p.totalDrawn,
		DrawCount:    len(p.draws),
	}
}

// Draws returns a copy of the draw history.
func (p *Pool) Draws() []model.DrawRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.DrawRecord, len(p.draws))
	copy(out, p.draws)
	return out
}

// SharesOf returns the depositor's share balance.
func (p *Pool) SharesOf(depositor string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shares[depositor]
}

// LockupExpiry returns when the depositor's principal unlocks.
func (p *Pool) LockupExpiry(depositor string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lockupExpiry[depositor]
}

// Redeemable returns the depositor's proportional principal value.
func (p *Pool) Redeemable(depositor string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.redeemableLocked(depositor)
}

func (p *Pool) redeemableLocked(depositor string) decimal.Decimal {
	if p.totalShares.IsZero() {
		return decimal.Zero
	}
	return p.shares[depositor].Mul(p.assets.Add(virtualOffset)).
		Div(p.totalShares.Add(virtualOffset))
}
