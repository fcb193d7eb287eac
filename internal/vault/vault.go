// Package vault implements the share-based pooled-capital ledger that
// underwrites open positions.
//
// Depositors own proportional shares of the pool; open positions reserve
// collateral that depositors cannot withdraw. Two invariants hold in every
// reachable state: totalLocked ≤ totalAssets, and the per-location locked
// amounts sum to totalLocked.
//
// All monetary values use shopspring/decimal — never float64 for money.
package vault

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrZeroAmount is returned for deposits, withdrawals, locks, or premium
	// receipts of zero or negative amounts.
	ErrZeroAmount = errors.New("vault: amount must be positive")

	// ErrInsufficientLiquidity is returned when a lock exceeds free capital
	// (totalAssets − totalLocked), independent of utilization limits.
	ErrInsufficientLiquidity = errors.New("vault: insufficient free liquidity")

	// ErrUtilizationExceeded is returned when a lock would push utilization
	// beyond maxUtilizationBps.
	ErrUtilizationExceeded = errors.New("vault: utilization limit exceeded")

	// ErrLocationExposureExceeded is returned when a lock would concentrate
	// more than maxLocationExposureBps of total assets in one location.
	ErrLocationExposureExceeded = errors.New("vault: location exposure limit exceeded")

	// ErrExceedsWithdrawable is returned when a withdrawal would dip into
	// capital backing open positions.
	ErrExceedsWithdrawable = errors.New("vault: amount exceeds withdrawable balance")

	// ErrPayoutExceedsCollateral is returned when a release names a payout
	// larger than the collateral being released.
	ErrPayoutExceedsCollateral = errors.New("vault: payout exceeds released collateral")

	// ErrReleaseUnderflow is returned when a release exceeds the collateral
	// recorded for the location.
	ErrReleaseUnderflow = errors.New("vault: release exceeds locked collateral for location")

	// ErrReentrancy is returned when a vault operation is attempted from
	// within an outbound transfer callback.
	ErrReentrancy = errors.New("vault: reentrant call during transfer")

	// ErrUnauthorized is returned for guarded operations invoked by a caller
	// that is neither owner nor guardian.
	ErrUnauthorized = errors.New("vault: caller not authorized")

	// ErrInvalidLimits is returned when limit updates violate
	// target ≤ max ≤ 100%.
	ErrInvalidLimits = errors.New("vault: invalid risk limits")
)

const bpsDenominator = 10000

// virtualOffset is added to both share and asset totals at every conversion,
// making the first deposit's implied share price economically impossible to
// manipulate via direct donation.
var virtualOffset = decimal.NewFromInt(1000)

// Sink receives value transferred out of the vault. The settlement escrow
// and the withdrawal rail implement it.
type Sink interface {
	Transfer(ctx context.Context, recipient string, amount decimal.Decimal) error
}

// Config holds the vault's roles and risk parameters.
type Config struct {
	Owner    string
	Guardian string

	TargetUtilizationBps   int64
	MaxUtilizationBps      int64
	MaxLocationExposureBps int64

	// MultiplierCap bounds the premium multiplier at/above max utilization.
	MultiplierCap decimal.Decimal

	// ReserveShareBps is the fraction of each premium routed to the reserve
	// pool. Zero disables routing.
	ReserveShareBps int64
}

// Vault is the pooled-capital account. All operations are serialized; the
// struct is safe for concurrent use.
type Vault struct {
	mu           sync.Mutex
	transferring bool // reentrancy guard around outbound transfers

	cfg Config

	// withdrawals receives redeemed deposits; payouts receives settlement
	// payouts (the claims escrow). Kept separate so pull-payment custody
	// never mixes with the depositor rail.
	withdrawals Sink
	payouts     Sink

	totalAssets      decimal.Decimal
	totalLocked      decimal.Decimal
	lockedByLocation map[string]decimal.Decimal

	shares      map[string]decimal.Decimal
	totalShares decimal.Decimal

	totalPremiumsEarned decimal.Decimal
	totalReserveFunding decimal.Decimal
}

// New creates an empty vault. Neither sink may be nil.
func New(cfg Config, withdrawals, payouts Sink) (*Vault, error) {
	if err := validateLimits(cfg.TargetUtilizationBps, cfg.MaxUtilizationBps, cfg.MaxLocationExposureBps); err != nil {
		return nil, err
	}
	if cfg.MultiplierCap.LessThan(decimal.NewFromInt(1)) {
		cfg.MultiplierCap = decimal.NewFromInt(1)
	}
	return &Vault{
		cfg:              cfg,
		withdrawals:      withdrawals,
		payouts:          payouts,
		lockedByLocation: make(map[string]decimal.Decimal),
		shares:           make(map[string]decimal.Decimal),
	}, nil
}

func validateLimits(target, max, maxLocation int64) error {
	if target < 0 || max < 0 || maxLocation < 0 {
		return ErrInvalidLimits
	}
	if target > max || max > bpsDenominator || maxLocation > bpsDenominator {
		return ErrInvalidLimits
	}
	return nil
}

// --- Share accounting ---

// Deposit adds capital and mints proportional shares for the depositor.
func (v *Vault) Deposit(depositor string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrZeroAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.transferring {
		return decimal.Zero, ErrReentrancy
	}

	minted := v.convertToShares(amount)
	v.totalAssets = v.totalAssets.Add(amount)
	v.totalShares = v.totalShares.Add(minted)
	v.shares[depositor] = v.shares[depositor].Add(minted)
	return minted, nil
}

// Withdraw redeems up to the depositor's share of free capital
// (totalAssets − totalLocked). Capital backing open positions can never be
// withdrawn, even though shares are fungible. Returns the shares burned.
func (v *Vault) Withdraw(ctx context.Context, owner string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrZeroAmount
	}

	v.mu.Lock()
	if v.transferring {
		v.mu.Unlock()
		return decimal.Zero, ErrReentrancy
	}

	if amount.GreaterThan(v.maxWithdrawableLocked(owner)) {
		v.mu.Unlock()
		return decimal.Zero, ErrExceedsWithdrawable
	}

	// Round burned shares up so rounding dust cannot be extracted.
	burned := amount.Mul(v.totalShares.Add(virtualOffset)).
		Div(v.totalAssets.Add(virtualOffset)).
		RoundUp(18)
	if burned.GreaterThan(v.shares[owner]) {
		burned = v.shares[owner]
	}

	v.shares[owner] = v.shares[owner].Sub(burned)
	v.totalShares = v.totalShares.Sub(burned)
	v.totalAssets = v.totalAssets.Sub(amount)

	if err := v.transferOutLocked(ctx, v.withdrawals, owner, amount); err != nil {
		// Restore accounting; the withdrawal never happened.
		v.shares[owner] = v.shares[owner].Add(burned)
		v.totalShares = v.totalShares.Add(burned)
		v.totalAssets = v.totalAssets.Add(amount)
		v.mu.Unlock()
		return decimal.Zero, err
	}
	v.mu.Unlock()
	return burned, nil
}

// MaxWithdrawable returns the largest amount the depositor can withdraw now.
func (v *Vault) MaxWithdrawable(owner string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.maxWithdrawableLocked(owner)
}

// maxWithdrawableLocked computes the depositor's pro-rata claim on free
// capital. Free capital is taken first, then the proportional conversion,
// so locked collateral is excluded before ownership math applies.
func (v *Vault) maxWithdrawableLocked(owner string) decimal.Decimal {
	if v.totalShares.IsZero() {
		return decimal.Zero
	}
	free := v.totalAssets.Sub(v.totalLocked)
	if free.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return v.shares[owner].Mul(free).Div(v.totalShares)
}

// SharesOf returns the depositor's share balance.
func (v *Vault) SharesOf(depositor string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shares[depositor]
}

// RedeemableValue returns the full proportional value of the depositor's
// shares, ignoring the locked-capital bound.
func (v *Vault) RedeemableValue(depositor string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.totalShares.IsZero() {
		return decimal.Zero
	}
	return v.shares[depositor].Mul(v.totalAssets.Add(virtualOffset)).
		Div(v.totalShares.Add(virtualOffset))
}

// convertToShares applies the virtual-offset conversion. Callers hold v.mu.
func (v *Vault) convertToShares(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(v.totalShares.Add(virtualOffset)).
		Div(v.totalAssets.Add(virtualOffset))
}

// --- Collateral accounting ---

// LockCollateral reserves collateral against a position. The raw-liquidity
// check runs independently of the utilization cap: even below max
// utilization, a lock can never exceed free capital.
func (v *Vault) LockCollateral(amount decimal.Decimal, positionID, locationKey string) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrZeroAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.transferring {
		return ErrReentrancy
	}
	if err := v.checkLockLocked(amount, locationKey); err != nil {
		return err
	}

	v.totalLocked = v.totalLocked.Add(amount)
	v.lockedByLocation[locationKey] = v.lockedByLocation[locationKey].Add(amount)
	return nil
}

func (v *Vault) checkLockLocked(amount decimal.Decimal, locationKey string) error {
	free := v.totalAssets.Sub(v.totalLocked)
	if amount.GreaterThan(free) {
		return ErrInsufficientLiquidity
	}

	newLocked := v.totalLocked.Add(amount)
	maxLocked := v.totalAssets.Mul(decimal.NewFromInt(v.cfg.MaxUtilizationBps)).
		Div(decimal.NewFromInt(bpsDenominator))
	if newLocked.GreaterThan(maxLocked) {
		return ErrUtilizationExceeded
	}

	newLocation := v.lockedByLocation[locationKey].Add(amount)
	maxLocation := v.totalAssets.Mul(decimal.NewFromInt(v.cfg.MaxLocationExposureBps)).
		Div(decimal.NewFromInt(bpsDenominator))
	if newLocation.GreaterThan(maxLocation) {
		return ErrLocationExposureExceeded
	}
	return nil
}

// CanUnderwrite reports whether a lock of the given amount at the given
// location would succeed. Pure simulation, no state change.
func (v *Vault) CanUnderwrite(amount decimal.Decimal, locationKey string) bool {
	if amount.LessThanOrEqual(decimal.Zero) {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.checkLockLocked(amount, locationKey) == nil
}

// ReleaseCollateral releases a position's reserved collateral and, if payout
// is positive, transfers the payout to the beneficiary via the sink. This is
// the only path by which capital leaves the vault for a settlement.
// Collateral accounting always updates before the outbound transfer.
func (v *Vault) ReleaseCollateral(ctx context.Context, amount, payout decimal.Decimal, positionID, locationKey, beneficiary string) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrZeroAmount
	}
	if payout.GreaterThan(amount) {
		return ErrPayoutExceedsCollateral
	}
	if payout.IsNegative() {
		return ErrZeroAmount
	}

	v.mu.Lock()
	if v.transferring {
		v.mu.Unlock()
		return ErrReentrancy
	}
	if amount.GreaterThan(v.lockedByLocation[locationKey]) {
		v.mu.Unlock()
		return ErrReleaseUnderflow
	}

	v.totalLocked = v.totalLocked.Sub(amount)
	v.lockedByLocation[locationKey] = v.lockedByLocation[locationKey].Sub(amount)
	if v.lockedByLocation[locationKey].IsZero() {
		delete(v.lockedByLocation, locationKey)
	}

	if payout.IsPositive() {
		v.totalAssets = v.totalAssets.Sub(payout)
		if err := v.transferOutLocked(ctx, v.payouts, beneficiary, payout); err != nil {
			v.totalAssets = v.totalAssets.Add(payout)
			v.totalLocked = v.totalLocked.Add(amount)
			v.lockedByLocation[locationKey] = v.lockedByLocation[locationKey].Add(amount)
			v.mu.Unlock()
			return err
		}
	}
	v.mu.Unlock()
	return nil
}

// transferOutLocked performs the external transfer with the reentrancy guard
// raised. Callers hold v.mu; the lock is dropped for the duration of the
// external call and reacquired before returning.
func (v *Vault) transferOutLocked(ctx context.Context, sink Sink, recipient string, amount decimal.Decimal) error {
	v.transferring = true
	v.mu.Unlock()
	err := sink.Transfer(ctx, recipient, amount)
	v.mu.Lock()
	v.transferring = false
	return err
}

// --- Premiums ---

// ReceivePremium books an incoming premium as asset growth and returns the
// configured reserve-pool cut for the caller to route. The cut is only
// carved out when routeReserve is set (the caller knows whether the pool
// can accept it); the full amount counts toward totalPremiumsEarned either
// way.
func (v *Vault) ReceivePremium(amount decimal.Decimal, positionID string, routeReserve bool) (reserveCut decimal.Decimal, err error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrZeroAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.transferring {
		return decimal.Zero, ErrReentrancy
	}

	reserveCut = decimal.Zero
	if routeReserve {
		reserveCut = amount.Mul(decimal.NewFromInt(v.cfg.ReserveShareBps)).
			Div(decimal.NewFromInt(bpsDenominator))
	}
	v.totalAssets = v.totalAssets.Add(amount.Sub(reserveCut))
	v.totalPremiumsEarned = v.totalPremiumsEarned.Add(amount)
	return reserveCut, nil
}

// PremiumMultiplier returns the utilization-driven pricing multiplier fed to
// the external price oracle: 1.0 below target utilization, scaling linearly
// up to MultiplierCap between target and max, and capped at/above max.
func (v *Vault) PremiumMultiplier() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()

	one := decimal.NewFromInt(1)
	if v.totalAssets.IsZero() {
		return one
	}

	utilBps := v.totalLocked.Mul(decimal.NewFromInt(bpsDenominator)).Div(v.totalAssets)
	target := decimal.NewFromInt(v.cfg.TargetUtilizationBps)
	max := decimal.NewFromInt(v.cfg.MaxUtilizationBps)

	if utilBps.LessThan(target) {
		return one
	}
	if utilBps.GreaterThanOrEqual(max) || max.Equal(target) {
		return v.cfg.MultiplierCap
	}

	span := max.Sub(target)
	progress := utilBps.Sub(target).Div(span)
	return one.Add(v.cfg.MultiplierCap.Sub(one).Mul(progress)).Round(6)
}

// --- Reserve funding & limits ---

// AcknowledgeReserveFunding books capital drawn from the reserve pool once
// it physically arrives. Guardian-only; the pool-side draw is a separate
// guarded call driven by the same privileged caller.
func (v *Vault) AcknowledgeReserveFunding(caller string, amount decimal.Decimal) error {
	if caller != v.cfg.Guardian {
		return ErrUnauthorized
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrZeroAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.transferring {
		return ErrReentrancy
	}
	v.totalAssets = v.totalAssets.Add(amount)
	v.totalReserveFunding = v.totalReserveFunding.Add(amount)
	return nil
}

// SetLimits updates the risk limits. Owner or guardian only; enforces
// target ≤ max ≤ 100%.
func (v *Vault) SetLimits(caller string, targetBps, maxBps, maxLocationBps int64) error {
	if caller != v.cfg.Owner && caller != v.cfg.Guardian {
		return ErrUnauthorized
	}
	if err := validateLimits(targetBps, maxBps, maxLocationBps); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.cfg.TargetUtilizationBps = targetBps
	v.cfg.MaxUtilizationBps = maxBps
	v.cfg.MaxLocationExposureBps = maxLocationBps
	return nil
}

// --- Queries ---

// Stats is a consistent snapshot of the vault's accounting.
type Stats struct {
	TotalAssets         decimal.Decimal            `json:"total_assets"`
	TotalLocked         decimal.Decimal            `json:"total_locked"`
	TotalShares         decimal.Decimal            `json:"total_shares"`
	TotalPremiumsEarned decimal.Decimal            `json:"total_premiums_earned"`
	TotalReserveFunding decimal.Decimal            `json:"total_reserve_funding"`
	UtilizationBps      decimal.Decimal            `json:"utilization_bps"`
	LockedByLocation    map[string]decimal.Decimal `json:"locked_by_location"`
}

// Stats returns a snapshot of the vault state.
func (v *Vault) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()

	byLocation := make(map[string]decimal.Decimal, len(v.lockedByLocation))
	for k, amt := range v.lockedByLocation {
		byLocation[k] = amt
	}

	utilBps := decimal.Zero
	if !v.totalAssets.IsZero() {
		utilBps = v.totalLocked.Mul(decimal.NewFromInt(bpsDenominator)).
			Div(v.totalAssets).Round(2)
	}

	return Stats{
		TotalAssets:         v.totalAssets,
		TotalLocked:         v.totalLocked,
		TotalShares:         v.totalShares,
		TotalPremiumsEarned: v.totalPremiumsEarned,
		TotalReserveFunding: v.totalReserveFunding,
		UtilizationBps:      utilBps,
		LockedByLocation:    byLocation,
	}
}

// TotalAssets returns the current pooled capital.
func (v *Vault) TotalAssets() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalAssets
}

// TotalLocked returns the collateral reserved against open positions.
func (v *Vault) TotalLocked() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalLocked
}

// LockedAt returns the collateral reserved for one location.
func (v *Vault) LockedAt(locationKey string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lockedByLocation[locationKey]
}
