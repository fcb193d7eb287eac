// Package engine implements the position lifecycle state machine and its
// HTTP surface: quote → create → settle → claim, backed by the vault's
// collateral ledger and the reserve pool.
//
// Every externally triggered operation runs serialized to completion under
// a single mutex — success or full rollback, no partial effects. Time is
// never scheduled: expiry, lockup, and quote validity are lazy comparisons
// against the injected clock.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pluvio/settlement-engine/internal/forwarder"
	"github.com/pluvio/settlement-engine/internal/location"
	"github.com/pluvio/settlement-engine/internal/metrics"
	"github.com/pluvio/settlement-engine/internal/model"
	"github.com/pluvio/settlement-engine/internal/oracle"
	"github.com/pluvio/settlement-engine/internal/payout"
	"github.com/pluvio/settlement-engine/internal/reserve"
	"github.com/pluvio/settlement-engine/internal/store"
	"github.com/pluvio/settlement-engine/internal/vault"
)

var (
	// --- Validation ---

	// ErrInvalidTerms covers malformed position terms: unknown kind, zero
	// spread or notional, inverted or non-future window.
	ErrInvalidTerms = errors.New("engine: invalid position terms")

	// ErrNotionalTooSmall is returned when notional is below the minimum.
	ErrNotionalTooSmall = errors.New("engine: notional below minimum")

	// ErrPremiumTooLow is returned when a fulfilled premium is below the
	// anti-griefing floor.
	ErrPremiumTooLow = errors.New("engine: premium below minimum")

	// ErrInsufficientPayment is returned when payment does not cover
	// premium plus protocol fee.
	ErrInsufficientPayment = errors.New("engine: payment below premium plus fee")

	// --- Authorization ---

	// ErrNotRequester is returned when someone other than the original
	// requester redeems a quote.
	ErrNotRequester = errors.New("engine: caller is not the quote requester")

	// ErrNotOwner is returned when a non-owner drives an owner-only
	// transition.
	ErrNotOwner = errors.New("engine: caller is not the position owner")

	// ErrNotBeneficiary is returned when a claim comes from anyone but the
	// owner recorded at settlement.
	ErrNotBeneficiary = errors.New("engine: caller is not the settlement beneficiary")

	// --- Sequencing ---

	// ErrQuoteNotFulfilled is returned when redeeming a quote the oracle
	// has not priced yet.
	ErrQuoteNotFulfilled = errors.New("engine: quote not yet fulfilled")

	// ErrQuoteFailed is returned when the oracle marked the quote failed.
	ErrQuoteFailed = errors.New("engine: quote request failed")

	// ErrQuoteExpired is returned when the redemption validity window has
	// lapsed.
	ErrQuoteExpired = errors.New("engine: quote validity window lapsed")

	// ErrQuoteRedeemed is returned on double redemption.
	ErrQuoteRedeemed = errors.New("engine: quote already redeemed")

	// ErrWrongStatus is returned for a transition from the wrong lifecycle
	// state.
	ErrWrongStatus = errors.New("engine: invalid lifecycle state for operation")

	// ErrAlreadySettled is returned when settling a settled position. The
	// automation path treats it as a silent no-op.
	ErrAlreadySettled = errors.New("engine: position already settled")

	// ErrTransferWhileSettling is returned for ownership transfer during
	// settlement.
	ErrTransferWhileSettling = errors.New("engine: transfer forbidden while settling")

	// ErrNotExpired is returned when settlement is requested before the
	// observation window ends.
	ErrNotExpired = errors.New("engine: observation window not yet ended")

	// ErrIndexNotReported is returned when finalizing before the index
	// oracle has reported.
	ErrIndexNotReported = errors.New("engine: index value not yet reported")

	// ErrNothingToClaim is returned for a claim with no pending balance.
	ErrNothingToClaim = errors.New("engine: no pending claim balance")
)

// Clock supplies the current time. Injected so expiry and lockup logic is
// testable by simulating clock advancement.
type Clock func() time.Time

// Config holds the engine's roles and lifecycle parameters.
type Config struct {
	// Keeper is the automation identity allowed to drive expired
	// positions forward on owners' behalf.
	Keeper string

	// QuoteValidity is how long a fulfilled quote stays redeemable.
	QuoteValidity time.Duration

	// MinNotional rejects dust positions at quote time.
	MinNotional decimal.Decimal

	// MinPremium is the anti-griefing floor checked at redemption.
	MinPremium decimal.Decimal

	// ProtocolFee is added on top of the premium at redemption.
	ProtocolFee decimal.Decimal

	// WorkBatchLimit bounds the size of one automation scan.
	WorkBatchLimit int
}

// Service owns the position lifecycle. It never holds collateral itself:
// locking, releasing, and paying out all go through the vault.
type Service struct {
	cfg    Config
	store  store.Store
	vault  *vault.Vault
	pool   *reserve.Pool
	price  oracle.PriceOracle
	index  oracle.IndexOracle
	rail   payout.Rail
	fwd    forwarder.Forwarder
	escrow *Escrow
	hub    *Hub // optional WebSocket hub for event broadcasts
	clock  Clock

	// Serializes externally triggered operations: each runs to completion
	// before the next begins.
	mu sync.Mutex
}

// NewService creates the lifecycle service. Pass nil for hub if event
// broadcasting is not needed; fwd may be nil to disable forwarding.
func NewService(cfg Config, st store.Store, v *vault.Vault, pool *reserve.Pool,
	price oracle.PriceOracle, index oracle.IndexOracle, rail payout.Rail,
	escrow *Escrow, fwd forwarder.Forwarder, hub *Hub, clock Clock) *Service {

	if cfg.QuoteValidity <= 0 {
		cfg.QuoteValidity = time.Hour
	}
	if cfg.WorkBatchLimit <= 0 {
		cfg.WorkBatchLimit = 50
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if fwd == nil {
		fwd = forwarder.LogForwarder{}
	}
	return &Service{
		cfg:    cfg,
		store:  st,
		vault:  v,
		pool:   pool,
		price:  price,
		index:  index,
		rail:   rail,
		escrow: escrow,
		fwd:    fwd,
		hub:    hub,
		clock:  clock,
	}
}

// Vault exposes the underlying collateral ledger for query handlers.
func (s *Service) Vault() *vault.Vault { return s.vault }

// Pool exposes the reserve pool for query handlers.
func (s *Service) Pool() *reserve.Pool { return s.pool }

// Escrow exposes the claims escrow for reconciliation queries.
func (s *Service) Escrow() *Escrow { return s.escrow }

// --- Quote ---

// QuoteRequest are the caller-supplied terms for a new quote.
type QuoteRequest struct {
	Requester   string          `json:"requester"`
	Kind        model.OptionKind `json:"kind"`
	Latitude    string          `json:"latitude"`
	Longitude   string          `json:"longitude"`
	WindowStart time.Time       `json:"window_start"`
	WindowEnd   time.Time       `json:"window_end"`
	Strike      decimal.Decimal `json:"strike"`
	Spread      decimal.Decimal `json:"spread"`
	Notional    decimal.Decimal `json:"notional"`
}

// RequestQuote validates terms and issues a price-oracle request. The
// pending quote is stored keyed by the oracle handle; the premium arrives
// asynchronously via FulfillQuote.
func (s *Service) RequestQuote(ctx context.Context, req QuoteRequest) (*model.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if req.Requester == "" || !req.Kind.Valid() {
		return nil, ErrInvalidTerms
	}
	if !req.WindowEnd.After(req.WindowStart) || !req.WindowStart.After(now) {
		return nil, fmt.Errorf("%w: window must be strictly future with end > start", ErrInvalidTerms)
	}
	if req.Spread.LessThanOrEqual(decimal.Zero) || req.Notional.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: spread and notional must be nonzero", ErrInvalidTerms)
	}
	if req.Notional.LessThan(s.cfg.MinNotional) {
		return nil, ErrNotionalTooSmall
	}
	if req.Strike.IsNegative() {
		return nil, fmt.Errorf("%w: strike must not be negative", ErrInvalidTerms)
	}

	terms := model.Terms{
		Kind:        req.Kind,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
		LocationKey: location.Key(req.Latitude, req.Longitude),
		WindowStart: req.WindowStart,
		WindowEnd:   req.WindowEnd,
		Strike:      req.Strike,
		Spread:      req.Spread,
		Notional:    req.Notional,
	}

	multiplier := s.vault.PremiumMultiplier()
	handle, err := s.price.RequestQuote(ctx, oracle.QuoteParams{Terms: terms, Multiplier: multiplier})
	if err != nil {
		return nil, fmt.Errorf("engine: price oracle request: %w", err)
	}

	quote := &model.Quote{
		Handle:      handle,
		Requester:   req.Requester,
		Terms:       terms,
		Multiplier:  multiplier,
		RequestedAt: now,
	}
	if err := s.store.CreateQuote(ctx, quote); err != nil {
		return nil, err
	}

	metrics.QuotesRequested.Inc()
	slog.Info("quote requested",
		"handle", handle,
		"requester", req.Requester,
		"location", terms.LocationKey,
		"multiplier", multiplier.String(),
	)
	return quote, nil
}

// FulfillQuote records the oracle's premium for a pending quote.
func (s *Service) FulfillQuote(ctx context.Context, handle string, premium decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.store.GetQuote(ctx, handle)
	if err != nil {
		return err
	}
	if q.Redeemed {
		return ErrQuoteRedeemed
	}
	if q.Fulfilled || q.Failed {
		return fmt.Errorf("%w: quote %s already resolved", ErrWrongStatus, handle)
	}
	if premium.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: premium must be positive", ErrInvalidTerms)
	}

	q.Fulfilled = true
	q.Premium = premium
	q.FulfilledAt = s.clock()
	if err := s.store.UpdateQuote(ctx, q); err != nil {
		return err
	}

	s.broadcast(Event{Type: "quote_fulfilled", Handle: handle, Premium: premium.String()})
	return nil
}

// FailQuote marks a quote as failed by the oracle. Failed quotes are never
// redeemable; the requester simply requests again.
func (s *Service) FailQuote(ctx context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.store.GetQuote(ctx, handle)
	if err != nil {
		return err
	}
	if q.Redeemed {
		return ErrQuoteRedeemed
	}
	if q.Fulfilled || q.Failed {
		return fmt.Errorf("%w: quote %s already resolved", ErrWrongStatus, handle)
	}

	q.Failed = true
	return s.store.UpdateQuote(ctx, q)
}

// --- Create ---

// RedeemQuote creates a position from a fulfilled quote. Only the original
// requester may redeem, within the validity window, paying premium plus
// protocol fee. The vault reserves spread × notional under the position's
// location key; excess payment is refunded.
func (s *Service) RedeemQuote(ctx context.Context, handle, caller string, payment decimal.Decimal) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.store.GetQuote(ctx, handle)
	if err != nil {
		return nil, err
	}
	if q.Redeemed {
		return nil, ErrQuoteRedeemed
	}
	if q.Failed {
		return nil, ErrQuoteFailed
	}
	if !q.Fulfilled {
		return nil, ErrQuoteNotFulfilled
	}
	if caller != q.Requester {
		return nil, ErrNotRequester
	}

	now := s.clock()
	if now.Sub(q.FulfilledAt) > s.cfg.QuoteValidity {
		return nil, ErrQuoteExpired
	}
	if q.Premium.LessThan(s.cfg.MinPremium) {
		return nil, ErrPremiumTooLow
	}

	required := q.Premium.Add(s.cfg.ProtocolFee)
	if payment.LessThan(required) {
		return nil, ErrInsufficientPayment
	}

	positionID := uuid.New().String()
	collateral := q.Terms.MaxPayout()
	if err := s.vault.LockCollateral(collateral, positionID, q.Terms.LocationKey); err != nil {
		countCapacityRejection(err)
		return nil, err
	}

	// Refund before booking anything irreversible: a failed refund undoes
	// the lock and aborts creation.
	if excess := payment.Sub(required); excess.IsPositive() {
		if err := s.rail.Transfer(ctx, caller, excess); err != nil {
			if relErr := s.vault.ReleaseCollateral(ctx, collateral, decimal.Zero, positionID, q.Terms.LocationKey, ""); relErr != nil {
				slog.Error("collateral release after refund failure", "position", positionID, "err", relErr)
			}
			return nil, fmt.Errorf("engine: refund failed: %w", err)
		}
	}

	routeReserve := s.pool != nil && !s.pool.Stats().TotalShares.IsZero()
	reserveCut, err := s.vault.ReceivePremium(q.Premium, positionID, routeReserve)
	if err != nil {
		return nil, err
	}
	if reserveCut.IsPositive() {
		if err := s.pool.DepositYield(reserveCut); err != nil {
			slog.Error("reserve premium routing", "position", positionID, "err", err)
		}
	}

	position := &model.Position{
		ID:               positionID,
		Terms:            q.Terms,
		Status:           model.StatusActive,
		Owner:            caller,
		QuoteHandle:      handle,
		Premium:          q.Premium,
		LockedCollateral: collateral,
		CreatedAt:        now,
	}
	if err := s.store.CreatePosition(ctx, position); err != nil {
		if relErr := s.vault.ReleaseCollateral(ctx, collateral, decimal.Zero, positionID, q.Terms.LocationKey, ""); relErr != nil {
			slog.Error("collateral release after create failure", "position", positionID, "err", relErr)
		}
		return nil, err
	}

	q.Redeemed = true
	if err := s.store.UpdateQuote(ctx, q); err != nil {
		slog.Error("quote redemption flag", "handle", handle, "err", err)
	}

	s.journal(ctx, positionID, model.JournalCollateralLocked, collateral, q.Terms.LocationKey, now)
	s.journal(ctx, positionID, model.JournalPremiumReceived, q.Premium, "", now)

	metrics.PositionsCreated.WithLabelValues(string(q.Terms.Kind)).Inc()
	s.updateVaultGauges()

	slog.Info("position created",
		"id", positionID,
		"owner", caller,
		"kind", string(q.Terms.Kind),
		"location", q.Terms.LocationKey,
		"collateral", collateral.String(),
		"premium", q.Premium.String(),
	)
	return position, nil
}

// --- Transfer ---

// Transfer moves position ownership. Forbidden while the position is
// settling; the beneficiary snapshot taken at settlement request would
// otherwise be gameable.
func (s *Service) Transfer(ctx context.Context, id, caller, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if to == "" {
		return fmt.Errorf("%w: empty transfer target", ErrInvalidTerms)
	}

	p, err := s.store.GetPosition(ctx, id)
	if err != nil {
		return err
	}
	if caller != p.Owner {
		return ErrNotOwner
	}
	if p.Status == model.StatusSettling {
		return ErrTransferWhileSettling
	}

	p.Owner = to
	return s.store.UpdatePosition(ctx, p)
}

// --- Settlement ---

// RequestSettlement starts settlement for an expired Active position. The
// current owner (or the keeper, on the owner's behalf) may call it. The
// owner is snapshotted as beneficiary the instant settlement is requested.
func (s *Service) RequestSettlement(ctx context.Context, id, caller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestSettlementLocked(ctx, id, caller)
}

func (s *Service) requestSettlementLocked(ctx context.Context, id, caller string) error {
	p, err := s.store.GetPosition(ctx, id)
	if err != nil {
		return err
	}
	if p.Status == model.StatusSettled {
		return ErrAlreadySettled
	}
	if p.Status != model.StatusActive {
		return ErrWrongStatus
	}
	if caller != p.Owner && caller != s.cfg.Keeper {
		return ErrNotOwner
	}
	if s.clock().Before(p.Terms.WindowEnd) {
		return ErrNotExpired
	}

	handle, err := s.index.RequestIndex(ctx, p.Terms.LocationKey, p.Terms.WindowStart, p.Terms.WindowEnd)
	if err != nil {
		return fmt.Errorf("engine: index oracle request: %w", err)
	}

	p.Status = model.StatusSettling
	p.OwnerAtSettlement = p.Owner
	p.SettlementHandle = handle
	if err := s.store.UpdatePosition(ctx, p); err != nil {
		return err
	}

	slog.Info("settlement requested",
		"id", id,
		"beneficiary", p.OwnerAtSettlement,
		"handle", handle,
	)
	return nil
}

// FulfillIndex records the realized index value for a settling position.
func (s *Service) FulfillIndex(ctx context.Context, handle string, value decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value.IsNegative() {
		return fmt.Errorf("%w: index value must not be negative", ErrInvalidTerms)
	}

	p, err := s.store.GetPositionBySettlementHandle(ctx, handle)
	if err != nil {
		return err
	}
	if p.Status != model.StatusSettling {
		return ErrWrongStatus
	}
	if p.IndexReported {
		return fmt.Errorf("%w: index already reported", ErrWrongStatus)
	}

	p.IndexReported = true
	p.ReportedIndex = value
	if err := s.store.UpdatePosition(ctx, p); err != nil {
		return err
	}

	s.broadcast(Event{Type: "index_reported", PositionID: p.ID, Index: value.String()})
	return nil
}

// FinalizeSettlement computes the payout, releases collateral, and credits
// the beneficiary's pending claim. Settlement never fails because of a
// downstream payment failure: the auto-claim attempt is best-effort and the
// balance stays claimable.
func (s *Service) FinalizeSettlement(ctx context.Context, id string) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizeLocked(ctx, id)
}

func (s *Service) finalizeLocked(ctx context.Context, id string) (*model.Position, error) {
	p, err := s.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == model.StatusSettled {
		return nil, ErrAlreadySettled
	}
	if p.Status != model.StatusSettling {
		return nil, ErrWrongStatus
	}
	if !p.IndexReported {
		return nil, ErrIndexNotReported
	}

	now := s.clock()
	payoutAmount := settlementPayout(p.Terms, p.ReportedIndex)

	// Effects before interaction: the vault updates its collateral
	// accounting before the escrow transfer, and the escrow credit cannot
	// fail, so the transition is committed atomically from here.
	if err := s.vault.ReleaseCollateral(ctx, p.LockedCollateral, payoutAmount,
		p.ID, p.Terms.LocationKey, p.OwnerAtSettlement); err != nil {
		return nil, err
	}

	p.Status = model.StatusSettled
	p.FinalPayout = payoutAmount
	p.PendingClaim = payoutAmount
	p.SettledAt = now
	if err := s.store.UpdatePosition(ctx, p); err != nil {
		return nil, err
	}

	s.journal(ctx, p.ID, model.JournalCollateralRelease, p.LockedCollateral, p.Terms.LocationKey, now)
	s.journal(ctx, p.ID, model.JournalSettled, payoutAmount, p.ReportedIndex.String(), now)

	outcome := "zero"
	if payoutAmount.IsPositive() {
		outcome = "paid"
	}
	metrics.Settlements.WithLabelValues(outcome).Inc()
	s.updateVaultGauges()

	s.broadcast(Event{
		Type:        "position_settled",
		PositionID:  p.ID,
		LocationKey: p.Terms.LocationKey,
		Beneficiary: p.OwnerAtSettlement,
		Amount:      payoutAmount.String(),
		Index:       p.ReportedIndex.String(),
	})

	if err := s.fwd.OnPositionSettled(ctx, forwarder.Notification{
		PositionID:  p.ID,
		Beneficiary: p.OwnerAtSettlement,
		Amount:      payoutAmount,
		SettledAt:   now,
	}); err != nil {
		slog.Warn("payout forwarder", "id", p.ID, "err", err)
	}

	slog.Info("position settled",
		"id", p.ID,
		"index", p.ReportedIndex.String(),
		"payout", payoutAmount.String(),
		"beneficiary", p.OwnerAtSettlement,
	)

	// Best-effort push; failure leaves the balance claimable.
	if payoutAmount.IsPositive() {
		if err := s.claimLocked(ctx, p, p.OwnerAtSettlement, "auto"); err != nil {
			slog.Warn("auto-claim deferred to pull path", "id", p.ID, "err", err)
		}
	}
	return p, nil
}

// settlementPayout clamps the directional distance between realized index
// and strike into [0, spread], scaled by notional.
func settlementPayout(t model.Terms, realized decimal.Decimal) decimal.Decimal {
	var distance decimal.Decimal
	switch t.Kind {
	case model.KindPaysAbove:
		distance = realized.Sub(t.Strike)
	case model.KindPaysBelow:
		distance = t.Strike.Sub(realized)
	}
	if distance.IsNegative() {
		distance = decimal.Zero
	}
	if distance.GreaterThan(t.Spread) {
		distance = t.Spread
	}
	return distance.Mul(t.Notional)
}

// --- Claim ---

// Claim pays out the pending balance to the owner recorded at settlement.
// The balance is cleared before the outbound transfer and restored on
// failure.
func (s *Service) Claim(ctx context.Context, id, caller string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.store.GetPosition(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	if p.Status != model.StatusSettled {
		return decimal.Zero, ErrWrongStatus
	}
	if caller != p.OwnerAtSettlement {
		return decimal.Zero, ErrNotBeneficiary
	}
	if p.PendingClaim.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrNothingToClaim
	}

	amount := p.PendingClaim
	if err := s.claimLocked(ctx, p, caller, "pull"); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// claimLocked clears the pending balance, debits escrow, and pushes funds
// out. All effects are restored if the rail rejects the transfer.
func (s *Service) claimLocked(ctx context.Context, p *model.Position, beneficiary, path string) error {
	amount := p.PendingClaim
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrNothingToClaim
	}

	p.PendingClaim = decimal.Zero
	if err := s.store.UpdatePosition(ctx, p); err != nil {
		p.PendingClaim = amount
		return err
	}
	if err := s.escrow.Debit(beneficiary, amount); err != nil {
		p.PendingClaim = amount
		if uerr := s.store.UpdatePosition(ctx, p); uerr != nil {
			slog.Error("pending claim restore", "id", p.ID, "err", uerr)
		}
		return err
	}

	if err := s.rail.Transfer(ctx, beneficiary, amount); err != nil {
		s.escrow.Credit(beneficiary, amount)
		p.PendingClaim = amount
		if uerr := s.store.UpdatePosition(ctx, p); uerr != nil {
			slog.Error("pending claim restore", "id", p.ID, "err", uerr)
		}
		return err
	}

	s.journal(ctx, p.ID, model.JournalClaimed, amount, path, s.clock())
	metrics.Claims.WithLabelValues(path).Inc()

	slog.Info("payout claimed",
		"id", p.ID,
		"beneficiary", beneficiary,
		"amount", amount.String(),
		"path", path,
	)
	return nil
}

// --- Automation ---

// PendingWork returns the bounded set of positions needing action now:
// expired-but-Active, and Settling with a reported index. Backed by the
// store's live-position indexes, so cost scales with open positions.
func (s *Service) PendingWork(ctx context.Context) ([]model.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := s.cfg.WorkBatchLimit
	var items []model.WorkItem

	expired, err := s.store.ListExpiredActive(ctx, s.clock(), limit)
	if err != nil {
		return nil, err
	}
	for _, p := range expired {
		items = append(items, model.WorkItem{PositionID: p.ID, Action: model.WorkRequestSettlement})
	}

	if remaining := limit - len(items); remaining > 0 {
		reported, err := s.store.ListSettlingReported(ctx, remaining)
		if err != nil {
			return nil, err
		}
		for _, p := range reported {
			items = append(items, model.WorkItem{PositionID: p.ID, Action: model.WorkFinalize})
		}
	}
	return items, nil
}

// PerformWork processes items one at a time. Failures are isolated per
// item, and reprocessing an already-settled position is a silent no-op.
func (s *Service) PerformWork(ctx context.Context, items []model.WorkItem) []model.WorkResult {
	results := make([]model.WorkResult, 0, len(items))
	for _, item := range items {
		res := model.WorkResult{Item: item}

		var err error
		switch item.Action {
		case model.WorkRequestSettlement:
			err = s.RequestSettlement(ctx, item.PositionID, s.cfg.Keeper)
		case model.WorkFinalize:
			_, err = s.FinalizeSettlement(ctx, item.PositionID)
		default:
			err = fmt.Errorf("%w: unknown work action %q", ErrInvalidTerms, item.Action)
		}

		switch {
		case err == nil:
		case errors.Is(err, ErrAlreadySettled), errors.Is(err, ErrWrongStatus):
			// Another caller already advanced the position.
			res.NoOp = true
		default:
			res.Error = err.Error()
			slog.Warn("work item failed", "id", item.PositionID, "action", item.Action, "err", err)
		}
		results = append(results, res)
	}
	return results
}

// --- Reserve waterfall ---

// FundVaultFromReserve drives the two-step reserve draw under the
// guardian's authority: draw from the pool, then book the arrival on the
// vault side. The steps are deliberately separate guarded calls executed
// together by the same privileged caller.
func (s *Service) FundVaultFromReserve(ctx context.Context, caller string, requested decimal.Decimal, reason string) (model.DrawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.pool.FundPrimaryVault(ctx, caller, requested, reason, s.clock())
	if err != nil {
		return model.DrawRecord{}, err
	}
	if err := s.vault.AcknowledgeReserveFunding(caller, record.Amount); err != nil {
		return model.DrawRecord{}, err
	}

	if err := s.store.InsertDrawRecord(ctx, &record); err != nil {
		slog.Error("draw record persist", "id", record.ID, "err", err)
	}
	s.journal(ctx, "", model.JournalReserveDraw, record.Amount, reason, record.Timestamp)

	metrics.ReserveDraws.Inc()
	s.updateVaultGauges()

	slog.Info("reserve draw",
		"id", record.ID,
		"amount", record.Amount.String(),
		"reason", reason,
	)
	return record, nil
}

// --- Helpers ---

func (s *Service) journal(ctx context.Context, positionID, entryType string, amount decimal.Decimal, detail string, ts time.Time) {
	entry := &model.JournalEntry{
		ID:         uuid.New().String(),
		PositionID: positionID,
		Type:       entryType,
		Amount:     amount,
		Detail:     detail,
		Timestamp:  ts,
	}
	if err := s.store.InsertJournalEntry(ctx, entry); err != nil {
		slog.Error("journal append", "type", entryType, "position", positionID, "err", err)
	}
}

func (s *Service) broadcast(ev Event) {
	if s.hub != nil {
		s.hub.Broadcast(ev)
	}
}

func (s *Service) updateVaultGauges() {
	stats := s.vault.Stats()
	metrics.VaultAssets.Set(stats.TotalAssets.InexactFloat64())
	metrics.VaultLocked.Set(stats.TotalLocked.InexactFloat64())
}

func countCapacityRejection(err error) {
	switch {
	case errors.Is(err, vault.ErrInsufficientLiquidity):
		metrics.CapacityRejections.WithLabelValues("liquidity").Inc()
	case errors.Is(err, vault.ErrUtilizationExceeded):
		metrics.CapacityRejections.WithLabelValues("utilization").Inc()
	case errors.Is(err, vault.ErrLocationExposureExceeded):
		metrics.CapacityRejections.WithLabelValues("location").Inc()
	}
}
