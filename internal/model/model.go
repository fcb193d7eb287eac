// Package model defines the core domain types shared across the settlement
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OptionKind is the payout direction of a position.
type OptionKind string

const (
	// KindPaysAbove pays when the realized index exceeds the strike.
	KindPaysAbove OptionKind = "PAYS_ABOVE"
	// KindPaysBelow pays when the realized index falls short of the strike.
	KindPaysBelow OptionKind = "PAYS_BELOW"
)

// Valid reports whether k is a known option kind.
func (k OptionKind) Valid() bool {
	return k == KindPaysAbove || k == KindPaysBelow
}

// PositionStatus is the lifecycle state of a position. Transitions only
// advance forward: Active → Settling → Settled.
type PositionStatus string

const (
	StatusActive   PositionStatus = "ACTIVE"
	StatusSettling PositionStatus = "SETTLING"
	StatusSettled  PositionStatus = "SETTLED"
)

// Terms are the immutable economic terms of a position. Latitude and
// Longitude hold the raw coordinate text as submitted; LocationKey is the
// normalized key derived from them.
type Terms struct {
	Kind        OptionKind      `json:"kind" db:"kind"`
	Latitude    string          `json:"latitude" db:"latitude"`
	Longitude   string          `json:"longitude" db:"longitude"`
	LocationKey string          `json:"location_key" db:"location_key"`
	WindowStart time.Time       `json:"window_start" db:"window_start"`
	WindowEnd   time.Time       `json:"window_end" db:"window_end"`
	Strike      decimal.Decimal `json:"strike" db:"strike"`
	Spread      decimal.Decimal `json:"spread" db:"spread"`
	Notional    decimal.Decimal `json:"notional" db:"notional"`
}

// MaxPayout returns spread × notional, the collateral reserved for the
// position and the upper bound of any settlement payout.
func (t Terms) MaxPayout() decimal.Decimal {
	return t.Spread.Mul(t.Notional)
}

// Quote is a pending premium quote keyed by its price-oracle request handle.
// It is redeemable only by the original requester, within a fixed validity
// window measured from fulfillment.
type Quote struct {
	Handle      string          `json:"handle" db:"handle"`
	Requester   string          `json:"requester" db:"requester"`
	Terms       Terms           `json:"terms"`
	Multiplier  decimal.Decimal `json:"multiplier" db:"multiplier"`
	Premium     decimal.Decimal `json:"premium" db:"premium"`
	Fulfilled   bool            `json:"fulfilled" db:"fulfilled"`
	Failed      bool            `json:"failed" db:"failed"`
	Redeemed    bool            `json:"redeemed" db:"redeemed"`
	RequestedAt time.Time       `json:"requested_at" db:"requested_at"`
	FulfilledAt time.Time       `json:"fulfilled_at" db:"fulfilled_at"`
}

// Position is a single buyer's parametric derivative. Positions are never
// deleted; settled positions remain for audit and history.
type Position struct {
	ID    string `json:"id" db:"id"`
	Terms Terms  `json:"terms"`

	Status            PositionStatus `json:"status" db:"status"`
	Owner             string         `json:"owner" db:"owner"`
	OwnerAtSettlement string         `json:"owner_at_settlement,omitempty" db:"owner_at_settlement"`

	QuoteHandle      string `json:"quote_handle" db:"quote_handle"`
	SettlementHandle string `json:"settlement_handle,omitempty" db:"settlement_handle"`

	Premium          decimal.Decimal `json:"premium" db:"premium"`
	LockedCollateral decimal.Decimal `json:"locked_collateral" db:"locked_collateral"`

	IndexReported bool            `json:"index_reported" db:"index_reported"`
	ReportedIndex decimal.Decimal `json:"reported_index" db:"reported_index"`
	FinalPayout   decimal.Decimal `json:"final_payout" db:"final_payout"`
	PendingClaim  decimal.Decimal `json:"pending_claim" db:"pending_claim"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	SettledAt time.Time `json:"settled_at,omitempty" db:"settled_at"`
}

// Journal entry types.
const (
	JournalPremiumReceived   = "PREMIUM_RECEIVED"
	JournalCollateralLocked  = "COLLATERAL_LOCKED"
	JournalCollateralRelease = "COLLATERAL_RELEASED"
	JournalSettled           = "SETTLED"
	JournalClaimed           = "CLAIMED"
	JournalReserveDraw       = "RESERVE_DRAW"
)

// JournalEntry is an immutable audit record of a value movement.
// Once created, these are never modified or deleted.
type JournalEntry struct {
	ID         string          `json:"id" db:"id"`
	PositionID string          `json:"position_id,omitempty" db:"position_id"`
	Type       string          `json:"type" db:"type"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	Detail     string          `json:"detail,omitempty" db:"detail"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// DrawRecord is an immutable record of a reserve-pool draw into the vault.
type DrawRecord struct {
	ID        string          `json:"id" db:"id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Reason    string          `json:"reason" db:"reason"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Work actions for the automation adapter.
const (
	WorkRequestSettlement = "REQUEST_SETTLEMENT"
	WorkFinalize          = "FINALIZE_SETTLEMENT"
)

// WorkItem identifies one position needing lifecycle processing.
type WorkItem struct {
	PositionID string `json:"position_id"`
	Action     string `json:"action"`
}

// WorkResult reports the outcome of one performed work item. NoOp means
// another caller already advanced the position.
type WorkResult struct {
	Item  WorkItem `json:"item"`
	NoOp  bool     `json:"no_op,omitempty"`
	Error string   `json:"error,omitempty"`
}
