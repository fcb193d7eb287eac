// Package forwarder defines the cross-chain payout forwarding collaborator.
//
// The forwarder consumes PositionSettled notifications and independently
// decides whether to push funds to a registered off-ledger recipient; it
// also exposes a permissionless fallback after a fixed delay so funds are
// never stuck when the forwarder is down. Transport and escrow mechanics
// are out of scope here — the engine only emits notifications.
package forwarder

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// Notification is the PositionSettled-shaped event the forwarder consumes.
type Notification struct {
	PositionID  string          `json:"position_id"`
	Beneficiary string          `json:"beneficiary"`
	Amount      decimal.Decimal `json:"amount"`
	SettledAt   time.Time       `json:"settled_at"`
}

// Forwarder receives settlement notifications. Implementations must be safe
// to call from the settlement path and must never block it: a slow or failed
// forward leaves the payout claimable through the pull path.
type Forwarder interface {
	OnPositionSettled(ctx context.Context, n Notification) error
}

// LogForwarder is the default no-op implementation: it records the
// notification and leaves delivery to the pull-payment path.
type LogForwarder struct{}

// OnPositionSettled implements Forwarder.
func (LogForwarder) OnPositionSettled(_ context.Context, n Notification) error {
	slog.Info("position settled",
		"position_id", n.PositionID,
		"beneficiary", n.Beneficiary,
		"amount", n.Amount.String(),
	)
	return nil
}
