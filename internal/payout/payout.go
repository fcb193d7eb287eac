// Package payout abstracts the outbound value rail: the transfer that moves
// claimed funds, refunds, and withdrawals to a recipient.
//
// The custody/token rail is an external collaborator; the engine only ever
// calls Transfer and treats failure as recoverable (pull-over-push).
package payout

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrRecipientUnavailable is returned by rails that cannot deliver to the
// recipient. The engine leaves the amount claimable when it sees this.
var ErrRecipientUnavailable = errors.New("payout: recipient cannot receive funds")

// Rail moves value to a recipient outside the engine's accounting.
type Rail interface {
	Transfer(ctx context.Context, recipient string, amount decimal.Decimal) error
}

// Memory is an in-process rail that records delivered transfers per
// recipient. It backs tests and single-node deployments where custody
// integration is handled upstream. Recipients can be marked unreachable to
// exercise the pull-payment path.
type Memory struct {
	mu          sync.Mutex
	delivered   map[string]decimal.Decimal
	unreachable map[string]bool
}

// NewMemory creates an empty in-memory rail.
func NewMemory() *Memory {
	return &Memory{
		delivered:   make(map[string]decimal.Decimal),
		unreachable: make(map[string]bool),
	}
}

// Transfer implements Rail.
func (m *Memory) Transfer(_ context.Context, recipient string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unreachable[recipient] {
		return ErrRecipientUnavailable
	}
	m.delivered[recipient] = m.delivered[recipient].Add(amount)
	return nil
}

// Delivered returns the total delivered to a recipient.
func (m *Memory) Delivered(recipient string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delivered[recipient]
}

// SetUnreachable marks or clears a recipient as unable to receive funds.
func (m *Memory) SetUnreachable(recipient string, unreachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreachable[recipient] = unreachable
}
