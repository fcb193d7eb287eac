package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

// errEscrowUnderflow indicates a debit larger than the beneficiary's
// escrowed balance; it can only happen on an accounting bug.
var errEscrowUnderflow = errors.New("engine: escrow debit exceeds balance")

// Escrow holds settlement payouts between vault release and claim. It is
// the vault's payout sink: credits never fail, which is what lets a
// settlement complete regardless of the beneficiary's ability to receive
// funds. The per-position claimable amount lives on the position record;
// the escrow tracks per-beneficiary totals for reconciliation.
type Escrow struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	total    decimal.Decimal
}

// NewEscrow creates an empty escrow.
func NewEscrow() *Escrow {
	return &Escrow{balances: make(map[string]decimal.Decimal)}
}

// Transfer implements vault.Sink by crediting the beneficiary.
func (e *Escrow) Transfer(_ context.Context, beneficiary string, amount decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[beneficiary] = e.balances[beneficiary].Add(amount)
	e.total = e.total.Add(amount)
	return nil
}

// Debit removes a claimed amount from the beneficiary's escrowed balance.
func (e *Escrow) Debit(beneficiary string, amount decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if amount.GreaterThan(e.balances[beneficiary]) {
		return errEscrowUnderflow
	}
	e.balances[beneficiary] = e.balances[beneficiary].Sub(amount)
	e.total = e.total.Sub(amount)
	return nil
}

// Credit re-adds a balance after a failed outbound transfer.
func (e *Escrow) Credit(beneficiary string, amount decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[beneficiary] = e.balances[beneficiary].Add(amount)
	e.total = e.total.Add(amount)
}

// BalanceOf returns the beneficiary's escrowed balance.
func (e *Escrow) BalanceOf(beneficiary string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[beneficiary]
}

// Total returns the sum of all escrowed balances.
func (e *Escrow) Total() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}
