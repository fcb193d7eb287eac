// Package oracle defines the capability interfaces the engine depends on
// for external data: premium quotes and realized index values.
//
// The oracle network itself is out of scope. Both oracles are asynchronous:
// a request returns a handle immediately and the value arrives later, so
// consumers must tolerate "not yet fulfilled" and "failed" states.
package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pluvio/settlement-engine/internal/model"
)

// QuoteParams describe the position terms a premium is priced against,
// together with the vault's current utilization multiplier. The multiplier
// is an input to the external pricing, not computed by it.
type QuoteParams struct {
	Terms      model.Terms
	Multiplier decimal.Decimal
}

// PriceOracle issues premium-quote requests. Fulfillment is delivered out
// of band via the engine's fulfillment entrypoint.
type PriceOracle interface {
	RequestQuote(ctx context.Context, params QuoteParams) (handle string, err error)
}

// IndexOracle issues realized-index requests for a settlement window.
type IndexOracle interface {
	RequestIndex(ctx context.Context, locationKey string, windowStart, windowEnd time.Time) (handle string, err error)
}

// Manual implements both oracles by minting handles and recording pending
// requests. Fulfillment happens through the engine's HTTP fulfillment
// endpoints (or directly in tests), which is where the async values land.
type Manual struct {
	mu      sync.Mutex
	pending map[string]time.Time
}

// NewManual creates a manual oracle.
func NewManual() *Manual {
	return &Manual{pending: make(map[string]time.Time)}
}

// RequestQuote implements PriceOracle.
func (o *Manual) RequestQuote(_ context.Context, _ QuoteParams) (string, error) {
	return o.issue(), nil
}

// RequestIndex implements IndexOracle.
func (o *Manual) RequestIndex(_ context.Context, _ string, _, _ time.Time) (string, error) {
	return o.issue(), nil
}

func (o *Manual) issue() string {
	handle := uuid.New().String()
	o.mu.Lock()
	o.pending[handle] = time.Now().UTC()
	o.mu.Unlock()
	return handle
}

// Resolve removes a handle from the pending set. Called by the engine once
// a fulfillment for the handle is accepted.
func (o *Manual) Resolve(handle string) {
	o.mu.Lock()
	delete(o.pending, handle)
	o.mu.Unlock()
}

// PendingCount returns the number of unresolved requests.
func (o *Manual) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}
