package reserve_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pluvio/settlement-engine/internal/reserve"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type nullSink struct{}

func (nullSink) Transfer(_ context.Context, _ string, _ decimal.Decimal) error { return nil }

type failSink struct{}

var errSinkDown = errors.New("sink down")

func (failSink) Transfer(_ context.Context, _ string, _ decimal.Decimal) error { return errSinkDown }

func testConfig() reserve.Config {
	return reserve.Config{
		Guardian:         "guardian",
		LockupPeriod:     30 * 24 * time.Hour,
		MaxSingleDrawBps: 5000,
		MinReserveBps:    2000,
	}
}

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func TestDepositAndLockup(t *testing.T) {
	p := reserve.New(testConfig(), nullSink{})

	minted, err := p.Deposit("alice", d(100), t0)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !minted.IsPositive() {
		t.Fatalf("expected positive shares, got %s", minted)
	}
	if got := p.LockupExpiry("alice"); !got.Equal(t0.Add(30 * 24 * time.Hour)) {
		t.Errorf("lockup expiry = %v, want t0+30d", got)
	}

	// Principal is frozen until expiry.
	if _, err := p.Withdraw(context.Background(), "alice", d(10), t0.Add(time.Hour)); !errors.Is(err, reserve.ErrLocked) {
		t.Errorf("early withdraw: got %v, want ErrLocked", err)
	}

	// After expiry it flows.
	after := t0.Add(31 * 24 * time.Hour)
	if _, err := p.Withdraw(context.Background(), "alice", d(10), after); err != nil {
		t.Errorf("post-lockup withdraw: %v", err)
	}
}

func TestRedepositResetsLockup(t *testing.T) {
	p := reserve.New(testConfig(), nullSink{})

	if _, err := p.Deposit("alice", d(100), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	later := t0.Add(20 * 24 * time.Hour)
	if _, err := p.Deposit("alice", d(1), later); err != nil {
		t.Fatalf("redeposit: %v", err)
	}

	// The original expiry has passed but the redeposit pushed it out.
	atOriginalExpiry := t0.Add(31 * 24 * time.Hour)
	if _, err := p.Withdraw(context.Background(), "alice", d(10), atOriginalExpiry); !errors.Is(err, reserve.ErrLocked) {
		t.Errorf("withdraw after reset lockup: got %v, want ErrLocked", err)
	}
}

func TestWithdrawBounds(t *testing.T) {
	p := reserve.New(testConfig(), nullSink{})
	after := t0.Add(31 * 24 * time.Hour)

	if _, err := p.Deposit("alice", d(100), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := p.Withdraw(context.Background(), "alice", d(101), after); !errors.Is(err, reserve.ErrExceedsBalance) {
		t.Errorf("over-withdraw: got %v, want ErrExceedsBalance", err)
	}
	if _, err := p.Withdraw(context.Background(), "alice", decimal.Zero, after); !errors.Is(err, reserve.ErrZeroAmount) {
		t.Errorf("zero withdraw: got %v, want ErrZeroAmount", err)
	}
}

func TestWithdrawRollbackOnSinkFailure(t *testing.T) {
	p := reserve.New(testConfig(), failSink{})
	after := t0.Add(31 * 24 * time.Hour)

	if _, err := p.Deposit("alice", d(100), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	shares := p.SharesOf("alice")

	if _, err := p.Withdraw(context.Background(), "alice", d(50), after); !errors.Is(err, errSinkDown) {
		t.Fatalf("withdraw: got %v, want sink error", err)
	}
	if !p.SharesOf("alice").Equal(shares) {
		t.Errorf("shares changed after failed withdraw")
	}
	if !p.Stats().Assets.Equal(d(100)) {
		t.Errorf("assets = %s, want 100", p.Stats().Assets)
	}
}

func TestYieldClaimableDuringLockup(t *testing.T) {
	p := reserve.New(testConfig(), nullSink{})

	if _, err := p.Deposit("alice", d(100), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := p.DepositYield(d(10)); err != nil {
		t.Fatalf("deposit yield: %v", err)
	}

	pending := p.PendingYield("alice")
	if !pending.Equal(d(10)) {
		t.Fatalf("pending yield = %s, want 10", pending)
	}

	// Lockup binds principal only; yield claims go through immediately.
	claimed, err := p.ClaimYield(context.Background(), "alice")
	if err != nil {
		t.Fatalf("claim during lockup: %v", err)
	}
	if !claimed.Equal(d(10)) {
		t.Errorf("claimed = %s, want 10", claimed)
	}
	if !p.PendingYield("alice").IsZero() {
		t.Errorf("pending after claim = %s, want 0", p.PendingYield("alice"))
	}
}

func TestYieldProRataAcrossDepositors(t *testing.T) {
	p := reserve.New(testConfig(), nullSink{})

	if _, err := p.Deposit("alice", d(300), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := p.Deposit("bob", d(100), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := p.DepositYield(d(40)); err != nil {
		t.Fatalf("deposit yield: %v", err)
	}

	if got := p.PendingYield("alice"); !got.Equal(d(30)) {
		t.Errorf("alice pending = %s, want 30", got)
	}
	if got := p.PendingYield("bob"); !got.Equal(d(10)) {
		t.Errorf("bob pending = %s, want 10", got)
	}

	// A depositor arriving after the distribution gets nothing from it.
	if _, err := p.Deposit("carol", d(400), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := p.PendingYield("carol"); !got.IsZero() {
		t.Errorf("carol pending = %s, want 0", got)
	}
}

func TestYieldIntoEmptyPoolRejected(t *testing.T) {
	p := reserve.New(testConfig(), nullSink{})
	if err := p.DepositYield(d(10)); !errors.Is(err, reserve.ErrNoYield) {
		t.Errorf("yield into empty pool: got %v, want ErrNoYield", err)
	}
}

func TestFundPrimaryVaultCaps(t *testing.T) {
	p := reserve.New(testConfig(), nullSink{})
	ctx := context.Background()

	if _, err := p.Deposit("alice", d(100), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Request 80 of a 100 pool: single-draw cap 50%, floor 20%. Both caps
	// bind at 50, and the smaller wins.
	record, err := p.FundPrimaryVault(ctx, "guardian", d(80), "settlement shortfall", t0)
	if err != nil {
		t.Fatalf("draw: %v", err)
	}
	if !record.Amount.Equal(d(50)) {
		t.Errorf("drawn = %s, want 50", record.Amount)
	}
	if record.ID == "" {
		t.Error("draw record missing ID")
	}
	if !p.Stats().Assets.Equal(d(50)) {
		t.Errorf("assets = %s, want 50", p.Stats().Assets)
	}
	if !p.Stats().TotalDrawn.Equal(d(50)) {
		t.Errorf("total drawn = %s, want 50", p.Stats().TotalDrawn)
	}
	if len(p.Draws()) != 1 {
		t.Errorf("draw history = %d records, want 1", len(p.Draws()))
	}
}

func TestFundPrimaryVaultFloor(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSingleDrawBps = 10000
	cfg.MinReserveBps = 10000
	p := reserve.New(cfg, nullSink{})

	if _, err := p.Deposit("alice", d(100), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := p.FundPrimaryVault(context.Background(), "guardian", d(10), "", t0); !errors.Is(err, reserve.ErrReserveFloor) {
		t.Errorf("floor breach: got %v, want ErrReserveFloor", err)
	}
}

func TestFundPrimaryVaultGuardianOnly(t *testing.T) {
	p := reserve.New(testConfig(), nullSink{})
	if _, err := p.Deposit("alice", d(100), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := p.FundPrimaryVault(context.Background(), "mallory", d(10), "", t0); !errors.Is(err, reserve.ErrUnauthorized) {
		t.Errorf("non-guardian draw: got %v, want ErrUnauthorized", err)
	}
}

func TestFundPrimaryVaultRollbackOnSinkFailure(t *testing.T) {
	p := reserve.New(testConfig(), failSink{})
	if _, err := p.Deposit("alice", d(100), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if _, err := p.FundPrimaryVault(context.Background(), "guardian", d(40), "", t0); !errors.Is(err, errSinkDown) {
		t.Fatalf("draw: got %v, want sink error", err)
	}
	if !p.Stats().Assets.Equal(d(100)) {
		t.Errorf("assets = %s, want 100 after rollback", p.Stats().Assets)
	}
	if p.Stats().DrawCount != 0 {
		t.Errorf("draw count = %d, want 0 after rollback", p.Stats().DrawCount)
	}
}
