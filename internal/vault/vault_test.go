package vault_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/pluvio/settlement-engine/internal/vault"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// nullSink accepts every transfer.
type nullSink struct{}

func (nullSink) Transfer(_ context.Context, _ string, _ decimal.Decimal) error { return nil }

// failSink rejects every transfer.
type failSink struct{}

var errSinkDown = errors.New("sink down")

func (failSink) Transfer(_ context.Context, _ string, _ decimal.Decimal) error { return errSinkDown }

func testConfig() vault.Config {
	return vault.Config{
		Owner:                  "owner",
		Guardian:               "guardian",
		TargetUtilizationBps:   5000,
		MaxUtilizationBps:      8000,
		MaxLocationExposureBps: 2000,
		MultiplierCap:          d(2),
		ReserveShareBps:        1000,
	}
}

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New(testConfig(), nullSink{}, nullSink{})
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	return v
}

func TestDepositMintsShares(t *testing.T) {
	v := newTestVault(t)

	minted, err := v.Deposit("alice", d(100))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !minted.IsPositive() {
		t.Fatalf("expected positive shares, got %s", minted)
	}
	if !v.TotalAssets().Equal(d(100)) {
		t.Errorf("total assets = %s, want 100", v.TotalAssets())
	}
	if !v.SharesOf("alice").Equal(minted) {
		t.Errorf("shares = %s, want %s", v.SharesOf("alice"), minted)
	}
}

func TestDepositRejectsZero(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Deposit("alice", decimal.Zero); !errors.Is(err, vault.ErrZeroAmount) {
		t.Errorf("zero deposit: got %v, want ErrZeroAmount", err)
	}
	if _, err := v.Deposit("alice", d(-5)); !errors.Is(err, vault.ErrZeroAmount) {
		t.Errorf("negative deposit: got %v, want ErrZeroAmount", err)
	}
}

// A donation-style attack right after a 1-unit first deposit must not let
// the attacker capture the victim's deposit through share-price inflation.
func TestInflationResistance(t *testing.T) {
	v := newTestVault(t)

	attackerShares, err := v.Deposit("attacker", d(1))
	if err != nil {
		t.Fatalf("attacker deposit: %v", err)
	}

	// Victim deposits after the attacker; with the virtual offset the
	// victim still receives shares proportional to their capital.
	victimShares, err := v.Deposit("victim", d(1000))
	if err != nil {
		t.Fatalf("victim deposit: %v", err)
	}
	if !victimShares.GreaterThan(attackerShares.Mul(d(100))) {
		t.Errorf("victim shares %s not proportional to capital (attacker %s)",
			victimShares, attackerShares)
	}

	// The attacker can never redeem more than they put in.
	redeemable := v.RedeemableValue("attacker")
	if redeemable.GreaterThan(d(1.01)) {
		t.Errorf("attacker redeemable = %s, want ≈1", redeemable)
	}
}

func TestWithdrawBoundedByFreeCapital(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	if _, err := v.Deposit("alice", d(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := v.LockCollateral(d(20), "pos-1", "loc-a"); err != nil {
		t.Fatalf("lock: %v", err)
	}

	// Sole depositor: withdrawable is exactly the free capital.
	max := v.MaxWithdrawable("alice")
	if !max.Equal(d(80)) {
		t.Fatalf("max withdrawable = %s, want 80", max)
	}

	if _, err := v.Withdraw(ctx, "alice", d(81)); !errors.Is(err, vault.ErrExceedsWithdrawable) {
		t.Errorf("over-withdraw: got %v, want ErrExceedsWithdrawable", err)
	}
	if _, err := v.Withdraw(ctx, "alice", d(80)); err != nil {
		t.Errorf("full free withdraw: %v", err)
	}
	if !v.TotalAssets().Equal(d(20)) {
		t.Errorf("total assets = %s, want 20", v.TotalAssets())
	}
}

func TestWithdrawRollbackOnSinkFailure(t *testing.T) {
	v, err := vault.New(testConfig(), failSink{}, nullSink{})
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	if _, err := v.Deposit("alice", d(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	shares := v.SharesOf("alice")

	if _, err := v.Withdraw(context.Background(), "alice", d(50)); !errors.Is(err, errSinkDown) {
		t.Fatalf("withdraw: got %v, want sink error", err)
	}
	if !v.TotalAssets().Equal(d(100)) {
		t.Errorf("assets after failed withdraw = %s, want 100", v.TotalAssets())
	}
	if !v.SharesOf("alice").Equal(shares) {
		t.Errorf("shares after failed withdraw = %s, want %s", v.SharesOf("alice"), shares)
	}
}

func TestLockRespectsCapacityLimits(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Deposit("lp", d(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Location cap: 2000 bps of 1000 = 200 per location.
	if err := v.LockCollateral(d(201), "pos-1", "loc-a"); !errors.Is(err, vault.ErrLocationExposureExceeded) {
		t.Errorf("location cap: got %v, want ErrLocationExposureExceeded", err)
	}
	if err := v.LockCollateral(d(200), "pos-1", "loc-a"); err != nil {
		t.Fatalf("lock at location cap: %v", err)
	}

	// Utilization cap: 8000 bps of 1000 = 800 total.
	for i, loc := range []string{"loc-b", "loc-c", "loc-d"} {
		if err := v.LockCollateral(d(200), "pos-x", loc); err != nil {
			t.Fatalf("lock %d: %v", i, err)
		}
	}
	if err := v.LockCollateral(d(1), "pos-y", "loc-e"); !errors.Is(err, vault.ErrUtilizationExceeded) {
		t.Errorf("utilization cap: got %v, want ErrUtilizationExceeded", err)
	}
}

func TestLockExceedsFreeLiquidity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxUtilizationBps = 10000
	cfg.MaxLocationExposureBps = 10000
	v, err := vault.New(cfg, nullSink{}, nullSink{})
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	if _, err := v.Deposit("lp", d(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := v.LockCollateral(d(60), "pos-1", "loc-a"); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if err := v.LockCollateral(d(50), "pos-2", "loc-b"); !errors.Is(err, vault.ErrInsufficientLiquidity) {
		t.Errorf("over-lock: got %v, want ErrInsufficientLiquidity", err)
	}
}

func TestCanUnderwriteIsPure(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Deposit("lp", d(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if !v.CanUnderwrite(d(150), "loc-a") {
		t.Error("expected 150 at loc-a to be underwritable")
	}
	if v.CanUnderwrite(d(250), "loc-a") {
		t.Error("expected 250 at loc-a to exceed the location cap")
	}
	if !v.TotalLocked().IsZero() {
		t.Errorf("CanUnderwrite mutated state: locked = %s", v.TotalLocked())
	}
}

func TestReleaseWithPayoutUpdatesAccounting(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	if _, err := v.Deposit("lp", d(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := v.LockCollateral(d(200), "pos-1", "loc-a"); err != nil {
		t.Fatalf("lock: %v", err)
	}

	if err := v.ReleaseCollateral(ctx, d(200), d(120), "pos-1", "loc-a", "bob"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !v.TotalLocked().IsZero() {
		t.Errorf("locked = %s, want 0", v.TotalLocked())
	}
	if !v.TotalAssets().Equal(d(880)) {
		t.Errorf("assets = %s, want 880", v.TotalAssets())
	}
	if !v.LockedAt("loc-a").IsZero() {
		t.Errorf("location entry not cleared: %s", v.LockedAt("loc-a"))
	}
}

func TestReleasePayoutCannotExceedCollateral(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Deposit("lp", d(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := v.LockCollateral(d(200), "pos-1", "loc-a"); err != nil {
		t.Fatalf("lock: %v", err)
	}

	err := v.ReleaseCollateral(context.Background(), d(200), d(201), "pos-1", "loc-a", "bob")
	if !errors.Is(err, vault.ErrPayoutExceedsCollateral) {
		t.Errorf("got %v, want ErrPayoutExceedsCollateral", err)
	}
}

func TestReleaseRollbackOnSinkFailure(t *testing.T) {
	v, err := vault.New(testConfig(), nullSink{}, failSink{})
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	ctx := context.Background()

	if _, err := v.Deposit("lp", d(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := v.LockCollateral(d(200), "pos-1", "loc-a"); err != nil {
		t.Fatalf("lock: %v", err)
	}

	if err := v.ReleaseCollateral(ctx, d(200), d(120), "pos-1", "loc-a", "bob"); !errors.Is(err, errSinkDown) {
		t.Fatalf("release: got %v, want sink error", err)
	}
	if !v.TotalAssets().Equal(d(1000)) {
		t.Errorf("assets = %s, want 1000", v.TotalAssets())
	}
	if !v.TotalLocked().Equal(d(200)) {
		t.Errorf("locked = %s, want 200", v.TotalLocked())
	}
}

// Collateral reserved for open positions survives the full lock/release
// cycle: locked ≤ assets holds throughout, and a zero-payout release
// returns everything to free capital.
func TestSolvencyThroughLifecycle(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	if _, err := v.Deposit("lp", d(200)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := v.LockCollateral(d(40), "pos-1", "loc-a"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if v.TotalLocked().GreaterThan(v.TotalAssets()) {
		t.Fatal("locked exceeds assets")
	}

	if err := v.ReleaseCollateral(ctx, d(40), decimal.Zero, "pos-1", "loc-a", ""); err != nil {
		t.Fatalf("zero-payout release: %v", err)
	}
	if !v.TotalAssets().Equal(d(200)) {
		t.Errorf("assets = %s, want 200 after zero payout", v.TotalAssets())
	}
	if !v.MaxWithdrawable("lp").Equal(d(200)) {
		t.Errorf("withdrawable = %s, want 200", v.MaxWithdrawable("lp"))
	}
}

// A fractional lock against a deep pool: 0.5 collateral in a 200-unit
// vault, released at full payout.
func TestFractionalLockFullPayout(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	if _, err := v.Deposit("lp", d(200)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := v.LockCollateral(d(0.5), "pos-1", "loc-a"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := v.ReleaseCollateral(ctx, d(0.5), d(0.5), "pos-1", "loc-a", "buyer"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !v.TotalLocked().IsZero() {
		t.Errorf("locked = %s, want 0", v.TotalLocked())
	}
	if !v.TotalAssets().Equal(d(199.5)) {
		t.Errorf("assets = %s, want 199.5", v.TotalAssets())
	}
}

func TestReceivePremium(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Deposit("lp", d(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Reserve routing on: 1000 bps of 10 goes to the pool.
	cut, err := v.ReceivePremium(d(10), "pos-1", true)
	if err != nil {
		t.Fatalf("receive premium: %v", err)
	}
	if !cut.Equal(d(1)) {
		t.Errorf("reserve cut = %s, want 1", cut)
	}
	if !v.TotalAssets().Equal(d(109)) {
		t.Errorf("assets = %s, want 109", v.TotalAssets())
	}

	// Routing off: the vault keeps the full premium.
	cut, err = v.ReceivePremium(d(10), "pos-2", false)
	if err != nil {
		t.Fatalf("receive premium: %v", err)
	}
	if !cut.IsZero() {
		t.Errorf("cut = %s, want 0 with routing off", cut)
	}
	if !v.TotalAssets().Equal(d(119)) {
		t.Errorf("assets = %s, want 119", v.TotalAssets())
	}
}

func TestPremiumMultiplierCurve(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Deposit("lp", d(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Empty book: multiplier is 1.
	if m := v.PremiumMultiplier(); !m.Equal(d(1)) {
		t.Errorf("idle multiplier = %s, want 1", m)
	}

	// 65% utilization: halfway between target 50% and max 80% → 1.5.
	for _, loc := range []string{"a", "b", "c"} {
		if err := v.LockCollateral(d(200), "pos", loc); err != nil {
			t.Fatalf("lock: %v", err)
		}
	}
	if err := v.LockCollateral(d(50), "pos", "e"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if m := v.PremiumMultiplier(); !m.Equal(d(1.5)) {
		t.Errorf("mid multiplier = %s, want 1.5", m)
	}

	// At max utilization the multiplier caps.
	if err := v.LockCollateral(d(150), "pos", "f"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if m := v.PremiumMultiplier(); !m.Equal(d(2)) {
		t.Errorf("capped multiplier = %s, want 2", m)
	}
}

func TestAcknowledgeReserveFundingGuardianOnly(t *testing.T) {
	v := newTestVault(t)

	if err := v.AcknowledgeReserveFunding("mallory", d(50)); !errors.Is(err, vault.ErrUnauthorized) {
		t.Errorf("non-guardian: got %v, want ErrUnauthorized", err)
	}
	if err := v.AcknowledgeReserveFunding("guardian", d(50)); err != nil {
		t.Fatalf("guardian: %v", err)
	}
	if !v.TotalAssets().Equal(d(50)) {
		t.Errorf("assets = %s, want 50", v.TotalAssets())
	}
	if !v.Stats().TotalReserveFunding.Equal(d(50)) {
		t.Errorf("reserve funding = %s, want 50", v.Stats().TotalReserveFunding)
	}
}

func TestSetLimitsValidation(t *testing.T) {
	v := newTestVault(t)

	if err := v.SetLimits("mallory", 4000, 7000, 1500); !errors.Is(err, vault.ErrUnauthorized) {
		t.Errorf("non-owner: got %v, want ErrUnauthorized", err)
	}
	if err := v.SetLimits("owner", 9000, 7000, 1500); !errors.Is(err, vault.ErrInvalidLimits) {
		t.Errorf("target > max: got %v, want ErrInvalidLimits", err)
	}
	if err := v.SetLimits("owner", 4000, 10001, 1500); !errors.Is(err, vault.ErrInvalidLimits) {
		t.Errorf("max > 100%%: got %v, want ErrInvalidLimits", err)
	}
	if err := v.SetLimits("guardian", 4000, 7000, 1500); err != nil {
		t.Errorf("guardian update: %v", err)
	}
}
