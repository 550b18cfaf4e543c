package serp_test

import (
	"errors"
	"testing"

	"SerpLedger/internal/ledger"
	fpmath "SerpLedger/internal/math"
	"SerpLedger/internal/serp"

	"github.com/google/uuid"
)

// Reference parameters: peg 1_000, no tolerance band, 1% incentive rate,
// adjustment every tick.
func testParams(serper ledger.AccountID) serp.CurrencyParams {
	return serp.CurrencyParams{
		PegUnit:             1_000,
		Tolerance:           0,
		IncentiveRate:       10_000_000, // 0.01 at scale 1e9
		AdjustmentFrequency: 1,
		Serper:              serper,
	}
}

func newTestProtocol(serper ledger.AccountID) (*ledger.Ledger, *serp.ManualOracle, *serp.Protocol) {
	l := ledger.NewLedger(nil)
	oracle := serp.NewManualOracle()
	params := serp.ParamSet{
		ledger.CurrencyUSDX: testParams(serper),
	}
	return l, oracle, serp.NewProtocol(l, oracle, params)
}

func requireConserved(t *testing.T, l *ledger.Ledger) {
	t.Helper()
	if err := ledger.NewConservationValidator(l).ValidateAll(); err != nil {
		t.Fatalf("conservation violated: %v", err)
	}
}

// ============================================================================
// Test: Params Validation
// ============================================================================

func TestCurrencyParams_Validate(t *testing.T) {
	valid := testParams(uuid.New())
	if err := valid.Validate(); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*serp.CurrencyParams)
	}{
		{"zero peg", func(p *serp.CurrencyParams) { p.PegUnit = 0 }},
		{"negative rate", func(p *serp.CurrencyParams) { p.IncentiveRate = -1 }},
		{"zero frequency", func(p *serp.CurrencyParams) { p.AdjustmentFrequency = 0 }},
		{"nil serper", func(p *serp.CurrencyParams) { p.Serper = uuid.Nil }},
	}

	for _, tc := range cases {
		p := testParams(uuid.New())
		tc.mutate(&p)
		if err := p.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

// ============================================================================
// Test: Expansion (reference scenario)
// ============================================================================

// Peg 1_000, stable at 1_100, native at 10_000, issuance 1_000_000, rate 1%:
// deviation +100 expands supply by 100_000 stable units; the serper is paid
// an 11_020 native incentive at the serp-quoted settlement price 1.102.
func TestOnTick_Expansion_ReferenceScenario(t *testing.T) {
	serper := uuid.New()
	l, oracle, protocol := newTestProtocol(serper)

	treasury := uuid.New()
	if err := l.Deposit(treasury, ledger.CurrencyUSDX, 1_000_000); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	oracle.SetPrice(ledger.CurrencyUSDX, 1_100)
	oracle.SetPrice(ledger.CurrencyRSV, 10_000)

	out, err := protocol.OnTick(1, ledger.CurrencyUSDX)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	if !out.Applied || out.Skip != serp.SkipNone {
		t.Fatalf("expected applied tick, got applied=%v skip=%v", out.Applied, out.Skip)
	}
	if out.Direction != fpmath.DirectionExpansion {
		t.Errorf("direction: got %v, want expansion", out.Direction)
	}
	if out.Deviation != 100 {
		t.Errorf("deviation: got %d, want 100", out.Deviation)
	}
	if out.SupplyChange != 100_000 {
		t.Errorf("supply change: got %d, want 100_000", out.SupplyChange)
	}
	if out.Quoted != 1_102_000_000 {
		t.Errorf("quoted: got %d, want 1_102_000_000", out.Quoted)
	}
	if out.Settle != 9_074_410_163 {
		t.Errorf("settle: got %d, want 9_074_410_163", out.Settle)
	}
	if out.NativeAmount != 11_020 {
		t.Errorf("native amount: got %d, want 11_020", out.NativeAmount)
	}
	if out.UnpaidFee != 0 {
		t.Errorf("unpaid fee: got %d, want 0", out.UnpaidFee)
	}

	if got := l.TotalIssuance(ledger.CurrencyUSDX); got != 1_100_000 {
		t.Errorf("stable issuance: got %d, want 1_100_000", got)
	}
	if got := l.FreeBalance(serper, ledger.CurrencyUSDX); got != 100_000 {
		t.Errorf("serper stable: got %d, want 100_000", got)
	}
	if got := l.FreeBalance(serper, ledger.CurrencyRSV); got != 11_020 {
		t.Errorf("serper native: got %d, want 11_020", got)
	}
	if got := l.TotalIssuance(ledger.CurrencyRSV); got != 11_020 {
		t.Errorf("native issuance: got %d, want 11_020", got)
	}
	requireConserved(t, l)
}

// ============================================================================
// Test: Contraction
// ============================================================================

func TestOnTick_Contraction(t *testing.T) {
	serper := uuid.New()
	l, oracle, protocol := newTestProtocol(serper)

	// The serper holds the full stable issuance plus native for the fee.
	l.Deposit(serper, ledger.CurrencyUSDX, 1_000_000)
	l.Deposit(serper, ledger.CurrencyRSV, 50_000)

	oracle.SetPrice(ledger.CurrencyUSDX, 900)
	oracle.SetPrice(ledger.CurrencyRSV, 10_000)

	out, err := protocol.OnTick(1, ledger.CurrencyUSDX)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	if !out.Applied {
		t.Fatalf("expected applied tick, skip=%v", out.Skip)
	}
	if out.Direction != fpmath.DirectionContraction {
		t.Errorf("direction: got %v, want contraction", out.Direction)
	}
	if out.SupplyChange != 100_000 {
		t.Errorf("supply change: got %d, want 100_000", out.SupplyChange)
	}
	if out.Quoted != 902_000_000 {
		t.Errorf("quoted: got %d, want 902_000_000", out.Quoted)
	}
	if out.Settle != 11_086_474_501 {
		t.Errorf("settle: got %d, want 11_086_474_501", out.Settle)
	}
	if out.NativeAmount != 9_020 {
		t.Errorf("native amount: got %d, want 9_020", out.NativeAmount)
	}
	if out.UnpaidFee != 0 {
		t.Errorf("unpaid fee: got %d, want 0", out.UnpaidFee)
	}

	if got := l.TotalIssuance(ledger.CurrencyUSDX); got != 900_000 {
		t.Errorf("stable issuance: got %d, want 900_000", got)
	}
	if got := l.FreeBalance(serper, ledger.CurrencyUSDX); got != 900_000 {
		t.Errorf("serper stable: got %d, want 900_000", got)
	}
	if got := l.FreeBalance(serper, ledger.CurrencyRSV); got != 40_980 {
		t.Errorf("serper native: got %d, want 40_980", got)
	}
	if got := l.TotalIssuance(ledger.CurrencyRSV); got != 40_980 {
		t.Errorf("native issuance: got %d, want 40_980", got)
	}
	requireConserved(t, l)
}

func TestOnTick_Contraction_FeeShortfallIsSlashed(t *testing.T) {
	serper := uuid.New()
	l, oracle, protocol := newTestProtocol(serper)

	l.Deposit(serper, ledger.CurrencyUSDX, 1_000_000)
	// Fee will be 9_020 native; the serper can only cover 1_500 of it.
	l.Deposit(serper, ledger.CurrencyRSV, 1_500)
	l.Reserve(serper, ledger.CurrencyRSV, 500)

	oracle.SetPrice(ledger.CurrencyUSDX, 900)
	oracle.SetPrice(ledger.CurrencyRSV, 10_000)

	out, err := protocol.OnTick(1, ledger.CurrencyUSDX)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	if !out.Applied {
		t.Fatalf("fee shortfall must not block the tick, skip=%v", out.Skip)
	}
	if out.UnpaidFee != 7_520 {
		t.Errorf("unpaid fee: got %d, want 7_520", out.UnpaidFee)
	}

	// Slash took free then reserved, down to zero.
	if got := l.TotalBalance(serper, ledger.CurrencyRSV); got != 0 {
		t.Errorf("serper native total: got %d, want 0", got)
	}
	if got := l.TotalIssuance(ledger.CurrencyRSV); got != 0 {
		t.Errorf("native issuance: got %d, want 0", got)
	}
	requireConserved(t, l)
}

// ============================================================================
// Test: Tick Atomicity
// ============================================================================

func TestOnTick_Expansion_AbortsBeforeAnyLegOnOverflow(t *testing.T) {
	serper := uuid.New()
	l, oracle, protocol := newTestProtocol(serper)

	l.Deposit(uuid.New(), ledger.CurrencyUSDX, 1_000_000)
	// Native issuance is rigged so the incentive leg cannot mint.
	l.Deposit(uuid.New(), ledger.CurrencyRSV, ledger.MaxBalance-5)

	oracle.SetPrice(ledger.CurrencyUSDX, 1_100)
	oracle.SetPrice(ledger.CurrencyRSV, 10_000)

	_, err := protocol.OnTick(1, ledger.CurrencyUSDX)
	if !errors.Is(err, ledger.ErrBalanceOverflow) {
		t.Fatalf("got %v, want ErrBalanceOverflow", err)
	}

	// The stable leg would have succeeded on its own; atomicity requires
	// that it did not apply.
	if got := l.TotalIssuance(ledger.CurrencyUSDX); got != 1_000_000 {
		t.Errorf("stable issuance mutated by aborted tick: %d", got)
	}
	if got := l.FreeBalance(serper, ledger.CurrencyUSDX); got != 0 {
		t.Errorf("serper stable mutated by aborted tick: %d", got)
	}
	requireConserved(t, l)
}

func TestOnTick_Contraction_AbortsWhenSerperLocked(t *testing.T) {
	serper := uuid.New()
	l, oracle, protocol := newTestProtocol(serper)

	l.Deposit(serper, ledger.CurrencyUSDX, 1_000_000)
	l.Deposit(serper, ledger.CurrencyRSV, 50_000)
	l.SetLock(ledger.NewLockID("staking"), serper, ledger.CurrencyUSDX, 950_000)

	oracle.SetPrice(ledger.CurrencyUSDX, 900)
	oracle.SetPrice(ledger.CurrencyRSV, 10_000)

	_, err := protocol.OnTick(1, ledger.CurrencyUSDX)
	if !errors.Is(err, ledger.ErrLiquidityRestriction) {
		t.Fatalf("got %v, want ErrLiquidityRestriction", err)
	}

	// Neither the burn nor the fee applied.
	if got := l.FreeBalance(serper, ledger.CurrencyUSDX); got != 1_000_000 {
		t.Errorf("serper stable mutated by aborted tick: %d", got)
	}
	if got := l.FreeBalance(serper, ledger.CurrencyRSV); got != 50_000 {
		t.Errorf("fee charged by aborted tick: %d", got)
	}
	requireConserved(t, l)
}

// ============================================================================
// Test: Skip Paths
// ============================================================================

func TestOnTick_SkipPriceUnavailable(t *testing.T) {
	serper := uuid.New()
	l, oracle, protocol := newTestProtocol(serper)
	l.Deposit(uuid.New(), ledger.CurrencyUSDX, 1_000_000)

	// No prices at all
	out, err := protocol.OnTick(1, ledger.CurrencyUSDX)
	if err != nil {
		t.Fatalf("missing price must not be an error: %v", err)
	}
	if out.Skip != serp.SkipPriceUnavailable {
		t.Errorf("skip: got %v, want price_unavailable", out.Skip)
	}

	// Stable price only, native leg missing
	oracle.SetPrice(ledger.CurrencyUSDX, 1_100)
	out, err = protocol.OnTick(1, ledger.CurrencyUSDX)
	if err != nil {
		t.Fatalf("missing native price must not be an error: %v", err)
	}
	if out.Skip != serp.SkipPriceUnavailable {
		t.Errorf("skip: got %v, want price_unavailable", out.Skip)
	}

	if got := l.TotalIssuance(ledger.CurrencyUSDX); got != 1_000_000 {
		t.Errorf("skipped tick mutated issuance: %d", got)
	}
}

func TestOnTick_SkipFrequencyNotMet(t *testing.T) {
	serper := uuid.New()
	l := ledger.NewLedger(nil)
	oracle := serp.NewManualOracle()
	params := testParams(serper)
	params.AdjustmentFrequency = 10
	protocol := serp.NewProtocol(l, oracle, serp.ParamSet{ledger.CurrencyUSDX: params})

	l.Deposit(uuid.New(), ledger.CurrencyUSDX, 1_000_000)
	oracle.SetPrice(ledger.CurrencyUSDX, 1_100)
	oracle.SetPrice(ledger.CurrencyRSV, 10_000)

	out, err := protocol.OnTick(7, ledger.CurrencyUSDX)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if out.Skip != serp.SkipFrequencyNotMet {
		t.Errorf("skip: got %v, want frequency_not_met", out.Skip)
	}

	// Epoch 20 is on the boundary and runs.
	out, err = protocol.OnTick(20, ledger.CurrencyUSDX)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if !out.Applied {
		t.Errorf("boundary epoch should run, skip=%v", out.Skip)
	}
}

func TestOnTick_SkipToleranceNotMet(t *testing.T) {
	serper := uuid.New()
	l := ledger.NewLedger(nil)
	oracle := serp.NewManualOracle()
	params := testParams(serper)
	params.Tolerance = 200
	protocol := serp.NewProtocol(l, oracle, serp.ParamSet{ledger.CurrencyUSDX: params})

	l.Deposit(uuid.New(), ledger.CurrencyUSDX, 1_000_000)
	oracle.SetPrice(ledger.CurrencyUSDX, 1_100) // deviation 100 < 200
	oracle.SetPrice(ledger.CurrencyRSV, 10_000)

	out, err := protocol.OnTick(1, ledger.CurrencyUSDX)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if out.Skip != serp.SkipToleranceNotMet {
		t.Errorf("skip: got %v, want tolerance_not_met", out.Skip)
	}

	// Deviation equal to the tolerance is outside the band and runs.
	oracle.SetPrice(ledger.CurrencyUSDX, 1_200)
	out, err = protocol.OnTick(1, ledger.CurrencyUSDX)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if !out.Applied {
		t.Errorf("deviation == tolerance should run, skip=%v", out.Skip)
	}
}

func TestOnTick_SkipZeroChange(t *testing.T) {
	serper := uuid.New()
	l, oracle, protocol := newTestProtocol(serper)

	oracle.SetPrice(ledger.CurrencyUSDX, 1_100)
	oracle.SetPrice(ledger.CurrencyRSV, 10_000)

	// Zero issuance: nothing to adjust.
	out, err := protocol.OnTick(1, ledger.CurrencyUSDX)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if out.Skip != serp.SkipZeroChange {
		t.Errorf("skip: got %v, want zero_change", out.Skip)
	}

	// Exactly on peg with zero tolerance: deviation 0 falls through the
	// tolerance gate and dies at the zero supply change.
	l.Deposit(uuid.New(), ledger.CurrencyUSDX, 1_000_000)
	oracle.SetPrice(ledger.CurrencyUSDX, 1_000)
	out, err = protocol.OnTick(1, ledger.CurrencyUSDX)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if out.Skip != serp.SkipZeroChange {
		t.Errorf("skip: got %v, want zero_change", out.Skip)
	}

	// Sub-unit deviation: floor(10 * 1 / 1_000) == 0.
	l2 := ledger.NewLedger(nil)
	oracle2 := serp.NewManualOracle()
	protocol2 := serp.NewProtocol(l2, oracle2, serp.ParamSet{ledger.CurrencyUSDX: testParams(serper)})
	l2.Deposit(uuid.New(), ledger.CurrencyUSDX, 10)
	oracle2.SetPrice(ledger.CurrencyUSDX, 1_001)
	oracle2.SetPrice(ledger.CurrencyRSV, 10_000)
	out, err = protocol2.OnTick(1, ledger.CurrencyUSDX)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if out.Skip != serp.SkipZeroChange {
		t.Errorf("skip: got %v, want zero_change", out.Skip)
	}
}

func TestOnTick_SkipNoQuotableMarket(t *testing.T) {
	serper := uuid.New()
	l, oracle, protocol := newTestProtocol(serper)

	l.Deposit(uuid.New(), ledger.CurrencyUSDX, 1_000_000)
	oracle.SetPrice(ledger.CurrencyUSDX, 1_100)
	oracle.SetPrice(ledger.CurrencyRSV, 0) // native market has no price

	out, err := protocol.OnTick(1, ledger.CurrencyUSDX)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if out.Skip != serp.SkipNoQuotableMarket {
		t.Errorf("skip: got %v, want no_quotable_market", out.Skip)
	}
	if got := l.TotalIssuance(ledger.CurrencyUSDX); got != 1_000_000 {
		t.Errorf("skipped tick mutated issuance: %d", got)
	}
}

// ============================================================================
// Test: Hard Failures
// ============================================================================

func TestOnTick_RejectsNativeCurrency(t *testing.T) {
	_, _, protocol := newTestProtocol(uuid.New())

	_, err := protocol.OnTick(1, ledger.CurrencyRSV)
	if !errors.Is(err, serp.ErrNotStableCurrency) {
		t.Errorf("got %v, want ErrNotStableCurrency", err)
	}
}

func TestOnTick_RejectsUnknownCurrency(t *testing.T) {
	_, _, protocol := newTestProtocol(uuid.New())

	_, err := protocol.OnTick(1, ledger.CurrencyID(999))
	if !errors.Is(err, ledger.ErrUnknownCurrency) {
		t.Errorf("got %v, want ErrUnknownCurrency", err)
	}
}

func TestOnTick_RejectsUnconfiguredCurrency(t *testing.T) {
	// EURX is registered but carries no params here.
	_, _, protocol := newTestProtocol(uuid.New())

	_, err := protocol.OnTick(1, ledger.CurrencyEURX)
	if !errors.Is(err, serp.ErrNoParams) {
		t.Errorf("got %v, want ErrNoParams", err)
	}
}

// ============================================================================
// Test: Deviation Damping Over Consecutive Ticks
// ============================================================================

// Repeated contractions with a static price shrink supply geometrically and
// never fail: each tick burns 10% of the remaining issuance.
func TestOnTick_RepeatedContraction_Converges(t *testing.T) {
	serper := uuid.New()
	l, oracle, protocol := newTestProtocol(serper)

	l.Deposit(serper, ledger.CurrencyUSDX, 1_000_000)
	l.Deposit(serper, ledger.CurrencyRSV, 1_000_000)

	oracle.SetPrice(ledger.CurrencyUSDX, 900)
	oracle.SetPrice(ledger.CurrencyRSV, 10_000)

	want := ledger.Balance(1_000_000)
	for tick := int64(1); tick <= 5; tick++ {
		out, err := protocol.OnTick(tick, ledger.CurrencyUSDX)
		if err != nil {
			t.Fatalf("tick %d failed: %v", tick, err)
		}
		if !out.Applied {
			t.Fatalf("tick %d skipped: %v", tick, out.Skip)
		}
		want -= want / 10
		if got := l.TotalIssuance(ledger.CurrencyUSDX); got != want {
			t.Fatalf("tick %d issuance: got %d, want %d", tick, got, want)
		}
		requireConserved(t, l)
	}
}
