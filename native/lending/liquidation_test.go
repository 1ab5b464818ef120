package lending

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

type fakeSink struct {
	records []*LiquidationRecord
	nextID  uint64
}

func (s *fakeSink) AppendLiquidation(record *LiquidationRecord) (uint64, error) {
	s.nextID++
	s.records = append(s.records, record)
	return s.nextID, nil
}

type emergencyStub struct {
	active bool
}

func (e *emergencyStub) EmergencyActive() bool { return e.active }

type liquidationFixture struct {
	*fixture
	engine    *LiquidationEngine
	sink      *fakeSink
	emergency *emergencyStub
	clock     *time.Time
}

func newLiquidationFixture(t *testing.T) *liquidationFixture {
	t.Helper()
	fx := newFixture(t)
	now := time.Unix(1_700_000_000, 0)
	sink := &fakeSink{}
	emergency := &emergencyStub{}

	engine := NewLiquidationEngine(fx.ledger, fx.health, fx.reg, fx.prices, RiskConfig{})
	engine.SetRecordSink(sink)
	engine.SetEmergencyView(emergency)
	engine.SetClock(func() time.Time { return now })

	return &liquidationFixture{fixture: fx, engine: engine, sink: sink, emergency: emergency, clock: &now}
}

// seedUnderwater gives bob 10 weth ($20000, $16000 weighted) against 18000
// usdc of debt, a 0.888 health factor.
func (fx *liquidationFixture) seedUnderwater(t *testing.T) {
	t.Helper()
	seedPosition(t, fx.fixture, "bob", wethKey, weiAmount(10_000), big.NewInt(0))
	seedPosition(t, fx.fixture, "bob", usdcKey, big.NewInt(0), usdcAmount(18_000))
}

func TestEvaluateHonoursCriticalThreshold(t *testing.T) {
	fx := newLiquidationFixture(t)

	// Weighted $1600 against $1650 is a 0.9696 factor: unhealthy for new
	// borrowing but still above the 0.95 liquidation threshold.
	seedPosition(t, fx.fixture, "bob", wethKey, weiAmount(1_000), big.NewInt(0))
	seedPosition(t, fx.fixture, "bob", usdcKey, big.NewInt(0), usdcAmount(1_650))

	if _, err := fx.engine.Evaluate("bob", usdcKey, wethKey); !errors.Is(err, ErrPositionHealthy) {
		t.Fatalf("expected ErrPositionHealthy, got %v", err)
	}
}

func TestEvaluateRejectsDebtFreeBorrower(t *testing.T) {
	fx := newLiquidationFixture(t)
	seedPosition(t, fx.fixture, "bob", wethKey, weiAmount(1_000), big.NewInt(0))

	if _, err := fx.engine.Evaluate("bob", usdcKey, wethKey); !errors.Is(err, ErrNoDebt) {
		t.Fatalf("expected ErrNoDebt, got %v", err)
	}
}

func TestEvaluateQuotesCloseFactorAndBonus(t *testing.T) {
	fx := newLiquidationFixture(t)
	fx.seedUnderwater(t)

	opp, err := fx.engine.Evaluate("bob", usdcKey, wethKey)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	// Close factor halves the 18000 debt; $9000 plus the 5% bonus buys
	// 4.725 weth at $2000.
	if opp.MaxRepay.Cmp(usdcAmount(9_000)) != 0 {
		t.Fatalf("max repay: want 9000 usdc, got %s", opp.MaxRepay)
	}
	if opp.SeizeEstimate.Cmp(weiAmount(4_725)) != 0 {
		t.Fatalf("seize estimate: want 4.725 weth, got %s", opp.SeizeEstimate)
	}
	want := mustBigInt("888888888888888888")
	if opp.HealthFactor.Cmp(want) != 0 {
		t.Fatalf("health factor: want %s, got %s", want, opp.HealthFactor)
	}
}

func TestExecuteCommitsSeizure(t *testing.T) {
	fx := newLiquidationFixture(t)
	fx.seedUnderwater(t)

	record, err := fx.engine.Execute("bob", "liq", usdcKey, wethKey, usdcAmount(9_000), *fx.clock)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if record.ID != 1 {
		t.Fatalf("expected audit id 1, got %d", record.ID)
	}
	if record.DebtRepaid.Cmp(usdcAmount(9_000)) != 0 {
		t.Fatalf("debt repaid: got %s", record.DebtRepaid)
	}
	if record.CollateralSeized.Cmp(weiAmount(4_725)) != 0 {
		t.Fatalf("collateral seized: got %s", record.CollateralSeized)
	}

	debtPos, err := fx.ledger.GetPosition("bob", usdcKey)
	if err != nil {
		t.Fatalf("get debt: %v", err)
	}
	if debtPos.Debt.Cmp(usdcAmount(9_000)) != 0 {
		t.Fatalf("remaining debt: got %s", debtPos.Debt)
	}
	collPos, err := fx.ledger.GetPosition("bob", wethKey)
	if err != nil {
		t.Fatalf("get collateral: %v", err)
	}
	if collPos.Collateral.Cmp(weiAmount(5_275)) != 0 {
		t.Fatalf("remaining collateral: got %s", collPos.Collateral)
	}
	if len(fx.sink.records) != 1 {
		t.Fatalf("expected one audit record, got %d", len(fx.sink.records))
	}
}

func TestExecuteRejectsAboveCloseFactor(t *testing.T) {
	fx := newLiquidationFixture(t)
	fx.seedUnderwater(t)

	if _, err := fx.engine.Execute("bob", "liq", usdcKey, wethKey, usdcAmount(9_001), *fx.clock); !errors.Is(err, ErrExceedsCloseFactor) {
		t.Fatalf("expected ErrExceedsCloseFactor, got %v", err)
	}
}

func TestExecuteScalesDownWhenCollateralRunsOut(t *testing.T) {
	fx := newLiquidationFixture(t)

	// Only $1000 of collateral backs 3000 usdc of debt. A 1500 usdc repayment
	// would want $1575 of collateral, so the seizure caps at the full 0.5 weth
	// and the repayment scales to $1000 / 1.05.
	seedPosition(t, fx.fixture, "bob", wethKey, weiAmount(500), big.NewInt(0))
	seedPosition(t, fx.fixture, "bob", usdcKey, big.NewInt(0), usdcAmount(3_000))

	record, err := fx.engine.Execute("bob", "liq", usdcKey, wethKey, usdcAmount(1_500), *fx.clock)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if record.CollateralSeized.Cmp(weiAmount(500)) != 0 {
		t.Fatalf("expected full collateral seized, got %s", record.CollateralSeized)
	}
	if record.DebtRepaid.Cmp(big.NewInt(952_380_952)) != 0 {
		t.Fatalf("expected scaled repayment 952.380952 usdc, got %s", record.DebtRepaid)
	}

	collPos, err := fx.ledger.GetPosition("bob", wethKey)
	if err != nil {
		t.Fatalf("get collateral: %v", err)
	}
	if collPos.Collateral.Sign() != 0 {
		t.Fatalf("expected collateral exhausted, got %s", collPos.Collateral)
	}
	debtPos, err := fx.ledger.GetPosition("bob", usdcKey)
	if err != nil {
		t.Fatalf("get debt: %v", err)
	}
	if debtPos.Debt.Cmp(big.NewInt(2_047_619_048)) != 0 {
		t.Fatalf("remaining debt: got %s", debtPos.Debt)
	}
}

func TestExecuteRejectsStaleEvaluation(t *testing.T) {
	fx := newLiquidationFixture(t)
	fx.seedUnderwater(t)

	evaluatedAt := fx.clock.Add(-6 * time.Minute)
	if _, err := fx.engine.Execute("bob", "liq", usdcKey, wethKey, usdcAmount(9_000), evaluatedAt); !errors.Is(err, ErrStaleEvaluation) {
		t.Fatalf("expected ErrStaleEvaluation, got %v", err)
	}
}

func TestExecuteRejectsRecoveredPosition(t *testing.T) {
	fx := newLiquidationFixture(t)
	fx.seedUnderwater(t)

	opp, err := fx.engine.Evaluate("bob", usdcKey, wethKey)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	// The price recovers between evaluation and execution.
	fx.prices.quotes[wethKey] = wadAmount(3_000)
	if _, err := fx.engine.Execute("bob", "liq", usdcKey, wethKey, opp.MaxRepay, opp.EvaluatedAt); !errors.Is(err, ErrPositionHealthy) {
		t.Fatalf("expected ErrPositionHealthy, got %v", err)
	}
}

func TestExecuteRejectsSelfLiquidation(t *testing.T) {
	fx := newLiquidationFixture(t)
	fx.seedUnderwater(t)

	if _, err := fx.engine.Execute("bob", "bob", usdcKey, wethKey, usdcAmount(9_000), *fx.clock); err == nil {
		t.Fatalf("expected self-liquidation rejection")
	}
}

func TestEmergencyAllowsFullClose(t *testing.T) {
	fx := newLiquidationFixture(t)
	fx.seedUnderwater(t)
	fx.emergency.active = true

	record, err := fx.engine.Execute("bob", "liq", usdcKey, wethKey, usdcAmount(18_000), *fx.clock)
	if err != nil {
		t.Fatalf("emergency execute: %v", err)
	}
	if !record.Emergency {
		t.Fatalf("expected emergency flag on record")
	}
	if record.DebtRepaid.Cmp(usdcAmount(18_000)) != 0 {
		t.Fatalf("expected full repayment, got %s", record.DebtRepaid)
	}

	state, err := fx.engine.PositionState("bob")
	if err != nil {
		t.Fatalf("position state: %v", err)
	}
	if state != PositionLiquidated {
		t.Fatalf("expected liquidated state, got %s", state)
	}
}

func TestPositionStateLifecycle(t *testing.T) {
	fx := newLiquidationFixture(t)

	seedPosition(t, fx.fixture, "bob", wethKey, weiAmount(1_000), big.NewInt(0))
	state, err := fx.engine.PositionState("bob")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state != PositionHealthy {
		t.Fatalf("expected healthy, got %s", state)
	}

	seedPosition(t, fx.fixture, "bob", usdcKey, big.NewInt(0), usdcAmount(1_700))
	state, err = fx.engine.PositionState("bob")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state != PositionLiquidatable {
		t.Fatalf("expected liquidatable, got %s", state)
	}
}

func TestSelectionExactlyOneWinner(t *testing.T) {
	fx := newLiquidationFixture(t)

	request, err := fx.engine.RequestSelection("bob", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	winner, err := fx.engine.FulfillSelection(request.ID, big.NewInt(7))
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if winner != "b" {
		t.Fatalf("expected candidate b (7 mod 3), got %s", winner)
	}

	if _, err := fx.engine.FulfillSelection(request.ID, big.NewInt(8)); !errors.Is(err, ErrRequestFulfilled) {
		t.Fatalf("expected ErrRequestFulfilled, got %v", err)
	}
}

func TestSelectionNegativeWordStaysInRange(t *testing.T) {
	fx := newLiquidationFixture(t)
	request, err := fx.engine.RequestSelection("bob", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	winner, err := fx.engine.FulfillSelection(request.ID, big.NewInt(-1))
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if winner != "c" {
		t.Fatalf("expected candidate c (-1 mod 3 = 2), got %s", winner)
	}
}

func TestSelectionUnknownAndExpired(t *testing.T) {
	fx := newLiquidationFixture(t)

	if _, err := fx.engine.FulfillSelection("missing", big.NewInt(1)); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}

	request, err := fx.engine.RequestSelection("bob", []string{"a", "b"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	*fx.clock = fx.clock.Add(11 * time.Minute)
	if _, err := fx.engine.FulfillSelection(request.ID, big.NewInt(1)); !errors.Is(err, ErrSelectionExpired) {
		t.Fatalf("expected ErrSelectionExpired, got %v", err)
	}
}

func TestRequestSelectionFiltersCandidates(t *testing.T) {
	fx := newLiquidationFixture(t)

	if _, err := fx.engine.RequestSelection("bob", nil); !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
	// The borrower and duplicates are stripped before the draw.
	request, err := fx.engine.RequestSelection("bob", []string{"bob", "a", "a", " "})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(request.Candidates) != 1 || request.Candidates[0] != "a" {
		t.Fatalf("unexpected candidates %v", request.Candidates)
	}
}

func TestSelectionSweepDropsExpired(t *testing.T) {
	fx := newLiquidationFixture(t)
	if _, err := fx.engine.RequestSelection("bob", []string{"a"}); err != nil {
		t.Fatalf("request: %v", err)
	}
	*fx.clock = fx.clock.Add(11 * time.Minute)
	if removed := fx.engine.SweepSelections(); removed != 1 {
		t.Fatalf("expected one swept request, got %d", removed)
	}
}
