package lending

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"crosslend/core/events"
	"crosslend/native/registry"
	"crosslend/observability"
)

// EmergencyView reports whether the protocol is in emergency mode. Emergency
// liquidations may repay the full outstanding debt instead of the close factor
// share.
type EmergencyView interface {
	EmergencyActive() bool
}

// Opportunity describes a liquidation the engine found viable at evaluation
// time. The quoted amounts are estimates against the prices observed then;
// Execute re-verifies everything against live state before committing.
type Opportunity struct {
	Borrower        string
	DebtAsset       string
	CollateralAsset string
	// HealthFactor is the borrower's wad health factor at evaluation time.
	HealthFactor *big.Int
	// MaxRepay is the largest debt repayment a single call may make, in the
	// debt asset's native units.
	MaxRepay *big.Int
	// SeizeEstimate is the collateral the max repayment would seize, bonus
	// included, in the collateral asset's native units.
	SeizeEstimate *big.Int
	EvaluatedAt   time.Time
}

// SelectionRequest correlates a fair-selection randomness request with its
// eventual response. Exactly one candidate wins per request.
type SelectionRequest struct {
	ID         string
	Borrower   string
	Candidates []string
	CreatedAt  time.Time
}

type pendingSelection struct {
	request   *SelectionRequest
	fulfilled bool
	winner    string
}

// LiquidationEngine evaluates and executes liquidations against the ledger.
// Execution runs under the borrower's ledger lock so the eligibility check and
// the balance changes observe the same state.
type LiquidationEngine struct {
	ledger    *Ledger
	health    *HealthEngine
	registry  *registry.Registry
	prices    PriceSource
	cfg       RiskConfig
	records   RecordSink
	emitter   events.Emitter
	emergency EmergencyView
	now       func() time.Time

	mu         sync.Mutex
	pending    map[string]*pendingSelection
	liquidated map[string]bool
}

// NewLiquidationEngine constructs a liquidation engine sharing the ledger's
// state and locks.
func NewLiquidationEngine(ledger *Ledger, health *HealthEngine, reg *registry.Registry, prices PriceSource, cfg RiskConfig) *LiquidationEngine {
	return &LiquidationEngine{
		ledger:     ledger,
		health:     health,
		registry:   reg,
		prices:     prices,
		cfg:        cfg.Normalise(),
		emitter:    events.NoopEmitter{},
		now:        time.Now,
		pending:    make(map[string]*pendingSelection),
		liquidated: make(map[string]bool),
	}
}

// SetRecordSink wires the audit sink that persists liquidation records.
func (e *LiquidationEngine) SetRecordSink(sink RecordSink) {
	if e == nil {
		return
	}
	e.records = sink
}

// SetEmitter wires the event sink for committed liquidations.
func (e *LiquidationEngine) SetEmitter(emitter events.Emitter) {
	if e == nil || emitter == nil {
		return
	}
	e.emitter = emitter
}

// SetEmergencyView wires the emergency mode source.
func (e *LiquidationEngine) SetEmergencyView(view EmergencyView) {
	if e == nil {
		return
	}
	e.emergency = view
}

// SetClock overrides the time source. Intended for tests.
func (e *LiquidationEngine) SetClock(now func() time.Time) {
	if e == nil || now == nil {
		return
	}
	e.now = now
}

func (e *LiquidationEngine) emergencyActive() bool {
	return e.emergency != nil && e.emergency.EmergencyActive()
}

// PositionState reports where the borrower sits in the liquidation lifecycle.
func (e *LiquidationEngine) PositionState(borrower string) (PositionState, error) {
	if e == nil || e.health == nil {
		return PositionHealthy, errNilState
	}
	snapshot, err := e.health.ComputeHealth(strings.TrimSpace(borrower))
	if err != nil {
		return PositionHealthy, err
	}
	if snapshot.TotalBorrowValue.Sign() == 0 {
		e.mu.Lock()
		closed := e.liquidated[strings.TrimSpace(borrower)]
		e.mu.Unlock()
		if closed {
			return PositionLiquidated, nil
		}
		return PositionHealthy, nil
	}
	if snapshot.HealthFactor.Cmp(e.cfg.CriticalHealthFactor) < 0 {
		return PositionLiquidatable, nil
	}
	return PositionHealthy, nil
}

// Evaluate checks whether the borrower is liquidatable and quotes the largest
// repayment and the collateral it would seize at current prices.
func (e *LiquidationEngine) Evaluate(borrower, debtAsset, collateralAsset string) (*Opportunity, error) {
	if e == nil || e.ledger == nil || e.health == nil {
		return nil, errNilState
	}
	if e.registry == nil {
		return nil, errNilRegistry
	}
	trimmed := strings.TrimSpace(borrower)
	debtCfg, err := e.registry.Get(debtAsset)
	if err != nil {
		return nil, err
	}
	collCfg, err := e.registry.Get(collateralAsset)
	if err != nil {
		return nil, err
	}

	snapshot, err := e.health.ComputeHealth(trimmed)
	if err != nil {
		return nil, err
	}
	if snapshot.TotalBorrowValue.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoDebt, trimmed)
	}
	if snapshot.HealthFactor.Cmp(e.cfg.CriticalHealthFactor) >= 0 {
		return nil, fmt.Errorf("%w: health factor %s", ErrPositionHealthy, snapshot.HealthFactor)
	}

	debtPos, err := e.ledger.GetPosition(trimmed, debtCfg.Key)
	if err != nil {
		return nil, err
	}
	if debtPos.Debt.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s owes no %s", ErrNoDebt, trimmed, debtCfg.Key)
	}
	collPos, err := e.ledger.GetPosition(trimmed, collCfg.Key)
	if err != nil {
		return nil, err
	}
	if collPos.Collateral.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s holds no %s", ErrInsufficientCollateral, trimmed, collCfg.Key)
	}

	maxRepay := bpsMul(debtPos.Debt, e.cfg.CloseFactorBps)
	if e.emergencyActive() {
		maxRepay = new(big.Int).Set(debtPos.Debt)
	}
	repay, seize, err := e.quoteSeizure(debtCfg, collCfg, maxRepay, collPos.Collateral)
	if err != nil {
		return nil, err
	}

	return &Opportunity{
		Borrower:        trimmed,
		DebtAsset:       debtCfg.Key,
		CollateralAsset: collCfg.Key,
		HealthFactor:    new(big.Int).Set(snapshot.HealthFactor),
		MaxRepay:        repay,
		SeizeEstimate:   seize,
		EvaluatedAt:     e.now(),
	}, nil
}

// quoteSeizure prices a repayment in collateral units, bonus included. When
// the seizure would exceed the available collateral, both sides scale down
// proportionally so the liquidator is never quoted collateral that does not
// exist.
func (e *LiquidationEngine) quoteSeizure(debtCfg, collCfg *registry.Asset, repay, available *big.Int) (*big.Int, *big.Int, error) {
	debtQuote, err := e.prices.GetPrice(debtCfg.Key)
	if err != nil {
		return nil, nil, err
	}
	collQuote, err := e.prices.GetPrice(collCfg.Key)
	if err != nil {
		return nil, nil, err
	}

	bonusBps := basisPoints.Uint64() + collCfg.LiquidationBonusBps
	repayValue := valueOf(repay, debtQuote.Price, debtCfg.Decimals)
	seizeValue := bpsMul(repayValue, bonusBps)
	seize := unitsOf(seizeValue, collQuote.Price, collCfg.Decimals)

	if seize.Cmp(available) > 0 {
		seize = new(big.Int).Set(available)
		availableValue := valueOf(available, collQuote.Price, collCfg.Decimals)
		scaledRepayValue := new(big.Int).Mul(availableValue, basisPoints)
		scaledRepayValue.Quo(scaledRepayValue, new(big.Int).SetUint64(bonusBps))
		repay = unitsOf(scaledRepayValue, debtQuote.Price, debtCfg.Decimals)
	} else {
		repay = new(big.Int).Set(repay)
	}
	if repay.Sign() <= 0 || seize.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: repayment too small to seize collateral", ErrInvalidAmount)
	}
	return repay, seize, nil
}

// Execute commits a liquidation. Eligibility, the close factor, and the
// seizure amount are all re-verified under the borrower's lock at current
// prices; a quote older than the evaluation window is rejected outright.
func (e *LiquidationEngine) Execute(borrower, liquidator, debtAsset, collateralAsset string, repay *big.Int, evaluatedAt time.Time) (*LiquidationRecord, error) {
	metrics := observability.Lending()
	if e == nil || e.ledger == nil || e.health == nil {
		return nil, errNilState
	}
	if e.registry == nil {
		return nil, errNilRegistry
	}
	trimmedBorrower := strings.TrimSpace(borrower)
	trimmedLiquidator := strings.TrimSpace(liquidator)
	if trimmedBorrower == "" || trimmedLiquidator == "" {
		return nil, fmt.Errorf("%w: borrower and liquidator required", ErrInvalidAmount)
	}
	if trimmedBorrower == trimmedLiquidator {
		return nil, fmt.Errorf("%w: cannot self-liquidate", ErrPositionHealthy)
	}
	if repay == nil || repay.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if evaluatedAt.IsZero() || e.now().Sub(evaluatedAt) > e.cfg.EvaluationTTL {
		return nil, ErrStaleEvaluation
	}
	debtCfg, err := e.registry.Get(debtAsset)
	if err != nil {
		return nil, err
	}
	collCfg, err := e.registry.Get(collateralAsset)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.checkGate(trimmedLiquidator, OpLiquidate); err != nil {
		metrics.ObserveMutation(OpLiquidate, "throttled")
		return nil, err
	}

	unlock := e.ledger.lockUser(trimmedBorrower)
	defer unlock()

	snapshot, err := e.health.ComputeHealth(trimmedBorrower)
	if err != nil {
		metrics.ObserveMutation(OpLiquidate, "rejected")
		return nil, err
	}
	if snapshot.TotalBorrowValue.Sign() == 0 {
		metrics.ObserveMutation(OpLiquidate, "rejected")
		return nil, fmt.Errorf("%w: %s", ErrNoDebt, trimmedBorrower)
	}
	if snapshot.HealthFactor.Cmp(e.cfg.CriticalHealthFactor) >= 0 {
		metrics.ObserveMutation(OpLiquidate, "rejected")
		return nil, fmt.Errorf("%w: health factor %s", ErrPositionHealthy, snapshot.HealthFactor)
	}

	debtPos, err := e.ledger.loadPosition(trimmedBorrower, debtCfg.Key)
	if err != nil {
		return nil, err
	}
	if debtPos.Debt.Sign() == 0 {
		metrics.ObserveMutation(OpLiquidate, "rejected")
		return nil, fmt.Errorf("%w: %s owes no %s", ErrNoDebt, trimmedBorrower, debtCfg.Key)
	}
	if repay.Cmp(debtPos.Debt) > 0 {
		metrics.ObserveMutation(OpLiquidate, "rejected")
		return nil, fmt.Errorf("%w: outstanding %s, repay %s", ErrOverRepayment, debtPos.Debt, repay)
	}
	emergency := e.emergencyActive()
	if !emergency {
		limit := bpsMul(debtPos.Debt, e.cfg.CloseFactorBps)
		if repay.Cmp(limit) > 0 {
			metrics.ObserveMutation(OpLiquidate, "rejected")
			return nil, fmt.Errorf("%w: limit %s, repay %s", ErrExceedsCloseFactor, limit, repay)
		}
	}
	collPos, err := e.ledger.loadPosition(trimmedBorrower, collCfg.Key)
	if err != nil {
		return nil, err
	}
	if collPos.Collateral.Sign() == 0 {
		metrics.ObserveMutation(OpLiquidate, "rejected")
		return nil, fmt.Errorf("%w: %s holds no %s", ErrInsufficientCollateral, trimmedBorrower, collCfg.Key)
	}

	effectiveRepay, seize, err := e.quoteSeizure(debtCfg, collCfg, repay, collPos.Collateral)
	if err != nil {
		metrics.ObserveMutation(OpLiquidate, "rejected")
		return nil, err
	}

	if err := e.ledger.applySeizure(trimmedBorrower, debtCfg.Key, collCfg.Key, effectiveRepay, seize); err != nil {
		metrics.ObserveMutation(OpLiquidate, "error")
		return nil, err
	}

	record := &LiquidationRecord{
		Borrower:         trimmedBorrower,
		Liquidator:       trimmedLiquidator,
		DebtAsset:        debtCfg.Key,
		CollateralAsset:  collCfg.Key,
		DebtRepaid:       new(big.Int).Set(effectiveRepay),
		CollateralSeized: new(big.Int).Set(seize),
		Timestamp:        uint64(e.now().Unix()),
		Emergency:        emergency,
	}
	if e.records != nil {
		id, err := e.records.AppendLiquidation(record)
		if err != nil {
			return record, fmt.Errorf("liquidation committed, audit append failed: %w", err)
		}
		record.ID = id
	}

	if effectiveRepay.Cmp(debtPos.Debt) == 0 {
		e.mu.Lock()
		e.liquidated[trimmedBorrower] = true
		e.mu.Unlock()
	}

	metrics.ObserveMutation(OpLiquidate, "ok")
	metrics.ObserveLiquidation()
	e.emitter.Emit(events.PositionLiquidated{
		RecordID:         record.ID,
		Borrower:         record.Borrower,
		Liquidator:       record.Liquidator,
		DebtAsset:        record.DebtAsset,
		CollateralAsset:  record.CollateralAsset,
		DebtRepaid:       new(big.Int).Set(record.DebtRepaid),
		CollateralSeized: new(big.Int).Set(record.CollateralSeized),
		Emergency:        record.Emergency,
	})
	return record, nil
}

// RequestSelection opens a fair-selection round between competing liquidators.
// The returned request id correlates the eventual randomness response.
func (e *LiquidationEngine) RequestSelection(borrower string, candidates []string) (*SelectionRequest, error) {
	if e == nil {
		return nil, errNilState
	}
	trimmed := strings.TrimSpace(borrower)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: borrower required", ErrInvalidAmount)
	}
	unique := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" || candidate == trimmed {
			continue
		}
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}
		unique = append(unique, candidate)
	}
	if len(unique) == 0 {
		return nil, ErrNoCandidates
	}

	request := &SelectionRequest{
		ID:         uuid.NewString(),
		Borrower:   trimmed,
		Candidates: unique,
		CreatedAt:  e.now(),
	}
	e.mu.Lock()
	e.pending[request.ID] = &pendingSelection{request: request}
	e.mu.Unlock()

	copied := *request
	copied.Candidates = append([]string(nil), request.Candidates...)
	return &copied, nil
}

// FulfillSelection resolves a pending selection with the randomness word.
// Exactly one response wins per request; replays and late arrivals are
// rejected without changing the recorded winner.
func (e *LiquidationEngine) FulfillSelection(requestID string, randomWord *big.Int) (string, error) {
	if e == nil {
		return "", errNilState
	}
	if randomWord == nil {
		return "", fmt.Errorf("%w: randomness word required", ErrInvalidAmount)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	pending, ok := e.pending[strings.TrimSpace(requestID)]
	if !ok {
		return "", ErrUnknownRequest
	}
	if pending.fulfilled {
		return "", fmt.Errorf("%w: winner %s", ErrRequestFulfilled, pending.winner)
	}
	if e.now().Sub(pending.request.CreatedAt) > e.cfg.SelectionTTL {
		delete(e.pending, pending.request.ID)
		return "", ErrSelectionExpired
	}

	// Mod is Euclidean, so a negative word still lands on a valid index.
	idx := new(big.Int).Mod(randomWord, big.NewInt(int64(len(pending.request.Candidates))))
	winner := pending.request.Candidates[idx.Int64()]
	pending.fulfilled = true
	pending.winner = winner

	e.emitter.Emit(events.LiquidatorSelected{
		RequestID:  pending.request.ID,
		Borrower:   pending.request.Borrower,
		Liquidator: winner,
	})
	return winner, nil
}

// SweepSelections drops expired, unfulfilled requests and returns how many
// were removed.
func (e *LiquidationEngine) SweepSelections() int {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	removed := 0
	for id, pending := range e.pending {
		if pending.fulfilled || now.Sub(pending.request.CreatedAt) > e.cfg.SelectionTTL {
			delete(e.pending, id)
			removed++
		}
	}
	return removed
}
