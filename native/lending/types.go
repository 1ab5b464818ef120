package lending

import (
	"math/big"
	"time"

	"crosslend/native/oracle"
)

// Operation kinds gated by the rate limiter. The reconciler reuses these when
// applying inbound cross-chain messages.
const (
	OpDeposit   = "deposit"
	OpWithdraw  = "withdraw"
	OpBorrow    = "borrow"
	OpRepay     = "repay"
	OpLiquidate = "liquidate"
)

// Position is the authoritative collateral/debt record for one (user, asset)
// pair. Balances are unsigned amounts at the asset's native decimals and only
// change through ledger mutation operations. Positions persist at zero
// balances so history and nonce continuity survive full unwinds.
type Position struct {
	User       string
	Asset      string
	Collateral *big.Int
	Debt       *big.Int
	UpdatedAt  uint64
}

// Clone returns a deep copy callers can mutate safely.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Collateral != nil {
		clone.Collateral = new(big.Int).Set(p.Collateral)
	} else {
		clone.Collateral = big.NewInt(0)
	}
	if p.Debt != nil {
		clone.Debt = new(big.Int).Set(p.Debt)
	} else {
		clone.Debt = big.NewInt(0)
	}
	return &clone
}

func (p *Position) normalise() {
	if p.Collateral == nil {
		p.Collateral = big.NewInt(0)
	}
	if p.Debt == nil {
		p.Debt = big.NewInt(0)
	}
}

// HealthSnapshot aggregates a user's position values at one price observation.
// All values are wad (1e18 fixed point).
type HealthSnapshot struct {
	// TotalCollateralValue is the unweighted value of all collateral.
	TotalCollateralValue *big.Int
	// WeightedCollateralValue applies each asset's liquidation threshold.
	WeightedCollateralValue *big.Int
	// BorrowCapacityValue applies each asset's LTV and bounds new borrowing.
	BorrowCapacityValue *big.Int
	// TotalBorrowValue is the value of all outstanding debt.
	TotalBorrowValue *big.Int
	// HealthFactor is WeightedCollateralValue / TotalBorrowValue, or
	// MaxHealthFactor when the position carries no debt.
	HealthFactor *big.Int
}

// PositionState describes the liquidation lifecycle of a position.
type PositionState uint8

const (
	PositionHealthy PositionState = iota
	PositionLiquidatable
	PositionLiquidated
)

func (s PositionState) String() string {
	switch s {
	case PositionHealthy:
		return "healthy"
	case PositionLiquidatable:
		return "liquidatable"
	case PositionLiquidated:
		return "liquidated"
	default:
		return "unknown"
	}
}

// LiquidationRecord is the immutable audit entry appended for every committed
// liquidation. IDs increase monotonically and are assigned by the sink.
type LiquidationRecord struct {
	ID               uint64
	Borrower         string
	Liquidator       string
	DebtAsset        string
	CollateralAsset  string
	DebtRepaid       *big.Int
	CollateralSeized *big.Int
	Timestamp        uint64
	Emergency        bool
}

// RiskConfig groups the configurable liquidation policy knobs. The minimum
// health factor of 1.0 gates borrowing and withdrawal; the critical threshold
// below it gates liquidation eligibility.
type RiskConfig struct {
	// CriticalHealthFactor is the wad threshold below which a position
	// becomes liquidatable. Defaults to 0.95.
	CriticalHealthFactor *big.Int
	// CloseFactorBps bounds the share of outstanding debt a single
	// liquidation may repay. Defaults to 5000 (50%).
	CloseFactorBps uint64
	// EvaluationTTL bounds the window between evaluating a liquidation and
	// executing it.
	EvaluationTTL time.Duration
	// SelectionTTL bounds how long a fair-selection request waits for its
	// randomness response.
	SelectionTTL time.Duration
}

// Normalise fills defaults for unset fields.
func (c RiskConfig) Normalise() RiskConfig {
	cfg := c
	if cfg.CriticalHealthFactor == nil || cfg.CriticalHealthFactor.Sign() <= 0 {
		cfg.CriticalHealthFactor = mustBigInt("950000000000000000")
	} else {
		cfg.CriticalHealthFactor = new(big.Int).Set(cfg.CriticalHealthFactor)
	}
	if cfg.CloseFactorBps == 0 || cfg.CloseFactorBps > 10_000 {
		cfg.CloseFactorBps = 5_000
	}
	if cfg.EvaluationTTL <= 0 {
		cfg.EvaluationTTL = 5 * time.Minute
	}
	if cfg.SelectionTTL <= 0 {
		cfg.SelectionTTL = 10 * time.Minute
	}
	return cfg
}

// State abstracts the persistence layer for positions. Implementations return
// nil (not an error) for positions that have never been written; the ledger
// creates them lazily on first deposit or borrow.
type State interface {
	GetPosition(user, asset string) (*Position, error)
	PutPosition(position *Position) error
	ListPositions(user string) ([]*Position, error)
}

// Gate is the rate limiter contract every state-changing operation must pass.
type Gate interface {
	CheckAndRecord(scope, op string) error
}

// PriceSource supplies fresh price quotes for health and liquidation math.
type PriceSource interface {
	GetPrice(asset string) (oracle.PriceQuote, error)
}

// RecordSink persists immutable liquidation records and assigns their ids.
type RecordSink interface {
	AppendLiquidation(record *LiquidationRecord) (uint64, error)
}
