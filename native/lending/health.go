package lending

import (
	"fmt"
	"math/big"
	"time"

	"crosslend/native/registry"
	"crosslend/observability"
)

// HealthEngine computes aggregate position values and health factors from the
// ledger state, registry configuration, and fresh oracle prices. A stale or
// missing price aborts the whole computation: health is never derived from
// partially stale data.
type HealthEngine struct {
	state    State
	registry *registry.Registry
	prices   PriceSource
	now      func() time.Time
}

// NewHealthEngine constructs a health engine over the shared ledger state.
func NewHealthEngine(state State, reg *registry.Registry, prices PriceSource) *HealthEngine {
	return &HealthEngine{state: state, registry: reg, prices: prices, now: time.Now}
}

// SetClock overrides the time source. Intended for tests.
func (h *HealthEngine) SetClock(now func() time.Time) {
	if h == nil || now == nil {
		return
	}
	h.now = now
}

// ComputeHealth aggregates the user's positions at current prices.
func (h *HealthEngine) ComputeHealth(user string) (*HealthSnapshot, error) {
	return h.computeWithOverride(user, nil)
}

// computeWithOverride evaluates health as if the override position had already
// been committed. The ledger uses it to run check-then-commit mutations: the
// health check observes the post-mutation state before anything persists.
func (h *HealthEngine) computeWithOverride(user string, override *Position) (*HealthSnapshot, error) {
	if h == nil || h.state == nil {
		return nil, errNilState
	}
	if h.registry == nil {
		return nil, errNilRegistry
	}
	started := h.now()

	positions, err := h.state.ListPositions(user)
	if err != nil {
		return nil, err
	}
	if override != nil {
		replaced := false
		merged := make([]*Position, 0, len(positions)+1)
		for _, pos := range positions {
			if pos != nil && pos.Asset == override.Asset {
				merged = append(merged, override)
				replaced = true
				continue
			}
			merged = append(merged, pos)
		}
		if !replaced {
			merged = append(merged, override)
		}
		positions = merged
	}

	snapshot := &HealthSnapshot{
		TotalCollateralValue:    big.NewInt(0),
		WeightedCollateralValue: big.NewInt(0),
		BorrowCapacityValue:     big.NewInt(0),
		TotalBorrowValue:        big.NewInt(0),
	}

	for _, pos := range positions {
		if pos == nil {
			continue
		}
		hasCollateral := pos.Collateral != nil && pos.Collateral.Sign() > 0
		hasDebt := pos.Debt != nil && pos.Debt.Sign() > 0
		if !hasCollateral && !hasDebt {
			continue
		}
		asset, err := h.registry.Get(pos.Asset)
		if err != nil {
			return nil, err
		}
		quote, err := h.prices.GetPrice(pos.Asset)
		if err != nil {
			return nil, fmt.Errorf("health for %s: %w", user, err)
		}
		if hasCollateral {
			value := valueOf(pos.Collateral, quote.Price, asset.Decimals)
			snapshot.TotalCollateralValue.Add(snapshot.TotalCollateralValue, value)
			snapshot.WeightedCollateralValue.Add(snapshot.WeightedCollateralValue, bpsMul(value, asset.LiquidationThresholdBps))
			snapshot.BorrowCapacityValue.Add(snapshot.BorrowCapacityValue, bpsMul(value, asset.LTVBps))
		}
		if hasDebt {
			snapshot.TotalBorrowValue.Add(snapshot.TotalBorrowValue, valueOf(pos.Debt, quote.Price, asset.Decimals))
		}
	}

	if snapshot.TotalBorrowValue.Sign() == 0 {
		snapshot.HealthFactor = new(big.Int).Set(MaxHealthFactor)
	} else {
		snapshot.HealthFactor = wadDiv(snapshot.WeightedCollateralValue, snapshot.TotalBorrowValue)
	}

	observability.Lending().ObserveHealthDuration(h.now().Sub(started))
	return snapshot, nil
}
