package lending

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"crosslend/core/events"
	"crosslend/native/common"
	"crosslend/native/registry"
	"crosslend/observability"
)

// Ledger is the authoritative per-user, per-asset accounting store. All
// mutations are check-then-commit: the post-mutation health factor is computed
// against the prospective state and the change persists only when every
// invariant holds. Mutations for different users proceed independently.
type Ledger struct {
	state    State
	registry *registry.Registry
	health   *HealthEngine
	gate     Gate
	halt     common.HaltView
	emitter  events.Emitter
	now      func() time.Time

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
}

// NewLedger constructs a ledger over the shared state.
func NewLedger(state State, reg *registry.Registry, health *HealthEngine) *Ledger {
	return &Ledger{
		state:     state,
		registry:  reg,
		health:    health,
		emitter:   events.NoopEmitter{},
		now:       time.Now,
		userLocks: make(map[string]*sync.Mutex),
	}
}

// SetGate wires the rate limiter consulted before every mutation.
func (l *Ledger) SetGate(gate Gate) {
	if l == nil {
		return
	}
	l.gate = gate
}

// SetHaltView wires the emergency switchboard consulted before every mutation.
func (l *Ledger) SetHaltView(view common.HaltView) {
	if l == nil {
		return
	}
	l.halt = view
}

// SetEmitter wires the event sink for committed mutations.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if l == nil || emitter == nil {
		return
	}
	l.emitter = emitter
}

// SetClock overrides the time source. Intended for tests.
func (l *Ledger) SetClock(now func() time.Time) {
	if l == nil || now == nil {
		return
	}
	l.now = now
}

func (l *Ledger) lockUser(user string) func() {
	l.mu.Lock()
	lock, ok := l.userLocks[user]
	if !ok {
		lock = &sync.Mutex{}
		l.userLocks[user] = lock
	}
	l.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (l *Ledger) checkGate(user, op string) error {
	if err := common.Guard(l.halt, op); err != nil {
		return err
	}
	if l.gate == nil {
		return nil
	}
	return l.gate.CheckAndRecord(user, op)
}

func (l *Ledger) loadPosition(user, asset string) (*Position, error) {
	pos, err := l.state.GetPosition(user, asset)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = &Position{User: user, Asset: asset}
	}
	pos.normalise()
	return pos, nil
}

// GetPosition returns a copy of the stored position, or a zero-balance
// position when none has been written yet.
func (l *Ledger) GetPosition(user, asset string) (*Position, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	key := registry.NormalizeKey(asset)
	pos, err := l.loadPosition(strings.TrimSpace(user), key)
	if err != nil {
		return nil, err
	}
	return pos.Clone(), nil
}

// ListPositions returns copies of every stored position for the user.
func (l *Ledger) ListPositions(user string) ([]*Position, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	positions, err := l.state.ListPositions(strings.TrimSpace(user))
	if err != nil {
		return nil, err
	}
	cloned := make([]*Position, 0, len(positions))
	for _, pos := range positions {
		if pos == nil {
			continue
		}
		cloned = append(cloned, pos.Clone())
	}
	return cloned, nil
}

// Credit increases the user's collateral balance after the registry confirms
// the asset is active and collateral eligible.
func (l *Ledger) Credit(user, asset string, amount *big.Int) (*Position, error) {
	pos, err := l.mutate(user, asset, OpDeposit, func(pos *Position, cfg *registry.Asset) error {
		if !cfg.Active || !cfg.CanBeCollateral {
			return fmt.Errorf("%w: %s", ErrAssetNotCollateral, cfg.Key)
		}
		pos.Collateral = new(big.Int).Add(pos.Collateral, amount)
		return nil
	}, amount, false)
	if err != nil {
		return nil, err
	}
	l.emitter.Emit(events.CollateralCredited{User: user, Asset: pos.Asset, Amount: new(big.Int).Set(amount)})
	return pos, nil
}

// Debit releases collateral back to the user while ensuring the resulting
// position stays healthy.
func (l *Ledger) Debit(user, asset string, amount *big.Int) (*Position, error) {
	pos, err := l.mutate(user, asset, OpWithdraw, func(pos *Position, cfg *registry.Asset) error {
		if pos.Collateral.Cmp(amount) < 0 {
			return fmt.Errorf("%w: have %s, want %s", ErrInsufficientCollateral, pos.Collateral, amount)
		}
		pos.Collateral = new(big.Int).Sub(pos.Collateral, amount)
		return nil
	}, amount, true)
	if err != nil {
		return nil, err
	}
	l.emitter.Emit(events.CollateralDebited{User: user, Asset: pos.Asset, Amount: new(big.Int).Set(amount)})
	return pos, nil
}

// IncurDebt increases the user's borrow balance. The borrow commits only when
// the post-borrow debt value stays within the LTV capacity and the health
// factor stays at or above 1.
func (l *Ledger) IncurDebt(user, asset string, amount *big.Int) (*Position, error) {
	var snapshot *HealthSnapshot
	pos, err := l.mutateWithHealth(user, asset, OpBorrow, func(pos *Position, cfg *registry.Asset) error {
		if !cfg.Active || !cfg.CanBeBorrowed {
			return fmt.Errorf("%w: %s", ErrAssetNotBorrowable, cfg.Key)
		}
		pos.Debt = new(big.Int).Add(pos.Debt, amount)
		return nil
	}, amount, func(snap *HealthSnapshot) error {
		snapshot = snap
		if snap.TotalBorrowValue.Cmp(snap.BorrowCapacityValue) > 0 {
			return fmt.Errorf("%w: borrow value %s above capacity %s", ErrExceedsBorrowCapacity, snap.TotalBorrowValue, snap.BorrowCapacityValue)
		}
		if snap.HealthFactor.Cmp(wad) < 0 {
			return fmt.Errorf("%w: health factor %s below 1.0", ErrExceedsBorrowCapacity, snap.HealthFactor)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.emitter.Emit(events.DebtIncurred{
		User:         user,
		Asset:        pos.Asset,
		Amount:       new(big.Int).Set(amount),
		HealthFactor: new(big.Int).Set(snapshot.HealthFactor),
	})
	return pos, nil
}

// RepayDebt reduces the user's borrow balance. Overpayment is rejected, never
// truncated: the caller must resubmit the exact outstanding amount.
func (l *Ledger) RepayDebt(user, asset string, amount *big.Int) (*Position, error) {
	pos, err := l.mutate(user, asset, OpRepay, func(pos *Position, cfg *registry.Asset) error {
		if amount.Cmp(pos.Debt) > 0 {
			return fmt.Errorf("%w: outstanding %s, got %s", ErrOverRepayment, pos.Debt, amount)
		}
		pos.Debt = new(big.Int).Sub(pos.Debt, amount)
		return nil
	}, amount, false)
	if err != nil {
		return nil, err
	}
	l.emitter.Emit(events.DebtRepaid{User: user, Asset: pos.Asset, Amount: new(big.Int).Set(amount)})
	return pos, nil
}

// mutate runs a single-position mutation through the full gate, lock, check,
// persist pipeline. When healthGuard is set the post-mutation health factor
// must stay at or above 1 for positions carrying debt.
func (l *Ledger) mutate(user, asset, op string, apply func(*Position, *registry.Asset) error, amount *big.Int, healthGuard bool) (*Position, error) {
	guard := func(snap *HealthSnapshot) error {
		if snap.HealthFactor.Cmp(wad) < 0 {
			return fmt.Errorf("%w: health factor %s below 1.0", ErrHealthFactorViolation, snap.HealthFactor)
		}
		return nil
	}
	if !healthGuard {
		return l.mutateWithHealth(user, asset, op, apply, amount, nil)
	}
	return l.mutateWithHealth(user, asset, op, apply, amount, guard)
}

func (l *Ledger) mutateWithHealth(user, asset, op string, apply func(*Position, *registry.Asset) error, amount *big.Int, guard func(*HealthSnapshot) error) (*Position, error) {
	metrics := observability.Lending()
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	if l.registry == nil {
		return nil, errNilRegistry
	}
	trimmedUser := strings.TrimSpace(user)
	if trimmedUser == "" {
		metrics.ObserveMutation(op, "invalid")
		return nil, fmt.Errorf("%w: user required", ErrInvalidAmount)
	}
	if amount == nil || amount.Sign() <= 0 {
		metrics.ObserveMutation(op, "invalid")
		return nil, ErrInvalidAmount
	}
	cfg, err := l.registry.Get(asset)
	if err != nil {
		metrics.ObserveMutation(op, "rejected")
		return nil, err
	}
	if err := l.checkGate(trimmedUser, op); err != nil {
		if errors.Is(err, common.ErrEmergencyHalt) {
			metrics.ObserveMutation(op, "halted")
		} else {
			metrics.ObserveMutation(op, "throttled")
		}
		return nil, err
	}

	unlock := l.lockUser(trimmedUser)
	defer unlock()

	pos, err := l.loadPosition(trimmedUser, cfg.Key)
	if err != nil {
		return nil, err
	}
	next := pos.Clone()
	if err := apply(next, cfg); err != nil {
		metrics.ObserveMutation(op, "rejected")
		return nil, err
	}
	next.UpdatedAt = uint64(l.now().Unix())

	if guard != nil && l.health != nil {
		// Health is evaluated against the prospective state before anything
		// persists. Debt-free positions skip the oracle entirely so a stale
		// feed can never trap collateral that secures nothing.
		hasDebt := next.Debt.Sign() > 0
		if !hasDebt {
			others, err := l.state.ListPositions(trimmedUser)
			if err != nil {
				return nil, err
			}
			for _, other := range others {
				if other != nil && other.Asset != next.Asset && other.Debt != nil && other.Debt.Sign() > 0 {
					hasDebt = true
					break
				}
			}
		}
		if hasDebt {
			snapshot, err := l.health.computeWithOverride(trimmedUser, next)
			if err != nil {
				metrics.ObserveMutation(op, "rejected")
				return nil, err
			}
			if err := guard(snapshot); err != nil {
				metrics.ObserveMutation(op, "rejected")
				return nil, err
			}
		}
	}

	if err := l.state.PutPosition(next); err != nil {
		metrics.ObserveMutation(op, "error")
		return nil, err
	}
	metrics.ObserveMutation(op, "ok")
	return next.Clone(), nil
}

// applySeizure commits a liquidation's balance changes. The caller must hold
// the borrower's lock and have re-verified eligibility; this method only
// enforces the hard balance invariants.
func (l *Ledger) applySeizure(borrower, debtAsset, collateralAsset string, repay, seize *big.Int) error {
	debtPos, err := l.loadPosition(borrower, debtAsset)
	if err != nil {
		return err
	}
	collPos, err := l.loadPosition(borrower, collateralAsset)
	if err != nil {
		return err
	}
	if repay == nil || repay.Sign() <= 0 || repay.Cmp(debtPos.Debt) > 0 {
		return fmt.Errorf("%w: outstanding %s, repay %s", ErrOverRepayment, debtPos.Debt, repay)
	}
	if seize == nil || seize.Sign() < 0 || seize.Cmp(collPos.Collateral) > 0 {
		return fmt.Errorf("%w: have %s, seize %s", ErrInsufficientCollateral, collPos.Collateral, seize)
	}

	now := uint64(l.now().Unix())
	nextDebt := debtPos.Clone()
	nextDebt.Debt = new(big.Int).Sub(nextDebt.Debt, repay)
	nextDebt.UpdatedAt = now
	nextColl := collPos.Clone()
	nextColl.Collateral = new(big.Int).Sub(nextColl.Collateral, seize)
	nextColl.UpdatedAt = now

	if err := l.state.PutPosition(nextDebt); err != nil {
		return err
	}
	if err := l.state.PutPosition(nextColl); err != nil {
		// Roll the debt side back so a partial write never survives.
		if rbErr := l.state.PutPosition(debtPos); rbErr != nil {
			return fmt.Errorf("seizure rollback failed: %v: %w", rbErr, err)
		}
		return err
	}
	return nil
}
