package lending

import (
	"errors"
	"math/big"
	"testing"

	"crosslend/native/oracle"
	"crosslend/native/registry"
)

func seedPosition(t *testing.T, fx *fixture, user, asset string, collateral, debt *big.Int) {
	t.Helper()
	if err := fx.state.PutPosition(&Position{
		User:       user,
		Asset:      asset,
		Collateral: collateral,
		Debt:       debt,
	}); err != nil {
		t.Fatalf("seed %s/%s: %v", user, asset, err)
	}
}

func TestComputeHealthUnderwaterPosition(t *testing.T) {
	fx := newFixture(t)

	// 10 weth at $2000 with an 80% threshold weighs $16000 against $18000 of
	// debt after a price move, so the factor lands below one.
	seedPosition(t, fx, "bob", wethKey, weiAmount(10_000), big.NewInt(0))
	seedPosition(t, fx, "bob", usdcKey, big.NewInt(0), usdcAmount(18_000))

	snapshot, err := fx.health.ComputeHealth("bob")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if snapshot.TotalCollateralValue.Cmp(wadAmount(20_000)) != 0 {
		t.Fatalf("total collateral: got %s", snapshot.TotalCollateralValue)
	}
	if snapshot.WeightedCollateralValue.Cmp(wadAmount(16_000)) != 0 {
		t.Fatalf("weighted collateral: got %s", snapshot.WeightedCollateralValue)
	}
	if snapshot.BorrowCapacityValue.Cmp(wadAmount(15_000)) != 0 {
		t.Fatalf("borrow capacity: got %s", snapshot.BorrowCapacityValue)
	}
	if snapshot.TotalBorrowValue.Cmp(wadAmount(18_000)) != 0 {
		t.Fatalf("total borrow: got %s", snapshot.TotalBorrowValue)
	}
	want := mustBigInt("888888888888888888")
	if snapshot.HealthFactor.Cmp(want) != 0 {
		t.Fatalf("health factor: want %s, got %s", want, snapshot.HealthFactor)
	}
}

func TestComputeHealthZeroDebtSentinel(t *testing.T) {
	fx := newFixture(t)
	seedPosition(t, fx, "bob", wethKey, weiAmount(1_000), big.NewInt(0))

	snapshot, err := fx.health.ComputeHealth("bob")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if snapshot.HealthFactor.Cmp(MaxHealthFactor) != 0 {
		t.Fatalf("expected sentinel health factor, got %s", snapshot.HealthFactor)
	}
}

func TestComputeHealthEmptyUser(t *testing.T) {
	fx := newFixture(t)
	snapshot, err := fx.health.ComputeHealth("nobody")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if snapshot.TotalCollateralValue.Sign() != 0 || snapshot.TotalBorrowValue.Sign() != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snapshot)
	}
	if snapshot.HealthFactor.Cmp(MaxHealthFactor) != 0 {
		t.Fatalf("expected sentinel health factor, got %s", snapshot.HealthFactor)
	}
}

func TestComputeHealthAbortsOnStalePrice(t *testing.T) {
	fx := newFixture(t)
	seedPosition(t, fx, "bob", wethKey, weiAmount(1_000), big.NewInt(0))
	seedPosition(t, fx, "bob", usdcKey, big.NewInt(0), usdcAmount(100))

	fx.prices.err = oracle.ErrStalePrice
	if _, err := fx.health.ComputeHealth("bob"); !errors.Is(err, oracle.ErrStalePrice) {
		t.Fatalf("expected stale price to abort, got %v", err)
	}
}

func TestComputeHealthAbortsOnUnknownAsset(t *testing.T) {
	fx := newFixture(t)
	seedPosition(t, fx, "bob", "eth:ghost", weiAmount(1_000), big.NewInt(0))

	if _, err := fx.health.ComputeHealth("bob"); !errors.Is(err, registry.ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
}
