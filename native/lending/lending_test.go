package lending

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"crosslend/native/oracle"
	"crosslend/native/registry"
)

// memState is an in-memory State used across the package tests.
type memState struct {
	positions map[string]*Position
}

func newMemState() *memState {
	return &memState{positions: make(map[string]*Position)}
}

func stateKey(user, asset string) string { return user + "|" + asset }

func (s *memState) GetPosition(user, asset string) (*Position, error) {
	return s.positions[stateKey(user, asset)].Clone(), nil
}

func (s *memState) PutPosition(position *Position) error {
	s.positions[stateKey(position.User, position.Asset)] = position.Clone()
	return nil
}

func (s *memState) ListPositions(user string) ([]*Position, error) {
	var out []*Position
	for _, pos := range s.positions {
		if pos.User == user {
			out = append(out, pos.Clone())
		}
	}
	return out, nil
}

// memAssets is an in-memory registry.Store.
type memAssets struct {
	assets map[string]*registry.Asset
}

func (s *memAssets) GetAsset(key string) (*registry.Asset, error) {
	return s.assets[key].Clone(), nil
}

func (s *memAssets) PutAsset(asset *registry.Asset) error {
	s.assets[asset.Key] = asset.Clone()
	return nil
}

func (s *memAssets) ListAssets() ([]*registry.Asset, error) {
	out := make([]*registry.Asset, 0, len(s.assets))
	for _, asset := range s.assets {
		out = append(out, asset.Clone())
	}
	return out, nil
}

// stubPrices serves canned quotes and can be switched to fail wholesale.
type stubPrices struct {
	quotes map[string]*big.Int
	err    error
}

func (p *stubPrices) GetPrice(asset string) (oracle.PriceQuote, error) {
	if p.err != nil {
		return oracle.PriceQuote{}, p.err
	}
	price, ok := p.quotes[asset]
	if !ok {
		return oracle.PriceQuote{}, fmt.Errorf("%w: %s", oracle.ErrFeedUnavailable, asset)
	}
	return oracle.PriceQuote{Asset: asset, Price: new(big.Int).Set(price), Timestamp: time.Now()}, nil
}

// denyGate rejects every request with a fixed error.
type denyGate struct {
	err error
}

func (g *denyGate) CheckAndRecord(string, string) error { return g.err }

const (
	wethKey = "eth:weth"
	usdcKey = "eth:usdc"
)

func wadAmount(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), mustBigInt("1000000000000000000"))
}

// weiAmount converts a milli-ether count into wei so fractional balances stay
// integral.
func weiAmount(milli int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(milli), mustBigInt("1000000000000000"))
}

func usdcAmount(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

type fixture struct {
	state  *memState
	reg    *registry.Registry
	prices *stubPrices
	health *HealthEngine
	ledger *Ledger
}

// newFixture wires a ledger over two assets: weth as 18-decimal collateral at
// $2000 and usdc as 6-decimal borrowable at $1.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	state := newMemState()
	reg := registry.New(&memAssets{assets: make(map[string]*registry.Asset)})

	if err := reg.Upsert(&registry.Asset{
		Key:                     wethKey,
		LTVBps:                  7500,
		LiquidationThresholdBps: 8000,
		LiquidationBonusBps:     500,
		CanBeCollateral:         true,
		Active:                  true,
		Decimals:                18,
	}); err != nil {
		t.Fatalf("upsert weth: %v", err)
	}
	if err := reg.Upsert(&registry.Asset{
		Key:                     usdcKey,
		LTVBps:                  8000,
		LiquidationThresholdBps: 8500,
		LiquidationBonusBps:     500,
		CanBeCollateral:         true,
		CanBeBorrowed:           true,
		Active:                  true,
		Decimals:                6,
	}); err != nil {
		t.Fatalf("upsert usdc: %v", err)
	}

	prices := &stubPrices{quotes: map[string]*big.Int{
		wethKey: wadAmount(2_000),
		usdcKey: wadAmount(1),
	}}
	health := NewHealthEngine(state, reg, prices)
	ledger := NewLedger(state, reg, health)
	return &fixture{state: state, reg: reg, prices: prices, health: health, ledger: ledger}
}
