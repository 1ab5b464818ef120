package storage

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"crosslend/native/lending"
	"crosslend/native/registry"
)

func TestPositionRoundTrip(t *testing.T) {
	store := NewStateStore(NewMemDB())

	missing, err := store.GetPosition("alice", "eth:weth")
	require.NoError(t, err)
	require.Nil(t, missing, "unwritten position must read as nil")

	written := &lending.Position{
		User:       "alice",
		Asset:      "eth:weth",
		Collateral: big.NewInt(123_456_789),
		Debt:       big.NewInt(0),
		UpdatedAt:  1_700_000_000,
	}
	require.NoError(t, store.PutPosition(written))

	got, err := store.GetPosition("alice", "eth:weth")
	require.NoError(t, err)
	require.Equal(t, written.User, got.User)
	require.Equal(t, written.Asset, got.Asset)
	require.Zero(t, written.Collateral.Cmp(got.Collateral))
	require.Zero(t, written.Debt.Cmp(got.Debt))
	require.Equal(t, written.UpdatedAt, got.UpdatedAt)
}

func TestListPositionsUsesIndex(t *testing.T) {
	store := NewStateStore(NewMemDB())

	for _, asset := range []string{"eth:weth", "eth:usdc", "sol:sol"} {
		require.NoError(t, store.PutPosition(&lending.Position{
			User:       "alice",
			Asset:      asset,
			Collateral: big.NewInt(1),
			Debt:       big.NewInt(0),
		}))
	}
	// A rewrite must not duplicate the index entry.
	require.NoError(t, store.PutPosition(&lending.Position{
		User:       "alice",
		Asset:      "eth:weth",
		Collateral: big.NewInt(2),
		Debt:       big.NewInt(0),
	}))

	positions, err := store.ListPositions("alice")
	require.NoError(t, err)
	require.Len(t, positions, 3)

	other, err := store.ListPositions("bob")
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestAssetRoundTrip(t *testing.T) {
	store := NewStateStore(NewMemDB())

	missing, err := store.GetAsset("eth:weth")
	require.NoError(t, err)
	require.Nil(t, missing)

	asset := &registry.Asset{
		Key:                     "eth:weth",
		LTVBps:                  7500,
		LiquidationThresholdBps: 8000,
		LiquidationBonusBps:     500,
		CanBeCollateral:         true,
		CanBeBorrowed:           false,
		Active:                  true,
		Decimals:                18,
	}
	require.NoError(t, store.PutAsset(asset))

	got, err := store.GetAsset("eth:weth")
	require.NoError(t, err)
	require.Equal(t, asset, got)

	assets, err := store.ListAssets()
	require.NoError(t, err)
	require.Len(t, assets, 1)
}

func TestWatermarkRoundTrip(t *testing.T) {
	store := NewStateStore(NewMemDB())

	nonce, err := store.GetWatermark("ethereum")
	require.NoError(t, err)
	require.Zero(t, nonce, "unknown source starts at zero")

	require.NoError(t, store.SetWatermark("ethereum", 42))
	nonce, err = store.GetWatermark("ethereum")
	require.NoError(t, err)
	require.EqualValues(t, 42, nonce)

	// Sources are independent.
	other, err := store.GetWatermark("solana")
	require.NoError(t, err)
	require.Zero(t, other)
}
