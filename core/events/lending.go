package events

import "math/big"

const (
	// TypeCollateralCredited is emitted when a deposit increases a user's
	// collateral balance.
	TypeCollateralCredited = "lending.collateral_credited"
	// TypeCollateralDebited is emitted when a withdrawal reduces collateral.
	TypeCollateralDebited = "lending.collateral_debited"
	// TypeDebtIncurred is emitted when a borrow increases a user's debt.
	TypeDebtIncurred = "lending.debt_incurred"
	// TypeDebtRepaid is emitted when a repayment reduces outstanding debt.
	TypeDebtRepaid = "lending.debt_repaid"
	// TypePositionLiquidated is emitted once a liquidation has committed.
	TypePositionLiquidated = "lending.position_liquidated"
	// TypeLiquidatorSelected is emitted when a randomness response resolves a
	// pending liquidator selection request.
	TypeLiquidatorSelected = "lending.liquidator_selected"
	// TypeAssetUpserted is emitted when the registry accepts an asset config.
	TypeAssetUpserted = "registry.asset_upserted"
)

// CollateralCredited reports a committed collateral deposit.
type CollateralCredited struct {
	User   string
	Asset  string
	Amount *big.Int
}

func (CollateralCredited) EventType() string { return TypeCollateralCredited }

// CollateralDebited reports a committed collateral withdrawal.
type CollateralDebited struct {
	User   string
	Asset  string
	Amount *big.Int
}

func (CollateralDebited) EventType() string { return TypeCollateralDebited }

// DebtIncurred reports a committed borrow.
type DebtIncurred struct {
	User         string
	Asset        string
	Amount       *big.Int
	HealthFactor *big.Int
}

func (DebtIncurred) EventType() string { return TypeDebtIncurred }

// DebtRepaid reports a committed repayment.
type DebtRepaid struct {
	User   string
	Asset  string
	Amount *big.Int
}

func (DebtRepaid) EventType() string { return TypeDebtRepaid }

// PositionLiquidated reports a committed liquidation.
type PositionLiquidated struct {
	RecordID         uint64
	Borrower         string
	Liquidator       string
	DebtAsset        string
	CollateralAsset  string
	DebtRepaid       *big.Int
	CollateralSeized *big.Int
	Emergency        bool
}

func (PositionLiquidated) EventType() string { return TypePositionLiquidated }

// LiquidatorSelected reports the winner of a fair-selection request.
type LiquidatorSelected struct {
	RequestID  string
	Borrower   string
	Liquidator string
}

func (LiquidatorSelected) EventType() string { return TypeLiquidatorSelected }

// AssetUpserted reports an accepted asset configuration change.
type AssetUpserted struct {
	Asset string
}

func (AssetUpserted) EventType() string { return TypeAssetUpserted }
