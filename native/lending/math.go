package lending

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	wad         = mustBigInt("1000000000000000000") // 1e18 fixed point

	// MaxHealthFactor is the sentinel health factor reported for debt-free
	// positions. It stands in for infinity so callers can compare without
	// special cases.
	MaxHealthFactor = mustBigInt("1000000000000000000000000000")
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// wadDiv divides two wad values, widening through big.Int so the intermediate
// product cannot overflow. Rounds down.
func wadDiv(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(a, wad)
	return numerator.Quo(numerator, b)
}

// bpsMul scales a value by basis points, rounding down.
func bpsMul(a *big.Int, bps uint64) *big.Int {
	if a == nil || bps == 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(a, new(big.Int).SetUint64(bps))
	return scaled.Quo(scaled, basisPoints)
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// valueOf converts an asset amount at the asset's native decimals into a wad
// value using an 18-decimal price.
func valueOf(amount, price *big.Int, decimals uint8) *big.Int {
	if amount == nil || price == nil || amount.Sign() == 0 || price.Sign() == 0 {
		return big.NewInt(0)
	}
	value := new(big.Int).Mul(amount, price)
	return value.Quo(value, pow10(decimals))
}

// unitsOf converts a wad value back into asset units at the asset's native
// decimals using an 18-decimal price. Rounds down to the smallest unit.
func unitsOf(value, price *big.Int, decimals uint8) *big.Int {
	if value == nil || price == nil || value.Sign() == 0 || price.Sign() == 0 {
		return big.NewInt(0)
	}
	units := new(big.Int).Mul(value, pow10(decimals))
	return units.Quo(units, price)
}
