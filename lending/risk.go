package lending

import "math/big"

// CollateralValueUSD converts a collateral amount into USD using an 8-decimal
// fixed-point price.
func CollateralValueUSD(collateral, price *big.Int) *big.Int {
	return mulDiv(collateral, price, pricePrecision)
}

// DebtValueUSD converts a debt amount into USD using an 8-decimal fixed-point
// price.
func DebtValueUSD(debt, price *big.Int) *big.Int {
	return mulDiv(debt, price, pricePrecision)
}

// HealthFactor returns the 1e18-scaled ratio of threshold-weighted collateral
// value to projected debt value. Values at or above 1e18 are healthy. A
// position with no debt reports MaxHealthFactor and never divides by zero.
func HealthFactor(p Position, params ProtocolParams, annualRate *big.Int, now uint64, collateralPrice, borrowPrice *big.Int) *big.Int {
	debt := ProjectDebt(p, now, annualRate)
	if debt.Sign() == 0 {
		return new(big.Int).Set(MaxHealthFactor)
	}
	debtValue := DebtValueUSD(debt, borrowPrice)
	if debtValue.Sign() == 0 {
		// Debt so small its USD value floors to zero cannot weigh against
		// the collateral.
		return new(big.Int).Set(MaxHealthFactor)
	}
	collateralValue := CollateralValueUSD(ensureInt(p.Collateral), collateralPrice)
	thresholdValue := mulDiv(collateralValue, params.LiquidationThreshold, precision)
	return mulDiv(thresholdValue, precision, debtValue)
}

// MaxBorrowable returns the additional borrow-asset amount the position can
// take on before reaching its LTV limit, floor-converted back into borrow
// units. Zero when the projected debt already meets or exceeds the limit.
func MaxBorrowable(p Position, params ProtocolParams, annualRate *big.Int, now uint64, collateralPrice, borrowPrice *big.Int) *big.Int {
	collateralValue := CollateralValueUSD(ensureInt(p.Collateral), collateralPrice)
	maxValue := mulDiv(collateralValue, params.LTV, precision)
	debtValue := DebtValueUSD(ProjectDebt(p, now, annualRate), borrowPrice)
	if debtValue.Cmp(maxValue) >= 0 {
		return big.NewInt(0)
	}
	headroom := new(big.Int).Sub(maxValue, debtValue)
	return mulDiv(headroom, pricePrecision, borrowPrice)
}

// healthy reports whether the position's health factor meets the 1e18 floor.
func healthy(p Position, params ProtocolParams, annualRate *big.Int, now uint64, collateralPrice, borrowPrice *big.Int) bool {
	return HealthFactor(p, params, annualRate, now, collateralPrice, borrowPrice).Cmp(precision) >= 0
}
