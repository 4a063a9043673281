package lending

import "math/big"

// Seizure is the computed outcome of a partial liquidation: the debt actually
// repaid by the liquidator and the collateral released to them.
type Seizure struct {
	DebtRepaid       *big.Int
	CollateralSeized *big.Int
}

// PlanLiquidation sizes a liquidation against the borrower's current position.
// The repayment is capped at half the outstanding debt per call (integer-floor
// halving), converted to USD, grossed up by the liquidation bonus and turned
// back into collateral units with the same rounding order as the valuation
// formulas. The seizure is clamped to the available collateral: a liquidator
// may receive less than the nominal bonus on a deeply underwater position,
// which is an accepted economic outcome rather than an error.
func PlanLiquidation(p Position, requested *big.Int, params ProtocolParams, collateralPrice, borrowPrice *big.Int) Seizure {
	debt := ensureInt(p.Debt)
	collateral := ensureInt(p.Collateral)

	maxLiquidatable := new(big.Int).Quo(debt, two)
	repaid := minBig(requested, maxLiquidatable)

	debtValue := DebtValueUSD(repaid, borrowPrice)
	bonusScale := new(big.Int).Add(precision, ensureInt(params.LiquidationBonus))
	bonusValue := mulDiv(debtValue, bonusScale, precision)
	seized := mulDiv(bonusValue, pricePrecision, collateralPrice)
	if seized.Cmp(collateral) > 0 {
		seized = new(big.Int).Set(collateral)
	}
	return Seizure{DebtRepaid: repaid, CollateralSeized: seized}
}
