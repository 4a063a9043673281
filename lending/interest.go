package lending

import "math/big"

// AccrueInterest folds simple time-proportional interest into the position's
// debt and stamps the accrual time. A position with no debt, or one that has
// never been touched, is initialised to now without charging interest. Repeated
// calls compound principal, the interest within a single call does not.
func AccrueInterest(p Position, now uint64, annualRate *big.Int) Position {
	p.ensureDefaults()
	if p.Debt.Sign() == 0 || p.LastAccrual == 0 {
		p.LastAccrual = now
		return p
	}
	if now <= p.LastAccrual {
		return p
	}
	interest := interestFor(p.Debt, annualRate, now-p.LastAccrual)
	p.Debt = new(big.Int).Add(p.Debt, interest)
	p.LastAccrual = now
	return p
}

// ProjectDebt returns the debt with interest accrued to now without mutating
// the stored accrual timestamp. Query paths use this so views never have side
// effects. The formula is identical to AccrueInterest and must stay that way.
func ProjectDebt(p Position, now uint64, annualRate *big.Int) *big.Int {
	debt := ensureInt(p.Debt)
	if debt.Sign() == 0 || p.LastAccrual == 0 || now <= p.LastAccrual {
		return new(big.Int).Set(debt)
	}
	return new(big.Int).Add(debt, interestFor(debt, annualRate, now-p.LastAccrual))
}

// interestFor computes floor(debt * rate * elapsed / (1e18 * secondsPerYear)).
func interestFor(debt, annualRate *big.Int, elapsed uint64) *big.Int {
	if annualRate == nil || annualRate.Sign() <= 0 {
		return big.NewInt(0)
	}
	interest := new(big.Int).Mul(debt, annualRate)
	interest.Mul(interest, new(big.Int).SetUint64(elapsed))
	denominator := new(big.Int).Mul(precision, big.NewInt(secondsPerYear))
	return interest.Quo(interest, denominator)
}
