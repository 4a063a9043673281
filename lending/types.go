package lending

import "math/big"

// Position is the per-account lending record. Amounts are integer asset units
// expressed as big integers to match on-chain precision.
type Position struct {
	// Collateral is the amount of collateral asset held on the account's
	// behalf.
	Collateral *big.Int
	// Debt is the outstanding borrow balance, principal plus interest folded
	// in on each accrual. The two are not tracked separately.
	Debt *big.Int
	// LastAccrual records when interest was last folded into Debt, as a unix
	// timestamp. Zero before the position's first touch.
	LastAccrual uint64
}

// Clone returns a deep copy of the position.
func (p Position) Clone() Position {
	clone := Position{LastAccrual: p.LastAccrual}
	if p.Collateral != nil {
		clone.Collateral = new(big.Int).Set(p.Collateral)
	}
	if p.Debt != nil {
		clone.Debt = new(big.Int).Set(p.Debt)
	}
	return clone
}

func (p *Position) ensureDefaults() {
	if p.Collateral == nil {
		p.Collateral = big.NewInt(0)
	}
	if p.Debt == nil {
		p.Debt = big.NewInt(0)
	}
}

// ProtocolParams groups the administrator-controlled risk limits. All values
// are 1e18-scaled ratios.
type ProtocolParams struct {
	// LTV is the maximum borrow value as a fraction of collateral value.
	LTV *big.Int
	// LiquidationThreshold is the collateral fraction counted toward
	// solvency; positions become liquidatable below it. Strictly above LTV.
	LiquidationThreshold *big.Int
	// LiquidationBonus is the extra collateral fraction awarded to a
	// liquidator above the USD value of debt repaid.
	LiquidationBonus *big.Int
}

// Clone returns a deep copy of the parameter set.
func (p ProtocolParams) Clone() ProtocolParams {
	clone := ProtocolParams{}
	if p.LTV != nil {
		clone.LTV = new(big.Int).Set(p.LTV)
	}
	if p.LiquidationThreshold != nil {
		clone.LiquidationThreshold = new(big.Int).Set(p.LiquidationThreshold)
	}
	if p.LiquidationBonus != nil {
		clone.LiquidationBonus = new(big.Int).Set(p.LiquidationBonus)
	}
	return clone
}

// Validate enforces 0 < ltv < liquidationThreshold <= 1e18 and
// liquidationBonus <= 0.5e18.
func (p ProtocolParams) Validate() error {
	if p.LTV == nil || p.LTV.Sign() <= 0 {
		return ErrInvalidParams
	}
	if p.LiquidationThreshold == nil || p.LiquidationThreshold.Cmp(p.LTV) <= 0 {
		return ErrInvalidParams
	}
	if p.LiquidationThreshold.Cmp(precision) > 0 {
		return ErrInvalidParams
	}
	maxBonus := new(big.Int).Quo(precision, two)
	if p.LiquidationBonus == nil || p.LiquidationBonus.Sign() < 0 || p.LiquidationBonus.Cmp(maxBonus) > 0 {
		return ErrInvalidParams
	}
	return nil
}

// Totals tracks the protocol-wide running sums maintained alongside every
// position mutation.
type Totals struct {
	Collateral *big.Int
	Borrowed   *big.Int
}

// Clone returns a deep copy of the totals.
func (t Totals) Clone() Totals {
	clone := Totals{}
	if t.Collateral != nil {
		clone.Collateral = new(big.Int).Set(t.Collateral)
	}
	if t.Borrowed != nil {
		clone.Borrowed = new(big.Int).Set(t.Borrowed)
	}
	return clone
}

func (t *Totals) ensureDefaults() {
	if t.Collateral == nil {
		t.Collateral = big.NewInt(0)
	}
	if t.Borrowed == nil {
		t.Borrowed = big.NewInt(0)
	}
}
