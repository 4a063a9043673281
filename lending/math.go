package lending

import "math/big"

var (
	// precision is the 1e18 fixed-point scale used for all ratio values
	// (LTV, liquidation threshold, bonus, interest rate, health factor).
	precision = big.NewInt(1_000_000_000_000_000_000)
	// pricePrecision is the 8-decimal fixed-point scale of oracle USD prices.
	pricePrecision = big.NewInt(100_000_000)

	two = big.NewInt(2)
)

const secondsPerYear = 31_536_000

// MaxHealthFactor is the sentinel health factor reported for positions with no
// debt. It is the 256-bit unsigned ceiling the engine's arithmetic is bounded
// by, so it compares above any computable health value.
var MaxHealthFactor = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// mulDiv computes a * b / den with truncating division. All valuation and
// interest arithmetic rounds down; the bias is deliberate and must be applied
// consistently so that mutating and projection paths agree bit for bit.
func mulDiv(a, b, den *big.Int) *big.Int {
	if a == nil || b == nil || den == nil || den.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, den)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func ensureInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
