package rewards

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var errUnauthorizedCaller = errors.New("rewards: caller is not the bound controller")

// Accumulator is a reference rewards distributor. It integrates
// collateral-seconds per account: every deposit-change notification banks the
// points earned at the previous balance and records the new one. The claim
// policy on top of the points is out of scope here.
//
// The accumulator holds the controller's identity only to validate the caller
// of its accrual entry point; notifications themselves flow one direction,
// controller to accumulator, through the NotifyDepositChange interface.
type Accumulator struct {
	mu         sync.Mutex
	controller common.Address
	accounts   map[common.Address]*accrualState
	now        func() uint64
}

type accrualState struct {
	collateral *big.Int
	points     *big.Int
	lastUpdate uint64
}

// NewAccumulator binds the accumulator to the controller identity allowed to
// drive accrual.
func NewAccumulator(controller common.Address) *Accumulator {
	return &Accumulator{
		controller: controller,
		accounts:   make(map[common.Address]*accrualState),
		now: func() uint64 {
			return uint64(time.Now().Unix())
		},
	}
}

// SetClock overrides the accrual time source.
func (a *Accumulator) SetClock(now func() uint64) {
	if a == nil || now == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

// NotifyDepositChange records the account's new collateral total, banking the
// points accrued under the previous balance first. It satisfies the engine's
// RewardsDistributor interface and is bound to the controller it was
// constructed for.
func (a *Accumulator) NotifyDepositChange(account common.Address, newCollateralTotal *big.Int) error {
	return a.Accrue(a.controller, account, newCollateralTotal)
}

// Accrue is the validated accrual entry point: only the bound controller may
// drive it.
func (a *Accumulator) Accrue(caller, account common.Address, newCollateralTotal *big.Int) error {
	if a == nil {
		return nil
	}
	if caller != a.controller {
		return errUnauthorizedCaller
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	state, ok := a.accounts[account]
	if !ok {
		state = &accrualState{collateral: big.NewInt(0), points: big.NewInt(0)}
		a.accounts[account] = state
	}
	if state.lastUpdate > 0 && now > state.lastUpdate && state.collateral.Sign() > 0 {
		elapsed := new(big.Int).SetUint64(now - state.lastUpdate)
		earned := new(big.Int).Mul(state.collateral, elapsed)
		state.points = new(big.Int).Add(state.points, earned)
	}
	if newCollateralTotal != nil {
		state.collateral = new(big.Int).Set(newCollateralTotal)
	} else {
		state.collateral = big.NewInt(0)
	}
	state.lastUpdate = now
	return nil
}

// Points returns the banked collateral-second points for the account, not
// counting time since the last notification.
func (a *Accumulator) Points(account common.Address) *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.accounts[account]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(state.points)
}

// Claim returns the banked points and resets them to zero.
func (a *Accumulator) Claim(account common.Address) *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.accounts[account]
	if !ok {
		return big.NewInt(0)
	}
	claimed := state.points
	state.points = big.NewInt(0)
	return claimed
}
