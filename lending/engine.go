package lending

import (
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PriceSource supplies 8-decimal fixed-point USD prices for the engine's
// assets. A missing, stale or non-positive price aborts the operation.
type PriceSource interface {
	GetPrice(asset string) (*big.Int, error)
}

// AssetTransfer moves asset units between an external holder and the protocol
// vault. Both directions are fatal-abort on failure; there is no partial
// transfer.
type AssetTransfer interface {
	Pull(from common.Address, amount *big.Int) error
	Push(to common.Address, amount *big.Int) error
}

// RewardsDistributor is notified synchronously after every collateral balance
// change. Notification flows one direction per call; a failing distributor
// aborts the operation before any ledger state is committed.
type RewardsDistributor interface {
	NotifyDepositChange(account common.Address, newCollateralTotal *big.Int) error
}

// Engine orchestrates the mutating operations of the lending protocol:
// deposit, withdraw, borrow, repay and liquidate. It owns the protocol
// configuration, the pause switch and the single-flight execution guard, and
// funnels every state change through the ledger in one atomic commit.
type Engine struct {
	ledger          *Ledger
	oracle          PriceSource
	collateralToken AssetTransfer
	borrowToken     AssetTransfer
	rewards         RewardsDistributor

	admin        common.Address
	params       ProtocolParams
	interestRate *big.Int

	collateralAsset string
	borrowAsset     string

	paused bool

	mu   sync.Mutex
	busy atomic.Bool

	now func() uint64
}

// NewEngine constructs an engine owned by the given administrator. Parameters
// are assumed pre-validated by the caller; SetParameters re-validates on every
// subsequent change.
func NewEngine(admin common.Address, params ProtocolParams, annualRate *big.Int) *Engine {
	return &Engine{
		admin:           admin,
		params:          params.Clone(),
		interestRate:    ensureInt(annualRate),
		collateralAsset: "collateral",
		borrowAsset:     "borrow",
		now: func() uint64 {
			return uint64(time.Now().Unix())
		},
	}
}

// SetLedger wires the engine to its durable position store.
func (e *Engine) SetLedger(ledger *Ledger) {
	if e == nil {
		return
	}
	e.ledger = ledger
}

// SetOracle wires the price source consulted for valuations.
func (e *Engine) SetOracle(oracle PriceSource) {
	if e == nil {
		return
	}
	e.oracle = oracle
}

// SetTokens wires the collateral and borrow asset transfer collaborators.
func (e *Engine) SetTokens(collateral, borrow AssetTransfer) {
	if e == nil {
		return
	}
	e.collateralToken = collateral
	e.borrowToken = borrow
}

// SetAssets assigns the oracle identifiers for the two assets.
func (e *Engine) SetAssets(collateralAsset, borrowAsset string) {
	if e == nil {
		return
	}
	e.collateralAsset = collateralAsset
	e.borrowAsset = borrowAsset
}

// SetClock overrides the engine's time source.
func (e *Engine) SetClock(now func() uint64) {
	if e == nil || now == nil {
		return
	}
	e.now = now
}

func (e *Engine) configured() error {
	if e == nil || e.ledger == nil || e.oracle == nil || e.collateralToken == nil || e.borrowToken == nil {
		return ErrNotConfigured
	}
	return nil
}

// enter claims the single-flight guard and checks the pause switch. The busy
// flag is read before the mutex so a nested call from a collaborator, made
// while an operation is in flight on the same goroutine, fails immediately
// instead of deadlocking; a second goroutine arriving mid-operation fails the
// same way, and goroutines arriving while the engine is idle serialize on the
// mutex.
func (e *Engine) enter() error {
	if e.busy.Load() {
		return ErrReentrantCall
	}
	e.mu.Lock()
	if e.paused {
		e.mu.Unlock()
		return ErrPaused
	}
	e.busy.Store(true)
	return nil
}

func (e *Engine) exit() {
	e.busy.Store(false)
	e.mu.Unlock()
}

// accrue folds pending interest into the position and mirrors the accrued
// amount in the protocol borrow total, keeping totalBorrowed equal to the sum
// of all debts across accrual.
func accrue(pos Position, totals Totals, now uint64, rate *big.Int) (Position, Totals) {
	before := pos.Debt
	pos = AccrueInterest(pos, now, rate)
	if interest := new(big.Int).Sub(pos.Debt, before); interest.Sign() > 0 {
		totals.Borrowed = new(big.Int).Add(totals.Borrowed, interest)
	}
	return pos, totals
}

func (e *Engine) price(asset string) (*big.Int, error) {
	value, err := e.oracle.GetPrice(asset)
	if err != nil {
		return nil, fmt.Errorf("lending engine: oracle price for %s: %w", asset, err)
	}
	if value == nil || value.Sign() <= 0 {
		return nil, ErrOraclePrice
	}
	return value, nil
}

// Deposit pulls collateral from the account into the protocol vault and
// credits the position. Rewards are notified with the new collateral total.
func (e *Engine) Deposit(account common.Address, amount *big.Int) error {
	if err := e.configured(); err != nil {
		return err
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	pos, err := e.ledger.GetPosition(account)
	if err != nil {
		return err
	}
	totals, err := e.ledger.Totals()
	if err != nil {
		return err
	}

	if err := e.collateralToken.Pull(account, amount); err != nil {
		return fmt.Errorf("lending engine: collateral transfer in: %w", err)
	}

	pos.Collateral = new(big.Int).Add(pos.Collateral, amount)
	totals.Collateral = new(big.Int).Add(totals.Collateral, amount)

	if e.rewards != nil {
		if err := e.rewards.NotifyDepositChange(account, pos.Collateral); err != nil {
			// Return the pulled collateral so the abort leaves no trace.
			if pushErr := e.collateralToken.Push(account, amount); pushErr != nil {
				return fmt.Errorf("lending engine: rewards notify failed and unwind failed: %w", pushErr)
			}
			return fmt.Errorf("lending engine: rewards notify: %w", err)
		}
	}

	if err := e.ledger.Commit(account, pos, totals); err != nil {
		if pushErr := e.collateralToken.Push(account, amount); pushErr != nil {
			return fmt.Errorf("lending engine: commit failed and unwind failed: %w", pushErr)
		}
		return err
	}
	return nil
}

// Withdraw releases collateral back to the account. When the position carries
// debt, the remainder must keep the health factor at or above 1e18.
func (e *Engine) Withdraw(account common.Address, amount *big.Int) error {
	if err := e.configured(); err != nil {
		return err
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	pos, err := e.ledger.GetPosition(account)
	if err != nil {
		return err
	}
	totals, err := e.ledger.Totals()
	if err != nil {
		return err
	}

	now := e.now()
	pos, totals = accrue(pos, totals, now, e.interestRate)

	if pos.Collateral.Cmp(amount) < 0 {
		return ErrInsufficientCollateral
	}
	remaining := new(big.Int).Sub(pos.Collateral, amount)

	// Rewards see the post-withdraw total before the ledger does, matching
	// the operation's external call order.
	if e.rewards != nil {
		if err := e.rewards.NotifyDepositChange(account, remaining); err != nil {
			return fmt.Errorf("lending engine: rewards notify: %w", err)
		}
	}

	pos.Collateral = remaining
	totals.Collateral = new(big.Int).Sub(totals.Collateral, amount)

	if pos.Debt.Sign() > 0 {
		collateralPrice, err := e.price(e.collateralAsset)
		if err != nil {
			return err
		}
		borrowPrice, err := e.price(e.borrowAsset)
		if err != nil {
			return err
		}
		if !healthy(pos, e.params, e.interestRate, now, collateralPrice, borrowPrice) {
			return ErrUnhealthyPosition
		}
	}

	if err := e.collateralToken.Push(account, amount); err != nil {
		return fmt.Errorf("lending engine: collateral transfer out: %w", err)
	}

	if err := e.ledger.Commit(account, pos, totals); err != nil {
		if pullErr := e.collateralToken.Pull(account, amount); pullErr != nil {
			return fmt.Errorf("lending engine: commit failed and unwind failed: %w", pullErr)
		}
		return err
	}
	return nil
}

// Borrow draws the borrow asset against the position's collateral, up to the
// LTV-bounded limit.
func (e *Engine) Borrow(account common.Address, amount *big.Int) error {
	if err := e.configured(); err != nil {
		return err
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	pos, err := e.ledger.GetPosition(account)
	if err != nil {
		return err
	}
	if pos.Collateral.Sign() == 0 {
		return ErrNoCollateral
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	totals, err := e.ledger.Totals()
	if err != nil {
		return err
	}

	now := e.now()
	pos, totals = accrue(pos, totals, now, e.interestRate)

	collateralPrice, err := e.price(e.collateralAsset)
	if err != nil {
		return err
	}
	borrowPrice, err := e.price(e.borrowAsset)
	if err != nil {
		return err
	}
	limit := MaxBorrowable(pos, e.params, e.interestRate, now, collateralPrice, borrowPrice)
	if amount.Cmp(limit) > 0 {
		return ErrExceedsBorrowLimit
	}

	pos.Debt = new(big.Int).Add(pos.Debt, amount)
	pos.LastAccrual = now
	totals.Borrowed = new(big.Int).Add(totals.Borrowed, amount)

	if err := e.borrowToken.Push(account, amount); err != nil {
		return fmt.Errorf("lending engine: borrow transfer out: %w", err)
	}

	if err := e.ledger.Commit(account, pos, totals); err != nil {
		if pullErr := e.borrowToken.Pull(account, amount); pullErr != nil {
			return fmt.Errorf("lending engine: commit failed and unwind failed: %w", pullErr)
		}
		return err
	}
	return nil
}

// Repay pulls up to the outstanding debt from the account and reduces the
// position. The amount actually repaid is returned; requesting more than is
// owed settles exactly the debt.
func (e *Engine) Repay(account common.Address, amount *big.Int) (*big.Int, error) {
	if err := e.configured(); err != nil {
		return nil, err
	}
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()

	pos, err := e.ledger.GetPosition(account)
	if err != nil {
		return nil, err
	}
	totals, err := e.ledger.Totals()
	if err != nil {
		return nil, err
	}

	pos, totals = accrue(pos, totals, e.now(), e.interestRate)
	if pos.Debt.Sign() == 0 {
		return nil, ErrNoDebt
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	actual := minBig(amount, pos.Debt)
	if err := e.borrowToken.Pull(account, actual); err != nil {
		return nil, fmt.Errorf("lending engine: repay transfer in: %w", err)
	}

	pos.Debt = new(big.Int).Sub(pos.Debt, actual)
	totals.Borrowed = new(big.Int).Sub(totals.Borrowed, actual)

	if err := e.ledger.Commit(account, pos, totals); err != nil {
		if pushErr := e.borrowToken.Push(account, actual); pushErr != nil {
			return nil, fmt.Errorf("lending engine: commit failed and unwind failed: %w", pushErr)
		}
		return nil, err
	}
	return actual, nil
}

// Liquidate lets a third party repay part of an unhealthy borrower's debt in
// exchange for discounted collateral. At most half of the current debt can be
// closed per call. The repaid debt and seized collateral are returned.
func (e *Engine) Liquidate(liquidator, borrower common.Address, debtAmount *big.Int) (*big.Int, *big.Int, error) {
	if err := e.configured(); err != nil {
		return nil, nil, err
	}
	if err := e.enter(); err != nil {
		return nil, nil, err
	}
	defer e.exit()

	if borrower == (common.Address{}) {
		return nil, nil, ErrInvalidAccount
	}
	if debtAmount == nil || debtAmount.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	pos, err := e.ledger.GetPosition(borrower)
	if err != nil {
		return nil, nil, err
	}
	totals, err := e.ledger.Totals()
	if err != nil {
		return nil, nil, err
	}

	now := e.now()
	pos, totals = accrue(pos, totals, now, e.interestRate)
	if pos.Debt.Sign() == 0 {
		return nil, nil, ErrNoDebt
	}

	collateralPrice, err := e.price(e.collateralAsset)
	if err != nil {
		return nil, nil, err
	}
	borrowPrice, err := e.price(e.borrowAsset)
	if err != nil {
		return nil, nil, err
	}
	if healthy(pos, e.params, e.interestRate, now, collateralPrice, borrowPrice) {
		return nil, nil, ErrNotLiquidatable
	}

	plan := PlanLiquidation(pos, debtAmount, e.params, collateralPrice, borrowPrice)

	if plan.DebtRepaid.Sign() > 0 {
		if err := e.borrowToken.Pull(liquidator, plan.DebtRepaid); err != nil {
			return nil, nil, fmt.Errorf("lending engine: liquidation repay transfer in: %w", err)
		}
	}
	if plan.CollateralSeized.Sign() > 0 {
		if err := e.collateralToken.Push(liquidator, plan.CollateralSeized); err != nil {
			// Return the liquidator's payment so the abort leaves no trace.
			if plan.DebtRepaid.Sign() > 0 {
				if pushErr := e.borrowToken.Push(liquidator, plan.DebtRepaid); pushErr != nil {
					return nil, nil, fmt.Errorf("lending engine: collateral seize failed and unwind failed: %w", pushErr)
				}
			}
			return nil, nil, fmt.Errorf("lending engine: collateral transfer out: %w", err)
		}
	}

	pos.Debt = new(big.Int).Sub(pos.Debt, plan.DebtRepaid)
	pos.Collateral = new(big.Int).Sub(pos.Collateral, plan.CollateralSeized)
	totals.Borrowed = new(big.Int).Sub(totals.Borrowed, plan.DebtRepaid)
	totals.Collateral = new(big.Int).Sub(totals.Collateral, plan.CollateralSeized)

	if err := e.ledger.Commit(borrower, pos, totals); err != nil {
		if unwindErr := e.unwindSeizure(liquidator, plan); unwindErr != nil {
			return nil, nil, fmt.Errorf("lending engine: commit failed and unwind failed: %w", unwindErr)
		}
		return nil, nil, err
	}
	return plan.DebtRepaid, plan.CollateralSeized, nil
}

// unwindSeizure reverses the liquidator's transfers after a failed commit:
// the seized collateral is pulled back and the repaid debt returned.
func (e *Engine) unwindSeizure(liquidator common.Address, plan Seizure) error {
	if plan.CollateralSeized.Sign() > 0 {
		if err := e.collateralToken.Pull(liquidator, plan.CollateralSeized); err != nil {
			return err
		}
	}
	if plan.DebtRepaid.Sign() > 0 {
		if err := e.borrowToken.Push(liquidator, plan.DebtRepaid); err != nil {
			return err
		}
	}
	return nil
}

// --- Administrator surface. Admin operations bypass the pause switch and
// never touch positions.

func (e *Engine) requireAdmin(caller common.Address) error {
	if caller != e.admin {
		return ErrUnauthorized
	}
	return nil
}

// SetParameters replaces the protocol risk parameters after validating the
// ltv < liquidationThreshold <= 1e18 and liquidationBonus <= 0.5e18
// invariants.
func (e *Engine) SetParameters(caller common.Address, params ProtocolParams) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params = params.Clone()
	return nil
}

// SetInterestRate updates the annualized rate. The only bound is the 100%
// ceiling; the rate is deliberately uncoupled from the LTV and threshold.
func (e *Engine) SetInterestRate(caller common.Address, annualRate *big.Int) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if annualRate == nil || annualRate.Sign() < 0 || annualRate.Cmp(precision) > 0 {
		return ErrInvalidRate
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interestRate = new(big.Int).Set(annualRate)
	return nil
}

// Pause rejects the five mutating operations until Unpause. Queries stay
// available.
func (e *Engine) Pause(caller common.Address) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
	return nil
}

func (e *Engine) Unpause(caller common.Address) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
	return nil
}

// SetRewardsDistributor swaps the rewards collaborator. A nil distributor
// disables notifications.
func (e *Engine) SetRewardsDistributor(caller common.Address, distributor RewardsDistributor) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rewards = distributor
	return nil
}

// --- Query surface. Side-effect free; available while paused. Queries share
// the operation mutex, so they wait out an in-flight mutation rather than read
// through it.

// GetPosition returns the stored position for the account.
func (e *Engine) GetPosition(account common.Address) (Position, error) {
	if e == nil || e.ledger == nil {
		return Position{}, ErrNotConfigured
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, err := e.ledger.GetPosition(account)
	if err != nil {
		return Position{}, err
	}
	return pos.Clone(), nil
}

// HealthFactor projects interest to now and returns the 1e18-scaled health
// factor without touching stored state.
func (e *Engine) HealthFactor(account common.Address) (*big.Int, error) {
	if err := e.configured(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, err := e.ledger.GetPosition(account)
	if err != nil {
		return nil, err
	}
	if pos.Debt.Sign() == 0 {
		return new(big.Int).Set(MaxHealthFactor), nil
	}
	collateralPrice, err := e.price(e.collateralAsset)
	if err != nil {
		return nil, err
	}
	borrowPrice, err := e.price(e.borrowAsset)
	if err != nil {
		return nil, err
	}
	return HealthFactor(pos, e.params, e.interestRate, e.now(), collateralPrice, borrowPrice), nil
}

// MaxBorrowable projects interest to now and returns the additional amount the
// account could borrow.
func (e *Engine) MaxBorrowable(account common.Address) (*big.Int, error) {
	if err := e.configured(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, err := e.ledger.GetPosition(account)
	if err != nil {
		return nil, err
	}
	collateralPrice, err := e.price(e.collateralAsset)
	if err != nil {
		return nil, err
	}
	borrowPrice, err := e.price(e.borrowAsset)
	if err != nil {
		return nil, err
	}
	return MaxBorrowable(pos, e.params, e.interestRate, e.now(), collateralPrice, borrowPrice), nil
}

// Totals returns the protocol-wide collateral and borrow sums.
func (e *Engine) Totals() (Totals, error) {
	if e == nil || e.ledger == nil {
		return Totals{}, ErrNotConfigured
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	totals, err := e.ledger.Totals()
	if err != nil {
		return Totals{}, err
	}
	return totals.Clone(), nil
}

// Params returns a copy of the current risk parameters.
func (e *Engine) Params() ProtocolParams {
	if e == nil {
		return ProtocolParams{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params.Clone()
}

// InterestRate returns the current annualized rate at 1e18 scale.
func (e *Engine) InterestRate() *big.Int {
	if e == nil {
		return big.NewInt(0)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.interestRate == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(e.interestRate)
}

// Paused reports the pause switch.
func (e *Engine) Paused() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Admin returns the administrator identity.
func (e *Engine) Admin() common.Address {
	if e == nil {
		return common.Address{}
	}
	return e.admin
}
