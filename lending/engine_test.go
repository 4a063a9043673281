package lending

import (
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"lendvault/storage"
)

const (
	collAsset = "COLL"
	borrAsset = "BORR"
)

type mockOracle struct {
	prices map[string]*big.Int
	err    error
}

func (m *mockOracle) GetPrice(asset string) (*big.Int, error) {
	if m.err != nil {
		return nil, m.err
	}
	price, ok := m.prices[asset]
	if !ok {
		return nil, errors.New("mock oracle: unknown asset")
	}
	return price, nil
}

type transferCall struct {
	account common.Address
	amount  *big.Int
}

type mockToken struct {
	pulls   []transferCall
	pushes  []transferCall
	pullErr error
	pushErr error
}

func (m *mockToken) Pull(from common.Address, amount *big.Int) error {
	if m.pullErr != nil {
		return m.pullErr
	}
	m.pulls = append(m.pulls, transferCall{account: from, amount: new(big.Int).Set(amount)})
	return nil
}

func (m *mockToken) Push(to common.Address, amount *big.Int) error {
	if m.pushErr != nil {
		return m.pushErr
	}
	m.pushes = append(m.pushes, transferCall{account: to, amount: new(big.Int).Set(amount)})
	return nil
}

type rewardsNote struct {
	account common.Address
	total   *big.Int
}

type mockRewards struct {
	notes    []rewardsNote
	err      error
	onNotify func() error
}

func (m *mockRewards) NotifyDepositChange(account common.Address, newTotal *big.Int) error {
	if m.err != nil {
		return m.err
	}
	if m.onNotify != nil {
		if err := m.onNotify(); err != nil {
			return err
		}
	}
	m.notes = append(m.notes, rewardsNote{account: account, total: new(big.Int).Set(newTotal)})
	return nil
}

// flakyDB lets a test reject batch writes to exercise commit-failure paths.
type flakyDB struct {
	storage.Database
	failWrites bool
}

type flakyBatch struct{ storage.Batch }

func (flakyBatch) Write() error { return errors.New("batch write rejected") }

func (db *flakyDB) NewBatch() storage.Batch {
	batch := db.Database.NewBatch()
	if db.failWrites {
		return flakyBatch{batch}
	}
	return batch
}

type testEnv struct {
	engine     *Engine
	oracle     *mockOracle
	collateral *mockToken
	borrow     *mockToken
	rewards    *mockRewards
	db         *flakyDB
	admin      common.Address
	now        uint64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		oracle: &mockOracle{prices: map[string]*big.Int{
			collAsset: usdPrice(2000),
			borrAsset: usdPrice(1),
		}},
		collateral: &mockToken{},
		borrow:     &mockToken{},
		rewards:    &mockRewards{},
		db:         &flakyDB{Database: storage.NewMemDB()},
		admin:      testAddress(0xAA),
		now:        1_000,
	}
	engine := NewEngine(env.admin, testParams(), ratio(5))
	engine.SetLedger(NewLedger(env.db))
	engine.SetOracle(env.oracle)
	engine.SetTokens(env.collateral, env.borrow)
	engine.SetAssets(collAsset, borrAsset)
	engine.SetClock(func() uint64 { return env.now })
	if err := engine.SetRewardsDistributor(env.admin, env.rewards); err != nil {
		t.Fatalf("wire rewards: %v", err)
	}
	env.engine = engine
	return env
}

func (env *testEnv) position(t *testing.T, account common.Address) Position {
	t.Helper()
	pos, err := env.engine.GetPosition(account)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	return pos
}

func (env *testEnv) totals(t *testing.T) Totals {
	t.Helper()
	totals, err := env.engine.Totals()
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	return totals
}

func TestDepositUpdatesPositionTotalsAndRewards(t *testing.T) {
	env := newTestEnv(t)
	account := testAddress(0x01)

	if err := env.engine.Deposit(account, big.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	pos := env.position(t, account)
	if pos.Collateral.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("unexpected collateral: %s", pos.Collateral)
	}
	totals := env.totals(t)
	if totals.Collateral.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("unexpected total collateral: %s", totals.Collateral)
	}
	if len(env.collateral.pulls) != 1 || env.collateral.pulls[0].amount.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("collateral not pulled: %+v", env.collateral.pulls)
	}
	if len(env.rewards.notes) != 1 || env.rewards.notes[0].total.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("rewards not notified with new total: %+v", env.rewards.notes)
	}
}

func TestDepositRejectsZeroAmount(t *testing.T) {
	env := newTestEnv(t)

	if err := env.engine.Deposit(testAddress(0x01), big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if len(env.collateral.pulls) != 0 {
		t.Fatalf("zero deposit moved funds: %+v", env.collateral.pulls)
	}
}

func TestDepositUnwindsPullWhenRewardsFail(t *testing.T) {
	env := newTestEnv(t)
	env.rewards.err = errors.New("distributor offline")
	account := testAddress(0x01)

	if err := env.engine.Deposit(account, big.NewInt(10)); err == nil {
		t.Fatalf("expected deposit to abort")
	}
	if len(env.collateral.pushes) != 1 || env.collateral.pushes[0].amount.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("pulled collateral not returned: %+v", env.collateral.pushes)
	}
	pos := env.position(t, account)
	if pos.Collateral.Sign() != 0 {
		t.Fatalf("aborted deposit left state: %s", pos.Collateral)
	}
	if env.totals(t).Collateral.Sign() != 0 {
		t.Fatalf("aborted deposit changed totals")
	}
}

func TestWithdrawRequiresSufficientCollateral(t *testing.T) {
	env := newTestEnv(t)
	account := testAddress(0x01)

	if err := env.engine.Deposit(account, big.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.Withdraw(account, big.NewInt(11)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
}

func TestWithdrawEnforcesHealthWithDebt(t *testing.T) {
	env := newTestEnv(t)
	account := testAddress(0x01)

	if err := env.engine.Deposit(account, big.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.Borrow(account, big.NewInt(10_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Remaining 6 units back only 9600 USD at the 80% threshold, below the
	// 10000 debt.
	if err := env.engine.Withdraw(account, big.NewInt(4)); !errors.Is(err, ErrUnhealthyPosition) {
		t.Fatalf("expected ErrUnhealthyPosition, got %v", err)
	}
	// Remaining 8 units back 12800 USD, still healthy.
	if err := env.engine.Withdraw(account, big.NewInt(2)); err != nil {
		t.Fatalf("healthy withdraw rejected: %v", err)
	}
	pos := env.position(t, account)
	if pos.Collateral.Cmp(big.NewInt(8)) != 0 {
		t.Fatalf("unexpected collateral after withdraw: %s", pos.Collateral)
	}
}

func TestWithdrawNotifiesRewardsWithPostWithdrawTotal(t *testing.T) {
	env := newTestEnv(t)
	account := testAddress(0x01)

	if err := env.engine.Deposit(account, big.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.Withdraw(account, big.NewInt(4)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	last := env.rewards.notes[len(env.rewards.notes)-1]
	if last.total.Cmp(big.NewInt(6)) != 0 {
		t.Fatalf("rewards saw %s, want post-withdraw total 6", last.total)
	}
	if len(env.collateral.pushes) != 1 || env.collateral.pushes[0].amount.Cmp(big.NewInt(4)) != 0 {
		t.Fatalf("collateral not pushed out: %+v", env.collateral.pushes)
	}
}

func TestBorrowRespectsLimit(t *testing.T) {
	env := newTestEnv(t)
	account := testAddress(0x01)

	if err := env.engine.Borrow(account, big.NewInt(1)); !errors.Is(err, ErrNoCollateral) {
		t.Fatalf("expected ErrNoCollateral, got %v", err)
	}

	if err := env.engine.Deposit(account, big.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.Borrow(account, big.NewInt(15_001)); !errors.Is(err, ErrExceedsBorrowLimit) {
		t.Fatalf("expected ErrExceedsBorrowLimit, got %v", err)
	}
	if err := env.engine.Borrow(account, big.NewInt(15_000)); err != nil {
		t.Fatalf("borrow at limit rejected: %v", err)
	}
	pos := env.position(t, account)
	if pos.Debt.Cmp(big.NewInt(15_000)) != 0 {
		t.Fatalf("unexpected debt: %s", pos.Debt)
	}
	if env.totals(t).Borrowed.Cmp(big.NewInt(15_000)) != 0 {
		t.Fatalf("unexpected total borrowed")
	}
	if len(env.borrow.pushes) != 1 || env.borrow.pushes[0].amount.Cmp(big.NewInt(15_000)) != 0 {
		t.Fatalf("borrow asset not pushed out: %+v", env.borrow.pushes)
	}
}

func TestRepayOverpaymentSettlesExactDebt(t *testing.T) {
	env := newTestEnv(t)
	account := testAddress(0x01)

	if err := env.engine.Deposit(account, big.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.Borrow(account, big.NewInt(500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	repaid, err := env.engine.Repay(account, big.NewInt(999_999))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if repaid.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected repaid amount: %s want 500", repaid)
	}
	if len(env.borrow.pulls) != 1 || env.borrow.pulls[0].amount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("pulled more than outstanding debt: %+v", env.borrow.pulls)
	}
	pos := env.position(t, account)
	if pos.Debt.Sign() != 0 {
		t.Fatalf("debt not cleared: %s", pos.Debt)
	}
	if env.totals(t).Borrowed.Sign() != 0 {
		t.Fatalf("total borrowed not cleared")
	}
}

func TestRepayWithoutDebt(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.engine.Repay(testAddress(0x01), big.NewInt(100)); !errors.Is(err, ErrNoDebt) {
		t.Fatalf("expected ErrNoDebt, got %v", err)
	}
}

func TestInterestFoldsInOnTouch(t *testing.T) {
	env := newTestEnv(t)
	account := testAddress(0x01)

	if err := env.engine.Deposit(account, big.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.Borrow(account, big.NewInt(10_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Untouched for exactly one year at 5%: the debt becomes 10500 when the
	// next operation accrues it.
	env.now += secondsPerYear
	repaid, err := env.engine.Repay(account, big.NewInt(20_000))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if repaid.Cmp(big.NewInt(10_500)) != 0 {
		t.Fatalf("unexpected settled debt: got %s want 10500", repaid)
	}
}

func TestBorrowTotalTracksAccruedInterest(t *testing.T) {
	env := newTestEnv(t)
	account := testAddress(0x01)

	if err := env.engine.Deposit(account, big.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.Borrow(account, big.NewInt(10_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// A year of interest folds into both the position and the borrow total on
	// the next touch.
	env.now += secondsPerYear
	if err := env.engine.Withdraw(account, big.NewInt(1)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	pos := env.position(t, account)
	if pos.Debt.Cmp(big.NewInt(10_500)) != 0 {
		t.Fatalf("unexpected debt after accrual: %s want 10500", pos.Debt)
	}
	totals := env.totals(t)
	if totals.Borrowed.Cmp(pos.Debt) != 0 {
		t.Fatalf("borrow total drifted from debt: total %s debt %s", totals.Borrowed, pos.Debt)
	}
}

func TestCommitFailureUnwindsDepositPull(t *testing.T) {
	env := newTestEnv(t)
	account := testAddress(0x01)
	env.db.failWrites = true

	if err := env.engine.Deposit(account, big.NewInt(10)); err == nil {
		t.Fatalf("expected deposit to fail on commit")
	}
	if len(env.collateral.pushes) != 1 || env.collateral.pushes[0].amount.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("pulled collateral not returned: %+v", env.collateral.pushes)
	}

	env.db.failWrites = false
	if env.position(t, account).Collateral.Sign() != 0 {
		t.Fatalf("failed commit left state behind")
	}
}

func TestCommitFailureUnwindsRepayPull(t *testing.T) {
	env := newTestEnv(t)
	account := testAddress(0x01)

	if err := env.engine.Deposit(account, big.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.Borrow(account, big.NewInt(1_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	env.db.failWrites = true
	if _, err := env.engine.Repay(account, big.NewInt(400)); err == nil {
		t.Fatalf("expected repay to fail on commit")
	}
	lastPush := env.borrow.pushes[len(env.borrow.pushes)-1]
	if lastPush.account != account || lastPush.amount.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("pulled repayment not returned: %+v", lastPush)
	}

	env.db.failWrites = false
	pos := env.position(t, account)
	if pos.Debt.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("failed commit changed debt: %s", pos.Debt)
	}
	if env.totals(t).Borrowed.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("failed commit changed totals")
	}
}

func TestConcurrentDepositsLeaveConsistentState(t *testing.T) {
	env := newTestEnv(t)
	account := testAddress(0x01)

	const workers = 8
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- env.engine.Deposit(account, big.NewInt(1))
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := int64(0)
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrReentrantCall):
			// callers racing an in-flight operation are turned away
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded == 0 {
		t.Fatalf("every concurrent deposit was rejected")
	}

	pos := env.position(t, account)
	if pos.Collateral.Cmp(big.NewInt(succeeded)) != 0 {
		t.Fatalf("collateral %s does not match %d successful deposits", pos.Collateral, succeeded)
	}
	if env.totals(t).Collateral.Cmp(big.NewInt(succeeded)) != 0 {
		t.Fatalf("totals do not match successful deposits")
	}
	if int64(len(env.collateral.pulls)) != succeeded {
		t.Fatalf("%d pulls for %d successful deposits", len(env.collateral.pulls), succeeded)
	}
}

func TestLiquidatePartialFlow(t *testing.T) {
	env := newTestEnv(t)
	borrower := testAddress(0x01)
	liquidator := testAddress(0x02)

	if err := env.engine.Deposit(borrower, big.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.Borrow(borrower, big.NewInt(14_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Collateral price halves; threshold value 8000 against 14000 of debt.
	env.oracle.prices[collAsset] = usdPrice(1000)

	repaid, seized, err := env.engine.Liquidate(liquidator, borrower, big.NewInt(14_000))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if repaid.Cmp(big.NewInt(7_000)) != 0 {
		t.Fatalf("unexpected repaid: got %s want 7000", repaid)
	}
	if seized.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("unexpected seized: got %s want 7", seized)
	}

	pos := env.position(t, borrower)
	if pos.Debt.Cmp(big.NewInt(7_000)) != 0 {
		t.Fatalf("unexpected remaining debt: %s", pos.Debt)
	}
	if pos.Collateral.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("unexpected remaining collateral: %s", pos.Collateral)
	}

	totals := env.totals(t)
	if totals.Borrowed.Cmp(big.NewInt(7_000)) != 0 || totals.Collateral.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("totals not debited: %+v", totals)
	}

	// Liquidator paid the debt asset and received the collateral.
	lastPull := env.borrow.pulls[len(env.borrow.pulls)-1]
	if lastPull.account != liquidator || lastPull.amount.Cmp(big.NewInt(7_000)) != 0 {
		t.Fatalf("unexpected liquidator payment: %+v", lastPull)
	}
	lastPush := env.collateral.pushes[len(env.collateral.pushes)-1]
	if lastPush.account != liquidator || lastPush.amount.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("unexpected liquidator receipt: %+v", lastPush)
	}
}

func TestLiquidateRejectsHealthyPosition(t *testing.T) {
	env := newTestEnv(t)
	borrower := testAddress(0x01)

	if err := env.engine.Deposit(borrower, big.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.Borrow(borrower, big.NewInt(10_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	_, _, err := env.engine.Liquidate(testAddress(0x02), borrower, big.NewInt(5_000))
	if !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable, got %v", err)
	}
}

func TestLiquidateValidation(t *testing.T) {
	env := newTestEnv(t)

	if _, _, err := env.engine.Liquidate(testAddress(0x02), common.Address{}, big.NewInt(1)); !errors.Is(err, ErrInvalidAccount) {
		t.Fatalf("expected ErrInvalidAccount, got %v", err)
	}
	if _, _, err := env.engine.Liquidate(testAddress(0x02), testAddress(0x01), big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, _, err := env.engine.Liquidate(testAddress(0x02), testAddress(0x01), big.NewInt(10)); !errors.Is(err, ErrNoDebt) {
		t.Fatalf("expected ErrNoDebt, got %v", err)
	}
}

func TestPauseBlocksMutationsQueriesRemain(t *testing.T) {
	env := newTestEnv(t)
	account := testAddress(0x01)

	if err := env.engine.Deposit(account, big.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.Pause(env.admin); err != nil {
		t.Fatalf("pause: %v", err)
	}

	if err := env.engine.Deposit(account, big.NewInt(1)); !errors.Is(err, ErrPaused) {
		t.Fatalf("deposit during pause: %v", err)
	}
	if err := env.engine.Withdraw(account, big.NewInt(1)); !errors.Is(err, ErrPaused) {
		t.Fatalf("withdraw during pause: %v", err)
	}
	if err := env.engine.Borrow(account, big.NewInt(1)); !errors.Is(err, ErrPaused) {
		t.Fatalf("borrow during pause: %v", err)
	}
	if _, err := env.engine.Repay(account, big.NewInt(1)); !errors.Is(err, ErrPaused) {
		t.Fatalf("repay during pause: %v", err)
	}
	if _, _, err := env.engine.Liquidate(testAddress(0x02), account, big.NewInt(1)); !errors.Is(err, ErrPaused) {
		t.Fatalf("liquidate during pause: %v", err)
	}

	if _, err := env.engine.HealthFactor(account); err != nil {
		t.Fatalf("health query during pause: %v", err)
	}
	if _, err := env.engine.MaxBorrowable(account); err != nil {
		t.Fatalf("borrow-limit query during pause: %v", err)
	}

	if err := env.engine.Unpause(env.admin); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if err := env.engine.Deposit(account, big.NewInt(1)); err != nil {
		t.Fatalf("deposit after unpause: %v", err)
	}
}

func TestAdminGuards(t *testing.T) {
	env := newTestEnv(t)
	stranger := testAddress(0x77)

	if err := env.engine.Pause(stranger); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := env.engine.SetParameters(stranger, testParams()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	bad := testParams()
	bad.LiquidationThreshold = bad.LTV // must be strictly above LTV
	if err := env.engine.SetParameters(env.admin, bad); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}

	excessive := new(big.Int).Add(ratio(100), big.NewInt(1))
	if err := env.engine.SetInterestRate(env.admin, excessive); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate, got %v", err)
	}
	if err := env.engine.SetInterestRate(env.admin, ratio(100)); err != nil {
		t.Fatalf("100%% rate rejected: %v", err)
	}
}

func TestNestedCallIsRejected(t *testing.T) {
	env := newTestEnv(t)
	account := testAddress(0x01)

	var nestedErr error
	env.rewards.onNotify = func() error {
		nestedErr = env.engine.Deposit(account, big.NewInt(1))
		return nestedErr
	}

	if err := env.engine.Deposit(account, big.NewInt(10)); err == nil {
		t.Fatalf("expected outer deposit to abort")
	}
	if !errors.Is(nestedErr, ErrReentrantCall) {
		t.Fatalf("expected nested ErrReentrantCall, got %v", nestedErr)
	}
	if env.position(t, account).Collateral.Sign() != 0 {
		t.Fatalf("reentrant attempt left state behind")
	}
}

func TestFailedTransferLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	account := testAddress(0x01)

	if err := env.engine.Deposit(account, big.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	env.borrow.pushErr = errors.New("transfer rejected")
	if err := env.engine.Borrow(account, big.NewInt(1_000)); err == nil {
		t.Fatalf("expected borrow to abort")
	}
	pos := env.position(t, account)
	if pos.Debt.Sign() != 0 {
		t.Fatalf("aborted borrow recorded debt: %s", pos.Debt)
	}
	if env.totals(t).Borrowed.Sign() != 0 {
		t.Fatalf("aborted borrow changed totals")
	}
}

func TestOracleFailureAborts(t *testing.T) {
	env := newTestEnv(t)
	account := testAddress(0x01)

	if err := env.engine.Deposit(account, big.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	env.oracle.err = errors.New("feed down")
	err := env.engine.Borrow(account, big.NewInt(1))
	if err == nil {
		t.Fatalf("expected borrow to abort on oracle failure")
	}
	if Reason(err) != ReasonExternal {
		t.Fatalf("oracle failure not classified external: %q", Reason(err))
	}
}

func TestTotalsMatchPositionsAfterSequence(t *testing.T) {
	env := newTestEnv(t)
	alice := testAddress(0x01)
	bob := testAddress(0x02)

	steps := []func() error{
		func() error { return env.engine.Deposit(alice, big.NewInt(10)) },
		func() error { return env.engine.Deposit(bob, big.NewInt(4)) },
		func() error { return env.engine.Borrow(alice, big.NewInt(12_000)) },
		func() error { return env.engine.Borrow(bob, big.NewInt(3_000)) },
		func() error { return env.engine.Withdraw(bob, big.NewInt(1)) },
		func() error { _, err := env.engine.Repay(alice, big.NewInt(5_000)); return err },
	}
	for i, step := range steps {
		// A month passes between steps so every operation folds in interest.
		env.now += secondsPerYear / 12
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	sumCollateral := big.NewInt(0)
	sumBorrowed := big.NewInt(0)
	for _, account := range []common.Address{alice, bob} {
		pos := env.position(t, account)
		sumCollateral.Add(sumCollateral, pos.Collateral)
		sumBorrowed.Add(sumBorrowed, pos.Debt)
	}
	totals := env.totals(t)
	if totals.Collateral.Cmp(sumCollateral) != 0 {
		t.Fatalf("collateral totals drifted: totals %s sum %s", totals.Collateral, sumCollateral)
	}
	if totals.Borrowed.Cmp(sumBorrowed) != 0 {
		t.Fatalf("borrow totals drifted: totals %s sum %s", totals.Borrowed, sumBorrowed)
	}
}

func TestQueryProjectionIsRepeatable(t *testing.T) {
	env := newTestEnv(t)
	account := testAddress(0x01)

	if err := env.engine.Deposit(account, big.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.Borrow(account, big.NewInt(10_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	env.now += secondsPerYear / 2

	first, err := env.engine.HealthFactor(account)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	second, err := env.engine.HealthFactor(account)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if first.Cmp(second) != 0 {
		t.Fatalf("projection not repeatable: %s then %s", first, second)
	}
	pos := env.position(t, account)
	if pos.Debt.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("query mutated stored debt: %s", pos.Debt)
	}
}
