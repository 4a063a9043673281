package lending

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"lendvault/storage"
)

var (
	positionPrefix = []byte("lend/pos/")
	totalsKey      = []byte("lend/totals")
)

// Ledger is the durable per-account position store plus the protocol totals.
// It applies no business rules; invariant enforcement lives in the engine.
// Records are RLP-encoded over the generic key-value backend.
type Ledger struct {
	db storage.Database
}

func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

type storedPosition struct {
	Collateral  *big.Int
	Debt        *big.Int
	LastAccrual uint64
}

type storedTotals struct {
	Collateral *big.Int
	Borrowed   *big.Int
}

func positionKey(account common.Address) []byte {
	return append(append([]byte(nil), positionPrefix...), account.Bytes()...)
}

// GetPosition returns the stored position, or a zero-valued one for an account
// that has never been touched. A position is implicitly created on first
// reference and never deleted, only driven back to zero balances.
func (l *Ledger) GetPosition(account common.Address) (Position, error) {
	if l == nil || l.db == nil {
		return Position{}, ErrNotConfigured
	}
	raw, err := l.db.Get(positionKey(account))
	if errors.Is(err, storage.ErrNotFound) {
		return Position{Collateral: big.NewInt(0), Debt: big.NewInt(0)}, nil
	}
	if err != nil {
		return Position{}, err
	}
	var stored storedPosition
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return Position{}, err
	}
	pos := Position{
		Collateral:  ensureInt(stored.Collateral),
		Debt:        ensureInt(stored.Debt),
		LastAccrual: stored.LastAccrual,
	}
	return pos, nil
}

// Totals returns the running protocol sums, zero-valued before the first
// commit.
func (l *Ledger) Totals() (Totals, error) {
	if l == nil || l.db == nil {
		return Totals{}, ErrNotConfigured
	}
	raw, err := l.db.Get(totalsKey)
	if errors.Is(err, storage.ErrNotFound) {
		return Totals{Collateral: big.NewInt(0), Borrowed: big.NewInt(0)}, nil
	}
	if err != nil {
		return Totals{}, err
	}
	var stored storedTotals
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return Totals{}, err
	}
	return Totals{Collateral: ensureInt(stored.Collateral), Borrowed: ensureInt(stored.Borrowed)}, nil
}

// Commit persists a position together with the protocol totals in a single
// atomic batch, so a completed operation is either fully visible or not at all.
func (l *Ledger) Commit(account common.Address, p Position, t Totals) error {
	if l == nil || l.db == nil {
		return ErrNotConfigured
	}
	p.ensureDefaults()
	t.ensureDefaults()

	encodedPos, err := rlp.EncodeToBytes(&storedPosition{
		Collateral:  p.Collateral,
		Debt:        p.Debt,
		LastAccrual: p.LastAccrual,
	})
	if err != nil {
		return err
	}
	encodedTotals, err := rlp.EncodeToBytes(&storedTotals{
		Collateral: t.Collateral,
		Borrowed:   t.Borrowed,
	})
	if err != nil {
		return err
	}

	batch := l.db.NewBatch()
	batch.Put(positionKey(account), encodedPos)
	batch.Put(totalsKey, encodedTotals)
	return batch.Write()
}
