package token

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAmount     = errors.New("token: amount must be positive")
	ErrInsufficientFunds = errors.New("token: insufficient balance")
)

// Book is an in-memory fungible balance book for a single asset with a
// designated vault account holding protocol custody. Pull moves units from a
// holder into the vault, Push releases them back out. Either call fails whole
// on a shortfall; there is no partial transfer.
type Book struct {
	mu       sync.Mutex
	symbol   string
	vault    common.Address
	balances map[common.Address]*big.Int
}

// NewBook constructs an empty book for the given asset symbol and vault
// custody account.
func NewBook(symbol string, vault common.Address) *Book {
	return &Book{
		symbol:   symbol,
		vault:    vault,
		balances: make(map[common.Address]*big.Int),
	}
}

// Symbol returns the asset identifier the book tracks.
func (b *Book) Symbol() string {
	return b.symbol
}

// Mint credits units to an account. Used to seed balances; issuance policy is
// outside this ledger.
func (b *Book) Mint(to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[to] = new(big.Int).Add(b.balance(to), amount)
	return nil
}

// BalanceOf returns the account's balance.
func (b *Book) BalanceOf(account common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.balance(account))
}

// VaultBalance returns the protocol custody balance.
func (b *Book) VaultBalance() *big.Int {
	return b.BalanceOf(b.vault)
}

// Pull moves amount from the holder into the vault.
func (b *Book) Pull(from common.Address, amount *big.Int) error {
	return b.transfer(from, b.vault, amount)
}

// Push moves amount from the vault to the recipient.
func (b *Book) Push(to common.Address, amount *big.Int) error {
	return b.transfer(b.vault, to, amount)
}

func (b *Book) transfer(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	source := b.balance(from)
	if source.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	b.balances[from] = new(big.Int).Sub(source, amount)
	b.balances[to] = new(big.Int).Add(b.balance(to), amount)
	return nil
}

// balance must be called with the lock held.
func (b *Book) balance(account common.Address) *big.Int {
	if v, ok := b.balances[account]; ok {
		return v
	}
	return big.NewInt(0)
}
