// Package ledger provides the in-process balance book and block clocks used
// to custody round stakes.
package ledger

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/betcha/internal/domain"
)

// Token describes a fungible token registered with a Memory ledger.
type Token struct {
	Address common.Address `json:"address"`
	Name    string         `json:"name"`
	Symbol  string         `json:"symbol"`
}

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

type book struct {
	balances   map[common.Address]*big.Int
	allowances map[allowanceKey]*big.Int
}

func newBook() *book {
	return &book{
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
	}
}

func (b *book) balance(a common.Address) *big.Int {
	if v, ok := b.balances[a]; ok {
		return v
	}
	return new(big.Int)
}

func (b *book) allowance(owner, spender common.Address) *big.Int {
	if v, ok := b.allowances[allowanceKey{owner, spender}]; ok {
		return v
	}
	return new(big.Int)
}

// Memory is an in-memory domain.Ledger. The native currency book always
// exists; token books are created by DeployToken. All methods are safe for
// concurrent use and each transfer is all-or-nothing.
type Memory struct {
	mu     sync.Mutex
	books  map[common.Address]*book
	tokens map[common.Address]Token
	nonce  uint64
}

// NewMemory creates a Memory ledger with an empty native-currency book.
func NewMemory() *Memory {
	return &Memory{
		books:  map[common.Address]*book{domain.NativeAsset: newBook()},
		tokens: make(map[common.Address]Token),
	}
}

// DeployToken registers a new token and returns its address. Addresses are
// derived from a fixed deployer so they are stable across runs.
func (m *Memory) DeployToken(name, symbol string) common.Address {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr := ethcrypto.CreateAddress(TokenDeployer, m.nonce)
	m.nonce++
	m.books[addr] = newBook()
	m.tokens[addr] = Token{Address: addr, Name: name, Symbol: symbol}
	return addr
}

// Tokens lists the registered tokens.
func (m *Memory) Tokens() []Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Token, 0, len(m.tokens))
	for _, t := range m.tokens {
		out = append(out, t)
	}
	return out
}

// ListTokens is Tokens ordered by address.
func (m *Memory) ListTokens(_ context.Context) ([]Token, error) {
	out := m.Tokens()
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address.Bytes(), out[j].Address.Bytes()) < 0
	})
	return out, nil
}

// TokenDeployer is the deployer address token addresses are derived from.
var TokenDeployer = common.HexToAddress("0x00000000000000000000000000000000000e2c20")

func (m *Memory) book(asset common.Address) (*book, error) {
	b, ok := m.books[asset]
	if !ok {
		return nil, fmt.Errorf("ledger: asset %s: %w", asset.Hex(), domain.ErrUnknownAsset)
	}
	return b, nil
}

// Credit mints amount of asset to the given account.
func (m *Memory) Credit(_ context.Context, asset, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("ledger: credit: invalid amount")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.book(asset)
	if err != nil {
		return err
	}
	b.balances[to] = new(big.Int).Add(b.balance(to), amount)
	return nil
}

// Approve sets the allowance spender may pull from owner. Native currency has
// no allowances.
func (m *Memory) Approve(_ context.Context, asset, owner, spender common.Address, amount *big.Int) error {
	if domain.IsNative(asset) {
		return fmt.Errorf("ledger: approve: %w", domain.ErrUnknownAsset)
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("ledger: approve: invalid amount")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.book(asset)
	if err != nil {
		return err
	}
	b.allowances[allowanceKey{owner, spender}] = new(big.Int).Set(amount)
	return nil
}

// BalanceOf returns a copy of owner's balance.
func (m *Memory) BalanceOf(_ context.Context, asset, owner common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.book(asset)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(b.balance(owner)), nil
}

// Allowance returns a copy of the remaining allowance.
func (m *Memory) Allowance(_ context.Context, asset, owner, spender common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.book(asset)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(b.allowance(owner, spender)), nil
}

// PullInto moves amount from owner to custodian. Token pulls spend the
// owner's allowance to the custodian.
func (m *Memory) PullInto(_ context.Context, asset, from, custodian common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.book(asset)
	if err != nil {
		return err
	}
	if !domain.IsNative(asset) {
		allowed := b.allowance(from, custodian)
		if allowed.Cmp(amount) < 0 {
			return fmt.Errorf("ledger: pull %s from %s: %w", amount, from.Hex(), domain.ErrInsufficientAllowance)
		}
		if err := b.move(from, custodian, amount); err != nil {
			return fmt.Errorf("ledger: pull %s from %s: %w", amount, from.Hex(), err)
		}
		b.allowances[allowanceKey{from, custodian}] = new(big.Int).Sub(allowed, amount)
		return nil
	}
	if err := b.move(from, custodian, amount); err != nil {
		return fmt.Errorf("ledger: pull %s from %s: %w", amount, from.Hex(), err)
	}
	return nil
}

// Push pays amount from custodian to the recipient.
func (m *Memory) Push(_ context.Context, asset, custodian, to common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.book(asset)
	if err != nil {
		return err
	}
	if err := b.move(custodian, to, amount); err != nil {
		return fmt.Errorf("ledger: push %s to %s: %w", amount, to.Hex(), err)
	}
	return nil
}

func (b *book) move(from, to common.Address, amount *big.Int) error {
	have := b.balance(from)
	if have.Cmp(amount) < 0 {
		return domain.ErrInsufficientBalance
	}
	b.balances[from] = new(big.Int).Sub(have, amount)
	b.balances[to] = new(big.Int).Add(b.balance(to), amount)
	return nil
}

// Compile-time interface check.
var _ domain.Ledger = (*Memory)(nil)
