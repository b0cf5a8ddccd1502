package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/betcha/internal/domain"
	"github.com/alanyoungcy/betcha/internal/ledger"
)

// Ledger implements domain.Ledger on PostgreSQL. Every transfer runs in one
// transaction and locks the rows it touches, so concurrent transfers against
// the same account serialize and a failed transfer changes nothing.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a new Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// DeployToken registers a token and returns its address, derived the same
// way as the in-memory ledger.
func (l *Ledger) DeployToken(ctx context.Context, name, symbol string) (common.Address, error) {
	var addr common.Address
	err := withTx(ctx, l.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `LOCK TABLE ledger_tokens IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("postgres: lock tokens: %w", err)
		}
		var n int64
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_tokens`).Scan(&n); err != nil {
			return fmt.Errorf("postgres: count tokens: %w", err)
		}
		addr = ethcrypto.CreateAddress(ledger.TokenDeployer, uint64(n))
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_tokens (address, name, symbol) VALUES ($1, $2, $3)`,
			addr.Hex(), name, symbol,
		); err != nil {
			return fmt.Errorf("postgres: insert token %s: %w", symbol, err)
		}
		return nil
	})
	return addr, err
}

// ListTokens lists the registered tokens in deployment order.
func (l *Ledger) ListTokens(ctx context.Context) ([]ledger.Token, error) {
	rows, err := l.pool.Query(ctx, `SELECT address, name, symbol FROM ledger_tokens ORDER BY created_at, address`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tokens: %w", err)
	}
	defer rows.Close()

	var out []ledger.Token
	for rows.Next() {
		var t ledger.Token
		var addr string
		if err := rows.Scan(&addr, &t.Name, &t.Symbol); err != nil {
			return nil, fmt.Errorf("postgres: scan token: %w", err)
		}
		t.Address = common.HexToAddress(addr)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list tokens rows: %w", err)
	}
	return out, nil
}

// Credit mints amount of asset to the given account.
func (l *Ledger) Credit(ctx context.Context, asset, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("postgres: credit: invalid amount")
	}
	return withTx(ctx, l.pool, func(tx pgx.Tx) error {
		if err := requireAsset(ctx, tx, asset); err != nil {
			return err
		}
		return addBalance(ctx, tx, asset, to, amount)
	})
}

// Approve sets the allowance spender may pull from owner.
func (l *Ledger) Approve(ctx context.Context, asset, owner, spender common.Address, amount *big.Int) error {
	if domain.IsNative(asset) {
		return fmt.Errorf("postgres: approve: %w", domain.ErrUnknownAsset)
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("postgres: approve: invalid amount")
	}
	return withTx(ctx, l.pool, func(tx pgx.Tx) error {
		if err := requireAsset(ctx, tx, asset); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO ledger_allowances (asset, owner, spender, amount)
			VALUES ($1, $2, $3, $4::numeric)
			ON CONFLICT (asset, owner, spender) DO UPDATE SET amount = EXCLUDED.amount`,
			asset.Hex(), owner.Hex(), spender.Hex(), amount.String())
		if err != nil {
			return fmt.Errorf("postgres: approve: %w", err)
		}
		return nil
	})
}

// BalanceOf returns owner's balance.
func (l *Ledger) BalanceOf(ctx context.Context, asset, owner common.Address) (*big.Int, error) {
	if err := requireAsset(ctx, l.pool, asset); err != nil {
		return nil, err
	}
	return readAmount(ctx, l.pool,
		`SELECT amount::text FROM ledger_balances WHERE asset = $1 AND owner = $2`,
		asset.Hex(), owner.Hex())
}

// Allowance returns the remaining allowance.
func (l *Ledger) Allowance(ctx context.Context, asset, owner, spender common.Address) (*big.Int, error) {
	if err := requireAsset(ctx, l.pool, asset); err != nil {
		return nil, err
	}
	return readAmount(ctx, l.pool,
		`SELECT amount::text FROM ledger_allowances WHERE asset = $1 AND owner = $2 AND spender = $3`,
		asset.Hex(), owner.Hex(), spender.Hex())
}

// PullInto moves amount from owner to custodian, spending the allowance for
// token assets.
func (l *Ledger) PullInto(ctx context.Context, asset, from, custodian common.Address, amount *big.Int) error {
	return withTx(ctx, l.pool, func(tx pgx.Tx) error {
		if err := requireAsset(ctx, tx, asset); err != nil {
			return err
		}
		if !domain.IsNative(asset) {
			allowed, err := readAmount(ctx, tx, `
				SELECT amount::text FROM ledger_allowances
				WHERE asset = $1 AND owner = $2 AND spender = $3 FOR UPDATE`,
				asset.Hex(), from.Hex(), custodian.Hex())
			if err != nil {
				return err
			}
			if allowed.Cmp(amount) < 0 {
				return fmt.Errorf("postgres: pull %s from %s: %w", amount, from.Hex(), domain.ErrInsufficientAllowance)
			}
			if _, err := tx.Exec(ctx, `
				UPDATE ledger_allowances SET amount = amount - $4::numeric
				WHERE asset = $1 AND owner = $2 AND spender = $3`,
				asset.Hex(), from.Hex(), custodian.Hex(), amount.String()); err != nil {
				return fmt.Errorf("postgres: spend allowance: %w", err)
			}
		}
		if err := move(ctx, tx, asset, from, custodian, amount); err != nil {
			return fmt.Errorf("postgres: pull %s from %s: %w", amount, from.Hex(), err)
		}
		return nil
	})
}

// Push pays amount from custodian to the recipient.
func (l *Ledger) Push(ctx context.Context, asset, custodian, to common.Address, amount *big.Int) error {
	return withTx(ctx, l.pool, func(tx pgx.Tx) error {
		if err := requireAsset(ctx, tx, asset); err != nil {
			return err
		}
		if err := move(ctx, tx, asset, custodian, to, amount); err != nil {
			return fmt.Errorf("postgres: push %s to %s: %w", amount, to.Hex(), err)
		}
		return nil
	})
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func requireAsset(ctx context.Context, q querier, asset common.Address) error {
	if domain.IsNative(asset) {
		return nil
	}
	var exists bool
	if err := q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledger_tokens WHERE address = $1)`, asset.Hex(),
	).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check asset %s: %w", asset.Hex(), err)
	}
	if !exists {
		return fmt.Errorf("postgres: asset %s: %w", asset.Hex(), domain.ErrUnknownAsset)
	}
	return nil
}

// readAmount returns zero when the row does not exist.
func readAmount(ctx context.Context, q querier, query string, args ...any) (*big.Int, error) {
	var s string
	err := q.QueryRow(ctx, query, args...).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: read amount: %w", err)
	}
	return parseNumeric(s)
}

func addBalance(ctx context.Context, tx pgx.Tx, asset, owner common.Address, amount *big.Int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_balances (asset, owner, amount) VALUES ($1, $2, $3::numeric)
		ON CONFLICT (asset, owner) DO UPDATE SET amount = ledger_balances.amount + EXCLUDED.amount`,
		asset.Hex(), owner.Hex(), amount.String())
	if err != nil {
		return fmt.Errorf("postgres: credit balance: %w", err)
	}
	return nil
}

func move(ctx context.Context, tx pgx.Tx, asset, from, to common.Address, amount *big.Int) error {
	have, err := readAmount(ctx, tx,
		`SELECT amount::text FROM ledger_balances WHERE asset = $1 AND owner = $2 FOR UPDATE`,
		asset.Hex(), from.Hex())
	if err != nil {
		return err
	}
	if have.Cmp(amount) < 0 {
		return domain.ErrInsufficientBalance
	}
	if _, err := tx.Exec(ctx,
		`UPDATE ledger_balances SET amount = amount - $3::numeric WHERE asset = $1 AND owner = $2`,
		asset.Hex(), from.Hex(), amount.String()); err != nil {
		return fmt.Errorf("postgres: debit balance: %w", err)
	}
	return addBalance(ctx, tx, asset, to, amount)
}

// Compile-time interface check.
var _ domain.Ledger = (*Ledger)(nil)
