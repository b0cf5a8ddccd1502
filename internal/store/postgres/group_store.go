package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/betcha/internal/domain"
)

// GroupStore implements domain.GroupStore using PostgreSQL.
type GroupStore struct {
	pool *pgxpool.Pool
}

// NewGroupStore creates a new GroupStore backed by the given connection pool.
func NewGroupStore(pool *pgxpool.Pool) *GroupStore {
	return &GroupStore{pool: pool}
}

// Save upserts a resolver group. Members and threshold never change after
// the first insert.
func (s *GroupStore) Save(ctx context.Context, g domain.GroupSnapshot) error {
	approvals, err := json.Marshal(g.Approvals)
	if err != nil {
		return fmt.Errorf("postgres: marshal approvals: %w", err)
	}
	members := make([]string, len(g.Members))
	for i, m := range g.Members {
		members[i] = m.Hex()
	}

	const query = `
		INSERT INTO resolver_groups (address, members, threshold, nonce, approvals, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (address) DO UPDATE SET
			nonce      = EXCLUDED.nonce,
			approvals  = EXCLUDED.approvals,
			updated_at = NOW()`
	_, err = s.pool.Exec(ctx, query,
		g.Address.Hex(), members, g.Threshold, int64(g.Nonce), approvals, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save group %s: %w", g.Address.Hex(), err)
	}
	return nil
}

const groupCols = `address, members, threshold, nonce, approvals, created_at`

func scanGroup(row pgx.Row) (domain.GroupSnapshot, error) {
	var (
		g         domain.GroupSnapshot
		addr      string
		members   []string
		nonce     int64
		approvals []byte
	)
	if err := row.Scan(&addr, &members, &g.Threshold, &nonce, &approvals, &g.CreatedAt); err != nil {
		return domain.GroupSnapshot{}, err
	}
	g.Address = common.HexToAddress(addr)
	g.Nonce = uint64(nonce)
	for _, m := range members {
		g.Members = append(g.Members, common.HexToAddress(m))
	}
	if len(approvals) > 0 {
		if err := json.Unmarshal(approvals, &g.Approvals); err != nil {
			return domain.GroupSnapshot{}, fmt.Errorf("unmarshal approvals: %w", err)
		}
	}
	return g, nil
}

// Get retrieves a group by address.
func (s *GroupStore) Get(ctx context.Context, addr common.Address) (domain.GroupSnapshot, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+groupCols+` FROM resolver_groups WHERE address = $1`, addr.Hex())
	g, err := scanGroup(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.GroupSnapshot{}, fmt.Errorf("postgres: group %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	if err != nil {
		return domain.GroupSnapshot{}, fmt.Errorf("postgres: get group %s: %w", addr.Hex(), err)
	}
	return g, nil
}

// List returns every group in creation order.
func (s *GroupStore) List(ctx context.Context) ([]domain.GroupSnapshot, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+groupCols+` FROM resolver_groups ORDER BY created_at, address`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list groups: %w", err)
	}
	defer rows.Close()

	var out []domain.GroupSnapshot
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan group: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list groups rows: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.GroupStore = (*GroupStore)(nil)
