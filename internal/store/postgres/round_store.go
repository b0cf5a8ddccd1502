package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/betcha/internal/domain"
)

// RoundStore implements domain.RoundStore using PostgreSQL.
type RoundStore struct {
	pool *pgxpool.Pool
}

// NewRoundStore creates a new RoundStore backed by the given connection pool.
func NewRoundStore(pool *pgxpool.Pool) *RoundStore {
	return &RoundStore{pool: pool}
}

// Save upserts the round row and its participants in one transaction.
func (s *RoundStore) Save(ctx context.Context, snap domain.RoundSnapshot) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		const query = `
			INSERT INTO rounds (
				address, factory, wager_asset, stake_amount, resolver_authority,
				wager_deadline_at, settlement_available_at, metadata_uri,
				total_participants, total_wagered_amount, outcome, settled_at,
				paid_out, event_seq, created_at, updated_at
			) VALUES (
				$1, $2, $3, $4::numeric, $5,
				$6, $7, $8,
				$9, $10::numeric, $11, $12,
				$13::numeric, $14, $15, $16
			)
			ON CONFLICT (address) DO UPDATE SET
				total_participants   = EXCLUDED.total_participants,
				total_wagered_amount = EXCLUDED.total_wagered_amount,
				outcome              = EXCLUDED.outcome,
				settled_at           = EXCLUDED.settled_at,
				paid_out             = EXCLUDED.paid_out,
				event_seq            = EXCLUDED.event_seq,
				updated_at           = EXCLUDED.updated_at`

		var outcome *bool
		if snap.Outcome != nil {
			o := bool(*snap.Outcome)
			outcome = &o
		}
		_, err := tx.Exec(ctx, query,
			snap.Address.Hex(), snap.Factory.Hex(), snap.WagerAsset.Hex(),
			numeric(snap.StakeAmount), snap.ResolverAuthority.Hex(),
			snap.WagerDeadlineAt, snap.SettlementAvailableAt, snap.MetadataURI,
			int64(snap.TotalParticipants), numeric(snap.TotalWageredAmount), outcome, snap.SettledAt,
			numeric(snap.PaidOut), int64(snap.EventSeq), snap.CreatedAt, snap.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: save round %s: %w", snap.Address.Hex(), err)
		}

		if len(snap.Participants) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		const pq = `
			INSERT INTO round_participants (round, participant, position, side, claimed)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (round, participant) DO UPDATE SET claimed = EXCLUDED.claimed`
		for i, p := range snap.Participants {
			batch.Queue(pq, snap.Address.Hex(), p.Address.Hex(), i, bool(p.Side), p.Claimed)
		}
		br := tx.SendBatch(ctx, batch)
		for i := range snap.Participants {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("postgres: save round %s participant %d: %w", snap.Address.Hex(), i, err)
			}
		}
		return br.Close()
	})
}

const roundCols = `address, factory, wager_asset, stake_amount::text, resolver_authority,
	wager_deadline_at, settlement_available_at, metadata_uri,
	total_participants, total_wagered_amount::text, outcome, settled_at,
	paid_out::text, event_seq, created_at, updated_at`

// scanRound scans a single rounds row. Participants are loaded separately.
func scanRound(row pgx.Row) (domain.RoundSnapshot, error) {
	var (
		snap                            domain.RoundSnapshot
		addr, factory, asset, authority string
		stake, total, paidOut           string
		participants, seq               int64
		outcome                         *bool
	)
	err := row.Scan(
		&addr, &factory, &asset, &stake, &authority,
		&snap.WagerDeadlineAt, &snap.SettlementAvailableAt, &snap.MetadataURI,
		&participants, &total, &outcome, &snap.SettledAt,
		&paidOut, &seq, &snap.CreatedAt, &snap.UpdatedAt,
	)
	if err != nil {
		return domain.RoundSnapshot{}, err
	}
	snap.Address = common.HexToAddress(addr)
	snap.Factory = common.HexToAddress(factory)
	snap.WagerAsset = common.HexToAddress(asset)
	snap.ResolverAuthority = common.HexToAddress(authority)
	snap.TotalParticipants = uint64(participants)
	snap.EventSeq = uint64(seq)
	if snap.StakeAmount, err = parseNumeric(stake); err != nil {
		return domain.RoundSnapshot{}, err
	}
	if snap.TotalWageredAmount, err = parseNumeric(total); err != nil {
		return domain.RoundSnapshot{}, err
	}
	if snap.PaidOut, err = parseNumeric(paidOut); err != nil {
		return domain.RoundSnapshot{}, err
	}
	if outcome != nil {
		o := domain.Side(*outcome)
		snap.Outcome = &o
	}
	snap.WagerDeadlineAt = snap.WagerDeadlineAt.UTC()
	snap.SettlementAvailableAt = snap.SettlementAvailableAt.UTC()
	if snap.SettledAt != nil {
		t := snap.SettledAt.UTC()
		snap.SettledAt = &t
	}
	return snap, nil
}

// Get retrieves a round and its participants in insertion order.
func (s *RoundStore) Get(ctx context.Context, addr common.Address) (domain.RoundSnapshot, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+roundCols+` FROM rounds WHERE address = $1`, addr.Hex())
	snap, err := scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RoundSnapshot{}, fmt.Errorf("postgres: round %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	if err != nil {
		return domain.RoundSnapshot{}, fmt.Errorf("postgres: get round %s: %w", addr.Hex(), err)
	}
	if snap.Participants, err = s.participants(ctx, addr); err != nil {
		return domain.RoundSnapshot{}, err
	}
	return snap, nil
}

func (s *RoundStore) participants(ctx context.Context, addr common.Address) ([]domain.Participant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT participant, side, claimed FROM round_participants
		WHERE round = $1 ORDER BY position`, addr.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list participants %s: %w", addr.Hex(), err)
	}
	defer rows.Close()

	var out []domain.Participant
	for rows.Next() {
		var (
			p    domain.Participant
			a    string
			side bool
		)
		if err := rows.Scan(&a, &side, &p.Claimed); err != nil {
			return nil, fmt.Errorf("postgres: scan participant: %w", err)
		}
		p.Address = common.HexToAddress(a)
		p.Side = domain.Side(side)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list participants rows: %w", err)
	}
	return out, nil
}

// List returns rounds newest first with pagination and optional creation
// time filtering. Participants are loaded for every row.
func (s *RoundStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.RoundSnapshot, error) {
	query := `SELECT ` + roundCols + ` FROM rounds WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC, address"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.query(ctx, "list rounds", query, args...)
}

// ListSettledBefore returns rounds settled strictly before the cutoff,
// oldest first.
func (s *RoundStore) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.RoundSnapshot, error) {
	return s.query(ctx, "list settled rounds",
		`SELECT `+roundCols+` FROM rounds
		 WHERE settled_at IS NOT NULL AND settled_at < $1
		 ORDER BY settled_at`, before)
}

// Count returns the total number of rounds.
func (s *RoundStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM rounds`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count rounds: %w", err)
	}
	return n, nil
}

func (s *RoundStore) query(ctx context.Context, op, query string, args ...any) ([]domain.RoundSnapshot, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	var out []domain.RoundSnapshot
	for rows.Next() {
		snap, err := scanRound(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, snap)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}

	for i := range out {
		if out[i].Participants, err = s.participants(ctx, out[i].Address); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// numeric renders an amount for a NUMERIC(78,0) parameter.
func numeric(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

func parseNumeric(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: invalid numeric %q", s)
	}
	return n, nil
}

// Compile-time interface check.
var _ domain.RoundStore = (*RoundStore)(nil)
