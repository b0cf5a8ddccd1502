package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/betcha/internal/domain"
)

// AuditStore implements domain.AuditStore. The round an action touched is
// lifted out of the detail into its own column so a round's trail can be
// archived alongside its events.
type AuditStore struct {
	pool *pgxpool.Pool
}

func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends an entry; detail is stored as JSONB.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail %s: %w", event, err)
	}

	var round *string
	if addr := domain.AuditRound(detail); addr != nil {
		hex := addr.Hex()
		round = &hex
	}

	const query = `INSERT INTO audit_log (event, round, detail) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, query, event, round, detailJSON); err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", event, err)
	}
	return nil
}

// ListByRound returns the round's audit entries oldest first.
func (s *AuditStore) ListByRound(ctx context.Context, round common.Address) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event, detail, created_at FROM audit_log WHERE round = $1 ORDER BY id`,
		round.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit %s: %w", round.Hex(), err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		e := domain.AuditEntry{Round: &round}
		var detailJSON []byte
		if err := rows.Scan(&e.ID, &e.Event, &detailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		if detailJSON != nil {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal audit detail %d: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list audit %s rows: %w", round.Hex(), err)
	}
	return entries, nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
