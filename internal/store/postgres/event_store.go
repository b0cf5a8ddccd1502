package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/betcha/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL. Each event is
// stored as its JSON encoding; (round, seq) is unique so replays of the same
// event are ignored.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts events in a single batch.
func (s *EventStore) Append(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO round_events (id, round, seq, type, payload, block_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (round, seq) DO NOTHING`
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("postgres: marshal event %s: %w", ev.ID, err)
		}
		batch.Queue(query, ev.ID, ev.Round.Hex(), int64(ev.Seq), string(ev.Type), payload, ev.BlockTime)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: append event batch item %d: %w", i, err)
		}
	}
	return nil
}

// ListByRound returns a round's events in sequence order.
func (s *EventStore) ListByRound(ctx context.Context, round common.Address) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM round_events WHERE round = $1 ORDER BY seq`, round.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list events %s: %w", round.Hex(), err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		var ev domain.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list events rows: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.EventStore = (*EventStore)(nil)
