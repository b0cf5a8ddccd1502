package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// RoundStore persists round snapshots.
type RoundStore interface {
	Save(ctx context.Context, snap RoundSnapshot) error
	Get(ctx context.Context, addr common.Address) (RoundSnapshot, error)
	List(ctx context.Context, opts ListOpts) ([]RoundSnapshot, error)
	ListSettledBefore(ctx context.Context, before time.Time) ([]RoundSnapshot, error)
	Count(ctx context.Context) (int64, error)
}

// EventStore persists the append-only event log.
type EventStore interface {
	Append(ctx context.Context, events []Event) error
	ListByRound(ctx context.Context, round common.Address) ([]Event, error)
}

// GroupStore persists resolver groups.
type GroupStore interface {
	Save(ctx context.Context, snap GroupSnapshot) error
	Get(ctx context.Context, addr common.Address) (GroupSnapshot, error)
	List(ctx context.Context) ([]GroupSnapshot, error)
}

// AuditEntry is a single audit log row. Round is set when the detail names
// the round the action touched; ledger actions leave it nil.
type AuditEntry struct {
	ID        int64           `json:"id"`
	Event     string          `json:"event"`
	Round     *common.Address `json:"round,omitempty"`
	Detail    map[string]any  `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditRound extracts the round a detail map refers to, if any.
func AuditRound(detail map[string]any) *common.Address {
	switch v := detail["round"].(type) {
	case string:
		if common.IsHexAddress(v) {
			addr := common.HexToAddress(v)
			return &addr
		}
	case common.Address:
		return &v
	}
	return nil
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	ListByRound(ctx context.Context, round common.Address) ([]AuditEntry, error)
}
