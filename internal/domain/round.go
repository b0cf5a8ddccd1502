package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NativeAsset is the wager-asset sentinel meaning the chain's native
// currency. Any other address identifies a fungible token.
var NativeAsset = common.Address{}

// IsNative reports whether asset is the native-currency sentinel.
func IsNative(asset common.Address) bool {
	return asset == NativeAsset
}

// Side is one of the two outcomes a participant can wager on.
type Side bool

const (
	SideNo  Side = false
	SideYes Side = true
)

func (s Side) String() string {
	if s {
		return "yes"
	}
	return "no"
}

// Phase is the lifecycle state of a round, derived from the clock and the
// recorded outcome.
type Phase string

const (
	PhaseUninitialized      Phase = "uninitialized"
	PhaseOpen               Phase = "open"
	PhaseAwaitingSettlement Phase = "awaiting_settlement"
	PhaseSettled            Phase = "settled"
)

// Call carries the caller identity and attached native value of a single
// state-mutating invocation.
type Call struct {
	From  common.Address
	Value *big.Int
}

// AttachedValue returns the native value sent with the call, never nil.
func (c Call) AttachedValue() *big.Int {
	if c.Value == nil {
		return new(big.Int)
	}
	return c.Value
}

// RoundParams are the immutable settings a round is initialized with.
type RoundParams struct {
	WagerAsset            common.Address
	StakeAmount           *big.Int
	ResolverAuthority     common.Address
	WagerDeadlineAt       time.Time
	SettlementAvailableAt time.Time
	MetadataURI           string
}

// CreateRoundParams is the factory-level request; Resolvers is collapsed into
// a single ResolverAuthority before the round is initialized.
type CreateRoundParams struct {
	WagerAsset            common.Address
	StakeAmount           *big.Int
	Resolvers             []common.Address
	WagerDeadlineAt       time.Time
	SettlementAvailableAt time.Time
	MetadataURI           string
}

// Participant is one recorded wager.
type Participant struct {
	Address common.Address `json:"address"`
	Side    Side           `json:"side"`
	Claimed bool           `json:"claimed"`
}

// RoundSnapshot is the full persisted state of a round. Participants are in
// insertion order.
type RoundSnapshot struct {
	Address               common.Address `json:"address"`
	Factory               common.Address `json:"factory"`
	WagerAsset            common.Address `json:"wager_asset"`
	StakeAmount           *big.Int       `json:"stake_amount"`
	ResolverAuthority     common.Address `json:"resolver_authority"`
	WagerDeadlineAt       time.Time      `json:"wager_deadline_at"`
	SettlementAvailableAt time.Time      `json:"settlement_available_at"`
	MetadataURI           string         `json:"metadata_uri"`
	Participants          []Participant  `json:"participants"`
	TotalParticipants     uint64         `json:"total_participants"`
	TotalWageredAmount    *big.Int       `json:"total_wagered_amount"`
	Outcome               *Side          `json:"outcome,omitempty"`
	SettledAt             *time.Time     `json:"settled_at,omitempty"`
	PaidOut               *big.Int       `json:"paid_out"`
	EventSeq              uint64         `json:"event_seq"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// PhaseAt derives the lifecycle state of a persisted round at block time now.
func (s RoundSnapshot) PhaseAt(now time.Time) Phase {
	switch {
	case s.StakeAmount == nil:
		return PhaseUninitialized
	case s.Outcome != nil:
		return PhaseSettled
	case now.Unix() > s.WagerDeadlineAt.Unix():
		return PhaseAwaitingSettlement
	default:
		return PhaseOpen
	}
}

// GroupSnapshot is the persisted state of a multi-signer resolver group.
type GroupSnapshot struct {
	Address   common.Address     `json:"address"`
	Members   []common.Address   `json:"members"`
	Threshold int                `json:"threshold"`
	Nonce     uint64             `json:"nonce"`
	Approvals []ApprovalSnapshot `json:"approvals"`
	CreatedAt time.Time          `json:"created_at"`
}

// ApprovalSnapshot lists the members that approved settling Round with
// Outcome at the group's current nonce.
type ApprovalSnapshot struct {
	Round   common.Address   `json:"round"`
	Outcome Side             `json:"outcome"`
	Members []common.Address `json:"members"`
}
