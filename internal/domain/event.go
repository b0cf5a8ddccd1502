package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType names an emitted record.
type EventType string

const (
	EventRoundCreated EventType = "round_created"
	EventWagered      EventType = "wagered"
	EventSettled      EventType = "settled"
	EventPayout       EventType = "payout"
)

// Event is one append-only record emitted by a round or the factory. Seq is
// the position in the round's own log; RoundCreated is always Seq 0.
//
// Field use per type:
//
//	RoundCreated: Authority, Resolvers, Asset, Amount (stake), Caller (creator)
//	Wagered:      Participant, Asset, Amount, Side
//	Settled:      Outcome, Caller (authority)
//	Payout:       Participant, Asset, Amount, Caller
type Event struct {
	ID          string           `json:"id"`
	Type        EventType        `json:"type"`
	Round       common.Address   `json:"round"`
	Seq         uint64           `json:"seq"`
	Caller      common.Address   `json:"caller"`
	Participant common.Address   `json:"participant,omitempty"`
	Asset       common.Address   `json:"asset"`
	Amount      *big.Int         `json:"amount,omitempty"`
	Side        *Side            `json:"side,omitempty"`
	Outcome     *Side            `json:"outcome,omitempty"`
	Authority   common.Address   `json:"authority,omitempty"`
	Resolvers   []common.Address `json:"resolvers,omitempty"`
	BlockTime   time.Time        `json:"block_time"`
}
