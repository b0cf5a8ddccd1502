package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ValueTransfer moves stake in and out of a round's custody. Implementations
// must apply each call atomically: on error no balance has changed.
type ValueTransfer interface {
	// PullInto moves amount of asset from the owner into the custodian. For
	// tokens it spends the owner's allowance to the custodian; for native
	// currency it debits the value attached to the call.
	PullInto(ctx context.Context, asset, from, custodian common.Address, amount *big.Int) error
	// Push pays amount of asset from the custodian to a recipient.
	Push(ctx context.Context, asset, custodian, to common.Address, amount *big.Int) error
}

// Ledger is the full balance book behind ValueTransfer.
type Ledger interface {
	ValueTransfer
	Credit(ctx context.Context, asset, to common.Address, amount *big.Int) error
	Approve(ctx context.Context, asset, owner, spender common.Address, amount *big.Int) error
	BalanceOf(ctx context.Context, asset, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, asset, owner, spender common.Address) (*big.Int, error)
}

// Clock reports the current block timestamp.
type Clock interface {
	Now() time.Time
}

// AuthorityProvisioner stands up a single authority identity for a set of
// more than one resolver.
type AuthorityProvisioner interface {
	DeployGroup(ctx context.Context, members []common.Address) (common.Address, error)
}
