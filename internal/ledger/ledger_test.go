package ledger

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/betcha/internal/domain"
)

var (
	owner     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	custodian = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func balance(t *testing.T, m *Memory, asset, who common.Address) int64 {
	t.Helper()
	b, err := m.BalanceOf(context.Background(), asset, who)
	require.NoError(t, err)
	return b.Int64()
}

func TestTokenPullSpendsAllowance(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	tok := m.DeployToken("Test USD", "TUSD")
	require.NoError(t, m.Credit(ctx, tok, owner, big.NewInt(100)))

	err := m.PullInto(ctx, tok, owner, custodian, big.NewInt(10))
	require.ErrorIs(t, err, domain.ErrInsufficientAllowance)

	require.NoError(t, m.Approve(ctx, tok, owner, custodian, big.NewInt(30)))
	require.NoError(t, m.PullInto(ctx, tok, owner, custodian, big.NewInt(10)))
	assert.Equal(t, int64(90), balance(t, m, tok, owner))
	assert.Equal(t, int64(10), balance(t, m, tok, custodian))

	left, err := m.Allowance(ctx, tok, owner, custodian)
	require.NoError(t, err)
	assert.Equal(t, int64(20), left.Int64())
}

func TestFailedPullIsAtomic(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	tok := m.DeployToken("Test USD", "TUSD")
	require.NoError(t, m.Credit(ctx, tok, owner, big.NewInt(5)))
	require.NoError(t, m.Approve(ctx, tok, owner, custodian, big.NewInt(50)))

	err := m.PullInto(ctx, tok, owner, custodian, big.NewInt(10))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, int64(5), balance(t, m, tok, owner))
	assert.Zero(t, balance(t, m, tok, custodian))
	left, err := m.Allowance(ctx, tok, owner, custodian)
	require.NoError(t, err)
	assert.Equal(t, int64(50), left.Int64())
}

func TestNativePullAndPush(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Credit(ctx, domain.NativeAsset, owner, big.NewInt(7)))

	require.NoError(t, m.PullInto(ctx, domain.NativeAsset, owner, custodian, big.NewInt(7)))
	require.NoError(t, m.Push(ctx, domain.NativeAsset, custodian, owner, big.NewInt(3)))
	assert.Equal(t, int64(3), balance(t, m, domain.NativeAsset, owner))
	assert.Equal(t, int64(4), balance(t, m, domain.NativeAsset, custodian))

	err := m.Push(ctx, domain.NativeAsset, custodian, owner, big.NewInt(5))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	err = m.Approve(ctx, domain.NativeAsset, owner, custodian, big.NewInt(1))
	require.ErrorIs(t, err, domain.ErrUnknownAsset)
}

func TestUnknownAsset(t *testing.T) {
	m := NewMemory()
	_, err := m.BalanceOf(context.Background(), common.HexToAddress("0x99"), owner)
	require.ErrorIs(t, err, domain.ErrUnknownAsset)
}

func TestDeployTokenAddressesAreStable(t *testing.T) {
	a := NewMemory()
	b := NewMemory()
	assert.Equal(t, a.DeployToken("A", "A"), b.DeployToken("A", "A"))
	assert.NotEqual(t, a.DeployToken("B", "B"), domain.NativeAsset)
	assert.Len(t, a.Tokens(), 2)
}

func TestReturnedBalancesAreCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Credit(ctx, domain.NativeAsset, owner, big.NewInt(1)))
	b, err := m.BalanceOf(ctx, domain.NativeAsset, owner)
	require.NoError(t, err)
	b.SetInt64(1000)
	assert.Equal(t, int64(1), balance(t, m, domain.NativeAsset, owner))
}

func TestManualClock(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 500, time.UTC)
	c := NewManualClock(start)
	assert.Equal(t, start.Truncate(time.Second), c.Now())

	c.Advance(time.Minute)
	assert.Equal(t, start.Truncate(time.Second).Add(time.Minute), c.Now())

	c.Set(start)
	assert.Equal(t, start.Truncate(time.Second).Add(time.Minute), c.Now(), "clock never moves backwards")

	c.Advance(-time.Hour)
	assert.Equal(t, start.Truncate(time.Second).Add(time.Minute), c.Now())
}

func TestBlockClockTruncates(t *testing.T) {
	now := BlockClock{}.Now()
	assert.Zero(t, now.Nanosecond())
	assert.Equal(t, time.UTC, now.Location())
}
