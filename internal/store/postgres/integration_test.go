//go:build integration

package postgres

import (
	"context"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/betcha/internal/domain"
)

// Run with: BETCHA_TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/store/postgres/

func testClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("BETCHA_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BETCHA_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 16})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.RunMigrations(ctx))
	// A second run finds every file recorded and applies nothing.
	require.NoError(t, c.RunMigrations(ctx))
	return c
}

// freshAddress keeps runs against a shared database independent.
func freshAddress() common.Address {
	id := uuid.New()
	return common.BytesToAddress(id[:])
}

func balance(t *testing.T, l *Ledger, asset, owner common.Address) string {
	t.Helper()
	b, err := l.BalanceOf(context.Background(), asset, owner)
	require.NoError(t, err)
	return b.String()
}

func TestLedgerTokenPullSpendsAllowance(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(testClient(t).Pool())
	token, err := l.DeployToken(ctx, "Test USD", "TUSD")
	require.NoError(t, err)
	alice, round := freshAddress(), freshAddress()

	require.NoError(t, l.Credit(ctx, token, alice, big.NewInt(100)))
	err = l.PullInto(ctx, token, alice, round, big.NewInt(50))
	require.ErrorIs(t, err, domain.ErrInsufficientAllowance)
	assert.Equal(t, "100", balance(t, l, token, alice))

	require.NoError(t, l.Approve(ctx, token, alice, round, big.NewInt(60)))
	require.NoError(t, l.PullInto(ctx, token, alice, round, big.NewInt(50)))
	assert.Equal(t, "50", balance(t, l, token, alice))
	assert.Equal(t, "50", balance(t, l, token, round))
	left, err := l.Allowance(ctx, token, alice, round)
	require.NoError(t, err)
	assert.Equal(t, "10", left.String())

	// The rejected pull leaves balances and allowance untouched.
	err = l.PullInto(ctx, token, alice, round, big.NewInt(50))
	require.ErrorIs(t, err, domain.ErrInsufficientAllowance)
	assert.Equal(t, "50", balance(t, l, token, alice))

	err = l.PullInto(ctx, freshAddress(), alice, round, big.NewInt(1))
	require.ErrorIs(t, err, domain.ErrUnknownAsset)
}

func TestLedgerNativePushAndPull(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(testClient(t).Pool())
	alice, bob, round := freshAddress(), freshAddress(), freshAddress()

	require.NoError(t, l.Credit(ctx, domain.NativeAsset, alice, big.NewInt(10)))
	err := l.PullInto(ctx, domain.NativeAsset, alice, round, big.NewInt(20))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, "10", balance(t, l, domain.NativeAsset, alice))
	assert.Equal(t, "0", balance(t, l, domain.NativeAsset, round))

	require.NoError(t, l.PullInto(ctx, domain.NativeAsset, alice, round, big.NewInt(10)))
	require.NoError(t, l.Push(ctx, domain.NativeAsset, round, bob, big.NewInt(7)))
	assert.Equal(t, "3", balance(t, l, domain.NativeAsset, round))
	assert.Equal(t, "7", balance(t, l, domain.NativeAsset, bob))

	err = l.Push(ctx, domain.NativeAsset, round, bob, big.NewInt(4))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, "3", balance(t, l, domain.NativeAsset, round))
}

func TestLedgerConcurrentPullsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(testClient(t).Pool())
	alice, round := freshAddress(), freshAddress()
	require.NoError(t, l.Credit(ctx, domain.NativeAsset, alice, big.NewInt(100)))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.PullInto(ctx, domain.NativeAsset, alice, round, big.NewInt(20)); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	assert.Equal(t, "0", balance(t, l, domain.NativeAsset, alice))
	assert.Equal(t, "100", balance(t, l, domain.NativeAsset, round))
}

func TestRoundStoreSaveUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	c := testClient(t)
	store := NewRoundStore(c.Pool())

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	stake, _ := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	alice, bob := freshAddress(), freshAddress()
	snap := domain.RoundSnapshot{
		Address:               freshAddress(),
		Factory:               freshAddress(),
		StakeAmount:           stake,
		ResolverAuthority:     freshAddress(),
		WagerDeadlineAt:       at.Add(time.Hour),
		SettlementAvailableAt: at.Add(2 * time.Hour),
		MetadataURI:           "ipfs://round",
		Participants: []domain.Participant{
			{Address: alice, Side: domain.SideYes},
		},
		TotalParticipants:  1,
		TotalWageredAmount: stake,
		PaidOut:            new(big.Int),
		EventSeq:           1,
		CreatedAt:          at,
		UpdatedAt:          at,
	}
	require.NoError(t, store.Save(ctx, snap))

	got, err := store.Get(ctx, snap.Address)
	require.NoError(t, err)
	assert.Equal(t, 0, stake.Cmp(got.StakeAmount))
	assert.True(t, snap.WagerDeadlineAt.Equal(got.WagerDeadlineAt))
	assert.Nil(t, got.Outcome)
	assert.Equal(t, snap.Participants, got.Participants)

	yes := domain.SideYes
	settled := at.Add(3 * time.Hour)
	snap.Participants = []domain.Participant{
		{Address: alice, Side: domain.SideYes, Claimed: true},
		{Address: bob, Side: domain.SideNo},
	}
	snap.TotalParticipants = 2
	snap.TotalWageredAmount = big.NewInt(2)
	snap.StakeAmount = big.NewInt(1)
	snap.Outcome = &yes
	snap.SettledAt = &settled
	snap.PaidOut = big.NewInt(2)
	snap.EventSeq = 4
	snap.UpdatedAt = settled
	require.NoError(t, store.Save(ctx, snap))

	got, err = store.Get(ctx, snap.Address)
	require.NoError(t, err)
	assert.Equal(t, snap.Participants, got.Participants)
	assert.Equal(t, uint64(2), got.TotalParticipants)
	assert.Equal(t, uint64(4), got.EventSeq)
	assert.Equal(t, "2", got.PaidOut.String())
	require.NotNil(t, got.Outcome)
	assert.Equal(t, domain.SideYes, *got.Outcome)
	require.NotNil(t, got.SettledAt)
	assert.True(t, settled.Equal(*got.SettledAt))
	// The stake is fixed at creation and not rewritten by later saves.
	assert.Equal(t, 0, stake.Cmp(got.StakeAmount))

	_, err = store.Get(ctx, freshAddress())
	require.ErrorIs(t, err, domain.ErrNotFound)
}
