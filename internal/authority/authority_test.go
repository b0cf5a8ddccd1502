package authority

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/betcha/internal/crypto"
	"github.com/alanyoungcy/betcha/internal/domain"
	"github.com/alanyoungcy/betcha/internal/ledger"
)

const chainID = 31337

// hardhat development keys #1 and #2
const (
	keyB = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	keyC = "5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a"
)

var (
	roundAddr = common.HexToAddress("0x4000000000000000000000000000000000000001")
	groupAddr = common.HexToAddress("0x6000000000000000000000000000000000000001")
	memberA   = common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	outsider  = common.HexToAddress("0xeeee000000000000000000000000000000000001")
)

type fakeRound struct {
	calls []domain.Call
	err   error
}

func (f *fakeRound) Settle(_ context.Context, call domain.Call, outcome domain.Side) (domain.Event, error) {
	f.calls = append(f.calls, call)
	if f.err != nil {
		return domain.Event{}, f.err
	}
	o := outcome
	return domain.Event{Type: domain.EventSettled, Caller: call.From, Outcome: &o}, nil
}

func lookupOf(r *fakeRound) RoundLookup {
	return func(addr common.Address) (Settler, error) {
		if addr != roundAddr {
			return nil, domain.ErrNotFound
		}
		return r, nil
	}
}

func signers(t *testing.T) (*crypto.Signer, *crypto.Signer) {
	t.Helper()
	b, err := crypto.NewSigner(keyB, chainID)
	require.NoError(t, err)
	c, err := crypto.NewSigner(keyC, chainID)
	require.NoError(t, err)
	return b, c
}

func TestNewGroupThresholds(t *testing.T) {
	members := []common.Address{memberA, outsider, roundAddr}
	g, err := NewGroup(groupAddr, members, 0, chainID, nil, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, g.Threshold())

	_, err = NewGroup(groupAddr, members, 4, chainID, nil, time.Time{})
	require.ErrorIs(t, err, domain.ErrInvalidThreshold)

	_, err = NewGroup(groupAddr, nil, 0, chainID, nil, time.Time{})
	require.ErrorIs(t, err, domain.ErrNoResolvers)

	assert.Equal(t, 1, DefaultThreshold(1))
	assert.Equal(t, 2, DefaultThreshold(2))
	assert.Equal(t, 3, DefaultThreshold(4))
}

func TestApproveExecutesAtThreshold(t *testing.T) {
	ctx := context.Background()
	b, c := signers(t)
	fr := &fakeRound{}
	g, err := NewGroup(groupAddr, []common.Address{memberA, b.Address(), c.Address()}, 2, chainID, lookupOf(fr), time.Time{})
	require.NoError(t, err)

	_, err = g.Approve(ctx, outsider, roundAddr, domain.SideYes)
	require.ErrorIs(t, err, domain.ErrNotMember)

	res, err := g.Approve(ctx, memberA, roundAddr, domain.SideYes)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Approvals)
	assert.False(t, res.Executed)

	_, err = g.Approve(ctx, memberA, roundAddr, domain.SideYes)
	require.ErrorIs(t, err, domain.ErrAlreadyApproved)

	// A vote for the other outcome does not count toward this one.
	res, err = g.Approve(ctx, b.Address(), roundAddr, domain.SideNo)
	require.NoError(t, err)
	assert.False(t, res.Executed)

	res, err = g.Approve(ctx, c.Address(), roundAddr, domain.SideYes)
	require.NoError(t, err)
	assert.True(t, res.Executed)
	require.Len(t, fr.calls, 1)
	assert.Equal(t, groupAddr, fr.calls[0].From)
	assert.Equal(t, uint64(1), g.Nonce())
	assert.Zero(t, g.Pending(roundAddr, domain.SideYes))
	assert.Zero(t, g.Pending(roundAddr, domain.SideNo))
}

func TestFailedExecutionKeepsApprovals(t *testing.T) {
	ctx := context.Background()
	fr := &fakeRound{err: domain.ErrWaitLonger}
	g, err := NewGroup(groupAddr, []common.Address{memberA, outsider}, 0, chainID, lookupOf(fr), time.Time{})
	require.NoError(t, err)

	_, err = g.Approve(ctx, memberA, roundAddr, domain.SideNo)
	require.NoError(t, err)
	res, err := g.Approve(ctx, outsider, roundAddr, domain.SideNo)
	require.ErrorIs(t, err, domain.ErrWaitLonger)
	assert.False(t, res.Executed)
	assert.Equal(t, 2, g.Pending(roundAddr, domain.SideNo))
	assert.Zero(t, g.Nonce())

	fr.err = nil
	res, err = g.Execute(ctx, roundAddr, domain.SideNo)
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.Equal(t, uint64(1), g.Nonce())

	_, err = g.Execute(ctx, roundAddr, domain.SideNo)
	require.ErrorIs(t, err, domain.ErrBelowThreshold)
}

func TestSubmitSignature(t *testing.T) {
	ctx := context.Background()
	b, c := signers(t)
	fr := &fakeRound{}
	g, err := NewGroup(groupAddr, []common.Address{b.Address(), c.Address()}, 0, chainID, lookupOf(fr), time.Time{})
	require.NoError(t, err)

	msg := crypto.Settlement{Group: groupAddr, Round: roundAddr, Outcome: true, Nonce: 0}
	sigB, err := b.SignSettlement(msg)
	require.NoError(t, err)
	sigC, err := c.SignSettlement(msg)
	require.NoError(t, err)

	res, who, err := g.SubmitSignature(ctx, roundAddr, domain.SideYes, sigB)
	require.NoError(t, err)
	assert.Equal(t, b.Address(), who)
	assert.Equal(t, 1, res.Approvals)

	// Signed for the wrong outcome: recovers to a non-member.
	_, _, err = g.SubmitSignature(ctx, roundAddr, domain.SideNo, sigC)
	require.ErrorIs(t, err, domain.ErrNotMember)

	res, _, err = g.SubmitSignature(ctx, roundAddr, domain.SideYes, sigC)
	require.NoError(t, err)
	assert.True(t, res.Executed)

	// The nonce moved on, so the old signature no longer recovers a member.
	_, _, err = g.SubmitSignature(ctx, roundAddr, domain.SideYes, sigB)
	require.ErrorIs(t, err, domain.ErrNotMember)

	_, _, err = g.SubmitSignature(ctx, roundAddr, domain.SideYes, "0xdead")
	require.ErrorIs(t, err, domain.ErrBadSignature)
}

// blockingRound holds Settle open until release is closed.
type blockingRound struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRound) Settle(_ context.Context, call domain.Call, outcome domain.Side) (domain.Event, error) {
	close(b.entered)
	<-b.release
	o := outcome
	return domain.Event{Type: domain.EventSettled, Caller: call.From, Outcome: &o}, nil
}

func TestSubmitSignatureWaitsForRunningExecution(t *testing.T) {
	ctx := context.Background()
	b, c := signers(t)
	otherRound := common.HexToAddress("0x4000000000000000000000000000000000000002")
	slow := &blockingRound{entered: make(chan struct{}), release: make(chan struct{})}
	lookup := func(addr common.Address) (Settler, error) {
		if addr == otherRound {
			return slow, nil
		}
		return &fakeRound{}, nil
	}
	g, err := NewGroup(groupAddr, []common.Address{b.Address(), c.Address()}, 1, chainID, lookup, time.Time{})
	require.NoError(t, err)

	// Signed against nonce 0, which the execution below consumes.
	stale, err := b.SignSettlement(crypto.Settlement{Group: groupAddr, Round: roundAddr, Outcome: true, Nonce: 0})
	require.NoError(t, err)

	executed := make(chan error, 1)
	go func() {
		_, err := g.Approve(ctx, c.Address(), otherRound, domain.SideNo)
		executed <- err
	}()
	<-slow.entered

	submitted := make(chan error, 1)
	go func() {
		_, _, err := g.SubmitSignature(ctx, roundAddr, domain.SideYes, stale)
		submitted <- err
	}()

	select {
	case err := <-submitted:
		t.Fatalf("signature accepted while an execution was running: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(slow.release)
	require.NoError(t, <-executed)
	require.ErrorIs(t, <-submitted, domain.ErrNotMember)
	assert.Equal(t, uint64(1), g.Nonce())
	assert.Zero(t, g.Pending(roundAddr, domain.SideYes))
}

func TestGroupSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	fr := &fakeRound{}
	g, err := NewGroup(groupAddr, []common.Address{memberA, outsider, roundAddr}, 3, chainID, lookupOf(fr), time.Unix(100, 0).UTC())
	require.NoError(t, err)
	_, err = g.Approve(ctx, memberA, roundAddr, domain.SideYes)
	require.NoError(t, err)
	_, err = g.Approve(ctx, outsider, roundAddr, domain.SideNo)
	require.NoError(t, err)

	snap := g.Snapshot()
	require.Len(t, snap.Approvals, 2)
	assert.Equal(t, domain.SideNo, snap.Approvals[0].Outcome)

	restored, err := RestoreGroup(snap, chainID, lookupOf(fr))
	require.NoError(t, err)
	assert.Equal(t, snap, restored.Snapshot())
	assert.Equal(t, 1, restored.Pending(roundAddr, domain.SideYes))

	snap.Approvals[0].Members = []common.Address{common.HexToAddress("0x1")}
	_, err = RestoreGroup(snap, chainID, lookupOf(fr))
	require.Error(t, err)
}

func TestProvisionerDerivesDistinctAddresses(t *testing.T) {
	ctx := context.Background()
	clock := ledger.NewManualClock(time.Unix(0, 0))
	cfg := ProvisionerConfig{
		ProxyDeployer:     common.HexToAddress("0xde"),
		AuthorityTemplate: common.HexToAddress("0x7e"),
		ChainID:           chainID,
	}
	p := NewProvisioner(cfg, lookupOf(&fakeRound{}), clock)
	members := []common.Address{memberA, outsider}

	a1, err := p.DeployGroup(ctx, members)
	require.NoError(t, err)
	a2, err := p.DeployGroup(ctx, members)
	require.NoError(t, err)
	assert.NotEqual(t, a1, a2)
	assert.NotEqual(t, memberA, a1)
	assert.NotEqual(t, outsider, a1)

	// The same config and sequence yields the same addresses.
	q := NewProvisioner(cfg, lookupOf(&fakeRound{}), clock)
	b1, err := q.DeployGroup(ctx, members)
	require.NoError(t, err)
	assert.Equal(t, a1, b1)

	g, err := p.Group(a2)
	require.NoError(t, err)
	assert.Equal(t, members, g.Members())

	_, err = p.Group(outsider)
	require.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = p.DeployGroup(ctx, []common.Address{memberA, {}})
	require.ErrorIs(t, err, domain.ErrZeroResolver)
}

func TestProvisionerRestore(t *testing.T) {
	ctx := context.Background()
	clock := ledger.NewManualClock(time.Unix(0, 0))
	cfg := ProvisionerConfig{ProxyDeployer: common.HexToAddress("0xde"), AuthorityTemplate: common.HexToAddress("0x7e")}
	p := NewProvisioner(cfg, lookupOf(&fakeRound{}), clock)
	addr, err := p.DeployGroup(ctx, []common.Address{memberA, outsider})
	require.NoError(t, err)
	g, err := p.Group(addr)
	require.NoError(t, err)

	q := NewProvisioner(cfg, lookupOf(&fakeRound{}), clock)
	require.NoError(t, q.Restore([]domain.GroupSnapshot{g.Snapshot()}))
	next, err := q.DeployGroup(ctx, []common.Address{memberA, outsider})
	require.NoError(t, err)
	assert.NotEqual(t, addr, next)
	assert.Len(t, q.Groups(), 2)
}
