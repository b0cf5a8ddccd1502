// Package factory instantiates rounds from the shared template and binds
// each one to its resolver authority.
package factory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/alanyoungcy/betcha/internal/domain"
	"github.com/alanyoungcy/betcha/internal/round"
)

// Config holds the factory's immutable addresses.
type Config struct {
	Address           common.Address
	ProxyDeployer     common.Address
	AuthorityTemplate common.Address
}

// Factory creates rounds. Each CreateRound is independent; the only shared
// state is the deployment nonce that derives clone addresses.
type Factory struct {
	mu sync.Mutex

	cfg         Config
	template    *round.Template
	provisioner domain.AuthorityProvisioner
	registry    *round.Registry
	clock       domain.Clock
	logger      *slog.Logger

	nonce uint64
}

// New creates a Factory.
func New(cfg Config, template *round.Template, provisioner domain.AuthorityProvisioner, registry *round.Registry, clock domain.Clock, logger *slog.Logger) *Factory {
	return &Factory{
		cfg:         cfg,
		template:    template,
		provisioner: provisioner,
		registry:    registry,
		clock:       clock,
		logger:      logger.With(slog.String("component", "factory")),
	}
}

// Address returns the factory identity.
func (f *Factory) Address() common.Address { return f.cfg.Address }

// ProxyDeployer returns the group proxy deployer address.
func (f *Factory) ProxyDeployer() common.Address { return f.cfg.ProxyDeployer }

// AuthorityTemplate returns the group template address.
func (f *Factory) AuthorityTemplate() common.Address { return f.cfg.AuthorityTemplate }

// RoundTemplate returns the canonical round template address.
func (f *Factory) RoundTemplate() common.Address { return f.template.Address() }

// Nonce returns the next deployment nonce.
func (f *Factory) Nonce() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce
}

// SetNonce restores the deployment nonce after a restart. It never moves
// backwards.
func (f *Factory) SetNonce(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > f.nonce {
		f.nonce = n
	}
}

// CreateRound clones the round template, resolves the authority and
// initializes the clone. A single resolver is used directly; several are
// collapsed into a freshly provisioned group. Nothing is provisioned or
// registered unless the parameters are valid.
func (f *Factory) CreateRound(ctx context.Context, call domain.Call, p domain.CreateRoundParams) (*round.Round, domain.Event, error) {
	resolvers, err := dedupResolvers(p.Resolvers)
	if err != nil {
		return nil, domain.Event{}, err
	}
	params := domain.RoundParams{
		WagerAsset:            p.WagerAsset,
		StakeAmount:           p.StakeAmount,
		ResolverAuthority:     resolvers[0],
		WagerDeadlineAt:       p.WagerDeadlineAt,
		SettlementAvailableAt: p.SettlementAvailableAt,
		MetadataURI:           p.MetadataURI,
	}
	if err := round.ValidateParams(params); err != nil {
		return nil, domain.Event{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(resolvers) > 1 {
		group, err := f.provisioner.DeployGroup(ctx, resolvers)
		if err != nil {
			return nil, domain.Event{}, fmt.Errorf("factory: create round: %w", err)
		}
		params.ResolverAuthority = group
	}

	addr := f.nextAddressLocked()
	r := f.template.Clone(addr)
	if err := r.Initialize(params); err != nil {
		return nil, domain.Event{}, fmt.Errorf("factory: initialize %s: %w", addr.Hex(), err)
	}
	if err := f.registry.Register(r); err != nil {
		return nil, domain.Event{}, fmt.Errorf("factory: create round: %w", err)
	}
	f.nonce++

	ev := domain.Event{
		ID:        uuid.NewString(),
		Type:      domain.EventRoundCreated,
		Round:     addr,
		Seq:       0,
		Caller:    call.From,
		Asset:     params.WagerAsset,
		Amount:    r.StakeAmount(),
		Authority: params.ResolverAuthority,
		Resolvers: resolvers,
		BlockTime: f.clock.Now(),
	}

	f.logger.InfoContext(ctx, "round created",
		slog.String("round", addr.Hex()),
		slog.String("authority", params.ResolverAuthority.Hex()),
		slog.Int("resolvers", len(resolvers)),
		slog.String("asset", params.WagerAsset.Hex()),
		slog.String("stake", params.StakeAmount.String()),
	)
	return r, ev, nil
}

// PredictRoundAddress returns the address the next CreateRound will use.
func (f *Factory) PredictRoundAddress() common.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextAddressLocked()
}

// nextAddressLocked skips nonces whose address is already registered, which
// happens when the restored nonce lags the registry.
func (f *Factory) nextAddressLocked() common.Address {
	for {
		addr := ethcrypto.CreateAddress(f.cfg.Address, f.nonce)
		if _, err := f.registry.Get(addr); err != nil {
			return addr
		}
		f.nonce++
	}
}

func dedupResolvers(in []common.Address) ([]common.Address, error) {
	if len(in) == 0 {
		return nil, domain.ErrNoResolvers
	}
	seen := make(map[common.Address]bool, len(in))
	out := make([]common.Address, 0, len(in))
	for _, a := range in {
		if a == (common.Address{}) {
			return nil, domain.ErrZeroResolver
		}
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out, nil
}
