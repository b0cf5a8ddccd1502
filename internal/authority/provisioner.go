package authority

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/betcha/internal/domain"
)

// ProvisionerConfig holds the immutable addresses groups are derived from.
type ProvisionerConfig struct {
	ProxyDeployer     common.Address
	AuthorityTemplate common.Address
	// Threshold applied to new groups; zero means majority.
	Threshold int
	ChainID   int64
}

// Provisioner deploys resolver groups. Group addresses follow CREATE2 from
// the proxy deployer with the authority template as init code, salted by
// the member set and a running nonce.
type Provisioner struct {
	mu sync.Mutex

	cfg    ProvisionerConfig
	lookup RoundLookup
	clock  domain.Clock

	saltNonce uint64
	groups    map[common.Address]*Group
	order     []common.Address
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(cfg ProvisionerConfig, lookup RoundLookup, clock domain.Clock) *Provisioner {
	return &Provisioner{
		cfg:    cfg,
		lookup: lookup,
		clock:  clock,
		groups: make(map[common.Address]*Group),
	}
}

// DeployGroup creates a new group for members and returns its address.
func (p *Provisioner) DeployGroup(_ context.Context, members []common.Address) (common.Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	initHash := ethcrypto.Keccak256(p.cfg.AuthorityTemplate.Bytes())
	var addr common.Address
	for {
		addr = ethcrypto.CreateAddress2(p.cfg.ProxyDeployer, groupSalt(members, p.saltNonce), initHash)
		if _, taken := p.groups[addr]; !taken {
			break
		}
		p.saltNonce++
	}

	g, err := NewGroup(addr, members, p.cfg.Threshold, p.cfg.ChainID, p.lookup, p.clock.Now())
	if err != nil {
		return common.Address{}, fmt.Errorf("authority: deploy group: %w", err)
	}
	p.groups[addr] = g
	p.order = append(p.order, addr)
	p.saltNonce++
	return addr, nil
}

// groupSalt is keccak256(member_0 || ... || member_n || nonce).
func groupSalt(members []common.Address, nonce uint64) [32]byte {
	buf := make([]byte, 0, len(members)*common.AddressLength+8)
	for _, m := range members {
		buf = append(buf, m.Bytes()...)
	}
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	return ethcrypto.Keccak256Hash(buf)
}

// Group returns the group deployed at addr.
func (p *Provisioner) Group(addr common.Address) (*Group, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.groups[addr]
	if !ok {
		return nil, fmt.Errorf("authority: group %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	return g, nil
}

// Groups lists every deployed group in deployment order.
func (p *Provisioner) Groups() []*Group {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Group, 0, len(p.order))
	for _, a := range p.order {
		out = append(out, p.groups[a])
	}
	return out
}

// Restore re-registers groups loaded from storage and advances the salt
// nonce past them.
func (p *Provisioner) Restore(snaps []domain.GroupSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range snaps {
		if _, ok := p.groups[s.Address]; ok {
			continue
		}
		g, err := RestoreGroup(s, p.cfg.ChainID, p.lookup)
		if err != nil {
			return err
		}
		p.groups[s.Address] = g
		p.order = append(p.order, s.Address)
	}
	if n := uint64(len(p.order)); n > p.saltNonce {
		p.saltNonce = n
	}
	return nil
}

// Reload installs snap as the group at its address. A local copy that has
// executed more often than snap is kept.
func (p *Provisioner) Reload(snap domain.GroupSnapshot) (*Group, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.groups[snap.Address]
	if ok && cur.Nonce() > snap.Nonce {
		return cur, nil
	}
	g, err := RestoreGroup(snap, p.cfg.ChainID, p.lookup)
	if err != nil {
		return nil, err
	}
	if !ok {
		p.order = append(p.order, snap.Address)
	}
	p.groups[snap.Address] = g
	return g, nil
}

// Compile-time interface check.
var _ domain.AuthorityProvisioner = (*Provisioner)(nil)
