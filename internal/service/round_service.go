// Package service orchestrates round mutations: it serializes each call on
// a per-round lock, runs the operation, then persists, caches, publishes,
// audits and notifies. Reads are served from the cache with the in-process
// registry as the source of truth. With a distributed lock configured,
// several instances may share one database: every mutation first reloads
// the round from storage if another instance has moved it on.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/betcha/internal/authority"
	"github.com/alanyoungcy/betcha/internal/domain"
	"github.com/alanyoungcy/betcha/internal/factory"
	"github.com/alanyoungcy/betcha/internal/ledger"
	"github.com/alanyoungcy/betcha/internal/round"
)

const (
	defaultLockTTL = 10 * time.Second
	lockWait       = 2 * time.Second
	lockRetry      = 25 * time.Millisecond
)

// EventNotifier forwards round events to operators.
type EventNotifier interface {
	NotifyEvent(ctx context.Context, ev domain.Event) error
}

// TokenLister enumerates the fungible tokens a ledger knows about.
type TokenLister interface {
	ListTokens(ctx context.Context) ([]ledger.Token, error)
}

// Deps holds the collaborators of a RoundService. Factory, Template,
// Registry, Groups, Ledger and Clock are required; every store, cache and
// bus is optional and skipped when nil.
type Deps struct {
	Factory  *factory.Factory
	Template *round.Template
	Registry *round.Registry
	Groups   *authority.Provisioner
	Ledger   domain.Ledger
	Tokens   TokenLister
	Clock    domain.Clock

	Rounds     domain.RoundStore
	Events     domain.EventStore
	GroupStore domain.GroupStore
	Audit      domain.AuditStore
	Cache      domain.RoundCache
	Locks      domain.LockManager
	Bus        domain.SignalBus
	Notifier   EventNotifier

	LockTTL time.Duration
	Logger  *slog.Logger
}

// RoundService is the entry point for every state-changing call.
type RoundService struct {
	factory  *factory.Factory
	template *round.Template
	registry *round.Registry
	groups   *authority.Provisioner
	ledger   domain.Ledger
	tokens   TokenLister
	clock    domain.Clock

	rounds     domain.RoundStore
	events     domain.EventStore
	groupStore domain.GroupStore
	audit      domain.AuditStore
	cache      domain.RoundCache
	locks      domain.LockManager
	bus        domain.SignalBus
	notifier   EventNotifier

	lockTTL time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	local     map[string]*sync.Mutex
	created   map[common.Address]domain.Event
	unsaved   map[common.Address][]domain.Event
	stale     map[common.Address]struct{}
	listeners map[int]func(domain.Event)
	nextID    int
}

// NewRoundService creates a RoundService.
func NewRoundService(d Deps) *RoundService {
	ttl := d.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RoundService{
		factory:    d.Factory,
		template:   d.Template,
		registry:   d.Registry,
		groups:     d.Groups,
		ledger:     d.Ledger,
		tokens:     d.Tokens,
		clock:      d.Clock,
		rounds:     d.Rounds,
		events:     d.Events,
		groupStore: d.GroupStore,
		audit:      d.Audit,
		cache:      d.Cache,
		locks:      d.Locks,
		bus:        d.Bus,
		notifier:   d.Notifier,
		lockTTL:    ttl,
		logger:     logger.With(slog.String("component", "round_service")),
		local:      make(map[string]*sync.Mutex),
		created:    make(map[common.Address]domain.Event),
		unsaved:    make(map[common.Address][]domain.Event),
		stale:      make(map[common.Address]struct{}),
		listeners:  make(map[int]func(domain.Event)),
	}
}

// OnEvent registers fn to receive every committed event in order. The
// returned function removes the listener.
func (s *RoundService) OnEvent(fn func(domain.Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// CreateRound runs the factory and records the RoundCreated event. When the
// request names several resolvers the provisioned group is persisted too.
func (s *RoundService) CreateRound(ctx context.Context, call domain.Call, p domain.CreateRoundParams) (domain.RoundSnapshot, domain.Event, error) {
	unlock, err := s.lock(ctx, domain.FactoryLockKey)
	if err != nil {
		return domain.RoundSnapshot{}, domain.Event{}, err
	}
	defer unlock()

	if err := s.syncFactory(ctx); err != nil {
		return domain.RoundSnapshot{}, domain.Event{}, err
	}
	r, ev, err := s.factory.CreateRound(ctx, call, p)
	if err != nil {
		return domain.RoundSnapshot{}, domain.Event{}, fmt.Errorf("service: create round: %w", err)
	}

	s.mu.Lock()
	s.created[r.Address()] = ev
	s.mu.Unlock()

	if len(ev.Resolvers) > 1 {
		if g, err := s.groups.Group(ev.Authority); err == nil {
			s.saveGroup(ctx, g)
		}
	}

	snap := s.commit(ctx, r, []domain.Event{ev}, "round.created", map[string]any{
		"round":     r.Address().Hex(),
		"creator":   call.From.Hex(),
		"authority": ev.Authority.Hex(),
		"asset":     ev.Asset.Hex(),
		"stake":     ev.Amount.String(),
	})
	return snap, ev, nil
}

// Wager places call.From's stake on side.
func (s *RoundService) Wager(ctx context.Context, call domain.Call, addr common.Address, side domain.Side) (domain.Event, error) {
	r, unlock, err := s.lockRound(ctx, addr)
	if err != nil {
		return domain.Event{}, err
	}
	defer unlock()

	ev, err := r.Wager(ctx, call, side)
	if err != nil {
		return domain.Event{}, fmt.Errorf("service: wager %s: %w", addr.Hex(), err)
	}
	s.commit(ctx, r, []domain.Event{ev}, "round.wagered", map[string]any{
		"round":       addr.Hex(),
		"participant": call.From.Hex(),
		"side":        side.String(),
		"amount":      ev.Amount.String(),
	})
	return ev, nil
}

// Settle records the outcome on behalf of a sole resolver.
func (s *RoundService) Settle(ctx context.Context, call domain.Call, addr common.Address, outcome domain.Side) (domain.Event, error) {
	r, unlock, err := s.lockRound(ctx, addr)
	if err != nil {
		return domain.Event{}, err
	}
	defer unlock()

	ev, err := r.Settle(ctx, call, outcome)
	if err != nil {
		return domain.Event{}, fmt.Errorf("service: settle %s: %w", addr.Hex(), err)
	}
	s.commitSettled(ctx, r, ev)
	return ev, nil
}

// Claim pays participant's share. Anyone may call it.
func (s *RoundService) Claim(ctx context.Context, call domain.Call, addr, participant common.Address) (domain.Event, error) {
	r, unlock, err := s.lockRound(ctx, addr)
	if err != nil {
		return domain.Event{}, err
	}
	defer unlock()

	ev, err := r.Claim(ctx, call, participant)
	if err != nil {
		return domain.Event{}, fmt.Errorf("service: claim %s: %w", addr.Hex(), err)
	}
	s.commit(ctx, r, []domain.Event{ev}, "round.payout", map[string]any{
		"round":       addr.Hex(),
		"participant": participant.Hex(),
		"caller":      call.From.Hex(),
		"amount":      ev.Amount.String(),
	})
	return ev, nil
}

// Approve records a group member's approval of settling a round. Reaching
// the threshold settles the round in the same call.
func (s *RoundService) Approve(ctx context.Context, groupAddr, member, addr common.Address, outcome domain.Side) (authority.Approval, error) {
	return s.approve(ctx, groupAddr, addr, func(g *authority.Group) (authority.Approval, error) {
		return g.Approve(ctx, member, addr, outcome)
	})
}

// SubmitSignature records an EIP-712 settlement approval and returns the
// recovered member.
func (s *RoundService) SubmitSignature(ctx context.Context, groupAddr, addr common.Address, outcome domain.Side, sigHex string) (authority.Approval, common.Address, error) {
	var signer common.Address
	res, err := s.approve(ctx, groupAddr, addr, func(g *authority.Group) (authority.Approval, error) {
		res, who, err := g.SubmitSignature(ctx, addr, outcome, sigHex)
		signer = who
		return res, err
	})
	return res, signer, err
}

// ExecuteApproval retries settlement of a proposal that already met the
// threshold.
func (s *RoundService) ExecuteApproval(ctx context.Context, groupAddr, addr common.Address, outcome domain.Side) (authority.Approval, error) {
	return s.approve(ctx, groupAddr, addr, func(g *authority.Group) (authority.Approval, error) {
		return g.Execute(ctx, addr, outcome)
	})
}

// approve runs fn under the round lock and then the group lock. The group
// nonce is shared by every round it resolves, so approvals for different
// rounds of one group serialize on the group.
func (s *RoundService) approve(ctx context.Context, groupAddr, addr common.Address, fn func(*authority.Group) (authority.Approval, error)) (authority.Approval, error) {
	r, unlock, err := s.lockRound(ctx, addr)
	if err != nil {
		return authority.Approval{}, err
	}
	defer unlock()

	unlockGroup, err := s.lock(ctx, domain.GroupLockKey(groupAddr))
	if err != nil {
		return authority.Approval{}, err
	}
	defer unlockGroup()

	g, err := s.currentGroup(ctx, groupAddr)
	if err != nil {
		return authority.Approval{}, fmt.Errorf("service: group %s: %w", groupAddr.Hex(), err)
	}

	if r.Authority() != groupAddr {
		return authority.Approval{}, fmt.Errorf("service: group %s does not resolve %s: %w", groupAddr.Hex(), addr.Hex(), domain.ErrNotResolver)
	}

	res, err := fn(g)
	if err == nil || res.Approvals > 0 {
		s.saveGroup(ctx, g)
	}
	if res.Executed && res.Event != nil {
		s.commitSettled(ctx, r, *res.Event)
	}
	if err != nil {
		return res, fmt.Errorf("service: approve %s: %w", addr.Hex(), err)
	}
	return res, nil
}

func (s *RoundService) commitSettled(ctx context.Context, r *round.Round, ev domain.Event) {
	s.commit(ctx, r, []domain.Event{ev}, "round.settled", map[string]any{
		"round":     r.Address().Hex(),
		"authority": ev.Caller.Hex(),
		"outcome":   ev.Outcome.String(),
		"winners":   r.WinnerCount(),
	})
}

// commit persists the round after a successful mutation. The round itself
// is authoritative: storage, cache and bus failures are logged, and a
// snapshot or events that could not be stored are retried on the round's
// next commit or by Flush.
func (s *RoundService) commit(ctx context.Context, r *round.Round, evs []domain.Event, action string, detail map[string]any) domain.RoundSnapshot {
	addr := r.Address()
	snap := r.Snapshot()
	log := s.logger.With(slog.String("round", addr.Hex()), slog.String("action", action))

	s.persist(ctx, snap, evs, log)
	if s.cache != nil {
		if err := s.cache.Set(ctx, snap); err != nil {
			log.WarnContext(ctx, "cache round failed", slog.String("error", err.Error()))
			_ = s.cache.Invalidate(ctx, addr)
		}
	}

	for _, ev := range evs {
		s.publish(ctx, ev)
	}

	s.auditLog(ctx, action, detail)

	log.InfoContext(ctx, "round committed", slog.Uint64("seq", snap.EventSeq))
	return snap
}

// persist stores snap and every event of its round still waiting to be
// stored. Whatever fails is queued for the next attempt.
func (s *RoundService) persist(ctx context.Context, snap domain.RoundSnapshot, evs []domain.Event, log *slog.Logger) {
	addr := snap.Address

	s.mu.Lock()
	pending := append(s.unsaved[addr], evs...)
	delete(s.unsaved, addr)
	s.mu.Unlock()

	if s.rounds != nil {
		err := s.rounds.Save(ctx, snap)
		s.mu.Lock()
		if err != nil {
			s.stale[addr] = struct{}{}
		} else {
			delete(s.stale, addr)
		}
		s.mu.Unlock()
		if err != nil {
			log.ErrorContext(ctx, "save round failed", slog.String("error", err.Error()))
		}
	}
	if s.events != nil && len(pending) > 0 {
		if err := s.events.Append(ctx, pending); err != nil {
			log.ErrorContext(ctx, "append events failed",
				slog.Int("events", len(pending)),
				slog.String("error", err.Error()),
			)
			s.mu.Lock()
			s.unsaved[addr] = append(pending, s.unsaved[addr]...)
			s.mu.Unlock()
		}
	}
}

// Flush retries every round whose snapshot or events failed to persist and
// returns how many are still pending.
func (s *RoundService) Flush(ctx context.Context) int {
	s.mu.Lock()
	addrs := make([]common.Address, 0, len(s.stale)+len(s.unsaved))
	for a := range s.stale {
		addrs = append(addrs, a)
	}
	for a := range s.unsaved {
		if _, ok := s.stale[a]; !ok {
			addrs = append(addrs, a)
		}
	}
	s.mu.Unlock()

	for _, addr := range addrs {
		log := s.logger.With(slog.String("round", addr.Hex()), slog.String("action", "flush"))
		r, unlock, err := s.lockRound(ctx, addr)
		if err != nil {
			log.WarnContext(ctx, "flush skipped", slog.String("error", err.Error()))
			continue
		}
		s.persist(ctx, r.Snapshot(), nil, log)
		unlock()
	}
	return s.Pending()
}

// Pending returns the number of rounds with writes waiting to be retried.
func (s *RoundService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.stale)
	for a := range s.unsaved {
		if _, ok := s.stale[a]; !ok {
			n++
		}
	}
	return n
}

func (s *RoundService) publish(ctx context.Context, ev domain.Event) {
	if s.bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logger.ErrorContext(ctx, "marshal event failed", slog.String("error", err.Error()))
		} else {
			if err := s.bus.Publish(ctx, domain.RoundChannel(ev.Round), payload); err != nil {
				s.logger.WarnContext(ctx, "publish event failed", slog.String("error", err.Error()))
			}
			if err := s.bus.StreamAppend(ctx, domain.EventsStream, payload); err != nil {
				s.logger.WarnContext(ctx, "stream append failed", slog.String("error", err.Error()))
			}
		}
	}

	if s.notifier != nil {
		if err := s.notifier.NotifyEvent(ctx, ev); err != nil {
			s.logger.WarnContext(ctx, "notify failed",
				slog.String("event", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		}
	}

	s.mu.Lock()
	fns := make([]func(domain.Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *RoundService) saveGroup(ctx context.Context, g *authority.Group) {
	if s.groupStore == nil {
		return
	}
	if err := s.groupStore.Save(ctx, g.Snapshot()); err != nil {
		s.logger.ErrorContext(ctx, "save group failed",
			slog.String("group", g.Address().Hex()),
			slog.String("error", err.Error()),
		)
	}
}

// lockRound takes addr's lock and returns the round as of the latest
// committed state.
func (s *RoundService) lockRound(ctx context.Context, addr common.Address) (*round.Round, func(), error) {
	if _, err := s.registry.Get(addr); err != nil && !s.shared() {
		return nil, nil, fmt.Errorf("service: %w", err)
	}
	unlock, err := s.lock(ctx, domain.RoundLockKey(addr))
	if err != nil {
		return nil, nil, err
	}
	r, err := s.current(ctx, addr)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return r, unlock, nil
}

// shared reports whether other instances may write the same stores.
func (s *RoundService) shared() bool {
	return s.locks != nil && s.rounds != nil
}

// current returns the round at addr, reloading it from storage when another
// instance created it or has committed events this instance has not seen.
// The caller holds the round lock.
func (s *RoundService) current(ctx context.Context, addr common.Address) (*round.Round, error) {
	local, localErr := s.registry.Get(addr)
	if !s.shared() {
		if localErr != nil {
			return nil, fmt.Errorf("service: %w", localErr)
		}
		return local, nil
	}

	snap, err := s.rounds.Get(ctx, addr)
	if errors.Is(err, domain.ErrNotFound) {
		if localErr != nil {
			return nil, fmt.Errorf("service: %w", localErr)
		}
		return local, nil
	}
	if err != nil {
		return nil, fmt.Errorf("service: load round %s: %w", addr.Hex(), err)
	}
	var evs []domain.Event
	if s.events != nil {
		if evs, err = s.events.ListByRound(ctx, addr); err != nil {
			return nil, fmt.Errorf("service: load events %s: %w", addr.Hex(), err)
		}
	}
	persisted := snap.EventSeq
	if n := len(evs); n > 0 && evs[n-1].Seq > persisted {
		persisted = evs[n-1].Seq
	}
	if localErr == nil && local.Seq() >= persisted {
		return local, nil
	}

	fresh, err := s.template.Restore(snap, evs)
	if err != nil {
		return nil, fmt.Errorf("service: reload round %s: %w", addr.Hex(), err)
	}
	s.registry.Replace(fresh)
	s.rememberCreated(addr, evs)
	s.logger.InfoContext(ctx, "round reloaded",
		slog.String("round", addr.Hex()),
		slog.Uint64("seq", persisted),
	)
	return fresh, nil
}

// currentGroup returns the group at addr, preferring the stored copy when
// other instances share the stores.
func (s *RoundService) currentGroup(ctx context.Context, addr common.Address) (*authority.Group, error) {
	if s.locks != nil && s.groupStore != nil {
		snap, err := s.groupStore.Get(ctx, addr)
		if err == nil {
			return s.groups.Reload(snap)
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("load group: %w", err)
		}
	}
	return s.groups.Group(addr)
}

// syncFactory moves the factory and the provisioner past rounds and groups
// created by other instances. The caller holds the factory lock.
func (s *RoundService) syncFactory(ctx context.Context) error {
	if !s.shared() {
		return nil
	}
	if s.groupStore != nil {
		snaps, err := s.groupStore.List(ctx)
		if err != nil {
			return fmt.Errorf("service: sync groups: %w", err)
		}
		if err := s.groups.Restore(snaps); err != nil {
			return fmt.Errorf("service: sync groups: %w", err)
		}
	}
	count, err := s.rounds.Count(ctx)
	if err != nil {
		return fmt.Errorf("service: sync factory: %w", err)
	}
	s.factory.SetNonce(uint64(count))
	for {
		next := s.factory.PredictRoundAddress()
		_, err := s.rounds.Get(ctx, next)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("service: sync factory: %w", err)
		}
		s.factory.SetNonce(s.factory.Nonce() + 1)
	}
}

func (s *RoundService) rememberCreated(addr common.Address, evs []domain.Event) {
	for _, ev := range evs {
		if ev.Type == domain.EventRoundCreated {
			s.mu.Lock()
			s.created[addr] = ev
			s.mu.Unlock()
			return
		}
	}
}

// lock takes an in-process mutex for key and, when configured, the
// distributed lock, retrying a held lock for up to lockWait.
func (s *RoundService) lock(ctx context.Context, key string) (func(), error) {
	s.mu.Lock()
	m, ok := s.local[key]
	if !ok {
		m = &sync.Mutex{}
		s.local[key] = m
	}
	s.mu.Unlock()

	m.Lock()
	if s.locks == nil {
		return m.Unlock, nil
	}

	deadline := time.Now().Add(lockWait)
	for {
		release, err := s.locks.Acquire(ctx, key, s.lockTTL)
		if err == nil {
			return func() {
				release()
				m.Unlock()
			}, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) || time.Now().After(deadline) {
			m.Unlock()
			return nil, fmt.Errorf("service: lock %s: %w", key, err)
		}
		select {
		case <-ctx.Done():
			m.Unlock()
			return nil, fmt.Errorf("service: lock %s: %w", key, ctx.Err())
		case <-time.After(lockRetry):
		}
	}
}
