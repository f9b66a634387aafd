package scenario

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	mls "github.com/cisco/go-mls"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"silvertiger.com/go/mlsharness/crypto"
	"silvertiger.com/go/mlsharness/group"
	"silvertiger.com/go/mlsharness/user"
)

// GroupID names a group inside the driver: the hex encoding of its MLS group id
type GroupID string

// Stats counts the protocol traffic a driver generated
type Stats struct {
	Groups     uint64
	Commits    uint64
	Proposals  uint64
	Welcomes   uint64
	Deliveries uint64
}

type counters struct {
	groups     atomic.Uint64
	commits    atomic.Uint64
	proposals  atomic.Uint64
	welcomes   atomic.Uint64
	deliveries atomic.Uint64
}

type trackedGroup struct {
	mu       sync.Mutex
	cfg      group.CreateConfig
	registry *group.Registry
}

// Driver runs randomized multi-party scenarios over a fixed pool of clients
type Driver struct {
	cfg     Config
	clients map[string]*user.Party
	names   []string

	rngMu sync.Mutex
	rng   *rand.Rand

	mu     sync.RWMutex
	groups map[GroupID]*trackedGroup

	stats counters
	log   zerolog.Logger
}

// Option configures a Driver
type Option func(*Driver)

// WithLogger sets the driver's logger
func WithLogger(log zerolog.Logger) Option {
	return func(d *Driver) {
		d.log = log
	}
}

// NewDriver creates the client pool. With a non-zero Seed every client draws
// from its own deterministic stream, so runs replay.
func NewDriver(cfg Config, opts ...Option) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	d := &Driver{
		cfg:     cfg,
		clients: make(map[string]*user.Party, cfg.Clients),
		groups:  make(map[GroupID]*trackedGroup),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}

	seed := make([]byte, 8)
	binary.BigEndian.PutUint64(seed, cfg.Seed)
	for i := 0; i < cfg.Clients; i++ {
		name := fmt.Sprintf("client-%02d", i)
		party := user.NewParty(name)
		if cfg.Seed != 0 {
			provider, err := crypto.NewDeterministicProvider(seed, name)
			if err != nil {
				return nil, errors.Wrapf(err, "provider for %s", name)
			}
			party = user.NewPartyWithProvider(name, provider)
		}
		d.clients[name] = party
		d.names = append(d.names, name)
	}

	if cfg.Seed != 0 {
		d.rng = rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	} else {
		d.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return d, nil
}

// Config returns the configuration the driver was built with
func (d *Driver) Config() Config {
	return d.cfg
}

// Clients lists the client names in order
func (d *Driver) Clients() []string {
	return append([]string(nil), d.names...)
}

// Client returns the party called name
func (d *Driver) Client(name string) (*user.Party, bool) {
	p, ok := d.clients[name]
	return p, ok
}

// Groups lists the ids of every group the driver tracks
func (d *Driver) Groups() []GroupID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]GroupID, 0, len(d.groups))
	for id := range d.groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Registry exposes the member registry of a group
func (d *Driver) Registry(id GroupID) (*group.Registry, bool) {
	g, err := d.group(id)
	if err != nil {
		return nil, false
	}
	return g.registry, true
}

// Stats returns a snapshot of the traffic counters
func (d *Driver) Stats() Stats {
	return Stats{
		Groups:     d.stats.groups.Load(),
		Commits:    d.stats.commits.Load(),
		Proposals:  d.stats.proposals.Load(),
		Welcomes:   d.stats.welcomes.Load(),
		Deliveries: d.stats.deliveries.Load(),
	}
}

func (d *Driver) group(id GroupID) (*trackedGroup, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	g, ok := d.groups[id]
	if !ok {
		return nil, errors.Errorf("unknown group %s", id)
	}
	return g, nil
}

// perm returns a random permutation of 0..n-1
func (d *Driver) perm(n int) []int {
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	return d.rng.Perm(n)
}

func (d *Driver) createConfig(suite mls.CipherSuite) group.CreateConfig {
	cfg := group.DefaultCreateConfig(suite)
	cfg.UseRatchetTreeExtension = d.cfg.RatchetTreeExtension
	return cfg
}

// CreateGroup originates a group with a random client as its only member
func (d *Driver) CreateGroup(suite mls.CipherSuite) (GroupID, error) {
	creator := d.names[d.perm(len(d.names))[0]]
	return d.CreateGroupBy(creator, suite)
}

// CreateGroupBy originates a group owned by the named client
func (d *Driver) CreateGroupBy(creator string, suite mls.CipherSuite) (GroupID, error) {
	party, ok := d.clients[creator]
	if !ok {
		return "", errors.Errorf("unknown client %s", creator)
	}
	pre, err := party.GeneratePreGroup(suite)
	if err != nil {
		return "", err
	}
	cfg := d.createConfig(suite)
	registry, err := group.NewRegistryFromParty(pre, cfg, group.WithLogger(d.log))
	if err != nil {
		return "", err
	}
	m, _ := registry.Member(creator)
	id := GroupID(hex.EncodeToString(m.GroupID()))

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.groups[id]; ok {
		return "", errors.Errorf("group %s already exists", id)
	}
	d.groups[id] = &trackedGroup{cfg: cfg, registry: registry}
	d.stats.groups.Inc()
	return id, nil
}

// CreateRandomGroup creates a group of size members. A random creator starts
// it, then random members add random clients in batches of BatchSize.
func (d *Driver) CreateRandomGroup(size int, suite mls.CipherSuite) (GroupID, error) {
	if size < 1 || size > len(d.names) {
		return "", errors.Errorf("group size %d outside 1..%d", size, len(d.names))
	}
	id, err := d.CreateGroup(suite)
	if err != nil {
		return "", err
	}
	for {
		g, err := d.group(id)
		if err != nil {
			return "", err
		}
		missing := size - g.memberCount()
		if missing <= 0 {
			break
		}
		if missing > d.cfg.BatchSize {
			missing = d.cfg.BatchSize
		}
		names, err := d.RandomNewMembers(id, missing)
		if err != nil {
			return "", err
		}
		adder, err := d.RandomMember(id)
		if err != nil {
			return "", err
		}
		if err := d.AddClients(Commit, id, adder, names); err != nil {
			return "", err
		}
	}
	d.log.Info().Str("group", string(id)).Int("size", size).Msg("random group created")
	return id, nil
}

func (g *trackedGroup) memberCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.registry.Len()
}

func (g *trackedGroup) names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.registry.Names()
}

// RandomNewMembers picks n distinct clients that are not in the group
func (d *Driver) RandomNewMembers(id GroupID, n int) ([]string, error) {
	g, err := d.group(id)
	if err != nil {
		return nil, err
	}
	in := make(map[string]bool)
	for _, name := range g.names() {
		in[name] = true
	}
	var candidates []string
	for _, name := range d.names {
		if !in[name] {
			candidates = append(candidates, name)
		}
	}
	if n > len(candidates) {
		return nil, errors.Errorf("asked for %d new members, only %d clients are outside group %s", n, len(candidates), id)
	}
	picked := make([]string, 0, n)
	for _, i := range d.perm(len(candidates))[:n] {
		picked = append(picked, candidates[i])
	}
	return picked, nil
}

// RandomMember picks a random tracked member of the group
func (d *Driver) RandomMember(id GroupID) (string, error) {
	g, err := d.group(id)
	if err != nil {
		return "", err
	}
	names := g.names()
	if len(names) == 0 {
		return "", errors.Errorf("group %s has no members", id)
	}
	return names[d.perm(len(names))[0]], nil
}

// RandomDistinctPair picks two different tracked members of the group
func (d *Driver) RandomDistinctPair(id GroupID) (string, string, error) {
	g, err := d.group(id)
	if err != nil {
		return "", "", err
	}
	names := g.names()
	if len(names) < 2 {
		return "", "", errors.Errorf("group %s has %d members, need two", id, len(names))
	}
	p := d.perm(len(names))
	return names[p[0]], names[p[1]], nil
}

// AddClients has adder bring the named clients into the group
func (d *Driver) AddClients(action ActionType, id GroupID, adder string, names []string) error {
	g, err := d.group(id)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.registry.Member(adder)
	if !ok {
		return errors.Errorf("%s is not a member of group %s", adder, id)
	}
	pres := make([]*user.PreGroup, 0, len(names))
	for _, name := range names {
		party, ok := d.clients[name]
		if !ok {
			return errors.Errorf("unknown client %s", name)
		}
		pre, err := party.GeneratePreGroup(g.cfg.Suite)
		if err != nil {
			return err
		}
		pres = append(pres, pre)
	}
	add := func(b *group.CommitBuilder) *group.CommitBuilder {
		for _, pre := range pres {
			b.Add(pre.KeyPackage())
		}
		return b
	}

	bundle, err := d.commit(g, m, action, add)
	if err != nil {
		return err
	}
	if bundle.Welcome == nil {
		return errors.Errorf("commit by %s adding %v produced no welcome", adder, names)
	}
	for _, pre := range pres {
		if err := g.registry.DeliverAndApplyWelcome(pre, g.cfg.JoinConfig(), bundle.Welcome, bundle.RatchetTree); err != nil {
			return err
		}
		d.stats.welcomes.Inc()
	}
	d.log.Info().
		Str("group", string(id)).
		Str("action", action.String()).
		Str("adder", adder).
		Strs("added", names).
		Msg("clients added")
	return nil
}

// RemoveClients has remover take the named members out of the group
func (d *Driver) RemoveClients(action ActionType, id GroupID, remover string, names []string) error {
	g, err := d.group(id)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.registry.Member(remover)
	if !ok {
		return errors.Errorf("%s is not a member of group %s", remover, id)
	}
	remove := func(b *group.CommitBuilder) *group.CommitBuilder {
		for _, name := range names {
			b.RemoveMember([]byte(name))
		}
		return b
	}
	untrack := func() {
		for _, name := range names {
			g.registry.UntrackMember(name)
		}
	}
	if _, err := d.commitThen(g, m, action, remove, untrack); err != nil {
		return err
	}
	d.log.Info().
		Str("group", string(id)).
		Str("action", action.String()).
		Str("remover", remover).
		Strs("removed", names).
		Msg("clients removed")
	return nil
}

// SelfUpdate has member refresh its own leaf with an empty commit
func (d *Driver) SelfUpdate(action ActionType, id GroupID, member string) error {
	if action != Commit {
		return &group.Error{Kind: group.ErrUnsupported, Member: member, Err: errors.New("self-update proposals are not available, use a commit")}
	}
	g, err := d.group(id)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.registry.Member(member)
	if !ok {
		return errors.Errorf("%s is not a member of group %s", member, id)
	}
	if _, err := d.commit(g, m, Commit, nil); err != nil {
		return err
	}
	d.log.Info().Str("group", string(id)).Str("member", member).Uint64("epoch", m.Epoch()).Msg("self-update")
	return nil
}

func (d *Driver) commit(g *trackedGroup, m *group.Member, action ActionType, modify func(*group.CommitBuilder) *group.CommitBuilder) (*group.CommitBundle, error) {
	return d.commitThen(g, m, action, modify, nil)
}

// commitThen carries one change through the group: with Proposal the
// proposals are distributed first, then m commits. beforeDelivery runs after
// m merged and before the commit fans out. Caller holds g.mu.
func (d *Driver) commitThen(g *trackedGroup, m *group.Member, action ActionType, modify func(*group.CommitBuilder) *group.CommitBuilder, beforeDelivery func()) (*group.CommitBundle, error) {
	others := group.Except(m.Name())
	switch action {
	case Commit:
	case Proposal:
		msg, err := m.Propose(modify)
		if err != nil {
			return nil, err
		}
		d.stats.proposals.Inc()
		if err := g.registry.DeliverAndApplyIf(msg, others); err != nil {
			return nil, err
		}
		d.stats.deliveries.Add(uint64(g.registry.Len() - 1))
		modify = nil
	default:
		return nil, errors.Errorf("unknown action %d", action)
	}

	bundle, err := m.BuildCommitAndStage(modify)
	if err != nil {
		return nil, err
	}
	if err := m.MergePendingCommit(); err != nil {
		return nil, err
	}
	d.stats.commits.Inc()
	if beforeDelivery != nil {
		beforeDelivery()
	}
	if err := g.registry.DeliverAndApplyIf(bundle.Commit, others); err != nil {
		return nil, err
	}
	d.stats.deliveries.Add(uint64(g.registry.Len() - 1))
	return bundle, nil
}

// CheckGroupStates verifies the group: every tracked member agrees on epoch
// and roster, and an application message from each member decrypts at every
// other member. All mismatches are reported together.
func (d *Driver) CheckGroupStates(id GroupID) error {
	g, err := d.group(id)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.registry.CheckConvergence(); err != nil {
		return errors.Wrapf(err, "group %s diverged", id)
	}

	var result *multierror.Error
	names := g.registry.Names()
	for _, sender := range names {
		m, _ := g.registry.Member(sender)
		payload := []byte(fmt.Sprintf("%s@%d", sender, m.Epoch()))
		msg, err := m.SendApplicationMessage(payload)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		for _, name := range names {
			if name == sender {
				continue
			}
			r, _ := g.registry.Member(name)
			if err := r.DeliverAndApply(msg); err != nil {
				result = multierror.Append(result, err)
				continue
			}
			d.stats.deliveries.Inc()
			received := r.Received()
			if got := received[len(received)-1]; string(got) != string(payload) {
				result = multierror.Append(result, fmt.Errorf("%s decrypted %q from %s, want %q", name, got, sender, payload))
			}
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return errors.Wrapf(err, "group %s", id)
	}
	return nil
}

// CheckAllGroups checks every tracked group concurrently
func (d *Driver) CheckAllGroups(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, id := range d.Groups() {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return d.CheckGroupStates(id)
		})
	}
	return eg.Wait()
}

// RunLifecycle builds a random group of size members, has everybody update,
// then removes random members until one is left. The group is checked after
// every step.
func (d *Driver) RunLifecycle(size int) (GroupID, error) {
	suite, err := d.cfg.CipherSuite()
	if err != nil {
		return "", err
	}
	id, err := d.CreateRandomGroup(size, suite)
	if err != nil {
		return "", err
	}
	if err := d.CheckGroupStates(id); err != nil {
		return id, err
	}

	g, err := d.group(id)
	if err != nil {
		return id, err
	}
	for _, name := range g.names() {
		if err := d.SelfUpdate(Commit, id, name); err != nil {
			return id, err
		}
		if err := d.CheckGroupStates(id); err != nil {
			return id, err
		}
	}

	for g.memberCount() > 1 {
		remover, target, err := d.RandomDistinctPair(id)
		if err != nil {
			return id, err
		}
		if err := d.RemoveClients(Commit, id, remover, []string{target}); err != nil {
			return id, err
		}
		if err := d.CheckGroupStates(id); err != nil {
			return id, err
		}
	}
	d.log.Info().Str("group", string(id)).Int("size", size).Msg("lifecycle complete")
	return id, nil
}
