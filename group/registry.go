package group

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	mls "github.com/cisco/go-mls"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"silvertiger.com/go/mlsharness/user"
)

// Registry tracks the members of one group by party name. Delivery visits
// members in name order.
type Registry struct {
	members map[string]*Member
	log     zerolog.Logger
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithLogger sets the logger handed to every tracked member
func WithLogger(log zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.log = log
	}
}

// NewRegistryFromParty originates a group owned by pre's party and tracks it
func NewRegistryFromParty(pre *user.PreGroup, cfg CreateConfig, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		members: make(map[string]*Member),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	m, err := CreateFromPreGroup(pre, cfg)
	if err != nil {
		return nil, err
	}
	r.track(m)
	r.log.Info().Str("creator", m.Name()).Hex("group", m.GroupID()).Msg("group created")
	return r, nil
}

func (r *Registry) track(m *Member) {
	m.SetLogger(r.log)
	r.members[m.Name()] = m
}

// Except selects every member not named
func Except(names ...string) func(*Member) bool {
	skip := make(map[string]bool, len(names))
	for _, n := range names {
		skip[n] = true
	}
	return func(m *Member) bool {
		return !skip[m.Name()]
	}
}

// Only selects the named members
func Only(names ...string) func(*Member) bool {
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	return func(m *Member) bool {
		return keep[m.Name()]
	}
}

// DeliverAndApply hands msg to every tracked member
func (r *Registry) DeliverAndApply(msg *Message) error {
	return r.DeliverAndApplyIf(msg, nil)
}

// DeliverAndApplyIf hands msg to every tracked member pred selects, stopping
// at the first failure. Members visited before the failure keep the new
// state. A nil pred selects everybody.
func (r *Registry) DeliverAndApplyIf(msg *Message, pred func(*Member) bool) error {
	for _, name := range r.Names() {
		m := r.members[name]
		if pred != nil && !pred(m) {
			continue
		}
		if err := m.DeliverAndApply(msg); err != nil {
			return err
		}
	}
	return nil
}

// DeliverAndApplyAtomic is DeliverAndApplyIf where either every selected
// member applies msg or none does.
func (r *Registry) DeliverAndApplyAtomic(msg *Message, pred func(*Member) bool) error {
	type staged struct {
		m *Member
		p *processed
	}
	var all []staged
	for _, name := range r.Names() {
		m := r.members[name]
		if pred != nil && !pred(m) {
			continue
		}
		p, err := m.process(msg)
		if err != nil {
			for i := len(all) - 1; i >= 0; i-- {
				all[i].p.undo()
			}
			return err
		}
		all = append(all, staged{m: m, p: p})
	}
	for _, s := range all {
		s.m.apply(s.p)
	}
	return nil
}

// DeliverAndApplyWelcome joins pre's party through welcome and tracks the new
// member. Nothing changes on failure.
func (r *Registry) DeliverAndApplyWelcome(pre *user.PreGroup, cfg JoinConfig, welcome *mls.Welcome, tree RatchetTree) error {
	name := pre.Name()
	if _, ok := r.members[name]; ok {
		return newError(ErrJoin, name, "already a tracked member")
	}
	m, err := JoinFromPreGroup(pre, cfg, welcome, tree)
	if err != nil {
		return err
	}
	r.track(m)
	r.log.Info().Str("member", name).Uint64("epoch", m.Epoch()).Msg("member joined")
	return nil
}

// UntrackMember stops tracking name. The group itself is not told.
func (r *Registry) UntrackMember(name string) bool {
	if _, ok := r.members[name]; !ok {
		return false
	}
	delete(r.members, name)
	return true
}

// Member returns the tracked member called name
func (r *Registry) Member(name string) (*Member, bool) {
	m, ok := r.members[name]
	return m, ok
}

// Members returns the named members in the order given. The registry must
// track exactly those names, no more and no fewer.
func (r *Registry) Members(names ...string) ([]*Member, error) {
	if len(names) != len(r.members) {
		return nil, newError(ErrPrecondition, "", "asked for %d members, registry tracks %d", len(names), len(r.members))
	}
	out := make([]*Member, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			return nil, newError(ErrPrecondition, name, "named twice")
		}
		seen[name] = true
		m, ok := r.members[name]
		if !ok {
			return nil, newError(ErrPrecondition, name, "not tracked")
		}
		out = append(out, m)
	}
	return out, nil
}

// MustMembers is Members for test code. It panics instead of returning an error.
func (r *Registry) MustMembers(names ...string) []*Member {
	out, err := r.Members(names...)
	if err != nil {
		panic(err)
	}
	return out
}

// Names returns the tracked names in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.members))
	for name := range r.members {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len is the number of tracked members
func (r *Registry) Len() int {
	return len(r.members)
}

// CheckConvergence verifies that every tracked member sits in the same epoch
// with the same roster, and that each of them appears in that roster.
func (r *Registry) CheckConvergence() error {
	names := r.Names()
	if len(names) == 0 {
		return newError(ErrPrecondition, "", "no tracked members")
	}
	ref := r.members[names[0]]
	epoch, roster := ref.Epoch(), ref.Roster()

	var result *multierror.Error
	for _, name := range names[1:] {
		m := r.members[name]
		if m.Epoch() != epoch {
			result = multierror.Append(result, fmt.Errorf("%s is at epoch %d, %s at %d", name, m.Epoch(), ref.Name(), epoch))
		}
		if other := m.Roster(); !sameRoster(roster, other) {
			result = multierror.Append(result, fmt.Errorf("%s sees roster %s, %s sees %s", name, formatRoster(other), ref.Name(), formatRoster(roster)))
		}
	}
	for _, name := range names {
		if !inRoster(roster, []byte(name)) {
			result = multierror.Append(result, fmt.Errorf("%s is tracked but not in the roster", name))
		}
	}
	return result.ErrorOrNil()
}

func sameRoster(a, b []Leaf) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Index != b[i].Index || !bytes.Equal(a[i].Identity, b[i].Identity) {
			return false
		}
	}
	return true
}

func inRoster(roster []Leaf, identity []byte) bool {
	for _, leaf := range roster {
		if bytes.Equal(leaf.Identity, identity) {
			return true
		}
	}
	return false
}

func formatRoster(roster []Leaf) string {
	parts := make([]string, len(roster))
	for i, leaf := range roster {
		parts[i] = fmt.Sprintf("%d:%s", leaf.Index, leaf.Identity)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
