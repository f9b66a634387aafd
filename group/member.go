package group

import (
	"bytes"
	"context"

	mls "github.com/cisco/go-mls"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"silvertiger.com/go/mlsharness/crypto"
	"silvertiger.com/go/mlsharness/user"
)

// Member is one party's participation in one group
type Member struct {
	pre           *user.PreGroup
	engine        *engine
	pending       *mls.State
	dropProposals func()
	treeInWelcome bool
	received      [][]byte
	log           zerolog.Logger
}

// CreateFromPreGroup originates a new group with pre's owner as its only member
func CreateFromPreGroup(pre *user.PreGroup, cfg CreateConfig) (*Member, error) {
	name := pre.Name()
	if cfg.Suite != pre.Suite() {
		return nil, newError(ErrJoin, name, "group suite %v does not match key package suite %v", cfg.Suite, pre.Suite())
	}
	if err := pre.Consume(); err != nil {
		return nil, &Error{Kind: ErrPrecondition, Member: name, Err: err}
	}

	ctx := context.Background()
	provider := pre.Party().Provider()
	signer, err := provider.Storage.SignatureKey(ctx, pre.SignaturePublicKey())
	if err != nil {
		return nil, wrapError(ErrStorage, name, err, "load signing key")
	}
	initSecret, err := provider.Storage.InitSecret(ctx, pre.KeyPackageRef())
	if err != nil {
		return nil, wrapError(ErrStorage, name, err, "load init secret")
	}

	groupID := cfg.GroupID
	if len(groupID) == 0 {
		groupID = make([]byte, 16)
		if _, err := provider.Rand.Read(groupID); err != nil {
			return nil, wrapError(ErrJoin, name, err, "draw group id")
		}
	}

	state, err := mls.NewEmptyState(groupID, initSecret, signer.Priv, pre.KeyPackage())
	if err != nil {
		return nil, wrapError(ErrJoin, name, err, "create group")
	}
	if err := provider.Storage.DeleteInitSecret(ctx, pre.KeyPackageRef()); err != nil {
		return nil, wrapError(ErrStorage, name, err, "delete init secret")
	}
	return newMember(pre, state, cfg.UseRatchetTreeExtension), nil
}

// JoinFromPreGroup admits pre's owner into an existing group through a
// welcome. tree must be supplied when the group keeps the ratchet tree out
// of its welcomes; when supplied it has to match the tree the welcome yields.
func JoinFromPreGroup(pre *user.PreGroup, cfg JoinConfig, welcome *mls.Welcome, tree RatchetTree) (*Member, error) {
	name := pre.Name()
	if welcome == nil {
		return nil, newError(ErrJoin, name, "no welcome")
	}
	if cfg.Suite != pre.Suite() {
		return nil, newError(ErrJoin, name, "join suite %v does not match key package suite %v", cfg.Suite, pre.Suite())
	}
	if welcome.CipherSuite != cfg.Suite {
		return nil, newError(ErrJoin, name, "welcome suite %v does not match join suite %v", welcome.CipherSuite, cfg.Suite)
	}
	if !cfg.UseRatchetTreeExtension && len(tree) == 0 {
		return nil, newError(ErrJoin, name, "ratchet tree required to join")
	}
	if err := pre.Consume(); err != nil {
		return nil, &Error{Kind: ErrPrecondition, Member: name, Err: err}
	}

	ctx := context.Background()
	provider := pre.Party().Provider()
	signer, err := provider.Storage.SignatureKey(ctx, pre.SignaturePublicKey())
	if err != nil {
		return nil, wrapError(ErrStorage, name, err, "load signing key")
	}
	initSecret, err := provider.Storage.InitSecret(ctx, pre.KeyPackageRef())
	if errors.Is(err, crypto.ErrNotFound) {
		return nil, wrapError(ErrJoin, name, err, "no key package matches the welcome")
	}
	if err != nil {
		return nil, wrapError(ErrStorage, name, err, "load init secret")
	}

	state, err := mls.NewJoinedState(
		initSecret,
		[]mls.SignaturePrivateKey{signer.Priv},
		[]mls.KeyPackage{pre.KeyPackage()},
		*welcome,
	)
	if err != nil {
		return nil, wrapError(ErrJoin, name, err, "process welcome")
	}
	if len(tree) > 0 {
		own, err := ratchetTreeOf(state)
		if err != nil {
			return nil, &Error{Kind: ErrJoin, Member: name, Err: err}
		}
		if !bytes.Equal(own, tree) {
			return nil, newError(ErrJoin, name, "ratchet tree does not match the welcome")
		}
	}
	if err := provider.Storage.DeleteInitSecret(ctx, pre.KeyPackageRef()); err != nil {
		return nil, wrapError(ErrStorage, name, err, "delete init secret")
	}
	return newMember(pre, state, cfg.UseRatchetTreeExtension), nil
}

func newMember(pre *user.PreGroup, state *mls.State, treeInWelcome bool) *Member {
	return &Member{
		pre:           pre,
		engine:        &engine{state: state},
		treeInWelcome: treeInWelcome,
		log:           zerolog.Nop(),
	}
}

// Name returns the owning party's name
func (m *Member) Name() string {
	return m.pre.Name()
}

// Party returns the owning party
func (m *Member) Party() *user.Party {
	return m.pre.Party()
}

// SetLogger attaches a logger; the member name is added as a field
func (m *Member) SetLogger(log zerolog.Logger) {
	m.log = log.With().Str("member", m.Name()).Logger()
}

// GroupID returns the group this member belongs to
func (m *Member) GroupID() []byte {
	return m.engine.state.GroupID
}

// Suite returns the group's ciphersuite
func (m *Member) Suite() mls.CipherSuite {
	return m.engine.state.CipherSuite
}

// Epoch returns the member's current epoch
func (m *Member) Epoch() uint64 {
	return m.engine.epoch()
}

// LeafIndex returns the member's own position in the tree
func (m *Member) LeafIndex() uint32 {
	return m.engine.leafIndex()
}

// Roster lists the group as this member sees it, by leaf
func (m *Member) Roster() []Leaf {
	return m.engine.roster()
}

// RatchetTree exports the member's public ratchet tree
func (m *Member) RatchetTree() (RatchetTree, error) {
	return ratchetTreeOf(m.engine.state)
}

// Received returns the application payloads decrypted so far, oldest first
func (m *Member) Received() [][]byte {
	out := make([][]byte, len(m.received))
	copy(out, m.received)
	return out
}

// HasPendingCommit reports whether a staged commit awaits merging
func (m *Member) HasPendingCommit() bool {
	return m.pending != nil
}

// DeliverAndApply processes one inbound message and applies its effect.
// Nothing changes when an error is returned.
func (m *Member) DeliverAndApply(msg *Message) error {
	p, err := m.process(msg)
	if err != nil {
		return err
	}
	m.apply(p)
	return nil
}

func (m *Member) process(msg *Message) (*processed, error) {
	if msg == nil {
		return nil, newError(ErrMessageFormat, m.Name(), "nil message")
	}
	p, err := m.engine.process(msg)
	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.Member == "" {
			e.Member = m.Name()
		}
		m.log.Debug().Err(err).Str("type", msg.Type.String()).Msg("message rejected")
		return nil, err
	}
	return p, nil
}

func (m *Member) apply(p *processed) {
	m.engine.state = p.next
	switch p.kind {
	case ContentCommit:
		if m.pending != nil {
			m.log.Debug().Msg("dropping pending commit superseded by a received one")
			m.pending = nil
			m.dropProposals = nil
		}
	case ContentApplication:
		m.received = append(m.received, p.application)
	}
	m.log.Debug().
		Str("type", p.kind.String()).
		Uint64("epoch", m.Epoch()).
		Msg("message applied")
}

// BuildCommitAndStage builds a commit over every proposal cached by the
// member plus whatever modify adds, and keeps the resulting state as the
// pending commit. modify may be nil for a plain self-update.
func (m *Member) BuildCommitAndStage(modify func(*CommitBuilder) *CommitBuilder) (*CommitBundle, error) {
	name := m.Name()
	if m.pending != nil {
		return nil, newError(ErrPrecondition, name, "a commit is already pending")
	}
	b := newCommitBuilder(m.engine.state)
	discard := b.discard
	staged := false
	defer func() {
		if !staged {
			discard()
		}
	}()
	if modify != nil {
		if nb := modify(b); nb != nil {
			b = nb
		}
	}
	if b.err != nil {
		return nil, &Error{Kind: ErrProposal, Member: name, Err: b.err}
	}

	provider := m.Party().Provider()
	psks, err := provider.Storage.PendingPSKs(context.Background(), m.GroupID())
	if err != nil {
		return nil, wrapError(ErrStorage, name, err, "load pre-shared keys")
	}
	if len(psks) > 0 {
		return nil, newError(ErrProposal, name, "%d pre-shared keys pending, the engine cannot inject them", len(psks))
	}

	secret, err := provider.Crypto.RandomSecret(m.Suite(), provider.Rand)
	if err != nil {
		return nil, wrapError(ErrStaging, name, err, "draw commit secret")
	}
	commit, welcome, next, err := b.work.Commit(secret)
	if err != nil {
		return nil, wrapError(ErrStaging, name, err, "finalize commit")
	}
	msg, err := newCommitMessage(b.proposals, commit)
	if err != nil {
		return nil, &Error{Kind: ErrStaging, Member: name, Err: err}
	}

	bundle := &CommitBundle{Commit: msg}
	if joined(b.work, next) {
		if welcome == nil {
			return nil, newError(ErrStaging, name, "commit adds members but produced no welcome")
		}
		bundle.Welcome = welcome
		if !m.treeInWelcome {
			if bundle.RatchetTree, err = ratchetTreeOf(next); err != nil {
				return nil, &Error{Kind: ErrStaging, Member: name, Err: err}
			}
		}
	}
	staged = true
	m.pending = next
	m.dropProposals = discard
	m.log.Debug().
		Int("proposals", len(b.proposals)).
		Uint64("epoch", m.Epoch()).
		Bool("welcome", bundle.Welcome != nil).
		Msg("commit staged")
	return bundle, nil
}

// MergePendingCommit moves the member into the epoch its staged commit creates
func (m *Member) MergePendingCommit() error {
	if m.pending == nil {
		return newError(ErrPrecondition, m.Name(), "no pending commit")
	}
	m.engine.state = m.pending
	m.pending = nil
	m.dropProposals = nil
	m.log.Debug().Uint64("epoch", m.Epoch()).Msg("pending commit merged")
	return nil
}

// ClearPendingCommit discards the staged commit along with the proposals
// its builder added
func (m *Member) ClearPendingCommit() {
	if m.dropProposals != nil {
		m.dropProposals()
	}
	m.pending = nil
	m.dropProposals = nil
}

// Propose builds a proposal message from what modify adds. The proposals are
// cached by the member and wait for somebody's commit.
func (m *Member) Propose(modify func(*CommitBuilder) *CommitBuilder) (*Message, error) {
	name := m.Name()
	if m.pending != nil {
		return nil, newError(ErrPrecondition, name, "a commit is already pending")
	}
	b := newCommitBuilder(m.engine.state)
	discard := b.discard
	if modify != nil {
		if nb := modify(b); nb != nil {
			b = nb
		}
	}
	if b.err != nil {
		discard()
		return nil, &Error{Kind: ErrProposal, Member: name, Err: b.err}
	}
	if len(b.proposals) == 0 {
		return nil, newError(ErrProposal, name, "nothing proposed")
	}
	msg, err := newProposalMessage(b.proposals)
	if err != nil {
		discard()
		return nil, &Error{Kind: ErrProposal, Member: name, Err: err}
	}
	m.log.Debug().Int("proposals", len(b.proposals)).Msg("proposals sent")
	return msg, nil
}

// SendApplicationMessage encrypts data for the current epoch
func (m *Member) SendApplicationMessage(data []byte) (*Message, error) {
	ct, err := m.engine.state.Protect(data)
	if err != nil {
		return nil, wrapError(ErrProcessing, m.Name(), err, "protect")
	}
	msg, err := newApplicationMessage(ct)
	if err != nil {
		return nil, &Error{Kind: ErrProcessing, Member: m.Name(), Err: err}
	}
	return msg, nil
}
