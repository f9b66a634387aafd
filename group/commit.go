package group

import (
	mls "github.com/cisco/go-mls"
	"github.com/pkg/errors"
)

// CommitBuilder collects the proposals that go into one commit or one
// proposal message. Its methods chain; the first failure sticks and is
// reported when the builder is finalized. Proposals are cached on the
// member's live state; discard drops them again.
type CommitBuilder struct {
	work      *mls.State
	proposals []*mls.MLSPlaintext
	discard   func()
	err       error
}

// CommitBundle is everything a committer hands out after staging a commit
type CommitBundle struct {
	Commit *Message
	// Welcome is nil unless the commit adds members
	Welcome *mls.Welcome
	// RatchetTree is set when welcomes leave the tree out and members were added
	RatchetTree RatchetTree
}

func newCommitBuilder(state *mls.State) *CommitBuilder {
	return &CommitBuilder{work: state, discard: truncateProposals(state)}
}

// Add proposes adding the owner of kp
func (b *CommitBuilder) Add(kp mls.KeyPackage) *CommitBuilder {
	if b.err != nil {
		return b
	}
	if kp.CipherSuite != b.work.CipherSuite {
		b.err = errors.Errorf("key package suite %v does not match group suite %v", kp.CipherSuite, b.work.CipherSuite)
		return b
	}
	if _, ok := leafOf(b.work, kp.Credential.Identity()); ok {
		b.err = errors.Errorf("%s is already a member", kp.Credential.Identity())
		return b
	}
	pt, err := b.work.Add(kp)
	if err != nil {
		b.err = errors.Wrap(err, "add proposal")
		return b
	}
	return b.include(pt)
}

// Remove proposes removing the member at leaf
func (b *CommitBuilder) Remove(leaf uint32) *CommitBuilder {
	if b.err != nil {
		return b
	}
	if mls.LeafIndex(leaf) == b.work.Index {
		b.err = errors.New("a member cannot remove itself")
		return b
	}
	if _, ok := b.work.Tree.KeyPackage(mls.LeafIndex(leaf)); !ok {
		b.err = errors.Errorf("leaf %d is not occupied", leaf)
		return b
	}
	pt, err := b.work.Remove(mls.LeafIndex(leaf))
	if err != nil {
		b.err = errors.Wrap(err, "remove proposal")
		return b
	}
	return b.include(pt)
}

// RemoveMember proposes removing the member whose credential names identity
func (b *CommitBuilder) RemoveMember(identity []byte) *CommitBuilder {
	if b.err != nil {
		return b
	}
	leaf, ok := leafOf(b.work, identity)
	if !ok {
		b.err = errors.Errorf("%s is not a member", identity)
		return b
	}
	return b.Remove(uint32(leaf))
}

// Err reports the first failure recorded by the builder
func (b *CommitBuilder) Err() error {
	return b.err
}

// Len is the number of proposals collected so far
func (b *CommitBuilder) Len() int {
	return len(b.proposals)
}

func (b *CommitBuilder) include(pt *mls.MLSPlaintext) *CommitBuilder {
	if _, err := b.work.Handle(pt); err != nil {
		b.err = errors.Wrap(err, "cache proposal")
		return b
	}
	b.proposals = append(b.proposals, pt)
	return b
}

// joined reports whether next holds identities that before does not
func joined(before, next *mls.State) bool {
	for _, leaf := range rosterOf(next) {
		if _, ok := leafOf(before, leaf.Identity); !ok {
			return true
		}
	}
	return false
}
