package group

import (
	"bytes"

	mls "github.com/cisco/go-mls"
	syntax "github.com/cisco/go-tls-syntax"
	"github.com/pkg/errors"
)

// Leaf is one occupied position of the ratchet tree
type Leaf struct {
	Index    uint32
	Identity []byte
}

// engine owns one party's protocol state for one group. go-mls returns a new
// state from Commit and from a commit's Handle, leaving the receiver as it
// was; proposals and application messages change the live state in place,
// so those carry an undo.
type engine struct {
	state *mls.State
}

// processed is the outcome of handing a message to the engine before it is
// applied. undo reverts whatever processing did to the live state.
type processed struct {
	kind        ContentType
	next        *mls.State
	application []byte
	undo        func()
}

func (e *engine) epoch() uint64 {
	return uint64(e.state.Epoch)
}

func (e *engine) leafIndex() uint32 {
	return uint32(e.state.Index)
}

func (e *engine) roster() []Leaf {
	return rosterOf(e.state)
}

func rosterOf(state *mls.State) []Leaf {
	var leaves []Leaf
	for i := mls.LeafIndex(0); i < mls.LeafIndex(state.Tree.Size()); i++ {
		kp, ok := state.Tree.KeyPackage(i)
		if !ok {
			continue
		}
		leaves = append(leaves, Leaf{Index: uint32(i), Identity: kp.Credential.Identity()})
	}
	return leaves
}

// leafOf finds the leaf occupied by identity
func leafOf(state *mls.State, identity []byte) (mls.LeafIndex, bool) {
	for _, leaf := range rosterOf(state) {
		if bytes.Equal(leaf.Identity, identity) {
			return mls.LeafIndex(leaf.Index), true
		}
	}
	return 0, false
}

func ratchetTreeOf(state *mls.State) (RatchetTree, error) {
	data, err := syntax.Marshal(state.Tree)
	if err != nil {
		return nil, errors.Wrap(err, "marshal ratchet tree")
	}
	return data, nil
}

// truncateProposals returns a func that drops every proposal cached after
// the call
func truncateProposals(state *mls.State) func() {
	n := len(state.PendingProposals)
	return func() {
		state.PendingProposals = state.PendingProposals[:n]
	}
}

// tlsCopy deep copies v through its TLS encoding
func tlsCopy[T any](v T) (T, error) {
	var out T
	data, err := syntax.Marshal(v)
	if err != nil {
		return out, err
	}
	if _, err := syntax.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

// snapshotSecrets captures the key schedule so a decryption can be undone.
// Unprotect consumes ratchet generations even when it fails.
func snapshotSecrets(state *mls.State) (func(), error) {
	secrets, err := tlsCopy(state.GetSecrets())
	if err != nil {
		return nil, errors.Wrap(err, "snapshot secrets")
	}
	return func() {
		state.SetSecrets(secrets)
	}, nil
}

func (e *engine) process(msg *Message) (*processed, error) {
	switch msg.Type {
	case ContentCommit:
		proposals, commit, err := msg.decodeCommit()
		if err != nil {
			return nil, &Error{Kind: ErrMessageFormat, Err: err}
		}
		undo := truncateProposals(e.state)
		for i, pt := range proposals {
			if _, err := e.state.Handle(pt); err != nil {
				undo()
				return nil, wrapError(ErrProcessing, "", err, "handle referenced proposal %d", i)
			}
		}
		next, err := e.state.Handle(commit)
		if err != nil {
			undo()
			return nil, wrapError(ErrProcessing, "", err, "handle commit")
		}
		if next == nil {
			undo()
			return nil, newError(ErrProcessing, "", "commit did not produce a new epoch")
		}
		return &processed{kind: ContentCommit, next: next, undo: undo}, nil

	case ContentProposal:
		proposals, err := msg.decodeProposals()
		if err != nil {
			return nil, &Error{Kind: ErrMessageFormat, Err: err}
		}
		undo := truncateProposals(e.state)
		for i, pt := range proposals {
			next, err := e.state.Handle(pt)
			if err != nil {
				undo()
				return nil, wrapError(ErrProcessing, "", err, "handle proposal %d", i)
			}
			if next != nil {
				undo()
				return nil, newError(ErrProcessing, "", "proposal message carried a commit")
			}
		}
		return &processed{kind: ContentProposal, next: e.state, undo: undo}, nil

	case ContentApplication:
		ct, err := msg.decodeCiphertext()
		if err != nil {
			return nil, &Error{Kind: ErrMessageFormat, Err: err}
		}
		undo, err := snapshotSecrets(e.state)
		if err != nil {
			return nil, &Error{Kind: ErrProcessing, Err: err}
		}
		pt, err := e.state.Unprotect(ct)
		if err != nil {
			undo()
			return nil, wrapError(ErrProcessing, "", err, "unprotect")
		}
		return &processed{kind: ContentApplication, next: e.state, application: pt, undo: undo}, nil

	case ContentExternalJoinProposal:
		return nil, newError(ErrUnsupported, "", "external join proposals are not handled")

	default:
		return nil, newError(ErrMessageFormat, "", "unknown content type %d", uint8(msg.Type))
	}
}
