package group

import (
	"fmt"

	mls "github.com/cisco/go-mls"
	syntax "github.com/cisco/go-tls-syntax"
	"github.com/pkg/errors"
)

// ContentType tags what a Message carries
type ContentType uint8

const (
	ContentApplication ContentType = iota + 1
	ContentProposal
	ContentExternalJoinProposal
	ContentCommit
)

func (c ContentType) String() string {
	switch c {
	case ContentApplication:
		return "application"
	case ContentProposal:
		return "proposal"
	case ContentExternalJoinProposal:
		return "external-join-proposal"
	case ContentCommit:
		return "commit"
	default:
		return fmt.Sprintf("content(%d)", uint8(c))
	}
}

// Message is the opaque unit one member hands to the others
type Message struct {
	Type    ContentType
	Payload []byte `tls:"head=4"`
}

// RatchetTree is the encoded public ratchet tree handed to joiners out of band
type RatchetTree []byte

type opaque struct {
	Data []byte `tls:"head=4"`
}

// commitPayload carries a commit together with the proposals it references,
// so a receiver that never saw those proposals can still process it.
type commitPayload struct {
	Proposals []opaque `tls:"head=4"`
	Commit    opaque
}

type proposalPayload struct {
	Proposals []opaque `tls:"head=4"`
}

// Encode serializes the message for transport
func (m *Message) Encode() ([]byte, error) {
	data, err := syntax.Marshal(*m)
	if err != nil {
		return nil, errors.Wrap(err, "encode message")
	}
	return data, nil
}

// DecodeMessage parses bytes produced by Encode
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	n, err := syntax.Unmarshal(data, &msg)
	if err != nil {
		return nil, wrapError(ErrMessageFormat, "", err, "decode message")
	}
	if n != len(data) {
		return nil, newError(ErrMessageFormat, "", "%d trailing bytes after message", len(data)-n)
	}
	if msg.Type < ContentApplication || msg.Type > ContentCommit {
		return nil, newError(ErrMessageFormat, "", "unknown content type %d", uint8(msg.Type))
	}
	return &msg, nil
}

// NewExternalJoinProposal wraps an externally produced join request
func NewExternalJoinProposal(data []byte) *Message {
	return &Message{Type: ContentExternalJoinProposal, Payload: append([]byte(nil), data...)}
}

func marshalPlaintexts(pts []*mls.MLSPlaintext) ([]opaque, error) {
	out := make([]opaque, 0, len(pts))
	for _, pt := range pts {
		data, err := syntax.Marshal(*pt)
		if err != nil {
			return nil, errors.Wrap(err, "marshal plaintext")
		}
		out = append(out, opaque{Data: data})
	}
	return out, nil
}

func unmarshalPlaintext(data []byte) (*mls.MLSPlaintext, error) {
	var pt mls.MLSPlaintext
	n, err := syntax.Unmarshal(data, &pt)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, errors.Errorf("%d trailing bytes after plaintext", len(data)-n)
	}
	return &pt, nil
}

func unmarshalPlaintexts(in []opaque) ([]*mls.MLSPlaintext, error) {
	out := make([]*mls.MLSPlaintext, 0, len(in))
	for i, o := range in {
		pt, err := unmarshalPlaintext(o.Data)
		if err != nil {
			return nil, errors.Wrapf(err, "proposal %d", i)
		}
		out = append(out, pt)
	}
	return out, nil
}

func newCommitMessage(proposals []*mls.MLSPlaintext, commit *mls.MLSPlaintext) (*Message, error) {
	props, err := marshalPlaintexts(proposals)
	if err != nil {
		return nil, err
	}
	data, err := syntax.Marshal(*commit)
	if err != nil {
		return nil, errors.Wrap(err, "marshal commit")
	}
	payload, err := syntax.Marshal(commitPayload{Proposals: props, Commit: opaque{Data: data}})
	if err != nil {
		return nil, errors.Wrap(err, "marshal commit payload")
	}
	return &Message{Type: ContentCommit, Payload: payload}, nil
}

func newProposalMessage(proposals []*mls.MLSPlaintext) (*Message, error) {
	props, err := marshalPlaintexts(proposals)
	if err != nil {
		return nil, err
	}
	payload, err := syntax.Marshal(proposalPayload{Proposals: props})
	if err != nil {
		return nil, errors.Wrap(err, "marshal proposal payload")
	}
	return &Message{Type: ContentProposal, Payload: payload}, nil
}

func newApplicationMessage(ct *mls.MLSCiphertext) (*Message, error) {
	payload, err := syntax.Marshal(*ct)
	if err != nil {
		return nil, errors.Wrap(err, "marshal ciphertext")
	}
	return &Message{Type: ContentApplication, Payload: payload}, nil
}

func (m *Message) decodeCommit() ([]*mls.MLSPlaintext, *mls.MLSPlaintext, error) {
	var payload commitPayload
	n, err := syntax.Unmarshal(m.Payload, &payload)
	if err != nil {
		return nil, nil, errors.Wrap(err, "decode commit payload")
	}
	if n != len(m.Payload) {
		return nil, nil, errors.Errorf("%d trailing bytes after commit payload", len(m.Payload)-n)
	}
	proposals, err := unmarshalPlaintexts(payload.Proposals)
	if err != nil {
		return nil, nil, err
	}
	commit, err := unmarshalPlaintext(payload.Commit.Data)
	if err != nil {
		return nil, nil, errors.Wrap(err, "decode commit")
	}
	return proposals, commit, nil
}

func (m *Message) decodeProposals() ([]*mls.MLSPlaintext, error) {
	var payload proposalPayload
	n, err := syntax.Unmarshal(m.Payload, &payload)
	if err != nil {
		return nil, errors.Wrap(err, "decode proposal payload")
	}
	if n != len(m.Payload) {
		return nil, errors.Errorf("%d trailing bytes after proposal payload", len(m.Payload)-n)
	}
	if len(payload.Proposals) == 0 {
		return nil, errors.New("proposal message carries no proposals")
	}
	return unmarshalPlaintexts(payload.Proposals)
}

func (m *Message) decodeCiphertext() (*mls.MLSCiphertext, error) {
	var ct mls.MLSCiphertext
	n, err := syntax.Unmarshal(m.Payload, &ct)
	if err != nil {
		return nil, errors.Wrap(err, "decode ciphertext")
	}
	if n != len(m.Payload) {
		return nil, errors.Errorf("%d trailing bytes after ciphertext", len(m.Payload)-n)
	}
	return &ct, nil
}
