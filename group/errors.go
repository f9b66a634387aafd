package group

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies harness failures. Each Kind is itself an error, so callers
// can test with errors.Is(err, group.ErrJoin).
type Kind uint8

const (
	// ErrMessageFormat: inbound bytes do not decode into a protocol message
	ErrMessageFormat Kind = iota + 1
	// ErrProcessing: a well-formed message was rejected by the protocol state
	ErrProcessing
	// ErrProposal: commit building rejected a proposal
	ErrProposal
	// ErrStaging: a built commit could not be finalized against the current state
	ErrStaging
	// ErrJoin: a welcome, tree or create configuration cannot establish a group view
	ErrJoin
	// ErrStorage: key material could not be persisted or loaded
	ErrStorage
	// ErrPrecondition: the harness was used in a way the scenario author must fix
	ErrPrecondition
	// ErrUnsupported: a valid input the engine has no handling for
	ErrUnsupported
)

var kindNames = map[Kind]string{
	ErrMessageFormat: "message format error",
	ErrProcessing:    "processing error",
	ErrProposal:      "proposal error",
	ErrStaging:       "staging error",
	ErrJoin:          "join error",
	ErrStorage:       "storage error",
	ErrPrecondition:  "precondition violation",
	ErrUnsupported:   "unsupported",
}

func (k Kind) Error() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("error kind %d", uint8(k))
}

func (k Kind) String() string {
	return k.Error()
}

// Error is a failure of one member, tagged with its kind
type Error struct {
	Kind   Kind
	Member string
	Err    error
}

func (e *Error) Error() string {
	if e.Member == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Member, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error against its Kind
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or 0
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func wrapError(kind Kind, member string, err error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Member: member, Err: errors.Wrapf(err, format, args...)}
}

func newError(kind Kind, member string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Member: member, Err: errors.Errorf(format, args...)}
}
