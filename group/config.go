package group

import (
	mls "github.com/cisco/go-mls"
)

// CreateConfig holds the options a group is originated with
type CreateConfig struct {
	// GroupID is drawn from the creator's randomness when empty
	GroupID []byte
	Suite   mls.CipherSuite
	// UseRatchetTreeExtension keeps the ratchet tree inside welcomes. When it
	// is off, commit bundles carry the tree and joiners must be handed it.
	UseRatchetTreeExtension bool
}

// JoinConfig holds the options a member joins an existing group with
type JoinConfig struct {
	Suite                   mls.CipherSuite
	UseRatchetTreeExtension bool
}

// DefaultCreateConfig returns the configuration used by most scenarios
func DefaultCreateConfig(suite mls.CipherSuite) CreateConfig {
	return CreateConfig{
		Suite:                   suite,
		UseRatchetTreeExtension: true,
	}
}

// JoinConfig derives the view of c that joiners of the group need
func (c CreateConfig) JoinConfig() JoinConfig {
	return JoinConfig{
		Suite:                   c.Suite,
		UseRatchetTreeExtension: c.UseRatchetTreeExtension,
	}
}
