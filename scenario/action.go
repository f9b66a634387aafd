package scenario

// ActionType selects how a membership change reaches the group
type ActionType int

const (
	// Commit: the actor commits the change directly
	Commit ActionType = iota
	// Proposal: the actor first distributes proposals, then commits them
	Proposal
)

func (a ActionType) String() string {
	switch a {
	case Commit:
		return "commit"
	case Proposal:
		return "proposal"
	default:
		return "unknown"
	}
}
