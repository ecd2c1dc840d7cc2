package jobqueue

// State is the lifecycle state of a queued extraction job.
//
// NOTE: These values are persisted by every backend and are part of the
// stable storage contract.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"

	// StateUnknown marks a persisted value outside the enum. It is never
	// written; it only appears when reading a record.
	StateUnknown State = "unknown"
)

// ParseState validates a persisted state string.
func ParseState(s string) State {
	switch State(s) {
	case StateQueued, StateActive, StateCompleted, StateFailed:
		return State(s)
	default:
		return StateUnknown
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// IsPending reports whether the job has not reached a terminal state yet.
func (s State) IsPending() bool {
	return s == StateQueued || s == StateActive
}

// CanTransition reports whether from -> to is an edge of the job lifecycle:
// queued -> active -> completed | failed.
func CanTransition(from, to State) bool {
	switch from {
	case StateQueued:
		return to == StateActive
	case StateActive:
		return to == StateCompleted || to == StateFailed
	default:
		return false
	}
}

func (s State) String() string {
	return string(s)
}
