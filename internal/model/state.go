package model

// Task and job states. Tool instances add StateWaiting and StateTimeout.
const (
	StateCreated   = "created"
	StateWaiting   = "waiting"
	StateRunning   = "running"
	StateDone      = "done"
	StateError     = "error"
	StateTimeout   = "timeout"
	StateCancelled = "cancelled"
)

// validTransitions maps each state to the set of states it may transition to.
// States only ever move forward.
var validTransitions = map[string]map[string]bool{
	StateCreated: {
		StateWaiting:   true,
		StateRunning:   true,
		StateError:     true,
		StateCancelled: true,
	},
	StateWaiting: {
		StateRunning:   true,
		StateError:     true,
		StateCancelled: true,
	},
	StateRunning: {
		StateDone:      true,
		StateError:     true,
		StateTimeout:   true,
		StateCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether no further transition is possible from state.
func IsTerminal(state string) bool {
	switch state {
	case StateDone, StateError, StateTimeout, StateCancelled:
		return true
	}
	return false
}
