// Package lifecycle runs a long-lived service through a validated state
// machine with start and stop hooks, dependency health checks and tracing.
//
// The normal flow is:
//
//	Unknown → Starting → Running → Stopping → Stopped
//
// Any non-terminal state may move to Failed. Stopped and Failed may move
// back to Starting for a restart.
package lifecycle

// State is a position in the service lifecycle. The zero value is not a
// valid state; services start in [StateUnknown].
type State string

const (
	// StateUnknown is the state of a service that has never been started.
	StateUnknown State = "unknown"

	// StateStarting is set before the start hook runs.
	StateStarting State = "starting"

	// StateRunning is the only state in which [Service.Health] can report
	// healthy.
	StateRunning State = "running"

	// StateStopping is set before the stop hook runs.
	StateStopping State = "stopping"

	// StateStopped follows a clean shutdown.
	StateStopped State = "stopped"

	// StateFailed follows a hook error.
	StateFailed State = "failed"
)

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// Valid reports whether s is a recognized state.
func (s State) Valid() bool {
	switch s {
	case StateUnknown, StateStarting, StateRunning,
		StateStopping, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is [StateStopped] or [StateFailed].
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// validTransitions is the transition matrix:
//
//	Unknown  → Starting, Failed
//	Starting → Running, Stopping, Failed
//	Running  → Stopping, Failed
//	Stopping → Stopped, Failed
//	Stopped  → Starting
//	Failed   → Starting
var validTransitions = map[State][]State{
	StateUnknown:  {StateStarting, StateFailed},
	StateStarting: {StateRunning, StateStopping, StateFailed},
	StateRunning:  {StateStopping, StateFailed},
	StateStopping: {StateStopped, StateFailed},
	StateStopped:  {StateStarting},
	StateFailed:   {StateStarting},
}

// ValidTransition reports whether from may move to to. Same-state
// transitions are rejected.
func ValidTransition(from, to State) bool {
	if from == to {
		return false
	}
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
