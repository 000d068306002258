package store

import "fmt"

// State is the lifecycle state of a container.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateExited  State = "exited"
	StateStopped State = "stopped"
	// StateRemoved is terminal. Records never carry it: reaching it deletes
	// the record.
	StateRemoved State = "removed"
)

// ValidTransitions lists the states each state may move to. Every state may
// additionally become StateRemoved.
var ValidTransitions = map[State][]State{
	// A launch that dies before its pid is observed goes straight to exited
	StateCreated: {StateRunning, StateExited},
	StateRunning: {StateExited, StateStopped},
	StateExited:  {StateRunning},
	StateStopped: {StateRunning},
}

// CanTransitionTo reports whether s may move to target. Staying in the same
// state is always allowed.
func (s State) CanTransitionTo(target State) error {
	if s == target || target == StateRemoved {
		return nil
	}
	for _, allowed := range ValidTransitions[s] {
		if allowed == target {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, target)
}

// IsActive reports whether a container in state s owns a live process.
func (s State) IsActive() bool {
	return s == StateRunning
}

func (s State) String() string {
	return string(s)
}
