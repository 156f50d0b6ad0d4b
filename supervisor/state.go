package supervisor

import "fmt"

// State is the lifecycle state of a supervised process
type State string

const (
	StateSpawned      State = "spawned"
	StateWaitingReady State = "waiting-ready"
	StateReady        State = "ready"
	StateRunning      State = "running"
	StateTerminating  State = "terminating"
	StateTerminated   State = "terminated"
	StateFailed       State = "failed"
)

var transitions = map[State][]State{
	StateSpawned:      {StateWaitingReady, StateFailed},
	StateWaitingReady: {StateReady, StateFailed},
	StateReady:        {StateRunning, StateTerminating, StateFailed},
	StateRunning:      {StateTerminating},
	StateTerminating:  {StateTerminated, StateFailed},
}

// Final reports whether no further transition is possible
func (s State) Final() bool {
	return s == StateTerminated || s == StateFailed
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !canTransition(from, to) {
		return fmt.Errorf("invalid process state transition %s -> %s", from, to)
	}
	return nil
}
