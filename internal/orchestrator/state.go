package orchestrator

import "fmt"

// State is a run's position in the orchestrator state machine.
type State string

const (
	StateIdle       State = "idle"
	StateDedupCheck State = "dedup-check"
	StateRunning    State = "running"
	StateFailed     State = "failed"
	StateFinalizing State = "finalizing"
)

// transitions lists the legal successors of each state.
var transitions = map[State][]State{
	StateIdle:       {StateDedupCheck},
	StateDedupCheck: {StateIdle, StateRunning},
	StateRunning:    {StateFinalizing, StateFailed},
	StateFailed:     {StateFinalizing},
	StateFinalizing: {StateIdle},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// machine tracks one run's state and the path it took.
type machine struct {
	state State
	path  []State
}

func newMachine() *machine {
	return &machine{state: StateIdle, path: []State{StateIdle}}
}

func (m *machine) to(next State) error {
	if !CanTransition(m.state, next) {
		return fmt.Errorf("orchestrator: illegal transition %s -> %s", m.state, next)
	}
	m.state = next
	m.path = append(m.path, next)
	return nil
}
