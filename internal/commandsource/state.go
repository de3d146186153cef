package commandsource

import (
	"fmt"
	"sync"
)

// State is the lifecycle position of the coordinator worker.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateDraining
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var legalTransitions = map[State][]State{
	StateConnecting:   {StateReady, StateClosed},
	StateReady:        {StateDraining, StateReconnecting, StateClosed},
	StateDraining:     {StateClosed, StateReconnecting},
	StateReconnecting: {StateReady, StateClosed},
}

func canTransition(from, to State) bool {
	for _, candidate := range legalTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// stateMachine guards the worker state. onChange runs after every accepted
// transition, outside the lock.
type stateMachine struct {
	mu       sync.Mutex
	current  State
	onChange func(from, to State)
}

func newStateMachine(onChange func(from, to State)) *stateMachine {
	return &stateMachine{current: StateConnecting, onChange: onChange}
}

func (m *stateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition moves to next, or returns an error wrapping ErrIllegalTransition
// and leaves the state untouched.
func (m *stateMachine) Transition(next State) error {
	m.mu.Lock()
	from := m.current
	if !canTransition(from, next) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, next)
	}
	m.current = next
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(from, next)
	}
	return nil
}
