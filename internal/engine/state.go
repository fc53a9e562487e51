package engine

import (
	"fmt"
	"sync/atomic"
)

// State is a step of the per-run state machine:
//
//	Idle -> Fetching -> Mapping -> Resolving -> Writing -> Logging -> Idle
//
// Failed is reachable from every middle state and leads to Logging, because
// failures are logged like every other outcome. Mapping may go straight to
// Logging when a record needs no write, and straight to Writing for a
// delete, which has no relationships to resolve.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateMapping
	StateResolving
	StateWriting
	StateLogging
	StateFailed
)

var stateNames = [...]string{"idle", "fetching", "mapping", "resolving", "writing", "logging", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// MarshalText renders the state name, for JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var transitions = map[State][]State{
	StateIdle:      {StateFetching},
	StateFetching:  {StateMapping, StateIdle, StateFailed},
	StateMapping:   {StateResolving, StateWriting, StateLogging, StateFailed},
	StateResolving: {StateWriting, StateLogging, StateFailed},
	StateWriting:   {StateLogging, StateFailed},
	StateLogging:   {StateMapping, StateFetching, StateIdle},
	StateFailed:    {StateLogging, StateIdle},
}

// CanTransition reports whether the state machine allows s -> to.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// stateMachine tracks a record through the states. The run's published
// state follows the most recent transition of any of its records.
type stateMachine struct {
	current   State
	published *atomic.Int32
}

func newStateMachine(published *atomic.Int32) *stateMachine {
	return &stateMachine{current: StateMapping, published: published}
}

// to moves the machine to next. An illegal transition is a programming
// error in the executor and panics.
func (m *stateMachine) to(next State) {
	if !m.current.CanTransition(next) {
		panic(fmt.Sprintf("engine: illegal state transition %s -> %s", m.current, next))
	}
	m.current = next
	if m.published != nil {
		m.published.Store(int32(next))
	}
}

// fail moves to Failed unless the machine already failed or is logging.
func (m *stateMachine) fail() {
	if m.current == StateFailed || m.current == StateLogging {
		return
	}
	m.to(StateFailed)
}
