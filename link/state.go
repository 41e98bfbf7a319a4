package link

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/user/bluelink/eventbus"
)

// State is the lifecycle of a link session
type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateDiscovering // scanning (central) or advertising (peripheral)
	StateConnecting
	StateChannelsReady
	StateActive
	StateClosing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateDiscovering:
		return "discovering"
	case StateConnecting:
		return "connecting"
	case StateChannelsReady:
		return "channels-ready"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Phase is the bus phase that announces entering s
func (s State) Phase() eventbus.Phase {
	if s == StateActive || s == StateClosing {
		return eventbus.PhaseSession
	}
	return eventbus.PhaseAttach
}

var transitions = map[State][]State{
	StateIdle:          {StateInitializing},
	StateInitializing:  {StateDiscovering, StateFailed, StateIdle},
	StateDiscovering:   {StateConnecting, StateFailed, StateIdle},
	StateConnecting:    {StateChannelsReady, StateDiscovering, StateFailed, StateIdle},
	StateChannelsReady: {StateActive, StateDiscovering, StateClosing, StateFailed},
	StateActive:        {StateClosing, StateFailed},
	StateClosing:       {StateIdle},
	StateFailed:        {StateIdle},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stateMachine guards transitions. Writes happen on the session's
// dispatcher; reads may come from any goroutine.
type stateMachine struct {
	cur *atomic.Int32
}

func newStateMachine() *stateMachine {
	return &stateMachine{cur: atomic.NewInt32(int32(StateIdle))}
}

func (m *stateMachine) current() State {
	return State(m.cur.Load())
}

func (m *stateMachine) is(states ...State) bool {
	cur := m.current()
	for _, s := range states {
		if cur == s {
			return true
		}
	}
	return false
}

func (m *stateMachine) transition(to State) (State, error) {
	from := m.current()
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.cur.Store(int32(to))
	return from, nil
}
