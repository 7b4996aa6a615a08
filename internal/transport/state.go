package transport

import (
	"fmt"
	"sync"
)

// State is the position of a Session in the client side of the SSH
// transport protocol. A Session only moves forward through the states; the
// table below lists every legal edge.
type State int

const (
	StateIdle State = iota
	StateVersionExchanged
	StateKeyExchange
	StateServiceRequest
	StateUserAuth
	StateClosed
)

var stateNames = map[State]string{
	StateIdle:             "idle",
	StateVersionExchanged: "version-exchanged",
	StateKeyExchange:      "key-exchange",
	StateServiceRequest:   "service-request",
	StateUserAuth:         "user-auth",
	StateClosed:           "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var allowedTransitions = map[State][]State{
	StateIdle:             {StateVersionExchanged, StateClosed},
	StateVersionExchanged: {StateKeyExchange, StateClosed},
	StateKeyExchange:      {StateServiceRequest, StateClosed},
	StateServiceRequest:   {StateUserAuth, StateClosed},
	StateUserAuth:         {StateClosed},
	StateClosed:           {},
}

type stateMachine struct {
	mu    sync.Mutex
	state State
}

func (m *stateMachine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *stateMachine) advance(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, next := range allowedTransitions[m.state] {
		if next == to {
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, m.state, to)
}

// require reports an error unless the machine is in one of want.
func (m *stateMachine) require(want ...State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range want {
		if m.state == w {
			return nil
		}
	}
	return fmt.Errorf("%w: operation not allowed in state %s", ErrInvalidState, m.state)
}
