package engine

import (
	"fmt"
	"sync"
)

// State is one stage of the request lifecycle.
type State string

const (
	StateReceived      State = "RECEIVED"
	StateValidated     State = "VALIDATED"
	StatePolicyApplied State = "POLICY_APPLIED"
	StateSpawned       State = "SPAWNED"
	StateExecuting     State = "EXECUTING"
	StateCaptured      State = "CAPTURED"
	StateDigested      State = "DIGESTED"
	StateCASCommitted  State = "CAS_COMMITTED"
	StateReady         State = "READY"
	StateFailed        State = "FAILED"
)

// transitions is the allowed forward edge set. The CAS commit is optional,
// so DIGESTED may go straight to READY. FAILED is reachable from every
// non-terminal state and is handled in Fail, not here.
var transitions = map[State][]State{
	StateReceived:      {StateValidated},
	StateValidated:     {StatePolicyApplied},
	StatePolicyApplied: {StateSpawned},
	StateSpawned:       {StateExecuting},
	StateExecuting:     {StateCaptured},
	StateCaptured:      {StateDigested},
	StateDigested:      {StateCASCommitted, StateReady},
	StateCASCommitted:  {StateReady},
}

// Lifecycle tracks one request through the state machine. Transitions are
// validated; an illegal edge is a programming error surfaced loudly rather
// than a silently skipped stage.
type Lifecycle struct {
	mu    sync.Mutex
	state State
	code  Code
}

// NewLifecycle starts at RECEIVED.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateReceived}
}

// To advances to next, rejecting edges the machine does not define.
func (l *Lifecycle) To(next State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, allowed := range transitions[l.state] {
		if allowed == next {
			l.state = next
			return nil
		}
	}
	return fmt.Errorf("illegal state transition %s -> %s", l.state, next)
}

// Fail moves to the terminal FAILED state with a boundary error code.
// Failing an already-terminal lifecycle is rejected: a READY result is
// immutable.
func (l *Lifecycle) Fail(code Code) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateReady || l.state == StateFailed {
		return fmt.Errorf("cannot fail terminal state %s", l.state)
	}
	l.state = StateFailed
	l.code = code
	return nil
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Code returns the failure code, empty unless FAILED.
func (l *Lifecycle) Code() Code {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.code
}

// Terminal reports whether the lifecycle has finished.
func (l *Lifecycle) Terminal() bool {
	s := l.State()
	return s == StateReady || s == StateFailed
}
