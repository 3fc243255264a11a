// Package batch coordinates bulk ticket creation: bounded concurrent dispatch, per-draft
// fault isolation, idempotent re-execution, and cooperative cancellation.
package batch

import "fmt"

// State is the lifecycle position of a Batch. Transitions only move forward.
type State string

const (
	StatePending    State = "PENDING"
	StateInProgress State = "IN_PROGRESS"
	StatePartial    State = "PARTIAL"
	StateComplete   State = "COMPLETE"
	StateFailed     State = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	switch s {
	case StatePartial, StateComplete, StateFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateInProgress, StatePartial, StateComplete, StateFailed:
		return true
	}
	return false
}

// canTransition encodes PENDING -> IN_PROGRESS -> {COMPLETE | PARTIAL | FAILED}.
func (s State) canTransition(to State) bool {
	switch s {
	case StatePending:
		return to == StateInProgress
	case StateInProgress:
		return to.Terminal()
	}
	return false
}

func (s State) transition(to State) (State, error) {
	if !s.canTransition(to) {
		return s, fmt.Errorf("batch: invalid state transition %s -> %s", s, to)
	}
	return to, nil
}
