// ABOUTME: Session lifecycle states and transition rules
// ABOUTME: Forward-only lifecycle with Closed/Expired/Revoked as terminal states

package session

import (
	"errors"
	"fmt"
)

// State represents a session's position in its lifecycle.
type State string

const (
	StateCreated       State = "created"
	StateAwaitingAuth  State = "awaiting_auth"
	StateAuthenticated State = "authenticated"
	StateActive        State = "active"
	StateClosed        State = "closed"
	StateExpired       State = "expired"
	StateRevoked       State = "revoked"
)

// ErrInvalidTransition is returned when a requested state change is not
// permitted by the lifecycle rules.
var ErrInvalidTransition = errors.New("invalid session transition")

// ErrUnknownState is returned for state values outside the lifecycle.
var ErrUnknownState = errors.New("unknown session state")

// forward holds the normal lifecycle edges. Expired and Revoked are handled
// separately since they are reachable from any non-terminal state.
var forward = map[State][]State{
	StateCreated:       {StateAwaitingAuth},
	StateAwaitingAuth:  {StateAuthenticated},
	StateAuthenticated: {StateActive},
	StateActive:        {StateClosed},
}

// Valid reports whether s is a recognized lifecycle state.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateAwaitingAuth, StateAuthenticated, StateActive,
		StateClosed, StateExpired, StateRevoked:
		return true
	}
	return false
}

// Terminal reports whether s permits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateClosed, StateExpired, StateRevoked:
		return true
	}
	return false
}

// CanTransition reports whether moving from one state to another is permitted.
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from.Terminal() {
		return false
	}
	// Expiry and revocation are reachable from any non-terminal state.
	if to == StateExpired || to == StateRevoked {
		return true
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate returns an error describing why a transition is not permitted,
// or nil when it is.
func Validate(from, to State) error {
	if !from.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownState, from)
	}
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownState, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
