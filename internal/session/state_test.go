// ABOUTME: Unit tests for session lifecycle transition rules
// ABOUTME: Covers forward edges, terminal states, expiry and revocation reachability

package session

import (
	"errors"
	"testing"
)

func TestCanTransition_ForwardEdges(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
		want bool
	}{
		{"created to awaiting auth", StateCreated, StateAwaitingAuth, true},
		{"awaiting auth to authenticated", StateAwaitingAuth, StateAuthenticated, true},
		{"authenticated to active", StateAuthenticated, StateActive, true},
		{"active to closed", StateActive, StateClosed, true},
		{"created skips to active", StateCreated, StateActive, false},
		{"awaiting auth skips to active", StateAwaitingAuth, StateActive, false},
		{"no regression to awaiting auth", StateActive, StateAwaitingAuth, false},
		{"no regression to created", StateAuthenticated, StateCreated, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestCanTransition_ExpiryAndRevocation(t *testing.T) {
	nonTerminal := []State{StateCreated, StateAwaitingAuth, StateAuthenticated, StateActive}

	for _, from := range nonTerminal {
		if !CanTransition(from, StateExpired) {
			t.Errorf("CanTransition(%s, expired) = false, want true", from)
		}
		if !CanTransition(from, StateRevoked) {
			t.Errorf("CanTransition(%s, revoked) = false, want true", from)
		}
	}
}

func TestCanTransition_TerminalStates(t *testing.T) {
	terminal := []State{StateClosed, StateExpired, StateRevoked}
	all := []State{StateCreated, StateAwaitingAuth, StateAuthenticated, StateActive,
		StateClosed, StateExpired, StateRevoked}

	for _, from := range terminal {
		for _, to := range all {
			if CanTransition(from, to) {
				t.Errorf("CanTransition(%s, %s) = true, want false (terminal)", from, to)
			}
		}
	}
}

func TestValidate_InvalidTransition(t *testing.T) {
	err := Validate(StateClosed, StateActive)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Validate(closed, active) = %v, want ErrInvalidTransition", err)
	}
}

func TestValidate_UnknownState(t *testing.T) {
	err := Validate(State("bogus"), StateActive)
	if !errors.Is(err, ErrUnknownState) {
		t.Errorf("Validate(bogus, active) = %v, want ErrUnknownState", err)
	}

	err = Validate(StateCreated, State(""))
	if !errors.Is(err, ErrUnknownState) {
		t.Errorf("Validate(created, \"\") = %v, want ErrUnknownState", err)
	}
}

func TestValidate_OK(t *testing.T) {
	if err := Validate(StateCreated, StateAwaitingAuth); err != nil {
		t.Errorf("Validate(created, awaiting_auth) = %v, want nil", err)
	}
}
