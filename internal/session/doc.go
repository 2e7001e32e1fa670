// Package session defines the session lifecycle state machine.
//
// Sessions move forward through
//
//	Created -> AwaitingAuth -> Authenticated -> Active -> Closed
//
// with Expired and Revoked reachable from any non-terminal state. Closed,
// Expired and Revoked are terminal; once reached, no further transitions
// are permitted and attempts fail with ErrInvalidTransition.
//
// The package is pure policy: it knows which transitions are legal but never
// performs them. All actual state changes go through the store's atomic
// transition primitive, which consults Validate before writing.
package session
