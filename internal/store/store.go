// ABOUTME: Store interface and data types for session persistence
// ABOUTME: Defines Session, AuthState and the compare-and-swap transition contract

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/parley-gateway/internal/session"
)

// Store errors
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateSession is returned when creating a session whose id already exists.
	ErrDuplicateSession = errors.New("session already exists")

	// ErrConflict is returned when a transition's expected state no longer
	// matches the stored state: another writer won the race.
	ErrConflict = errors.New("concurrent transition conflict")

	// ErrTokenAlreadyUsed is returned when a single-use token id is presented twice.
	ErrTokenAlreadyUsed = errors.New("token already used")

	// ErrStorageUnavailable wraps backend failures. The request fails but the
	// atomic transition guarantees no partial session write happened.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Session is one communication instance with its own lifecycle and deadline.
// Mutated only through Transition; no other code path writes session state.
type Session struct {
	ID           string
	State        session.State
	Purpose      string
	Provider     string   // identity provider this session is configured for
	Subjects     []string // authorized identities, empty until authenticated
	Attributes   []byte   // opaque wire-protocol blob, not interpreted here
	Version      int64    // optimistic concurrency counter
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time
}

// Expired reports whether the session's deadline has passed at the given time.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// TransitionEffect carries the record changes applied atomically with a
// state transition.
type TransitionEffect struct {
	AddSubject    string // append to the authorized identity set when non-empty
	SetAttributes []byte // replace the attribute blob when non-nil
}

// AuthState is a one-time, session-scoped value binding an OAuth2 redirect
// to the callback that answers it.
type AuthState struct {
	State     string
	SessionID string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store defines durable, atomic access to session records. Transition is the
// sole mutation path for session state and the serialization point that makes
// concurrent access safe.
type Store interface {
	// CreateSession persists a new session. Fails with ErrDuplicateSession
	// if the id is taken.
	CreateSession(ctx context.Context, sess *Session) error

	// GetSession retrieves a session and bumps its last-activity timestamp.
	GetSession(ctx context.Context, id string) (*Session, error)

	// TransitionSession performs a compare-and-swap state change: it succeeds
	// only if the stored state still equals expected at the time of the write,
	// otherwise it fails with ErrConflict. The effect, if any, is applied in
	// the same write. Lifecycle rules are enforced before touching storage.
	TransitionSession(ctx context.Context, id string, expected, next session.State, effect *TransitionEffect) (*Session, error)

	// ApplyEffect applies a record effect without changing the session's
	// state. It carries the same state-and-version guard as a transition, so
	// the effect can only land on the state the caller observed; a concurrent
	// writer fails it with ErrConflict.
	ApplyEffect(ctx context.Context, id string, state session.State, effect *TransitionEffect) (*Session, error)

	// SweepExpired moves every session past its deadline into the Expired
	// state and returns how many were moved. Idempotent and safe to run
	// concurrently with in-flight transitions.
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	// CreateAuthState records a one-time OAuth2 state value for a session.
	CreateAuthState(ctx context.Context, st *AuthState) error

	// ConsumeAuthState atomically claims a state value. A value that was
	// never issued, already consumed, or past its deadline fails with
	// ErrNotFound; exactly one caller can ever claim a given value.
	ConsumeAuthState(ctx context.Context, state string, now time.Time) (*AuthState, error)

	// MarkTokenUsed records a token id as spent. A second call for the same
	// id fails with ErrTokenAlreadyUsed; uniqueness of token ids makes this
	// the replay check for single-use scopes.
	MarkTokenUsed(ctx context.Context, tokenID string, now time.Time) error

	// Close releases any resources held by the store.
	Close() error
}
