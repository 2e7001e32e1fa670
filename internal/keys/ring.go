// ABOUTME: Key ring holding the active signing key and grace-period predecessors
// ABOUTME: HMAC-SHA256 sign/verify with explicit key ids for rotation support

package keys

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Key errors
var (
	ErrKeyNotFound = errors.New("signing key not found")
	ErrNoActiveKey = errors.New("no active signing key")
	ErrEmptySecret = errors.New("signing key secret is empty")
	ErrDuplicateID = errors.New("duplicate key id")
)

// DefaultMaxPrevious is how many retired keys the ring keeps verifiable
// after rotation unless configured otherwise.
const DefaultMaxPrevious = 2

// Key is a single named signing secret.
type Key struct {
	ID     string
	Secret []byte
}

// Ring holds the active signing key plus a bounded history of previously
// active keys so tokens signed before a rotation stay verifiable.
//
// Reads vastly outnumber writes: every token verification consults the ring,
// while Rotate is a rare administrative operation. A RWMutex keeps verification
// concurrent.
type Ring struct {
	mu          sync.RWMutex
	active      string
	secrets     map[string][]byte
	history     []string // retired key ids, oldest first
	maxPrevious int
	logger      *slog.Logger
}

// RingOption configures a Ring.
type RingOption func(*Ring)

// WithMaxPrevious bounds how many retired keys remain verifiable.
func WithMaxPrevious(n int) RingOption {
	return func(r *Ring) {
		r.maxPrevious = n
	}
}

// WithLogger sets the logger used for rotation events.
func WithLogger(logger *slog.Logger) RingOption {
	return func(r *Ring) {
		r.logger = logger.With("component", "keys")
	}
}

// NewRing creates a key ring with the given active key and any previously
// active keys that should remain verifiable. Key material is loaded exactly
// once at construction; the ring never generates keys on its own.
func NewRing(active Key, previous []Key, opts ...RingOption) (*Ring, error) {
	if active.ID == "" || len(active.Secret) == 0 {
		return nil, ErrNoActiveKey
	}

	r := &Ring{
		active:      active.ID,
		secrets:     map[string][]byte{active.ID: active.Secret},
		maxPrevious: DefaultMaxPrevious,
		logger:      slog.Default().With("component", "keys"),
	}

	for _, opt := range opts {
		opt(r)
	}

	for _, k := range previous {
		if len(k.Secret) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrEmptySecret, k.ID)
		}
		if _, exists := r.secrets[k.ID]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateID, k.ID)
		}
		r.secrets[k.ID] = k.Secret
		r.history = append(r.history, k.ID)
	}
	r.pruneLocked()

	return r, nil
}

// ActiveKeyID returns the id of the key used for new signatures.
func (r *Ring) ActiveKeyID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Sign computes an HMAC-SHA256 signature over data with the active key and
// returns the signature together with the key id that produced it.
func (r *Ring) Sign(data []byte) (sig []byte, keyID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mac := hmac.New(sha256.New, r.secrets[r.active])
	mac.Write(data)
	return mac.Sum(nil), r.active
}

// Verify checks sig against data using the key identified by keyID.
// An unknown key id is reported as ErrKeyNotFound, never folded into a
// plain verification failure: the two are distinct conditions and callers
// log them differently.
func (r *Ring) Verify(data, sig []byte, keyID string) (bool, error) {
	secret, err := r.Secret(keyID)
	if err != nil {
		return false, err
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return hmac.Equal(sig, mac.Sum(nil)), nil
}

// Secret returns the raw secret for the given key id, for use by token
// codecs that perform their own HMAC computation.
func (r *Ring) Secret(keyID string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	secret, ok := r.secrets[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, keyID)
	}
	return secret, nil
}

// Rotate installs a new active key. The previous active key moves into the
// grace set and stays verifiable until enough further rotations push it out,
// so in-flight tokens signed before the rotation keep validating.
func (r *Ring) Rotate(next Key) error {
	if next.ID == "" || len(next.Secret) == 0 {
		return ErrNoActiveKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.secrets[next.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateID, next.ID)
	}

	r.history = append(r.history, r.active)
	r.secrets[next.ID] = next.Secret
	prev := r.active
	r.active = next.ID
	r.pruneLocked()

	r.logger.Info("rotated signing key", "active", next.ID, "retired", prev)
	return nil
}

// pruneLocked drops the oldest retired keys beyond maxPrevious.
// Caller must hold the write lock (or be in construction).
func (r *Ring) pruneLocked() {
	for len(r.history) > r.maxPrevious {
		oldest := r.history[0]
		r.history = r.history[1:]
		delete(r.secrets, oldest)
	}
}
