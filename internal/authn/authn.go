// ABOUTME: Authentication facade combining tokens, sessions and the OAuth2 bridge
// ABOUTME: Public entry point answering "may this request act on this session"

package authn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley-gateway/internal/bridge"
	"github.com/2389/parley-gateway/internal/session"
	"github.com/2389/parley-gateway/internal/store"
	"github.com/2389/parley-gateway/internal/token"
)

// Facade errors
var (
	// ErrSessionNotLive is returned when the referenced session is closed,
	// expired or revoked. A syntactically valid, unexpired token is still
	// rejected in that case: token validity is necessary but not sufficient.
	ErrSessionNotLive = errors.New("session is no longer live")

	// ErrAuthRequired is returned when a join token is presented before the
	// session completed authentication.
	ErrAuthRequired = errors.New("session requires authentication before join")

	// ErrProviderMismatch is returned when an assertion's provenance does not
	// match the provider the session was configured for.
	ErrProviderMismatch = errors.New("assertion provider does not match session")

	// ErrTokensDisabled is returned when platform token issuance is not enabled.
	ErrTokensDisabled = errors.New("platform tokens are not enabled")

	// ErrAuthDisabled is returned when mid-session authentication is not enabled.
	ErrAuthDisabled = errors.New("mid-session authentication is not enabled")
)

// Defaults applied by New when the corresponding Policy field is zero.
const (
	DefaultTokenTTL        = 5 * time.Minute
	DefaultSessionTTL      = time.Hour
	DefaultConflictRetries = 3
)

// Policy tunes the facade's behavior. Whether a scope is single-use is
// deliberately a parameter rather than a fixed rule.
type Policy struct {
	// TokenTTL caps token lifetime. A token never outlives its session:
	// expiry is clamped to the session deadline at issuance.
	TokenTTL time.Duration

	// SessionTTL is the default deadline for new sessions.
	SessionTTL time.Duration

	// RequireAuthBeforeJoin moves a Created session into AwaitingAuth on the
	// first join-token request, and rejects join validation until the session
	// is authenticated.
	RequireAuthBeforeJoin bool

	// ConflictRetries bounds how often a transition lost to a concurrent
	// writer is retried before the conflict surfaces.
	ConflictRetries int

	// SingleUse reports whether tokens of the given scope are invalidated
	// after their first successful validation. Nil means join-only.
	SingleUse func(scope token.Scope) bool

	// Now is the facade's time source for issuance. Nil means time.Now.
	Now func() time.Time
}

// AuthorizedSubject is the result of a successful token validation.
type AuthorizedSubject struct {
	Subject   string
	SessionID string
	Scope     token.Scope
}

// Authenticator is the public surface of the authentication core. The codec
// may be nil when token issuance is disabled, and the bridge may be nil when
// mid-session authentication is disabled; the corresponding operations then
// fail with ErrTokensDisabled / ErrAuthDisabled.
type Authenticator struct {
	store  store.Store
	codec  *token.Codec
	bridge *bridge.Bridge
	policy Policy
	logger *slog.Logger
}

// New creates an authenticator. Zero policy fields get defaults.
func New(st store.Store, codec *token.Codec, br *bridge.Bridge, policy Policy, logger *slog.Logger) *Authenticator {
	if policy.TokenTTL == 0 {
		policy.TokenTTL = DefaultTokenTTL
	}
	if policy.SessionTTL == 0 {
		policy.SessionTTL = DefaultSessionTTL
	}
	if policy.ConflictRetries == 0 {
		policy.ConflictRetries = DefaultConflictRetries
	}
	if policy.SingleUse == nil {
		policy.SingleUse = func(scope token.Scope) bool {
			return scope == token.ScopeJoin
		}
	}
	if policy.Now == nil {
		policy.Now = time.Now
	}

	return &Authenticator{
		store:  st,
		codec:  codec,
		bridge: br,
		policy: policy,
		logger: logger.With("component", "authn"),
	}
}

// CreateSession allocates a new session in the Created state. A zero ttl
// uses the policy default.
func (a *Authenticator) CreateSession(ctx context.Context, purpose string, attributes []byte, ttl time.Duration) (*store.Session, error) {
	if ttl == 0 {
		ttl = a.policy.SessionTTL
	}

	now := a.policy.Now().UTC()
	provider := ""
	if a.bridge != nil {
		provider = a.bridge.Provider()
	}

	sess := &store.Session{
		ID:           uuid.NewString(),
		State:        session.StateCreated,
		Purpose:      purpose,
		Provider:     provider,
		Attributes:   attributes,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastActivity: now,
	}
	if err := a.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// IssueToken creates a signed capability token granting subject the given
// scope on the session. On the first join-token request for a session whose
// policy requires authentication, the session moves to AwaitingAuth.
func (a *Authenticator) IssueToken(ctx context.Context, sessionID, subject string, scope token.Scope) (string, error) {
	if a.codec == nil {
		return "", ErrTokensDisabled
	}
	if !scope.Valid() {
		return "", fmt.Errorf("%w: scope %q", token.ErrInvalidClaims, scope)
	}

	now := a.policy.Now().UTC()
	sess, err := a.liveSession(ctx, sessionID, now)
	if err != nil {
		return "", err
	}
	if sess.State.Terminal() {
		return "", fmt.Errorf("%w: session %s is %s", ErrSessionNotLive, sess.ID, sess.State)
	}

	if a.policy.RequireAuthBeforeJoin && scope == token.ScopeJoin && sess.State == session.StateCreated {
		sess, err = a.transitionWithRetry(ctx, sessionID, session.StateCreated, session.StateAwaitingAuth, nil)
		if err != nil {
			return "", err
		}
	}

	// Token expiry never exceeds the session deadline.
	exp := now.Add(a.policy.TokenTTL)
	if exp.After(sess.ExpiresAt) {
		exp = sess.ExpiresAt
	}

	t := token.PlatformToken{
		Subject:   subject,
		SessionID: sessionID,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: exp,
		TokenID:   uuid.NewString(),
	}

	signed, err := a.codec.Encode(t)
	if err != nil {
		return "", err
	}

	a.logger.Info("issued token", "session_id", sessionID, "subject", subject,
		"scope", scope, "jti", t.TokenID, "expires_at", exp)
	return signed, nil
}

// ValidateToken verifies a presented token and confirms the referenced
// session is still in a compatible state. The first successful join
// validation moves an Authenticated session to Active; single-use scopes
// are spent here, so a replayed token fails even before its own expiry.
func (a *Authenticator) ValidateToken(ctx context.Context, tokenString string, now time.Time) (*AuthorizedSubject, error) {
	if a.codec == nil {
		return nil, ErrTokensDisabled
	}

	claims, err := a.codec.Decode(tokenString, now)
	if err != nil {
		return nil, err
	}

	sess, err := a.liveSession(ctx, claims.SessionID, now)
	if err != nil {
		return nil, err
	}
	if sess.State.Terminal() {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionNotLive, sess.ID, sess.State)
	}

	if claims.Scope == token.ScopeJoin && a.policy.RequireAuthBeforeJoin {
		switch sess.State {
		case session.StateCreated, session.StateAwaitingAuth:
			return nil, fmt.Errorf("%w: session %s is %s", ErrAuthRequired, sess.ID, sess.State)
		}
	}

	// Spend single-use tokens before advancing the session, so a replayed
	// token can never ride a transition someone else's validation caused.
	// If the transition below then loses to a concurrent revoke, the jti
	// stays spent: the holder is denied rather than left holding a
	// replayable token.
	if a.policy.SingleUse(claims.Scope) {
		if err := a.store.MarkTokenUsed(ctx, claims.TokenID, now); err != nil {
			return nil, err
		}
	}

	// The holder actually joins: first join validation activates the session.
	if claims.Scope == token.ScopeJoin && sess.State == session.StateAuthenticated {
		if _, err := a.transitionWithRetry(ctx, sess.ID,
			session.StateAuthenticated, session.StateActive, nil); err != nil {
			return nil, err
		}
	}

	a.logger.Debug("validated token", "session_id", claims.SessionID,
		"subject", claims.Subject, "scope", claims.Scope)

	return &AuthorizedSubject{
		Subject:   claims.Subject,
		SessionID: claims.SessionID,
		Scope:     claims.Scope,
	}, nil
}

// BeginAuthentication starts the authorization-code exchange for a session
// and returns the redirect target. A Created session moves to AwaitingAuth.
func (a *Authenticator) BeginAuthentication(ctx context.Context, sessionID string) (string, error) {
	if a.bridge == nil {
		return "", ErrAuthDisabled
	}

	now := a.policy.Now().UTC()
	sess, err := a.liveSession(ctx, sessionID, now)
	if err != nil {
		return "", err
	}
	if sess.State.Terminal() {
		return "", fmt.Errorf("%w: session %s is %s", ErrSessionNotLive, sess.ID, sess.State)
	}

	switch sess.State {
	case session.StateCreated:
		if _, err := a.transitionWithRetry(ctx, sessionID,
			session.StateCreated, session.StateAwaitingAuth, nil); err != nil {
			return "", err
		}
	case session.StateAwaitingAuth:
		// Already waiting; a second begin just issues a fresh state value.
	default:
		return "", fmt.Errorf("%w: %s -> %s",
			session.ErrInvalidTransition, sess.State, session.StateAwaitingAuth)
	}

	return a.bridge.Begin(ctx, sessionID)
}

// CallbackParams are the authorization-code parameters presented at the
// callback boundary.
type CallbackParams struct {
	Code  string
	State string
}

// CompleteAuthentication finishes the exchange the callback answers and
// feeds the resulting identity assertion into the session lifecycle. The
// assertion's provenance must match the provider the session was configured
// for. On success the session is Authenticated and the asserted subject is
// added to its authorized identity set.
func (a *Authenticator) CompleteAuthentication(ctx context.Context, params CallbackParams) (*store.Session, error) {
	if a.bridge == nil {
		return nil, ErrAuthDisabled
	}

	sessionID, assertion, err := a.bridge.Complete(ctx, params.Code, params.State)
	if err != nil {
		return nil, err
	}

	now := a.policy.Now().UTC()
	sess, err := a.liveSession(ctx, sessionID, now)
	if err != nil {
		return nil, err
	}
	if sess.State.Terminal() {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionNotLive, sess.ID, sess.State)
	}
	if sess.Provider != "" && assertion.Provider != sess.Provider {
		return nil, fmt.Errorf("%w: got %q, session expects %q",
			ErrProviderMismatch, assertion.Provider, sess.Provider)
	}

	return a.transitionWithRetry(ctx, sessionID,
		session.StateAwaitingAuth, session.StateAuthenticated,
		&store.TransitionEffect{AddSubject: assertion.Subject})
}

// Revoke moves a session to Revoked regardless of its current non-terminal
// state. All outstanding tokens for the session stop validating immediately.
// Lazy expiry applies here as everywhere else: a session already past its
// deadline is recorded as Expired, and the revoke fails against the terminal
// state.
func (a *Authenticator) Revoke(ctx context.Context, sessionID string) (*store.Session, error) {
	for attempt := 0; ; attempt++ {
		sess, err := a.liveSession(ctx, sessionID, a.policy.Now().UTC())
		if err != nil {
			return nil, err
		}
		if sess.State == session.StateRevoked {
			return sess, nil
		}
		if sess.State.Terminal() {
			return nil, fmt.Errorf("%w: %s -> %s",
				session.ErrInvalidTransition, sess.State, session.StateRevoked)
		}

		moved, err := a.store.TransitionSession(ctx, sessionID,
			sess.State, session.StateRevoked, nil)
		if err == nil {
			a.logger.Info("revoked session", "session_id", sessionID)
			return moved, nil
		}
		if !errors.Is(err, store.ErrConflict) || attempt >= a.policy.ConflictRetries {
			return nil, err
		}
	}
}

// CloseSession ends an active session normally.
func (a *Authenticator) CloseSession(ctx context.Context, sessionID string) (*store.Session, error) {
	return a.transitionWithRetry(ctx, sessionID,
		session.StateActive, session.StateClosed, nil)
}

// liveSession loads a session and applies lazy expiry: a session past its
// deadline is moved to Expired on access, without waiting for the sweep.
func (a *Authenticator) liveSession(ctx context.Context, sessionID string, now time.Time) (*store.Session, error) {
	sess, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if !sess.State.Terminal() && sess.Expired(now) {
		moved, terr := a.store.TransitionSession(ctx, sessionID,
			sess.State, session.StateExpired, nil)
		switch {
		case terr == nil:
			return moved, nil
		case errors.Is(terr, store.ErrConflict):
			// The sweep or another request got there first; re-read.
			return a.store.GetSession(ctx, sessionID)
		default:
			return nil, terr
		}
	}

	return sess, nil
}

// transitionWithRetry drives a CAS transition, retrying a bounded number of
// times when a concurrent writer wins the race. A race that already landed
// the session in the target state counts as success, but this caller's
// effect still has to land durably: it is applied with a guarded effect-only
// write rather than discarded.
func (a *Authenticator) transitionWithRetry(ctx context.Context, sessionID string, from, to session.State, effect *store.TransitionEffect) (*store.Session, error) {
	var lastErr error
	for attempt := 0; attempt <= a.policy.ConflictRetries; attempt++ {
		sess, err := a.store.TransitionSession(ctx, sessionID, from, to, effect)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		lastErr = err

		cur, gerr := a.store.GetSession(ctx, sessionID)
		if gerr != nil {
			return nil, gerr
		}
		if cur.State == to {
			if effect == nil {
				return cur, nil
			}
			applied, aerr := a.store.ApplyEffect(ctx, sessionID, to, effect)
			if aerr == nil {
				return applied, nil
			}
			if !errors.Is(aerr, store.ErrConflict) {
				return nil, aerr
			}
			lastErr = aerr
			continue
		}
		if cur.State != from {
			// Moved somewhere else entirely; retrying cannot help.
			return nil, err
		}
	}
	return nil, lastErr
}
