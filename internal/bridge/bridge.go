// ABOUTME: OAuth2 bridge driving the authorization-code exchange with the identity provider
// ABOUTME: Begin issues a state-bound redirect, Complete exchanges the callback code

package bridge

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/2389/parley-gateway/internal/store"
)

// Bridge errors
var (
	ErrProviderError   = errors.New("identity provider error")
	ErrStateMismatch   = errors.New("callback state mismatch")
	ErrProviderTimeout = errors.New("identity provider timeout")
	ErrNoSubject       = errors.New("provider response carries no subject")
)

// Default windows; both overridable via Config.
const (
	DefaultStateTTL        = 10 * time.Minute
	DefaultExchangeTimeout = 30 * time.Second
)

// Config describes the external identity provider.
type Config struct {
	// Name identifies the provider; assertions carry it as provenance.
	Name string

	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string

	// UserInfoURL, when set, is queried for identity attributes if the
	// token response carries no ID token.
	UserInfoURL string

	// StateTTL bounds how long an issued redirect stays answerable.
	StateTTL time.Duration

	// ExchangeTimeout bounds the code-for-token exchange.
	ExchangeTimeout time.Duration
}

// Assertion is the verified outcome of one authorization-code exchange:
// who the provider says the party is, which provider said so, and when.
type Assertion struct {
	Subject    string
	Attributes map[string]any
	Provider   string
	AssertedAt time.Time
}

// StateStore is the slice of the session store the bridge needs: durable,
// single-use state values. The bridge never touches session rows.
type StateStore interface {
	CreateAuthState(ctx context.Context, st *store.AuthState) error
	ConsumeAuthState(ctx context.Context, state string, now time.Time) (*store.AuthState, error)
}

// Bridge drives the standard authorization-code flow against one provider.
// It is modeled as two explicit operations correlated by a one-time state
// value rather than a blocking call, so nothing is held across the external
// round-trip.
type Bridge struct {
	cfg    Config
	oauth  *oauth2.Config
	states StateStore
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithClock overrides the bridge's time source.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		b.now = now
	}
}

// New creates a bridge for the given provider.
func New(cfg Config, states StateStore, logger *slog.Logger, opts ...Option) (*Bridge, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("provider client id is required")
	}
	if cfg.AuthURL == "" || cfg.TokenURL == "" {
		return nil, errors.New("provider auth and token URLs are required")
	}
	if cfg.StateTTL == 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if cfg.ExchangeTimeout == 0 {
		cfg.ExchangeTimeout = DefaultExchangeTimeout
	}

	b := &Bridge{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		states: states,
		logger: logger.With("component", "bridge"),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Provider returns the configured provider name.
func (b *Bridge) Provider() string {
	return b.cfg.Name
}

// Begin issues a redirect target for the given session, bound to a fresh
// one-time state value persisted before the URL is handed out.
func (b *Bridge) Begin(ctx context.Context, sessionID string) (string, error) {
	state, err := generateState()
	if err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}

	now := b.now().UTC()
	if err := b.states.CreateAuthState(ctx, &store.AuthState{
		State:     state,
		SessionID: sessionID,
		CreatedAt: now,
		ExpiresAt: now.Add(b.cfg.StateTTL),
	}); err != nil {
		return "", fmt.Errorf("persisting auth state: %w", err)
	}

	b.logger.Info("began authentication", "session_id", sessionID, "provider", b.cfg.Name)
	return b.oauth.AuthCodeURL(state), nil
}

// Complete answers a provider callback: it claims the one-time state value,
// exchanges the code within the configured window and builds an assertion.
// The session the exchange belongs to is identified by the claimed state;
// advancing that session is the caller's job, never the bridge's, so a
// failed or timed-out exchange leaves the session exactly as it was.
func (b *Bridge) Complete(ctx context.Context, code, state string) (string, *Assertion, error) {
	now := b.now().UTC()

	st, err := b.states.ConsumeAuthState(ctx, state, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil, fmt.Errorf("%w: state not issued, already used, or expired", ErrStateMismatch)
		}
		return "", nil, fmt.Errorf("claiming auth state: %w", err)
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, b.cfg.ExchangeTimeout)
	defer cancel()

	tok, err := b.oauth.Exchange(exchangeCtx, code)
	if err != nil {
		if errors.Is(exchangeCtx.Err(), context.DeadlineExceeded) {
			b.logger.Warn("code exchange timed out",
				"session_id", st.SessionID, "provider", b.cfg.Name)
			return "", nil, fmt.Errorf("%w: code exchange", ErrProviderTimeout)
		}
		return "", nil, fmt.Errorf("%w: code exchange: %v", ErrProviderError, err)
	}

	assertion, err := b.buildAssertion(exchangeCtx, tok, now)
	if err != nil {
		return "", nil, err
	}

	b.logger.Info("completed authentication",
		"session_id", st.SessionID, "provider", b.cfg.Name, "subject", assertion.Subject)
	return st.SessionID, assertion, nil
}

// buildAssertion extracts identity attributes from the token response.
// An ID token is preferred; its claims were signed by the provider we just
// spoke to over TLS, so they are not re-verified here. Providers without
// ID tokens are queried via the userinfo endpoint.
func (b *Bridge) buildAssertion(ctx context.Context, tok *oauth2.Token, now time.Time) (*Assertion, error) {
	attrs := map[string]any{}

	if idToken, ok := tok.Extra("id_token").(string); ok && idToken != "" {
		claims, err := unverifiedClaims(idToken)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing id token: %v", ErrProviderError, err)
		}
		attrs = claims
	} else if b.cfg.UserInfoURL != "" {
		claims, err := b.fetchUserInfo(ctx, tok)
		if err != nil {
			return nil, err
		}
		attrs = claims
	}

	sub, _ := attrs["sub"].(string)
	if sub == "" {
		return nil, ErrNoSubject
	}

	return &Assertion{
		Subject:    sub,
		Attributes: attrs,
		Provider:   b.cfg.Name,
		AssertedAt: now,
	}, nil
}

// fetchUserInfo queries the provider's userinfo endpoint with the access token.
func (b *Bridge) fetchUserInfo(ctx context.Context, tok *oauth2.Token) (map[string]any, error) {
	client := b.oauth.Client(ctx, tok)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating userinfo request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: userinfo", ErrProviderTimeout)
		}
		return nil, fmt.Errorf("%w: userinfo request: %v", ErrProviderError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: userinfo status %d", ErrProviderError, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading userinfo: %v", ErrProviderError, err)
	}

	var claims map[string]any
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("%w: decoding userinfo: %v", ErrProviderError, err)
	}
	return claims, nil
}

// unverifiedClaims extracts claims from a JWT without signature verification.
func unverifiedClaims(tokenString string) (map[string]any, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	tok, _, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}
	return claims, nil
}

// generateState returns a fresh random state value.
func generateState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
