// ABOUTME: Platform token encoding and decoding as signed JWTs
// ABOUTME: Claims {sub, sid, scope, iat, exp, jti, kid} with HS256 via the key ring

package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/parley-gateway/internal/keys"
)

// Decode errors, in the order the checks run: structural parse, signature
// verification, expiry, claim shape. An unknown key id surfaces as
// keys.ErrKeyNotFound rather than any of these.
var (
	ErrMalformed     = errors.New("malformed token")
	ErrBadSignature  = errors.New("bad token signature")
	ErrExpired       = errors.New("token expired")
	ErrInvalidClaims = errors.New("invalid token claims")
)

// Scope describes what the bearer of a token may do with a session.
type Scope string

const (
	ScopeJoin       Scope = "join"       // join the communication as a participant
	ScopeObserve    Scope = "observe"    // read-only access
	ScopeAdminister Scope = "administer" // manage the session itself
)

// Valid reports whether s is a recognized scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeJoin, ScopeObserve, ScopeAdminister:
		return true
	}
	return false
}

// PlatformToken is the decoded form of a capability token. It is immutable
// once issued; reissuing produces a new token with a fresh TokenID.
type PlatformToken struct {
	Subject   string
	SessionID string
	Scope     Scope
	IssuedAt  time.Time
	ExpiresAt time.Time
	TokenID   string
	KeyID     string
}

// wireClaims is the JWT layout. sid and scope ride alongside the registered
// sub/iat/exp/jti claims; kid travels in the header.
type wireClaims struct {
	SessionID string `json:"sid"`
	Scope     string `json:"scope"`
	jwt.RegisteredClaims
}

// Codec encodes and decodes platform tokens against a key ring.
// Decoding is a pure function of the token bytes, the caller-supplied time
// and the ring's key state, which keeps it deterministic under test.
type Codec struct {
	ring *keys.Ring
}

// NewCodec creates a codec backed by the given key ring.
func NewCodec(ring *keys.Ring) *Codec {
	return &Codec{ring: ring}
}

// Encode signs a token with the ring's active key. The kid of the signing
// key is recorded in the token header so verification after a key rotation
// can find the right grace-period key.
func (c *Codec) Encode(t PlatformToken) (string, error) {
	if !t.Scope.Valid() {
		return "", fmt.Errorf("%w: scope %q", ErrInvalidClaims, t.Scope)
	}
	if t.Subject == "" || t.SessionID == "" || t.TokenID == "" {
		return "", fmt.Errorf("%w: subject, session id and token id are required", ErrInvalidClaims)
	}

	claims := wireClaims{
		SessionID: t.SessionID,
		Scope:     string(t.Scope),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   t.Subject,
			IssuedAt:  jwt.NewNumericDate(t.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(t.ExpiresAt),
			ID:        t.TokenID,
		},
	}

	keyID := c.ring.ActiveKeyID()
	secret, err := c.ring.Secret(keyID)
	if err != nil {
		return "", err
	}

	jt := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	jt.Header["kid"] = keyID

	signed, err := jt.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Decode parses and verifies a token against the supplied time. Checks run
// in a fixed order and each failure maps to exactly one error kind:
// structural problems are ErrMalformed, signature failures ErrBadSignature,
// an elapsed exp ErrExpired and everything shape-related ErrInvalidClaims.
// A token referencing a key the ring no longer (or never) held is
// keys.ErrKeyNotFound; that is deliberately not folded into ErrBadSignature
// since the two conditions are logged differently.
func (c *Codec) Decode(tokenString string, now time.Time) (*PlatformToken, error) {
	parser := jwt.NewParser(
		// No implicit algorithm: only HS256 is accepted, so a token crafted
		// with alg=none or an asymmetric alg is rejected outright.
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)

	var claims wireClaims
	jt, err := parser.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("%w: missing kid header", ErrInvalidClaims)
		}
		return c.ring.Secret(kid)
	})
	if err != nil {
		switch {
		case errors.Is(err, keys.ErrKeyNotFound):
			return nil, err
		case errors.Is(err, ErrInvalidClaims):
			return nil, err
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalidClaims, err)
		}
	}

	kid, _ := jt.Header["kid"].(string)

	decoded := &PlatformToken{
		Subject:   claims.Subject,
		SessionID: claims.SessionID,
		Scope:     Scope(claims.Scope),
		TokenID:   claims.ID,
		KeyID:     kid,
	}
	if claims.IssuedAt != nil {
		decoded.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		decoded.ExpiresAt = claims.ExpiresAt.Time
	}

	if decoded.Subject == "" || decoded.SessionID == "" || decoded.TokenID == "" {
		return nil, fmt.Errorf("%w: missing required claim", ErrInvalidClaims)
	}
	if !decoded.Scope.Valid() {
		return nil, fmt.Errorf("%w: unrecognized scope %q", ErrInvalidClaims, claims.Scope)
	}

	return decoded, nil
}
