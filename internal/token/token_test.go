// ABOUTME: Unit tests for platform token encoding and decoding
// ABOUTME: Covers round-trips, expiry, tampering, algorithm pinning and key rotation

package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/parley-gateway/internal/keys"
)

func testCodec(t *testing.T) (*Codec, *keys.Ring) {
	t.Helper()
	ring, err := keys.NewRing(keys.Key{ID: "k1", Secret: []byte("test-secret-key-for-signing")}, nil)
	if err != nil {
		t.Fatalf("NewRing failed: %v", err)
	}
	return NewCodec(ring), ring
}

func testToken(now time.Time) PlatformToken {
	return PlatformToken{
		Subject:   "alice",
		SessionID: "session-123",
		Scope:     ScopeJoin,
		IssuedAt:  now,
		ExpiresAt: now.Add(5 * time.Minute),
		TokenID:   "jti-001",
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	codec, _ := testCodec(t)
	now := time.Now().UTC().Truncate(time.Second)

	in := testToken(now)
	encoded, err := codec.Encode(in)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	out, err := codec.Decode(encoded, now.Add(10*time.Second))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if out.Subject != in.Subject {
		t.Errorf("Subject = %q, want %q", out.Subject, in.Subject)
	}
	if out.SessionID != in.SessionID {
		t.Errorf("SessionID = %q, want %q", out.SessionID, in.SessionID)
	}
	if out.Scope != in.Scope {
		t.Errorf("Scope = %q, want %q", out.Scope, in.Scope)
	}
	if out.TokenID != in.TokenID {
		t.Errorf("TokenID = %q, want %q", out.TokenID, in.TokenID)
	}
	if !out.IssuedAt.Equal(in.IssuedAt) {
		t.Errorf("IssuedAt = %v, want %v", out.IssuedAt, in.IssuedAt)
	}
	if !out.ExpiresAt.Equal(in.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", out.ExpiresAt, in.ExpiresAt)
	}
	if out.KeyID != "k1" {
		t.Errorf("KeyID = %q, want %q", out.KeyID, "k1")
	}
}

func TestCodec_Expired(t *testing.T) {
	codec, _ := testCodec(t)
	now := time.Now().UTC()

	encoded, err := codec.Encode(testToken(now))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// One second past exp. The signature is still perfectly valid.
	_, err = codec.Decode(encoded, now.Add(5*time.Minute+time.Second))
	if !errors.Is(err, ErrExpired) {
		t.Errorf("Decode past exp = %v, want ErrExpired", err)
	}
}

func TestCodec_Malformed(t *testing.T) {
	codec, _ := testCodec(t)

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"two segments", "aaaa.bbbb"},
		{"non-base64 segments", "a!a.b!b.c!c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decode(tt.input, time.Now())
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Decode(%q) = %v, want ErrMalformed", tt.input, err)
			}
		})
	}
}

func TestCodec_TamperedPayload(t *testing.T) {
	codec, _ := testCodec(t)
	now := time.Now().UTC()

	encoded, err := codec.Encode(testToken(now))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// Swap the payload segment for one from a different token.
	other, err := codec.Encode(PlatformToken{
		Subject:   "mallory",
		SessionID: "session-123",
		Scope:     ScopeAdminister,
		IssuedAt:  now,
		ExpiresAt: now.Add(5 * time.Minute),
		TokenID:   "jti-002",
	})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	parts := strings.Split(encoded, ".")
	otherParts := strings.Split(other, ".")
	tampered := parts[0] + "." + otherParts[1] + "." + parts[2]

	_, err = codec.Decode(tampered, now)
	if !errors.Is(err, ErrBadSignature) {
		t.Errorf("Decode tampered = %v, want ErrBadSignature", err)
	}
}

func TestCodec_WrongKeySignature(t *testing.T) {
	codec, _ := testCodec(t)
	now := time.Now().UTC()

	// A token signed with a different secret but claiming kid k1.
	claims := wireClaims{
		SessionID: "session-123",
		Scope:     string(ScopeJoin),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			ID:        "jti-003",
		},
	}
	jt := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	jt.Header["kid"] = "k1"
	forged, err := jt.SignedString([]byte("attacker-controlled-secret"))
	if err != nil {
		t.Fatalf("SignedString failed: %v", err)
	}

	_, err = codec.Decode(forged, now)
	if !errors.Is(err, ErrBadSignature) {
		t.Errorf("Decode forged = %v, want ErrBadSignature", err)
	}
}

func TestCodec_UnknownKeyID(t *testing.T) {
	codec, _ := testCodec(t)
	now := time.Now().UTC()

	claims := wireClaims{
		SessionID: "session-123",
		Scope:     string(ScopeJoin),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			ID:        "jti-004",
		},
	}
	jt := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	jt.Header["kid"] = "retired-ages-ago"
	signed, err := jt.SignedString([]byte("whatever"))
	if err != nil {
		t.Fatalf("SignedString failed: %v", err)
	}

	_, err = codec.Decode(signed, now)
	if !errors.Is(err, keys.ErrKeyNotFound) {
		t.Errorf("Decode with unknown kid = %v, want keys.ErrKeyNotFound", err)
	}
	if errors.Is(err, ErrBadSignature) {
		t.Error("unknown key id must not be reported as a bad signature")
	}
}

func TestCodec_RejectsUnsignedAlg(t *testing.T) {
	codec, _ := testCodec(t)
	now := time.Now().UTC()

	claims := wireClaims{
		SessionID: "session-123",
		Scope:     string(ScopeJoin),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			ID:        "jti-005",
		},
	}
	jt := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	jt.Header["kid"] = "k1"
	unsigned, err := jt.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString failed: %v", err)
	}

	if _, err := codec.Decode(unsigned, now); err == nil {
		t.Error("Decode accepted an alg=none token")
	}
}

func TestCodec_MissingScope(t *testing.T) {
	codec, _ := testCodec(t)
	now := time.Now().UTC()

	claims := wireClaims{
		SessionID: "session-123",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			ID:        "jti-006",
		},
	}
	jt := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	jt.Header["kid"] = "k1"
	secret := []byte("test-secret-key-for-signing")
	signed, err := jt.SignedString(secret)
	if err != nil {
		t.Fatalf("SignedString failed: %v", err)
	}

	_, err = codec.Decode(signed, now)
	if !errors.Is(err, ErrInvalidClaims) {
		t.Errorf("Decode without scope = %v, want ErrInvalidClaims", err)
	}
}

func TestCodec_SurvivesKeyRotation(t *testing.T) {
	codec, ring := testCodec(t)
	now := time.Now().UTC()

	encoded, err := codec.Encode(testToken(now))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if err := ring.Rotate(keys.Key{ID: "k2", Secret: []byte("fresh-secret-after-rotation")}); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	// Pre-rotation token still decodes via the grace-period key.
	out, err := codec.Decode(encoded, now)
	if err != nil {
		t.Fatalf("Decode after rotation failed: %v", err)
	}
	if out.KeyID != "k1" {
		t.Errorf("KeyID = %q, want %q", out.KeyID, "k1")
	}

	// New tokens pick up the new active key.
	fresh, err := codec.Encode(testToken(now))
	if err != nil {
		t.Fatalf("Encode after rotation failed: %v", err)
	}
	out, err = codec.Decode(fresh, now)
	if err != nil {
		t.Fatalf("Decode fresh token failed: %v", err)
	}
	if out.KeyID != "k2" {
		t.Errorf("KeyID = %q, want %q", out.KeyID, "k2")
	}
}

func TestCodec_EncodeValidatesInput(t *testing.T) {
	codec, _ := testCodec(t)
	now := time.Now().UTC()

	bad := testToken(now)
	bad.Scope = Scope("superuser")
	if _, err := codec.Encode(bad); !errors.Is(err, ErrInvalidClaims) {
		t.Errorf("Encode with bad scope = %v, want ErrInvalidClaims", err)
	}

	bad = testToken(now)
	bad.Subject = ""
	if _, err := codec.Encode(bad); !errors.Is(err, ErrInvalidClaims) {
		t.Errorf("Encode without subject = %v, want ErrInvalidClaims", err)
	}
}
