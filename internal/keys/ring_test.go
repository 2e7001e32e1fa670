// ABOUTME: Unit tests for the signing key ring
// ABOUTME: Covers sign/verify, unknown key ids, rotation and grace-period bounds

package keys

import (
	"errors"
	"testing"
)

func testKey(id string) Key {
	return Key{ID: id, Secret: []byte("secret-material-for-" + id)}
}

func TestRing_SignVerify(t *testing.T) {
	ring, err := NewRing(testKey("k1"), nil)
	if err != nil {
		t.Fatalf("NewRing failed: %v", err)
	}

	data := []byte("payload to protect")
	sig, keyID := ring.Sign(data)

	if keyID != "k1" {
		t.Errorf("Sign key id = %q, want %q", keyID, "k1")
	}

	ok, err := ring.Verify(data, sig, keyID)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !ok {
		t.Error("Verify = false for a signature the ring just produced")
	}
}

func TestRing_VerifyTamperedData(t *testing.T) {
	ring, err := NewRing(testKey("k1"), nil)
	if err != nil {
		t.Fatalf("NewRing failed: %v", err)
	}

	sig, keyID := ring.Sign([]byte("original"))
	ok, err := ring.Verify([]byte("modified"), sig, keyID)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if ok {
		t.Error("Verify = true for tampered data")
	}
}

func TestRing_UnknownKeyID(t *testing.T) {
	ring, err := NewRing(testKey("k1"), nil)
	if err != nil {
		t.Fatalf("NewRing failed: %v", err)
	}

	sig, _ := ring.Sign([]byte("data"))
	_, err = ring.Verify([]byte("data"), sig, "never-existed")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Verify with unknown key id = %v, want ErrKeyNotFound", err)
	}
}

func TestRing_RotationKeepsGraceKey(t *testing.T) {
	ring, err := NewRing(testKey("k1"), nil)
	if err != nil {
		t.Fatalf("NewRing failed: %v", err)
	}

	data := []byte("signed before rotation")
	sig, keyID := ring.Sign(data)

	if err := ring.Rotate(testKey("k2")); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	if got := ring.ActiveKeyID(); got != "k2" {
		t.Errorf("ActiveKeyID = %q, want %q", got, "k2")
	}

	// Signature from the retired key must still verify.
	ok, err := ring.Verify(data, sig, keyID)
	if err != nil {
		t.Fatalf("Verify after rotation failed: %v", err)
	}
	if !ok {
		t.Error("Verify = false for pre-rotation signature")
	}
}

func TestRing_BoundedHistory(t *testing.T) {
	ring, err := NewRing(testKey("k1"), nil, WithMaxPrevious(1))
	if err != nil {
		t.Fatalf("NewRing failed: %v", err)
	}

	sig1, _ := ring.Sign([]byte("data"))

	if err := ring.Rotate(testKey("k2")); err != nil {
		t.Fatalf("Rotate to k2 failed: %v", err)
	}
	if err := ring.Rotate(testKey("k3")); err != nil {
		t.Fatalf("Rotate to k3 failed: %v", err)
	}

	// k1 fell off the ring after two rotations with maxPrevious=1.
	if _, err := ring.Verify([]byte("data"), sig1, "k1"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Verify with pruned key = %v, want ErrKeyNotFound", err)
	}

	// k2 is still within the grace window.
	if _, err := ring.Secret("k2"); err != nil {
		t.Errorf("Secret(k2) = %v, want nil", err)
	}
}

func TestRing_RotateDuplicateID(t *testing.T) {
	ring, err := NewRing(testKey("k1"), nil)
	if err != nil {
		t.Fatalf("NewRing failed: %v", err)
	}

	if err := ring.Rotate(testKey("k1")); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("Rotate with duplicate id = %v, want ErrDuplicateID", err)
	}
}

func TestNewRing_RequiresActiveKey(t *testing.T) {
	if _, err := NewRing(Key{}, nil); !errors.Is(err, ErrNoActiveKey) {
		t.Errorf("NewRing with empty key = %v, want ErrNoActiveKey", err)
	}
}

func TestNewRing_PreviousKeysVerifiable(t *testing.T) {
	ring, err := NewRing(testKey("k2"), []Key{testKey("k1")})
	if err != nil {
		t.Fatalf("NewRing failed: %v", err)
	}

	if _, err := ring.Secret("k1"); err != nil {
		t.Errorf("Secret(k1) = %v, want nil", err)
	}
	if got := ring.ActiveKeyID(); got != "k2" {
		t.Errorf("ActiveKeyID = %q, want %q", got, "k2")
	}
}
