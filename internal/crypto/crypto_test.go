package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

func TestNewSessionIDUnique(t *testing.T) {
	a, err := NewSessionID()
	if err != nil {
		t.Fatalf("NewSessionID: %v", err)
	}
	b, err := NewSessionID()
	if err != nil {
		t.Fatalf("NewSessionID: %v", err)
	}

	if a == b {
		t.Fatal("two session ids should not collide")
	}

	decoded, err := base64.RawURLEncoding.DecodeString(a)
	if err != nil {
		t.Fatalf("session id is not valid base64url: %v", err)
	}
	if len(decoded) != SessionIDBytes {
		t.Fatalf("decoded session id length = %d, want %d", len(decoded), SessionIDBytes)
	}
}

func TestNewCSRFTokenIndependentOfSessionID(t *testing.T) {
	sessionID, err := NewSessionID()
	if err != nil {
		t.Fatalf("NewSessionID: %v", err)
	}
	csrf, err := NewCSRFToken()
	if err != nil {
		t.Fatalf("NewCSRFToken: %v", err)
	}

	if sessionID == csrf {
		t.Fatal("csrf token should never equal the session id")
	}
}

func TestNewStateUnique(t *testing.T) {
	a, _ := NewState()
	b, _ := NewState()
	if a == b || a == "" || b == "" {
		t.Fatal("state values should be unique and non-empty")
	}
}

func TestNewPKCEPairChallengeDerivation(t *testing.T) {
	pair, err := NewPKCEPair()
	if err != nil {
		t.Fatalf("NewPKCEPair: %v", err)
	}

	if pair.Verifier == "" || pair.Challenge == "" {
		t.Fatal("verifier and challenge must be non-empty")
	}
	if pair.Verifier == pair.Challenge {
		t.Fatal("challenge must be derived from, not equal to, the verifier")
	}

	// Recomputing the S256 challenge from the verifier must reproduce it.
	sum := sha256.Sum256([]byte(pair.Verifier))
	if want := base64.RawURLEncoding.EncodeToString(sum[:]); pair.Challenge != want {
		t.Fatalf("challenge = %q, want base64url(sha256(verifier)) = %q", pair.Challenge, want)
	}

	// Two independent generations must not share a verifier.
	again, err := NewPKCEPair()
	if err != nil {
		t.Fatalf("NewPKCEPair: %v", err)
	}
	if again.Verifier == pair.Verifier {
		t.Fatal("two independent generations should not share a verifier")
	}
}

func TestRandomTokenRejectsNonPositiveLength(t *testing.T) {
	if _, err := randomToken(0); err == nil {
		t.Fatal("expected error for zero-length token")
	}
	if _, err := randomToken(-1); err == nil {
		t.Fatal("expected error for negative-length token")
	}
}
