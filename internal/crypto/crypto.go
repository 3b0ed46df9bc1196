// Package crypto generates the unguessable tokens the gateway hands out:
// session ids, PKCE verifier/challenge pairs, OAuth state values, and CSRF
// tokens. All of them follow the same shape: random bytes from
// crypto/rand, optionally hashed with crypto/sha256, encoded with
// encoding/base64 for safe use in cookies, query strings, and headers.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// SessionIDBytes is the entropy of a generated session id (128 bits).
const SessionIDBytes = 16

// CSRFTokenBytes is the entropy of a generated CSRF token.
const CSRFTokenBytes = 32

// StateBytes is the entropy of a generated OAuth "state" parameter.
const StateBytes = 24

// PKCEVerifierBytes is the entropy of a generated PKCE code verifier,
// before base64url encoding (43-128 chars required by RFC 7636; 32 raw
// bytes yields a 43-char encoding, the minimum).
const PKCEVerifierBytes = 32

// NewSessionID returns a fresh, uniformly-distributed, unguessable
// session id. Every successful code exchange must call this — reusing an
// id defeats the fixation defense.
func NewSessionID() (string, error) {
	return randomToken(SessionIDBytes)
}

// NewCSRFToken returns a fresh CSRF token, independent of any session id
// so that leaking one does not leak the other.
func NewCSRFToken() (string, error) {
	return randomToken(CSRFTokenBytes)
}

// NewState returns a fresh OAuth "state" parameter for the authorization
// request, to be validated verbatim on callback.
func NewState() (string, error) {
	return randomToken(StateBytes)
}

// PKCEPair is a freshly generated code verifier and its S256 challenge.
type PKCEPair struct {
	Verifier  string
	Challenge string
}

// NewPKCEPair generates a PKCE code verifier and derives its S256
// challenge: challenge = base64url(sha256(verifier)), no padding.
func NewPKCEPair() (PKCEPair, error) {
	verifier, err := randomToken(PKCEVerifierBytes)
	if err != nil {
		return PKCEPair{}, fmt.Errorf("generate verifier: %w", err)
	}

	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	return PKCEPair{Verifier: verifier, Challenge: challenge}, nil
}

func randomToken(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("crypto: token length must be positive")
	}

	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}
