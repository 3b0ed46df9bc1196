// Package session owns the authoritative session record: OIDC-code-for-
// token exchange output, cookie-bound lookup, and the two-tier cache
// (process-local L1 over access tokens only, cluster-shared L2 over the
// full record) described in the gateway's request-path state machine.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/crypto"
	"github.com/rakunlabs/at/internal/sharedstore"
)

// ErrCreateFailed is returned by Create when the access token cannot be
// decoded or the record cannot be persisted.
var ErrCreateFailed = errors.New("session: create failed")

// ErrAbsent is returned by Get/GetAccessToken when no live session exists
// for the given id.
var ErrAbsent = errors.New("session: absent")

// Session is the server-side record binding a session id to a user's
// OIDC tokens and profile. Never log AccessToken/RefreshToken.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	AccessExpiry  time.Time `json:"access_expiry"`
	RefreshExpiry time.Time `json:"refresh_expiry"`
	CreatedAt     time.Time `json:"created_at"`
	LastAccessed  time.Time `json:"last_accessed"`
}

// Expired reports whether the access token is past its expiry.
func (s Session) Expired() bool {
	return time.Now().After(s.AccessExpiry)
}

// RefreshExpired reports whether the refresh token itself is no longer
// usable — the session must be torn down.
func (s Session) RefreshExpired() bool {
	return time.Now().After(s.RefreshExpiry)
}

// TokenSet is the raw material returned by an IdP exchange or refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Store is the authoritative session store: L1 (bounded, size-capped,
// short-TTL, access-token-only) in front of L2 (the shared cluster
// store, full record, TTL = configured session lifetime).
type Store struct {
	l1  *lru.LRU[string, string]
	l2  sharedstore.Store
	ttl time.Duration

	onlineTTL time.Duration

	bumpInterval time.Duration
	lastBump     *lru.LRU[string, time.Time]
}

// New constructs a Store. l1TTL must be less than the access-token
// lifetime to bound cross-instance staleness.
func New(store sharedstore.Store, cfg config.Session, onlineTTL time.Duration) *Store {
	bumpInterval := 30 * time.Second

	return &Store{
		l1:           lru.NewLRU[string, string](cfg.L1.MaxEntries, nil, cfg.L1.TTL),
		l2:           store,
		ttl:          cfg.TTL,
		onlineTTL:    onlineTTL,
		bumpInterval: bumpInterval,
		// Same bound as L1 (same ~1M concurrent-session target) and a TTL
		// of twice bumpInterval: an entry not re-bumped in time just
		// expires instead of living forever like the old plain map did.
		lastBump: lru.NewLRU[string, time.Time](cfg.L1.MaxEntries, nil, bumpInterval*2),
	}
}

type sessionRecord struct {
	UserID        string    `json:"user_id"`
	Username      string    `json:"username"`
	Email         string    `json:"email"`
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token"`
	AccessExpiry  time.Time `json:"access_expiry"`
	RefreshExpiry time.Time `json:"refresh_expiry"`
	CreatedAt     time.Time `json:"created_at"`
	LastAccessed  time.Time `json:"last_accessed"`
}

// Create decodes the access token to extract subject, username, and
// email, generates a fresh session id (fixation defense — never reuse an
// id across logins), writes the record to L2 with the configured TTL,
// and sets the online:{userId} marker.
func (s *Store) Create(ctx context.Context, tokens TokenSet) (*Session, error) {
	claims, err := decodeClaims(tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: decode access token: %v", ErrCreateFailed, err)
	}

	id, err := crypto.NewSessionID()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}

	now := time.Now()
	sess := &Session{
		ID:            id,
		UserID:        claims.subject,
		Username:      claims.username,
		Email:         claims.email,
		AccessToken:   tokens.AccessToken,
		RefreshToken:  tokens.RefreshToken,
		AccessExpiry:  now.Add(tokens.ExpiresIn),
		RefreshExpiry: now.Add(s.ttl),
		CreatedAt:     now,
		LastAccessed:  now,
	}

	if err := s.writeRecord(ctx, sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}

	if err := s.l2.Set(ctx, onlineKey(sess.UserID), "1", s.onlineTTL); err != nil {
		slog.Warn("session: failed to set online marker", "user_id", sess.UserID, "error", err)
	}

	s.l1.Add(sess.ID, sess.AccessToken)

	return sess, nil
}

// Get returns the full session record, always read from L2, and refreshes
// the L1 access-token entry from it; L1 is not consulted, so every call
// costs a store round trip (GetAccessToken is the L1-first path). A
// refresh-expired record is deleted and reported absent.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := s.readRecord(ctx, id)
	if err != nil {
		return nil, err
	}

	if sess.RefreshExpired() {
		_, _ = s.Delete(ctx, id)
		return nil, ErrAbsent
	}

	s.l1.Add(id, sess.AccessToken)
	s.maybeBumpLastAccessed(ctx, sess)

	return sess, nil
}

// GetAccessToken is the hot-path operation: L1 fast path returning only
// the cached access token, falling back to L2 (and repopulating L1) on
// miss. Target: L1 hit rate >= 95%.
func (s *Store) GetAccessToken(ctx context.Context, id string) (string, error) {
	if tok, ok := s.l1.Get(id); ok {
		return tok, nil
	}

	sess, err := s.readRecord(ctx, id)
	if err != nil {
		return "", err
	}

	if sess.RefreshExpired() {
		_, _ = s.Delete(ctx, id)
		return "", ErrAbsent
	}

	s.l1.Add(id, sess.AccessToken)
	s.maybeBumpLastAccessed(ctx, sess)

	return sess.AccessToken, nil
}

// UpdateTokens atomically rewrites the record with fresh tokens and
// expiry, then invalidates the L1 entry so neighbouring instances
// converge within the L1 TTL window.
func (s *Store) UpdateTokens(ctx context.Context, id string, tokens TokenSet) error {
	sess, err := s.readRecord(ctx, id)
	if err != nil {
		return err
	}

	sess.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		sess.RefreshToken = tokens.RefreshToken
	}
	sess.AccessExpiry = time.Now().Add(tokens.ExpiresIn)

	// L1 eviction happens before the L2 write completes: a concurrent
	// reader on this instance sees either the old or the new record,
	// never an inconsistent mix.
	s.l1.Remove(id)

	if err := s.writeRecord(ctx, sess); err != nil {
		return fmt.Errorf("session: update tokens: %w", err)
	}

	s.l1.Add(id, sess.AccessToken)

	slog.Debug("session: tokens refreshed", "session_id", redactID(id))

	return nil
}

// Delete removes the L1 entry, clears the online marker, and deletes the
// L2 record. Returns whether a record existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.l1.Remove(id)
	s.lastBump.Remove(id)

	existing, err := s.readRecord(ctx, id)
	existed := err == nil

	if existed {
		if derr := s.l2.Delete(ctx, onlineKey(existing.UserID)); derr != nil {
			slog.Warn("session: failed to clear online marker", "error", derr)
		}
	}

	if err := s.l2.Delete(ctx, recordKey(id)); err != nil {
		return existed, fmt.Errorf("session: delete: %w", err)
	}

	return existed, nil
}

func (s *Store) readRecord(ctx context.Context, id string) (*Session, error) {
	raw, ok, err := s.l2.Get(ctx, recordKey(id))
	if err != nil {
		return nil, fmt.Errorf("session: read record: %w", err)
	}
	if !ok {
		return nil, ErrAbsent
	}

	var rec sessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("session: decode record: %w", err)
	}

	return &Session{
		ID:            id,
		UserID:        rec.UserID,
		Username:      rec.Username,
		Email:         rec.Email,
		AccessToken:   rec.AccessToken,
		RefreshToken:  rec.RefreshToken,
		AccessExpiry:  rec.AccessExpiry,
		RefreshExpiry: rec.RefreshExpiry,
		CreatedAt:     rec.CreatedAt,
		LastAccessed:  rec.LastAccessed,
	}, nil
}

func (s *Store) writeRecord(ctx context.Context, sess *Session) error {
	rec := sessionRecord{
		UserID:        sess.UserID,
		Username:      sess.Username,
		Email:         sess.Email,
		AccessToken:   sess.AccessToken,
		RefreshToken:  sess.RefreshToken,
		AccessExpiry:  sess.AccessExpiry,
		RefreshExpiry: sess.RefreshExpiry,
		CreatedAt:     sess.CreatedAt,
		LastAccessed:  sess.LastAccessed,
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	ttl := time.Until(sess.RefreshExpiry)
	if ttl <= 0 {
		ttl = s.ttl
	}

	return s.l2.Set(ctx, recordKey(sess.ID), string(b), ttl)
}

// maybeBumpLastAccessed writes the last-accessed timestamp at most once
// per bumpInterval to avoid write amplification on the hot path.
func (s *Store) maybeBumpLastAccessed(ctx context.Context, sess *Session) {
	last, seen := s.lastBump.Get(sess.ID)
	due := !seen || time.Since(last) >= s.bumpInterval
	if due {
		s.lastBump.Add(sess.ID, time.Now())
	}

	if !due {
		return
	}

	sess.LastAccessed = time.Now()
	if err := s.writeRecord(ctx, sess); err != nil {
		slog.Debug("session: last-accessed bump failed", "error", err)
	}
	if err := s.l2.Set(ctx, onlineKey(sess.UserID), "1", s.onlineTTL); err != nil {
		slog.Debug("session: online marker refresh failed", "error", err)
	}
}

func recordKey(id string) string { return "session:" + id }
func onlineKey(userID string) string { return "online:" + userID }

func redactID(id string) string {
	if len(id) <= 8 {
		return "***"
	}
	return id[:4] + "***" + id[len(id)-4:]
}

type accessClaims struct {
	subject  string
	username string
	email    string
}

// decodeClaims reads subject/username/email out of the access token
// without verifying signature — the token was just minted by a trusted
// IdP over TLS; the gateway only needs the profile fields it already
// trusts the IdP for.
func decodeClaims(accessToken string) (accessClaims, error) {
	parser := jwt.NewParser()

	claims := jwt.MapClaims{}
	_, _, err := parser.ParseUnverified(accessToken, claims)
	if err != nil {
		return accessClaims{}, err
	}

	out := accessClaims{}
	if v, ok := claims["sub"].(string); ok {
		out.subject = v
	}
	if v, ok := claims["preferred_username"].(string); ok {
		out.username = v
	} else if v, ok := claims["username"].(string); ok {
		out.username = v
	}
	if v, ok := claims["email"].(string); ok {
		out.email = v
	}

	if out.subject == "" {
		return accessClaims{}, errors.New("access token missing sub claim")
	}

	return out, nil
}
