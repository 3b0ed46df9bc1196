package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/sharedstore"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ss := sharedstore.NewFromClient(client)

	cfg := config.Session{
		TTL: 24 * time.Hour,
		L1: config.SessionL1{
			TTL:        time.Minute,
			MaxEntries: 1000,
		},
	}

	return New(ss, cfg, 3*time.Minute)
}

func fakeAccessToken(t *testing.T, subject string) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"email": subject + "@example.com",
	})

	signed, err := token.SignedString([]byte("unused-test-signing-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	return signed
}

func TestCreateThenGetAccessToken(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	tokens := TokenSet{
		AccessToken:  fakeAccessToken(t, "user-1"),
		RefreshToken: "refresh-1",
		ExpiresIn:    5 * time.Minute,
	}

	sess, err := store.Create(ctx, tokens)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.UserID != "user-1" {
		t.Fatalf("UserID = %q, want user-1", sess.UserID)
	}

	tok, err := store.GetAccessToken(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if tok != tokens.AccessToken {
		t.Fatalf("access token mismatch")
	}
}

func TestCreateProducesFreshSessionIDsEveryTime(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	tokens := TokenSet{AccessToken: fakeAccessToken(t, "user-1"), RefreshToken: "r1", ExpiresIn: time.Minute}

	s1, err := store.Create(ctx, tokens)
	if err != nil {
		t.Fatalf("Create 1: %v", err)
	}
	s2, err := store.Create(ctx, tokens)
	if err != nil {
		t.Fatalf("Create 2: %v", err)
	}

	if s1.ID == s2.ID {
		t.Fatal("fixation property violated: repeated login produced the same session id")
	}
}

func TestGetAccessTokenAbsentAfterDelete(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	sess, err := store.Create(ctx, TokenSet{AccessToken: fakeAccessToken(t, "user-2"), RefreshToken: "r2", ExpiresIn: time.Minute})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	existed, err := store.Delete(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !existed {
		t.Fatal("expected Delete to report the session existed")
	}

	if _, err := store.GetAccessToken(ctx, sess.ID); err != ErrAbsent {
		t.Fatalf("GetAccessToken after delete: err = %v, want ErrAbsent", err)
	}
}

func TestUpdateTokensInvalidatesL1(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	sess, err := store.Create(ctx, TokenSet{AccessToken: fakeAccessToken(t, "user-3"), RefreshToken: "r3", ExpiresIn: time.Minute})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	newAccess := fakeAccessToken(t, "user-3")
	if err := store.UpdateTokens(ctx, sess.ID, TokenSet{AccessToken: newAccess, RefreshToken: "r3-new", ExpiresIn: 5 * time.Minute}); err != nil {
		t.Fatalf("UpdateTokens: %v", err)
	}

	tok, err := store.GetAccessToken(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if tok != newAccess {
		t.Fatalf("expected refreshed access token to be visible after update")
	}
}

func TestCreateThenDeleteLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	sess, err := store.Create(ctx, TokenSet{AccessToken: fakeAccessToken(t, "user-4"), RefreshToken: "r4", ExpiresIn: time.Minute})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := store.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := store.Get(ctx, sess.ID); err != ErrAbsent {
		t.Fatalf("Get after delete: err = %v, want ErrAbsent", err)
	}
}
