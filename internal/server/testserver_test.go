package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/rakunlabs/at/internal/authz"
	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/dispatch"
	"github.com/rakunlabs/at/internal/idp"
	"github.com/rakunlabs/at/internal/metrics"
	"github.com/rakunlabs/at/internal/session"
	"github.com/rakunlabs/at/internal/sharedstore"
)

func newTestStore(t *testing.T) sharedstore.Store {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return sharedstore.NewFromClient(client)
}

// fakeResolver resolves every service name to the same endpoint, for
// exercising the proxy path against a single httptest.Server.
type fakeResolver struct {
	endpoint string
	err      error
}

func (f *fakeResolver) ResolveOne(ctx context.Context, name string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.endpoint == "" {
		return "", errNoEndpoint
	}
	return f.endpoint, nil
}

var errNoEndpoint = errors.New("fakeResolver: no endpoint configured")

func testDispatchConfig() config.Dispatch {
	return config.Dispatch{
		BulkheadMaxConcurrent: 64,
		BreakerMaxRequests:    5,
		BreakerInterval:       60 * time.Second,
		BreakerTimeout:        30 * time.Second,
		RateLimitRPS:          1000,
		RateLimitBurst:        1000,
		RetryMaxAttempts:      1,
		RetryInitialInterval:  10 * time.Millisecond,
		DeadlineMargin:        0,
	}
}

func testIdPConfig(tokenServerURL string) config.IdP {
	return config.IdP{
		ClientID:         "test-client",
		ClientSecret:     "test-secret",
		RedirectURI:      "https://gw.example.com/auth/callback",
		AuthorizationURI: "https://idp.example.com/authorize",
		TokenURI:         tokenServerURL + "/token",
		RevocationURI:    tokenServerURL + "/revoke",
		Scopes:           []string{"openid", "profile"},
		ConnectTimeout:   2 * time.Second,
		ReadTimeout:      2 * time.Second,
		DefaultRedirect:  "/",
	}
}

// testServerDeps is what newTestServer returns: a minimal, fully wired
// *Server backed by miniredis, a fake discovery resolver, and an optional
// IdP token endpoint, together with the components behind it. Callers of
// newTestServer that don't need a live IdP may pass an empty
// tokenServerURL.
type testServerDeps struct {
	store      sharedstore.Store
	sessions   *session.Store
	idpClient  *idp.Client
	evaluator  *authz.Evaluator
	roles      *authz.Cache
	perms      *authz.Cache
	dispatcher *dispatch.Dispatcher
	collector  *metrics.Collector
	server     *Server
}

func newTestServer(t *testing.T, downstream *httptest.Server, tokenServerURL string) *testServerDeps {
	t.Helper()

	store := newTestStore(t)

	sessCfg := config.Session{TTL: time.Hour}
	sessCfg.L1.TTL = time.Minute
	sessCfg.L1.MaxEntries = 1024
	sessions := session.New(store, sessCfg, 3*time.Minute)

	idpClient, err := idp.New(testIdPConfig(tokenServerURL))
	if err != nil {
		t.Fatalf("idp.New: %v", err)
	}

	authzCfg := config.Authz{}
	authzCfg.L1.MaxEntries = 1024
	authzCfg.L1.TTL = time.Minute
	authzCfg.L2.TTL = time.Hour

	roles := authz.NewCache(store, authzCfg, "authz:roles:", func(ctx context.Context, userID string) (authz.Set, error) {
		return authz.Set{}, nil
	}, "roles")
	perms := authz.NewCache(store, authzCfg, "authz:perms:", func(ctx context.Context, userID string) (authz.Set, error) {
		return authz.Set{}, nil
	}, "perms")

	evaluator := authz.NewEvaluator(config.Dashboard{})

	var resolver fakeResolver
	if downstream != nil {
		resolver.endpoint = downstream.URL
	}
	dispatcher, err := dispatch.New(&resolver, testDispatchConfig())
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	collector := metrics.NewCollector(store, 500)

	cfg := config.Config{
		Server: config.Server{
			BasePath:     "",
			CookieDomain: "",
			AdminToken:   "admin-secret",
		},
		IdP:     testIdPConfig(tokenServerURL),
		Session: sessCfg,
	}

	srv, err := New(cfg, Deps{
		Store:      store,
		Sessions:   sessions,
		IdP:        idpClient,
		Evaluator:  evaluator,
		Roles:      roles,
		Perms:      perms,
		Dispatcher: dispatcher,
		Collector:  collector,
		Aggregator: metrics.NewAggregator(store),
		Cluster:    nil,
		ConfigPath: "",
	})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}

	return &testServerDeps{
		store:      store,
		sessions:   sessions,
		idpClient:  idpClient,
		evaluator:  evaluator,
		roles:      roles,
		perms:      perms,
		dispatcher: dispatcher,
		collector:  collector,
		server:     srv,
	}
}

func createTestSession(t *testing.T, sessions *session.Store, accessTTL time.Duration) *session.Session {
	t.Helper()

	tok, err := newTestJWT("user-1", "alice", "alice@example.com")
	if err != nil {
		t.Fatalf("newTestJWT: %v", err)
	}

	sess, err := sessions.Create(context.Background(), session.TokenSet{
		AccessToken:  tok,
		RefreshToken: "refresh-token-1",
		ExpiresIn:    accessTTL,
	})
	if err != nil {
		t.Fatalf("sessions.Create: %v", err)
	}

	return sess
}

// newTestJWT builds an unsigned-verification-safe access token: session
// decoding uses jwt.ParseUnverified, so any signing key works here.
func newTestJWT(subject, username, email string) (string, error) {
	claims := jwt.MapClaims{
		"sub":                subject,
		"preferred_username": username,
		"email":              email,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte("test-signing-key"))
}

func addCookies(req *http.Request, sessionID, csrfToken string) {
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: sessionID})
	if csrfToken != "" {
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: csrfToken})
		req.Header.Set(csrfHeaderName, csrfToken)
	}
}
