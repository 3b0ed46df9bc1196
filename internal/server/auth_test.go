package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestLoginRedirectsToIdPWithStateAndChallenge(t *testing.T) {
	deps := newTestServer(t, nil, "")

	req := httptest.NewRequest(http.MethodGet, "/auth/login?redirect=/dashboard", nil)
	rr := httptest.NewRecorder()
	deps.server.Login(rr, req)

	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rr.Code)
	}

	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	if !strings.HasPrefix(loc.String(), "https://idp.example.com/authorize") {
		t.Fatalf("unexpected redirect target: %s", loc.String())
	}
	if loc.Query().Get("state") == "" {
		t.Fatal("expected a state parameter")
	}
	if loc.Query().Get("code_challenge") == "" {
		t.Fatal("expected a pkce code_challenge parameter")
	}
	if loc.Query().Get("code_challenge_method") != "S256" {
		t.Fatalf("code_challenge_method = %q, want S256", loc.Query().Get("code_challenge_method"))
	}
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	deps := newTestServer(t, nil, "")

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?state=unknown&code=abc", nil)
	rr := httptest.NewRecorder()
	deps.server.Callback(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestLoginThenCallbackEstablishesSession(t *testing.T) {
	tok, err := newTestJWT("user-42", "bob", "bob@example.com")
	if err != nil {
		t.Fatalf("newTestJWT: %v", err)
	}

	idpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"` + tok + `","refresh_token":"rt-1","expires_in":3600}`))
	}))
	defer idpServer.Close()

	deps := newTestServer(t, nil, idpServer.URL)

	loginReq := httptest.NewRequest(http.MethodGet, "/auth/login?redirect=/home", nil)
	loginRR := httptest.NewRecorder()
	deps.server.Login(loginRR, loginReq)

	loc, err := url.Parse(loginRR.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	state := loc.Query().Get("state")

	cbReq := httptest.NewRequest(http.MethodGet, "/auth/callback?state="+state+"&code=auth-code-1", nil)
	cbRR := httptest.NewRecorder()
	deps.server.Callback(cbRR, cbReq)

	if cbRR.Code != http.StatusFound {
		t.Fatalf("callback status = %d, want 302, body=%s", cbRR.Code, cbRR.Body.String())
	}
	if got := cbRR.Header().Get("Location"); got != "/home" {
		t.Fatalf("redirect = %q, want /home", got)
	}

	var sessionCookie, csrfCookie *http.Cookie
	for _, c := range cbRR.Result().Cookies() {
		switch c.Name {
		case sessionCookieName:
			sessionCookie = c
		case csrfCookieName:
			csrfCookie = c
		}
	}
	if sessionCookie == nil || sessionCookie.Value == "" {
		t.Fatal("expected a session cookie to be set")
	}
	if csrfCookie == nil || csrfCookie.Value == "" {
		t.Fatal("expected a csrf cookie to be set")
	}

	sess, err := deps.sessions.Get(cbReq.Context(), sessionCookie.Value)
	if err != nil {
		t.Fatalf("sessions.Get: %v", err)
	}
	if sess.UserID != "user-42" || sess.Email != "bob@example.com" {
		t.Fatalf("unexpected session record: %+v", sess)
	}
}

func TestCallbackRejectsReusedState(t *testing.T) {
	tok, err := newTestJWT("user-1", "alice", "alice@example.com")
	if err != nil {
		t.Fatalf("newTestJWT: %v", err)
	}
	idpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"` + tok + `","refresh_token":"rt-1","expires_in":3600}`))
	}))
	defer idpServer.Close()

	deps := newTestServer(t, nil, idpServer.URL)

	loginReq := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	loginRR := httptest.NewRecorder()
	deps.server.Login(loginRR, loginReq)
	loc, _ := url.Parse(loginRR.Header().Get("Location"))
	state := loc.Query().Get("state")

	first := httptest.NewRequest(http.MethodGet, "/auth/callback?state="+state+"&code=code-1", nil)
	deps.server.Callback(httptest.NewRecorder(), first)

	second := httptest.NewRequest(http.MethodGet, "/auth/callback?state="+state+"&code=code-2", nil)
	secondRR := httptest.NewRecorder()
	deps.server.Callback(secondRR, second)

	if secondRR.Code != http.StatusBadRequest {
		t.Fatalf("second callback status = %d, want 400 (state already consumed)", secondRR.Code)
	}
}

func TestLogoutClearsSessionAndCookies(t *testing.T) {
	var revokeCalled bool
	idpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		revokeCalled = true
		w.WriteHeader(http.StatusOK)
	}))
	defer idpServer.Close()

	deps := newTestServer(t, nil, idpServer.URL)
	sess := createTestSession(t, deps.sessions, time.Hour)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: sess.ID})
	rr := httptest.NewRecorder()
	deps.server.Logout(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !revokeCalled {
		t.Fatal("expected idp revoke endpoint to be called")
	}

	if _, err := deps.sessions.Get(req.Context(), sess.ID); err == nil {
		t.Fatal("expected session to be gone after logout")
	}

	cleared := 0
	for _, c := range rr.Result().Cookies() {
		if c.MaxAge < 0 {
			cleared++
		}
	}
	if cleared != 2 {
		t.Fatalf("expected both cookies cleared, got %d", cleared)
	}
}

func TestStatusReportsUnauthenticatedWithoutCookie(t *testing.T) {
	deps := newTestServer(t, nil, "")

	req := httptest.NewRequest(http.MethodGet, "/auth/status", nil)
	rr := httptest.NewRecorder()
	deps.server.Status(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"authenticated":false`) {
		t.Fatalf("body = %s, want authenticated:false", rr.Body.String())
	}
}

func TestStatusReportsAuthenticatedWithValidSession(t *testing.T) {
	deps := newTestServer(t, nil, "")
	sess := createTestSession(t, deps.sessions, time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/auth/status", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: sess.ID})
	rr := httptest.NewRecorder()
	deps.server.Status(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"authenticated":true`) {
		t.Fatalf("body = %s, want authenticated:true", rr.Body.String())
	}
}
