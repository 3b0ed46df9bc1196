package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/rakunlabs/at/internal/crypto"
)

// oauthStateTTL bounds how long a pending authorization-code flow can sit
// between Login and Callback before the state entry expires.
const oauthStateTTL = 10 * time.Minute

type oauthState struct {
	PKCEVerifier string `json:"pkce_verifier"`
	Redirect     string `json:"redirect"`
}

func oauthStateKey(state string) string { return "oauth:state:" + state }

// Login starts the OIDC authorization-code + PKCE flow: generates a random
// state and PKCE pair, stashes the verifier under the state (there is no
// session yet to carry it in), and redirects to the IdP.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	state, err := crypto.NewState()
	if err != nil {
		slog.Error("login: generate state failed", "error", err)
		httpResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	pkce, err := crypto.NewPKCEPair()
	if err != nil {
		slog.Error("login: generate pkce pair failed", "error", err)
		httpResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	redirect := r.URL.Query().Get("redirect")

	if err := s.writeOAuthState(r.Context(), state, oauthState{PKCEVerifier: pkce.Verifier, Redirect: redirect}); err != nil {
		slog.Error("login: persist oauth state failed", "error", err)
		httpResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, s.idpClient.AuthorizationURL(state, pkce.Challenge), http.StatusFound)
}

// Callback validates the returned state, exchanges the code for tokens,
// and establishes a brand-new session (fixation defense: a login never
// reuses an id). The CSRF cookie is set here too, paired with the
// session for the lifetime of the cookie.
func (s *Server) Callback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		httpResponse(w, "missing code or state", http.StatusBadRequest)
		return
	}

	st, ok, err := s.readOAuthState(r.Context(), state)
	if err != nil {
		slog.Error("callback: read oauth state failed", "error", err)
		httpResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		httpResponse(w, "invalid or expired state", http.StatusBadRequest)
		return
	}
	_ = s.store.Delete(r.Context(), oauthStateKey(state))

	tokens, err := s.idpClient.ExchangeCode(r.Context(), code, st.PKCEVerifier)
	if err != nil {
		slog.Warn("callback: code exchange failed", "error", err)
		httpResponse(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	sess, err := s.sessions.Create(r.Context(), tokens)
	if err != nil {
		slog.Error("callback: session create failed", "error", err)
		httpResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	csrfToken, err := crypto.NewCSRFToken()
	if err != nil {
		slog.Error("callback: generate csrf token failed", "error", err)
		httpResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   s.config.CookieDomain,
		MaxAge:   int(s.sessionTTL().Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    csrfToken,
		Path:     "/",
		Domain:   s.config.CookieDomain,
		MaxAge:   int(s.sessionTTL().Seconds()),
		HttpOnly: false,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})

	redirect := st.Redirect
	if redirect == "" {
		redirect = s.idpCfg.DefaultRedirect
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}

// Logout tears down the session, best-effort revokes the refresh token
// with the IdP, and clears both cookies.
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		sess, getErr := s.sessions.Get(r.Context(), cookie.Value)
		if getErr == nil {
			s.idpClient.Revoke(r.Context(), sess.RefreshToken)
		}
		_, _ = s.sessions.Delete(r.Context(), cookie.Value)
	}

	clearSessionCookies(w, s.config.CookieDomain)
	httpResponse(w, "logged out", http.StatusOK)
}

type meResponse struct {
	Sub           string   `json:"sub"`
	Email         string   `json:"email"`
	Name          string   `json:"name"`
	Roles         []string `json:"roles"`
	Authenticated bool     `json:"authenticated"`
}

// Me returns the authenticated principal's profile. Reached only through
// authFilterMiddleware, so a session is already known to be valid.
func (s *Server) Me(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())

	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		httpResponseJSON(w, errorBody{ErrorCode: "UNAUTHENTICATED"}, http.StatusUnauthorized)
		return
	}

	sess, err := s.sessions.Get(r.Context(), cookie.Value)
	if err != nil {
		httpResponseJSON(w, errorBody{ErrorCode: "UNAUTHENTICATED"}, http.StatusUnauthorized)
		return
	}

	roles := make([]string, 0)
	for role := range principal.Roles {
		roles = append(roles, role)
	}

	httpResponseJSON(w, meResponse{
		Sub:           sess.UserID,
		Email:         sess.Email,
		Name:          sess.Username,
		Roles:         roles,
		Authenticated: true,
	}, http.StatusOK)
}

type statusResponse struct {
	Authenticated bool   `json:"authenticated"`
	SessionID     string `json:"sessionId,omitempty"`
	ExpiresIn     int64  `json:"expiresIn,omitempty"`
	CSRF          string `json:"csrf,omitempty"`
}

// Status reports whether the request carries a live session, without
// requiring one — unlike Me, this endpoint is public.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		httpResponseJSON(w, statusResponse{Authenticated: false}, http.StatusOK)
		return
	}

	sess, err := s.sessions.Get(r.Context(), cookie.Value)
	if err != nil {
		httpResponseJSON(w, statusResponse{Authenticated: false}, http.StatusOK)
		return
	}

	csrfToken := ""
	if c, err := r.Cookie(csrfCookieName); err == nil {
		csrfToken = c.Value
	}

	httpResponseJSON(w, statusResponse{
		Authenticated: true,
		SessionID:     sess.ID,
		ExpiresIn:     int64(time.Until(sess.AccessExpiry).Seconds()),
		CSRF:          csrfToken,
	}, http.StatusOK)
}

func (s *Server) writeOAuthState(ctx context.Context, state string, st oauthState) error {
	b, err := encodeOAuthState(st)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, oauthStateKey(state), b, oauthStateTTL)
}

func (s *Server) readOAuthState(ctx context.Context, state string) (oauthState, bool, error) {
	raw, ok, err := s.store.Get(ctx, oauthStateKey(state))
	if err != nil {
		return oauthState{}, false, err
	}
	if !ok {
		return oauthState{}, false, nil
	}

	st, err := decodeOAuthState(raw)
	if err != nil {
		return oauthState{}, false, err
	}

	return st, true, nil
}

func (s *Server) sessionTTL() time.Duration {
	return s.sessionCfgTTL
}

func encodeOAuthState(st oauthState) (string, error) {
	b, err := json.Marshal(st)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeOAuthState(raw string) (oauthState, error) {
	var st oauthState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return oauthState{}, err
	}
	return st, nil
}
