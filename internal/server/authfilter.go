package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rakunlabs/at/internal/authz"
	"github.com/rakunlabs/at/internal/session"
)

const (
	sessionCookieName = "SESSION_ID"
	csrfCookieName    = "CSRF_TOKEN"
	csrfHeaderName    = "X-CSRF-Token"
)

type contextKey int

const principalContextKey contextKey = iota

// PrincipalFromContext returns the principal AuthFilter attached to the
// request, if any.
func PrincipalFromContext(ctx context.Context) (authz.Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(authz.Principal)
	return p, ok
}

var mutatingMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodPatch:  true,
}

// statusRecorder captures the status code a downstream handler writes so
// the filter can report it to the collector without buffering the body.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.status = http.StatusOK
		r.wroteHeader = true
	}
	return r.ResponseWriter.Write(b)
}

// authFilterMiddleware implements the request-path state machine: cookie
// extraction, session lookup, refresh-in-flight, CSRF check on mutating
// methods, an optional authorization policy check, header injection, and
// a fire-and-forget metrics record on the way out. Every route this
// middleware wraps is already private by construction (public routes are
// registered outside it), so a missing cookie is always Emit401, never a
// public pass-through.
func (s *Server) authFilterMiddleware(policy func() authz.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			cookie, err := r.Cookie(sessionCookieName)
			if err != nil || cookie.Value == "" {
				emit401(rec, "no session")
				s.recordOutcome(r, rec, start)
				return
			}

			sess, err := s.sessions.Get(r.Context(), cookie.Value)
			switch {
			case errors.Is(err, session.ErrAbsent):
				clearSessionCookies(rec, s.config.CookieDomain)
				emit401(rec, "invalid session")
				s.recordOutcome(r, rec, start)
				return
			case err != nil:
				emit503(rec)
				s.recordOutcome(r, rec, start)
				return
			}

			accessToken := sess.AccessToken
			if sess.Expired() {
				refreshed, refreshErr := s.idpClient.Refresh(r.Context(), sess.RefreshToken)
				if refreshErr != nil {
					slog.Info("authfilter: refresh failed, destroying session", "error", refreshErr)
					_, _ = s.sessions.Delete(r.Context(), cookie.Value)
					clearSessionCookies(rec, s.config.CookieDomain)
					emit401(rec, "refresh failed")
					s.recordOutcome(r, rec, start)
					return
				}

				if updateErr := s.sessions.UpdateTokens(r.Context(), cookie.Value, refreshed); updateErr != nil {
					slog.Warn("authfilter: update tokens after refresh failed", "error", updateErr)
					emit503(rec)
					s.recordOutcome(r, rec, start)
					return
				}

				accessToken = refreshed.AccessToken
			}

			if mutatingMethods[r.Method] {
				if !csrfValid(r) {
					emit403(rec, nil)
					s.recordOutcome(r, rec, start)
					return
				}
			}

			roles, rolesErr := s.roles.Get(r.Context(), sess.UserID)
			if rolesErr != nil {
				slog.Warn("authfilter: role resolution failed, treating as empty", "error", rolesErr)
				roles = authz.Set{}
			}
			perms, permsErr := s.perms.Get(r.Context(), sess.UserID)
			if permsErr != nil {
				slog.Warn("authfilter: permission resolution failed, treating as empty", "error", permsErr)
				perms = authz.Set{}
			}

			principal := authz.Principal{UserID: sess.UserID, Roles: roles, Permissions: perms}

			if policy != nil {
				p := policy()
				if !p.Evaluate(principal) {
					slog.Debug("authfilter: policy denied", "user_id", sess.UserID, "path", r.URL.Path)
					emit403(rec, nil)
					s.recordOutcome(r, rec, start)
					return
				}
			}

			r.Header.Del("Authorization")
			r.Header.Set("Authorization", "Bearer "+accessToken)

			ctx := context.WithValue(r.Context(), principalContextKey, principal)
			next.ServeHTTP(rec, r.WithContext(ctx))

			s.recordOutcome(r, rec, start)
		})
	}
}

// adminAuthMiddleware protects the admin endpoints with a static bearer
// token. If no admin_token is configured, admin endpoints are disabled
// entirely (403 on every request) rather than left open.
func (s *Server) adminAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.config.AdminToken == "" {
				httpResponse(w, "admin token not configured", http.StatusForbidden)
				return
			}

			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix || auth[len(prefix):] != s.config.AdminToken {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) recordOutcome(r *http.Request, rec *statusRecorder, start time.Time) {
	status := rec.status
	if status == 0 {
		status = http.StatusOK
	}
	s.collector.Record(r.Method, r.URL.Path, status, time.Since(start))
}

func csrfValid(r *http.Request) bool {
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	header := r.Header.Get(csrfHeaderName)
	return header != "" && header == cookie.Value
}

func clearSessionCookies(w http.ResponseWriter, domain string) {
	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: "", Path: "/", Domain: domain, MaxAge: -1})
	http.SetCookie(w, &http.Cookie{Name: csrfCookieName, Value: "", Path: "/", Domain: domain, MaxAge: -1})
}

type errorBody struct {
	ErrorCode string `json:"errorCode"`
}

func emit401(w http.ResponseWriter, reason string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="gateway", error="invalid_token"`)
	slog.Debug("authfilter: 401", "reason", reason)
	httpResponseJSON(w, errorBody{ErrorCode: "UNAUTHENTICATED"}, http.StatusUnauthorized)
}

func emit403(w http.ResponseWriter, deniedRoles []string) {
	slog.Debug("authfilter: 403", "denied_roles", deniedRoles)
	httpResponseJSON(w, errorBody{ErrorCode: "FORBIDDEN"}, http.StatusForbidden)
}

func emit503(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	httpResponseJSON(w, errorBody{ErrorCode: "STORE_UNAVAILABLE"}, http.StatusServiceUnavailable)
}
