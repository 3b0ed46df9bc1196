// Package server wires the gateway's HTTP surface: the AuthFilter request
// state machine, the OIDC login/callback/logout/me/status endpoints, the
// dashboard read API, and the downstream catch-all proxy route.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rakunlabs/ada"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/at/internal/authz"
	"github.com/rakunlabs/at/internal/cluster"
	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/dispatch"
	"github.com/rakunlabs/at/internal/idp"
	"github.com/rakunlabs/at/internal/metrics"
	"github.com/rakunlabs/at/internal/session"
	"github.com/rakunlabs/at/internal/sharedstore"
)

// Deps bundles the component graph the server dispatches into. Every
// field is built by cmd/gateway/main.go and handed in fully constructed;
// Server itself owns none of their lifecycles.
type Deps struct {
	Store      sharedstore.Store
	Sessions   *session.Store
	IdP        *idp.Client
	Evaluator  *authz.Evaluator
	Roles      *authz.Cache
	Perms      *authz.Cache
	Dispatcher *dispatch.Dispatcher
	Collector  *metrics.Collector
	Aggregator *metrics.Aggregator
	Cluster    *cluster.Cluster // nil when clustering is disabled

	// ConfigPath is re-read by ReloadPolicy on an admin-triggered reload;
	// it is the same path cmd/gateway/main.go passed to config.Load.
	ConfigPath string
}

// Server is the gateway's HTTP entrypoint.
type Server struct {
	config        config.Server
	idpCfg        config.IdP
	sessionCfgTTL time.Duration

	server *ada.Server

	store      sharedstore.Store
	sessions   *session.Store
	idpClient  *idp.Client
	evaluator  *authz.Evaluator
	roles      *authz.Cache
	perms      *authz.Cache
	dispatcher *dispatch.Dispatcher
	collector  *metrics.Collector
	aggregator *metrics.Aggregator
	cluster    *cluster.Cluster
	configPath string
}

// New builds the server and registers every route. The middleware order
// mirrors the teacher's: recover first (panics never escape), then the
// server identity header, CORS, request id, access log, and telemetry —
// AuthFilter is layered on top of this ambient stack, not instead of it.
func New(cfg config.Config, deps Deps) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		config:        cfg.Server,
		idpCfg:        cfg.IdP,
		sessionCfgTTL: cfg.Session.TTL,
		server:        mux,
		store:         deps.Store,
		sessions:      deps.Sessions,
		idpClient:     deps.IdP,
		evaluator:     deps.Evaluator,
		roles:         deps.Roles,
		perms:         deps.Perms,
		dispatcher:    deps.Dispatcher,
		collector:     deps.Collector,
		aggregator:    deps.Aggregator,
		cluster:       deps.Cluster,
		configPath:    deps.ConfigPath,
	}

	base := mux.Group(cfg.Server.BasePath)

	authGroup := base.Group("/auth")
	authGroup.GET("/login", s.Login)
	authGroup.GET("/callback", s.Callback)
	authGroup.GET("/status", s.Status)

	sessionRequired := s.authFilterMiddleware(nil)
	authGroup.POST("/logout", withMiddleware(sessionRequired, s.Logout))
	authGroup.GET("/me", withMiddleware(sessionRequired, s.Me))

	adminGroup := authGroup.Group("/admin")
	adminGroup.Use(s.adminAuthMiddleware())
	adminGroup.POST("/reload", s.ReloadPolicy)

	dashboardGroup := base.Group("/api/v1/dashboard")
	dashboardGroup.Use(s.authFilterMiddleware(func() authz.Policy { return s.evaluator.DashboardPolicy() }))
	dashboardGroup.GET("/realtime", s.DashboardRealtime)
	dashboardGroup.GET("/services", s.DashboardServices)
	dashboardGroup.GET("/traffic", s.DashboardTraffic)
	dashboardGroup.GET("/database", s.DashboardDatabase)
	dashboardGroup.GET("/latency", s.DashboardLatency)
	dashboardGroup.GET("/redis", s.DashboardRedis)
	dashboardGroup.GET("/slow-endpoints", s.DashboardSlowEndpoints)

	base.Handle("/*", withMiddleware(sessionRequired, s.ProxyDownstream))

	return s, nil
}

// withMiddleware wraps a plain handler function with a single
// func(http.Handler) http.Handler middleware, for routes that need
// AuthFilter but sit alongside public siblings in the same route group.
func withMiddleware(mw func(http.Handler) http.Handler, h http.HandlerFunc) http.HandlerFunc {
	wrapped := mw(h)
	return func(w http.ResponseWriter, r *http.Request) {
		wrapped.ServeHTTP(w, r)
	}
}

// Start blocks serving on the configured host/port until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}
