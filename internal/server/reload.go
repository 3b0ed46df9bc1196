package server

import (
	"log/slog"
	"net/http"

	"github.com/rakunlabs/at/internal/config"
)

// ReloadPolicy re-reads dashboard.security.allowed-roles from the live
// configuration and swaps the evaluator's atomic policy pointer, then
// broadcasts the reload to every cluster peer so they re-read it too.
// Gated by adminAuthMiddleware.
func (s *Server) ReloadPolicy(w http.ResponseWriter, r *http.Request) {
	cfg, err := config.Load(r.Context(), s.configPath)
	if err != nil {
		slog.Error("reload: load config failed", "error", err)
		httpResponse(w, "failed to reload configuration", http.StatusInternalServerError)
		return
	}

	s.evaluator.ReloadDashboardPolicy(cfg.Dashboard)

	if s.cluster != nil {
		if err := s.cluster.BroadcastPolicyReload(r.Context()); err != nil {
			slog.Warn("reload: broadcast to peers failed", "error", err)
		}
	}

	httpResponse(w, "policy reloaded", http.StatusOK)
}
