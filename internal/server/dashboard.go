package server

import (
	"log/slog"
	"net/http"
)

// dashboardEnvelope wraps every dashboard response in the documented
// {status, message, data} shape.
type dashboardEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func writeDashboard(w http.ResponseWriter, data any, err error) {
	if err != nil {
		slog.Warn("dashboard: query failed", "error", err)
		httpResponseJSON(w, dashboardEnvelope{Status: "error", Message: err.Error()}, http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, dashboardEnvelope{Status: "ok", Message: "", Data: data}, http.StatusOK)
}

func (s *Server) DashboardRealtime(w http.ResponseWriter, r *http.Request) {
	data, err := s.aggregator.Realtime(r.Context())
	writeDashboard(w, data, err)
}

func (s *Server) DashboardServices(w http.ResponseWriter, r *http.Request) {
	data, err := s.aggregator.Services(r.Context())
	writeDashboard(w, data, err)
}

func (s *Server) DashboardTraffic(w http.ResponseWriter, r *http.Request) {
	data, err := s.aggregator.Traffic(r.Context())
	writeDashboard(w, data, err)
}

func (s *Server) DashboardDatabase(w http.ResponseWriter, r *http.Request) {
	data, err := s.aggregator.Database(r.Context())
	writeDashboard(w, data, err)
}

func (s *Server) DashboardLatency(w http.ResponseWriter, r *http.Request) {
	data, err := s.aggregator.Latency(r.Context())
	writeDashboard(w, data, err)
}

func (s *Server) DashboardRedis(w http.ResponseWriter, r *http.Request) {
	data, err := s.aggregator.Redis(r.Context())
	writeDashboard(w, data, err)
}

func (s *Server) DashboardSlowEndpoints(w http.ResponseWriter, r *http.Request) {
	data, err := s.aggregator.SlowEndpoints(r.Context())
	writeDashboard(w, data, err)
}
