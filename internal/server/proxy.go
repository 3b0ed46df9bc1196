package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	mrequestid "github.com/rakunlabs/ada/middleware/requestid"

	"github.com/rakunlabs/at/internal/dispatch"
)

// hopByHopHeaders are stripped from both the outbound request and the
// inbound response, per RFC 7230 §6.1 — they describe this one hop, not
// the end-to-end message.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// ProxyDownstream forwards an authenticated request to the service named
// by the first path segment after the gateway's base path. AuthFilter has
// already validated the session, injected the bearer header, and (for
// the dashboard group) checked policy; this handler only resolves the
// service name and runs the resilience-wrapped dispatch.
func (s *Server) ProxyDownstream(w http.ResponseWriter, r *http.Request) {
	serviceName, rest := splitServiceName(r.URL.Path, s.config.BasePath)
	if serviceName == "" {
		httpResponse(w, "no downstream service in path", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpResponse(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	outbound := r.Clone(r.Context())
	outbound.URL.Path = rest
	for _, h := range hopByHopHeaders {
		outbound.Header.Del(h)
	}

	ctx, cancel := s.dispatcher.NewDownstreamContext(r.Context())
	defer cancel()

	resp, err := s.dispatcher.Dispatch(ctx, serviceName, outbound, body)
	if err != nil {
		s.writeDispatchError(w, serviceName, err)
		return
	}
	defer resp.Body.Close()

	for k, values := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(mrequestid.HeaderXRequestID, r.Header.Get(mrequestid.HeaderXRequestID))

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Warn("proxy: copy response body failed", "service", serviceName, "error", err)
	}
}

func (s *Server) writeDispatchError(w http.ResponseWriter, serviceName string, err error) {
	slog.Warn("proxy: dispatch failed", "service", serviceName, "error", err)

	switch {
	case errors.Is(err, dispatch.ErrServiceUnavailable):
		httpResponse(w, "service unavailable", http.StatusBadGateway)
	default:
		httpResponse(w, "gateway timeout", http.StatusGatewayTimeout)
	}
}

func isHopByHop(header string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

// splitServiceName strips the base path and returns the first remaining
// path segment as the logical service name, along with the path to
// forward downstream (including the leading slash, service name
// stripped).
func splitServiceName(path, basePath string) (serviceName, rest string) {
	trimmed := strings.TrimPrefix(path, basePath)
	trimmed = strings.TrimPrefix(trimmed, "/")
	if trimmed == "" {
		return "", ""
	}

	idx := strings.Index(trimmed, "/")
	if idx < 0 {
		return trimmed, "/"
	}

	return trimmed[:idx], trimmed[idx:]
}
