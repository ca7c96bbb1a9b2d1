package httpserver

import (
	"net/http"

	"github.com/tokligence/credit-gateway/internal/health"
	"github.com/tokligence/credit-gateway/internal/httpserver/protocol"
	"github.com/tokligence/credit-gateway/internal/version"
)

type healthEndpoint struct {
	server *Server
}

func newHealthEndpoint(server *Server) protocol.Endpoint {
	return &healthEndpoint{server: server}
}

func (e *healthEndpoint) Name() string { return "health" }

func (e *healthEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/health", Handler: http.HandlerFunc(e.server.HandleHealth)},
		{Method: http.MethodGet, Path: "/ready", Handler: http.HandlerFunc(e.server.HandleReady)},
	}
}

// HandleHealth reports liveness.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         version.Info(),
		"active_sessions": len(s.sessions.ActiveSessions()),
	})
}

// HandleReady reports dependency health; unhealthy dependencies return 503.
func (s *Server) HandleReady(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.respondJSON(w, http.StatusOK, health.HealthStatus{Status: health.StatusHealthy})
		return
	}
	status := s.health.Check(r.Context())
	code := http.StatusOK
	if status.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, status)
}
