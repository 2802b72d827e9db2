package httpserver

import (
	"net/http"
	"time"

	"github.com/tokligence/chatrelay/internal/health"
	"github.com/tokligence/chatrelay/internal/httpserver/protocol"
	"github.com/tokligence/chatrelay/internal/version"
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
	}
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":     "ok",
		"version":    version.Info(),
		"time":       s.now().UTC().Format(time.RFC3339),
		"model":      s.relay.Model(),
		"auth":       s.auth != nil,
		"rate_limit": s.limiter.Enabled(),
		"ledger":     s.ledger != nil,
	}
	status := http.StatusOK
	if s.health != nil {
		report := s.health.Check(r.Context())
		payload["status"] = report.Status
		payload["components"] = report.Components
		if report.Status == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
	}
	s.respondJSON(w, status, payload)
}
