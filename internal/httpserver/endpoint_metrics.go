package httpserver

import (
	"io"
	"net/http"

	"github.com/tokligence/chatrelay/internal/httpserver/protocol"
	"github.com/tokligence/chatrelay/internal/metrics"
)

type metricsEndpoint struct {
	server *Server
}

func newMetricsEndpoint(server *Server) protocol.Endpoint {
	return &metricsEndpoint{server: server}
}

func (e *metricsEndpoint) Name() string { return "metrics" }

func (e *metricsEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/metrics", Handler: http.HandlerFunc(e.server.HandleMetrics)},
	}
}

// HandleMetrics serves the relay counters in the Prometheus text format.
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", metrics.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, metrics.FormatPrometheus(s.metrics.Snapshot()))
}
