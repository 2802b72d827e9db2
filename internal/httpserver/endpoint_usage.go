package httpserver

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/tokligence/chatrelay/internal/httpserver/protocol"
	"github.com/tokligence/chatrelay/internal/ledger"
	"github.com/tokligence/chatrelay/internal/relay"
)

const (
	defaultUsageLimit = 20
	maxUsageLimit     = 200
)

type usageEndpoint struct {
	server *Server
}

func newUsageEndpoint(server *Server) protocol.Endpoint {
	return &usageEndpoint{server: server}
}

func (e *usageEndpoint) Name() string { return "usage" }

func (e *usageEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/usage", Handler: e.server.protect(e.server.handleUsage, false)},
	}
}

type usageData struct {
	Summary ledger.Summary `json:"summary"`
	Entries []ledger.Entry `json:"entries"`
}

// handleUsage reports the caller's ledger summary and most recent exchanges.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.respondFail(w, http.StatusServiceUnavailable, errors.New("usage ledger disabled"))
		return
	}
	limit := defaultUsageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.respondFail(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxUsageLimit)
	}

	subject := s.callerKey(r)
	summary, err := s.ledger.Summary(r.Context(), subject)
	if err != nil {
		s.respondFail(w, http.StatusInternalServerError, err)
		return
	}
	entries, err := s.ledger.ListRecent(r.Context(), subject, limit)
	if err != nil {
		s.respondFail(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	s.respondJSON(w, http.StatusOK, envelope{Status: relay.StatusSuccess, Data: usageData{Summary: summary, Entries: entries}})
}
