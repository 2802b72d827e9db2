package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tokligence/chatrelay/internal/auth"
	"github.com/tokligence/chatrelay/internal/health"
	"github.com/tokligence/chatrelay/internal/httpserver/protocol"
	"github.com/tokligence/chatrelay/internal/ledger"
	"github.com/tokligence/chatrelay/internal/metrics"
	"github.com/tokligence/chatrelay/internal/ratelimit"
	"github.com/tokligence/chatrelay/internal/relay"
)

// ConversationIDHeader carries a freshly minted csid on /chat-sse responses.
const ConversationIDHeader = "Conversation-ID"

const unauthorizedMessage = "Please authenticate."

// envelope is the JSON body shared by every non-streaming response.
type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// UpstreamInfo describes the upstream connection for /config.
type UpstreamInfo struct {
	ReverseProxy string
	HTTPSProxy   string
}

type subjectContextKey struct{}

// Server exposes the chat relay over HTTP.
type Server struct {
	relay   *relay.Relay
	ledger  ledger.Store
	auth    *auth.Manager
	limiter *ratelimit.Limiter
	metrics *metrics.Collector
	health  *health.Checker

	sessionCookie string
	trustProxy    bool
	upstream      UpstreamInfo
	now           func() time.Time

	logger   *log.Logger
	logLevel string
}

// New wires a Server. store, authManager and limiter may be nil: a nil
// authManager leaves every route open, a nil limiter never throttles.
func New(rl *relay.Relay, store ledger.Store, authManager *auth.Manager, limiter *ratelimit.Limiter) *Server {
	return &Server{
		relay:         rl,
		ledger:        store,
		auth:          authManager,
		limiter:       limiter,
		metrics:       metrics.NewCollector(),
		sessionCookie: "chatrelay_session",
		now:           time.Now,
		logger:        log.New(log.Writer(), "[relayd/http] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// SetSessionCookie overrides the name of the session cookie set by /verify.
func (s *Server) SetSessionCookie(name string) {
	if name = strings.TrimSpace(name); name != "" {
		s.sessionCookie = name
	}
}

// SetTrustProxy makes the relay key anonymous callers by the last
// X-Forwarded-For hop. Enable it only behind a reverse proxy that appends
// the peer address.
func (s *Server) SetTrustProxy(trust bool) {
	s.trustProxy = trust
}

// SetUpstreamInfo sets the values reported by /config.
func (s *Server) SetUpstreamInfo(info UpstreamInfo) {
	s.upstream = info
}

// SetHealthChecker enables dependency probes on /health.
func (s *Server) SetHealthChecker(c *health.Checker) {
	s.health = c
}

// SetLogger configures server-level logger and verbosity ("debug", "info", ...).
func (s *Server) SetLogger(level string, logger *log.Logger) {
	s.logLevel = strings.ToLower(strings.TrimSpace(level))
	if logger != nil {
		s.logger = logger
	}
}

// Router returns a configured chi router for embedding in HTTP servers. Every
// endpoint is served both at the root and under /api.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()
	endpoints := []protocol.Endpoint{
		newChatEndpoint(s),
		newSessionEndpoint(s),
		newUsageEndpoint(s),
		newHealthEndpoint(s),
		newMetricsEndpoint(s),
	}
	s.registerEndpoints(r, endpoints...)
	r.Route("/api", func(api chi.Router) {
		s.registerEndpoints(api, endpoints...)
	})
	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	return r
}

func (s *Server) registerEndpoints(r chi.Router, endpoints ...protocol.Endpoint) {
	for _, ep := range endpoints {
		if ep == nil {
			continue
		}
		s.debugf("registering endpoint %s", ep.Name())
		for _, route := range ep.Routes() {
			r.Method(route.Method, route.Path, route.Handler)
		}
	}
}

// corsMiddleware opens the API to browser clients and exposes the csid header.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "authorization, Content-Type")
		h.Set("Access-Control-Allow-Methods", "*")
		h.Set("Access-Control-Expose-Headers", ConversationIDHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// protect applies authentication and, when limited is set, the per-caller
// rate limit. Authentication runs first so the limiter can key on the subject.
func (s *Server) protect(fn http.HandlerFunc, limited bool) http.Handler {
	var handler http.Handler = fn
	if limited && s.limiter.Enabled() {
		handler = ratelimit.NewMiddleware(s.limiter, s.callerKey, s.rejectLimited, s.logger).Wrap(handler)
	}
	return s.authMiddleware(handler)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, err := s.auth.Authenticate(r, s.sessionCookie)
		if err != nil {
			s.debugf("rejecting %s %s: %v", r.Method, r.URL.Path, err)
			s.respondJSON(w, http.StatusUnauthorized, envelope{Status: relay.StatusUnauthorized, Message: unauthorizedMessage})
			return
		}
		ctx := context.WithValue(r.Context(), subjectContextKey{}, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) rejectLimited(w http.ResponseWriter, r *http.Request) {
	s.metrics.RecordRateLimitHit(s.callerKey(r))
	s.respondJSON(w, http.StatusTooManyRequests, envelope{Status: relay.StatusFail, Message: ratelimit.DefaultMessage})
}

// callerKey identifies the caller for rate limiting and accounting: the
// session subject when there is one, the client address otherwise. Callers
// presenting the shared secret all share one subject, so they are keyed by
// address too.
func (s *Server) callerKey(r *http.Request) string {
	if subject, ok := r.Context().Value(subjectContextKey{}).(string); ok && subject != "" && subject != auth.SubjectBearer {
		return subject
	}
	if s.trustProxy {
		return ratelimit.ForwardedClientIP(r)
	}
	return ratelimit.ClientIP(r)
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }
func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

// decodeJSON reads an optional JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondFail(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, envelope{Status: relay.StatusFail, Message: err.Error()})
}
