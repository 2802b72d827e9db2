package ratelimit

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultMessage is the body sent with 429 responses.
const DefaultMessage = "Too many request from this IP in 1 hour"

// KeyFunc derives the bucket key for a request.
type KeyFunc func(r *http.Request) string

// RejectFunc writes the response for a limited request.
type RejectFunc func(w http.ResponseWriter, r *http.Request)

// Middleware wraps an HTTP handler with rate limiting.
type Middleware struct {
	limiter *Limiter
	key     KeyFunc
	reject  RejectFunc
	logger  *log.Logger
}

// NewMiddleware creates a new rate limiting middleware. A nil key func limits
// by client IP; a nil reject func answers with DefaultMessage.
func NewMiddleware(limiter *Limiter, key KeyFunc, reject RejectFunc, logger *log.Logger) *Middleware {
	if key == nil {
		key = ClientIP
	}
	if reject == nil {
		reject = func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, DefaultMessage, http.StatusTooManyRequests)
		}
	}
	return &Middleware{
		limiter: limiter,
		key:     key,
		reject:  reject,
		logger:  logger,
	}
}

// Wrap applies rate limiting to an HTTP handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.limiter.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := m.key(r)
		allowed, remaining := m.limiter.Allow(r.Context(), key)
		m.addRateLimitHeaders(w, remaining)

		if !allowed {
			if m.logger != nil {
				m.logger.Printf("rate limit exceeded: key=%s path=%s", key, r.URL.Path)
			}
			m.reject(w, r)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// addRateLimitHeaders adds standard rate limit headers to the response.
// See: https://datatracker.ietf.org/doc/html/draft-polli-ratelimit-headers
func (m *Middleware) addRateLimitHeaders(w http.ResponseWriter, remaining float64) {
	limit := m.limiter.Limit()
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%.0f", remaining))

	// Reset time is when the bucket will be full again.
	if remaining < limit {
		resetTime := time.Now().Add(m.limiter.ResetAfter(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))
	}
}

// ClientIP returns the host part of the request's remote address. Forwarding
// headers are ignored since callers can set them freely.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ForwardedClientIP returns the last X-Forwarded-For hop, which is the address
// the nearest reverse proxy saw. Earlier hops are supplied by the caller and
// are ignored. Without the header it falls back to ClientIP.
func ForwardedClientIP(r *http.Request) string {
	values := r.Header.Values("X-Forwarded-For")
	if len(values) == 0 {
		return ClientIP(r)
	}
	hops := strings.Split(values[len(values)-1], ",")
	last := strings.TrimSpace(hops[len(hops)-1])
	if ip := net.ParseIP(last); ip != nil {
		return ip.String()
	}
	return ClientIP(r)
}
