package testutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"
)

// IPv4Server is an HTTP server bound to 127.0.0.1 for tests that need a real
// socket (streaming, connection teardown, retry on dropped connections).
type IPv4Server struct {
	URL       string
	listener  net.Listener
	server    *http.Server
	transport *http.Transport
	client    *http.Client
	closeOnce sync.Once
}

// NewIPv4Server starts an HTTP server bound to the IPv4 loopback interface.
// The server is closed automatically when the test finishes.
func NewIPv4Server(t *testing.T, handler http.Handler) *IPv4Server {
	t.Helper()
	if handler == nil {
		handler = http.NewServeMux()
	}
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: tcp4 loopback unavailable (%v)", err)
	}
	transport := &http.Transport{}
	s := &IPv4Server{
		URL:       "http://" + l.Addr().String(),
		listener:  l,
		server:    &http.Server{Handler: handler},
		transport: transport,
		client:    &http.Client{Transport: transport},
	}
	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Log via testing.T to aid debugging without failing the test.
			t.Logf("IPv4Server serve error: %v", err)
		}
	}()
	t.Cleanup(s.Close)
	return s
}

// Client returns an HTTP client configured for the server.
func (s *IPv4Server) Client() *http.Client {
	return s.client
}

// Close shuts down the underlying server and frees resources. Streams that
// are still open after a short grace period are torn down.
func (s *IPv4Server) Close() {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			_ = s.server.Close()
		}
		s.transport.CloseIdleConnections()
	})
}

// WriteSSE writes each payload as a `data:` frame and flushes after every
// frame. It stops early when the client goes away.
func WriteSSE(w http.ResponseWriter, r *http.Request, payloads ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)
	for _, p := range payloads {
		if r.Context().Err() != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", p)
		if flusher != nil {
			flusher.Flush()
		}
	}
}
