// Package health probes the relay's backing services for the /health endpoint.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tokligence/chatrelay/internal/ledger"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component is one probed dependency.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"` // database or http
	CheckResult
}

// Report is the overall health of the relay.
type Report struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// HTTPClient is satisfied by *http.Client.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// Config holds health checker configuration.
type Config struct {
	// Ledger is probed when it implements ledger.Pinger.
	Ledger ledger.Store
	// UpstreamURL is the chat provider base URL; empty skips the probe.
	UpstreamURL string
	HTTPClient  HTTPClient

	DBTimeout          time.Duration
	HTTPTimeout        time.Duration
	MaxDatabaseLatency time.Duration
}

// Checker performs health checks on the relay's dependencies.
type Checker struct {
	ledger      ledger.Pinger
	upstreamURL string
	httpClient  HTTPClient

	dbTimeout          time.Duration
	httpTimeout        time.Duration
	maxDatabaseLatency time.Duration

	mu   sync.RWMutex
	last []Component
}

// New creates a health checker.
func New(cfg Config) *Checker {
	if cfg.DBTimeout == 0 {
		cfg.DBTimeout = 2 * time.Second
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.MaxDatabaseLatency == 0 {
		cfg.MaxDatabaseLatency = 100 * time.Millisecond
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	c := &Checker{
		upstreamURL:        cfg.UpstreamURL,
		httpClient:         cfg.HTTPClient,
		dbTimeout:          cfg.DBTimeout,
		httpTimeout:        cfg.HTTPTimeout,
		maxDatabaseLatency: cfg.MaxDatabaseLatency,
	}
	if p, ok := cfg.Ledger.(ledger.Pinger); ok {
		c.ledger = p
	}
	return c
}

// Check runs every probe concurrently and returns the combined report.
func (c *Checker) Check(ctx context.Context) Report {
	var wg sync.WaitGroup
	results := make(chan Component, 2)

	if c.ledger != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkLedger(ctx)
		}()
	}
	if c.upstreamURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkUpstream(ctx)
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	components := make([]Component, 0, 2)
	for comp := range results {
		components = append(components, comp)
	}
	// ledger first, upstream second
	if len(components) == 2 && components[0].Type != "database" {
		components[0], components[1] = components[1], components[0]
	}

	c.mu.Lock()
	c.last = components
	c.mu.Unlock()
	return overall(components)
}

// LastReport returns the result of the most recent Check.
func (c *Checker) LastReport() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return overall(c.last)
}

func (c *Checker) checkLedger(ctx context.Context) Component {
	comp := Component{Name: "ledger", Type: "database", CheckResult: CheckResult{Timestamp: time.Now()}}

	start := time.Now()
	dbCtx, cancel := context.WithTimeout(ctx, c.dbTimeout)
	defer cancel()
	err := c.ledger.Ping(dbCtx)
	comp.Latency = time.Since(start)

	switch {
	case err != nil:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Database unreachable"
	case comp.Latency > c.maxDatabaseLatency:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	default:
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}
	return comp
}

// checkUpstream treats any HTTP answer, 4xx and 5xx included, as reachable.
func (c *Checker) checkUpstream(ctx context.Context) Component {
	comp := Component{Name: "upstream", Type: "http", CheckResult: CheckResult{Timestamp: time.Now()}}

	start := time.Now()
	httpCtx, cancel := context.WithTimeout(ctx, c.httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(httpCtx, http.MethodGet, c.upstreamURL, nil)
	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Latency = time.Since(start)
		return comp
	}
	resp, err := c.httpClient.Do(req)
	comp.Latency = time.Since(start)
	if err != nil {
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Endpoint unreachable"
		return comp
	}
	resp.Body.Close()

	comp.Status = StatusHealthy
	comp.Message = fmt.Sprintf("Reachable (HTTP %d)", resp.StatusCode)
	return comp
}

// overall is unhealthy when the ledger is down, degraded when anything else is.
func overall(components []Component) Report {
	status := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			if comp.Type == "database" {
				status = StatusUnhealthy
			} else if status == StatusHealthy {
				status = StatusDegraded
			}
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	if components == nil {
		components = []Component{}
	}
	return Report{Status: status, Timestamp: time.Now(), Components: components}
}
