package metrics

import (
	"sync"
	"time"
)

// DefaultMaxCallers bounds the distinct caller labels kept per counter.
const DefaultMaxCallers = 1000

// OtherCallers is the label that absorbs callers past the cap.
const OtherCallers = "other"

// Collector keeps in-process relay counters for the /metrics endpoint.
type Collector struct {
	mu sync.RWMutex

	// by route (chat-sse, chat-process)
	exchanges        map[string]int64
	exchangeDuration map[string]int64 // total ms
	failures         map[string]int64
	inFlight         map[string]int64

	rateLimitHits  int64
	rateLimitByKey map[string]int64

	promptTokens     int64
	completionTokens int64
	tokensByModel    map[string]int64
	tokensBySubject  map[string]int64

	maxCallers int
	startTime  time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		exchanges:        make(map[string]int64),
		exchangeDuration: make(map[string]int64),
		failures:         make(map[string]int64),
		inFlight:         make(map[string]int64),
		rateLimitByKey:   make(map[string]int64),
		tokensByModel:    make(map[string]int64),
		tokensBySubject:  make(map[string]int64),
		maxCallers:       DefaultMaxCallers,
		startTime:        time.Now(),
	}
}

// StreamStarted marks a stream on route as open.
func (c *Collector) StreamStarted(route string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight[route]++
}

// StreamEnded marks a stream on route as closed.
func (c *Collector) StreamEnded(route string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight[route]--
}

// RecordExchange counts one finished exchange and whether it failed.
func (c *Collector) RecordExchange(route string, duration time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.exchanges[route]++
	c.exchangeDuration[route] += duration.Milliseconds()
	if failed {
		c.failures[route]++
	}
}

// RecordRateLimitHit records a rate limit rejection.
func (c *Collector) RecordRateLimitHit(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rateLimitHits++
	c.rateLimitByKey[c.callerLabel(c.rateLimitByKey, key)]++
}

// RecordTokenUsage adds estimated token counts.
func (c *Collector) RecordTokenUsage(model, subject string, promptTokens, completionTokens int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.promptTokens += promptTokens
	c.completionTokens += completionTokens
	if model != "" {
		c.tokensByModel[model] += promptTokens + completionTokens
	}
	if subject != "" {
		c.tokensBySubject[c.callerLabel(c.tokensBySubject, subject)] += promptTokens + completionTokens
	}
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Uptime           int64
	Exchanges        map[string]int64
	ExchangeDuration map[string]int64
	Failures         map[string]int64
	InFlight         map[string]int64
	RateLimitHits    int64
	RateLimitByKey   map[string]int64
	PromptTokens     int64
	CompletionTokens int64
	TokensByModel    map[string]int64
	TokensBySubject  map[string]int64
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:           int64(time.Since(c.startTime).Seconds()),
		Exchanges:        copyMap(c.exchanges),
		ExchangeDuration: copyMap(c.exchangeDuration),
		Failures:         copyMap(c.failures),
		InFlight:         copyMap(c.inFlight),
		RateLimitHits:    c.rateLimitHits,
		RateLimitByKey:   copyMap(c.rateLimitByKey),
		PromptTokens:     c.promptTokens,
		CompletionTokens: c.completionTokens,
		TokensByModel:    copyMap(c.tokensByModel),
		TokensBySubject:  copyMap(c.tokensBySubject),
	}
}

// callerLabel returns key while m has room for it, OtherCallers otherwise.
func (c *Collector) callerLabel(m map[string]int64, key string) string {
	if _, ok := m[key]; ok || len(m) < c.maxCallers {
		return key
	}
	return OtherCallers
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
