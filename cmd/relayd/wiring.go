package main

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tokligence/chatrelay/internal/adapter"
	"github.com/tokligence/chatrelay/internal/adapter/loopback"
	adapteropenai "github.com/tokligence/chatrelay/internal/adapter/openai"
	"github.com/tokligence/chatrelay/internal/config"
	"github.com/tokligence/chatrelay/internal/health"
	"github.com/tokligence/chatrelay/internal/ledger"
	"github.com/tokligence/chatrelay/internal/ledger/async"
	ledgerpg "github.com/tokligence/chatrelay/internal/ledger/postgres"
	ledgersql "github.com/tokligence/chatrelay/internal/ledger/sqlite"
	"github.com/tokligence/chatrelay/internal/ratelimit"
)

func buildAdapter(cfg config.RelayConfig) (adapter.StreamingChatAdapter, error) {
	switch cfg.Upstream {
	case config.UpstreamLoopback:
		return loopback.New(0), nil
	default:
		return adapteropenai.New(adapteropenai.Config{
			APIKey:         cfg.OpenAIAPIKey,
			BaseURL:        cfg.OpenAIBaseURL,
			Organization:   cfg.OpenAIOrg,
			Model:          cfg.OpenAIModel,
			ProxyURL:       cfg.ProxyURL,
			RequestTimeout: cfg.Timeout,
		})
	}
}

// openLedger returns nil when the ledger is disabled.
func openLedger(cfg config.RelayConfig, logger *log.Logger) (ledger.Store, error) {
	if !cfg.LedgerEnabled() {
		return nil, nil
	}
	var (
		store ledger.Store
		err   error
	)
	if cfg.LedgerIsPostgres() {
		store, err = ledgerpg.New(cfg.LedgerPath, ledgerpg.PoolConfig{
			MaxOpen:         10,
			MaxIdle:         5,
			MaxLifetime:     30 * time.Minute,
			MaxIdleDuration: 5 * time.Minute,
		})
	} else {
		store, err = ledgersql.New(cfg.LedgerPath)
	}
	if err != nil {
		return nil, err
	}
	if !cfg.LedgerAsync {
		return store, nil
	}
	return async.New(store, async.Config{Logger: logger}), nil
}

func buildLimiter(cfg config.RelayConfig, logger *log.Logger) (*ratelimit.Limiter, error) {
	var store ratelimit.Store
	if cfg.MaxRequestPerHour > 0 && cfg.RateLimitRedisAddr != "" {
		rs, err := ratelimit.NewRedisStore(cfg.RateLimitRedisAddr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB)
		if err != nil {
			return nil, err
		}
		logger.Printf("rate limit buckets stored in redis at %s", cfg.RateLimitRedisAddr)
		store = rs
	}
	return ratelimit.NewLimiter(ratelimit.Config{
		Store:           store,
		RequestsPerHour: cfg.MaxRequestPerHour,
		Logger:          logger,
	}), nil
}

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// buildHealthChecker probes the ledger and, for the openai upstream, the
// provider base URL through the configured proxy.
func buildHealthChecker(cfg config.RelayConfig, store ledger.Store) (*health.Checker, error) {
	hc := health.Config{Ledger: store}
	if cfg.Upstream != config.UpstreamOpenAI {
		return health.New(hc), nil
	}
	hc.UpstreamURL = strings.TrimSpace(cfg.OpenAIBaseURL)
	if hc.UpstreamURL == "" {
		hc.UpstreamURL = defaultOpenAIBaseURL
	}
	if proxy := strings.TrimSpace(cfg.ProxyURL); proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("health: invalid proxy url: %w", err)
		}
		hc.HTTPClient = &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(u)}}
	}
	return health.New(hc), nil
}
