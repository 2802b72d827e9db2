package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tokligence/chatrelay/internal/auth"
	"github.com/tokligence/chatrelay/internal/config"
	"github.com/tokligence/chatrelay/internal/httpserver"
	"github.com/tokligence/chatrelay/internal/logging"
	"github.com/tokligence/chatrelay/internal/relay"
	"github.com/tokligence/chatrelay/internal/version"
)

func main() {
	cfg, err := config.LoadRelayConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[relayd] ")
	if logTarget := strings.TrimSpace(cfg.LogFile); logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, logging.Options{MaxBytes: logging.DefaultMaxBytes})
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		defer rot.Close()
		if rw, ok := rot.(*logging.RotatingWriter); ok {
			log.Printf("log file %s", rw.CurrentFile())
		}
	}
	log.Printf("chatrelay %s env=%s", version.FullInfo(), cfg.Environment)

	upstream, err := buildAdapter(cfg)
	if err != nil {
		log.Fatalf("init upstream: %v", err)
	}
	rl, err := relay.New(relay.Config{
		Adapter: upstream,
		Model:   cfg.OpenAIModel,
		Timeout: cfg.Timeout,
		Logger:  logging.NewLogger(log.Writer(), "[relayd/relay] "),
	})
	if err != nil {
		log.Fatalf("init relay: %v", err)
	}
	log.Printf("upstream=%s model=%s timeout=%s", cfg.Upstream, cfg.OpenAIModel, cfg.Timeout)

	ledgerStore, err := openLedger(cfg, logging.NewLogger(log.Writer(), "[relayd/ledger] "))
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	if ledgerStore != nil {
		defer ledgerStore.Close()
	} else {
		log.Printf("usage ledger disabled")
	}

	var authManager *auth.Manager
	if cfg.AuthEnabled() {
		authManager = auth.NewManager(cfg.AuthSecret, cfg.SessionTTL)
	} else {
		log.Printf("auth_secret_key empty: every route is open")
	}

	limiter, err := buildLimiter(cfg, logging.NewLogger(log.Writer(), "[relayd/ratelimit] "))
	if err != nil {
		log.Fatalf("init rate limiter: %v", err)
	}
	defer limiter.Close()
	if limiter.Enabled() {
		log.Printf("rate limit: %d requests/hour per caller", cfg.MaxRequestPerHour)
	}

	httpSrv := httpserver.New(rl, ledgerStore, authManager, limiter)
	httpSrv.SetSessionCookie(cfg.SessionCookie)
	httpSrv.SetTrustProxy(cfg.TrustProxy)
	httpSrv.SetUpstreamInfo(httpserver.UpstreamInfo{ReverseProxy: cfg.OpenAIBaseURL, HTTPSProxy: cfg.ProxyURL})
	checker, err := buildHealthChecker(cfg, ledgerStore)
	if err != nil {
		log.Fatalf("init health checker: %v", err)
	}
	httpSrv.SetHealthChecker(checker)
	httpSrv.SetLogger(cfg.LogLevel, logging.NewLogger(log.Writer(), "[relayd/http] "))

	srv := &http.Server{
		Addr:        cfg.HTTPAddress,
		Handler:     httpSrv.Router(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: a stream lasts as long as the upstream exchange.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("relay server listening on %s", cfg.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
