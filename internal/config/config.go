package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/relay.ini"
	envPrefix        = "CHATRELAY_"
)

// Upstream adapter names.
const (
	UpstreamOpenAI   = "openai"
	UpstreamLoopback = "loopback"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// RelayConfig describes runtime options for the relay daemon.
type RelayConfig struct {
	Environment string
	HTTPAddress string
	LogFile     string
	LogLevel    string
	// Auth; an empty secret disables authentication.
	AuthSecret    string
	SessionCookie string
	SessionTTL    time.Duration
	// Upstream adapter configuration
	Upstream      string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	OpenAIOrg     string
	ProxyURL      string
	Timeout       time.Duration
	// TrustProxy keys callers by the last X-Forwarded-For hop, the address
	// appended by the reverse proxy in front of the relay.
	TrustProxy bool
	// Rate limiting per caller; zero disables it. Redis is used when an address is set.
	MaxRequestPerHour  int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	// Ledger: sqlite path, postgres:// DSN, or "-" to disable.
	LedgerPath  string
	LedgerAsync bool
}

// AuthEnabled reports whether callers must present a credential.
func (c RelayConfig) AuthEnabled() bool {
	return strings.TrimSpace(c.AuthSecret) != ""
}

// LedgerEnabled reports whether exchanges are recorded.
func (c RelayConfig) LedgerEnabled() bool {
	return c.LedgerPath != "" && c.LedgerPath != "-"
}

// LedgerIsPostgres reports whether LedgerPath is a PostgreSQL DSN.
func (c RelayConfig) LedgerIsPostgres() bool {
	return strings.HasPrefix(c.LedgerPath, "postgres://") || strings.HasPrefix(c.LedgerPath, "postgresql://")
}

// LoadRelayConfig reads the current environment and loads the appropriate relay
// config file. Values resolve as: CHATRELAY_* env, legacy env names, the
// environment file, then config/setting.ini.
func LoadRelayConfig(root string) (RelayConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return RelayConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return RelayConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}
	lookup := func(key string, legacy ...string) string {
		values := []string{os.Getenv(envPrefix + strings.ToUpper(key))}
		for _, name := range legacy {
			values = append(values, os.Getenv(name))
		}
		values = append(values, merged[key])
		return firstNonEmpty(values...)
	}

	cfg := RelayConfig{
		Environment:        s.Environment,
		HTTPAddress:        firstNonEmpty(lookup("http_address"), portAddress(os.Getenv("SERVICE_PORT")), ":3002"),
		LogFile:            lookup("log_file"),
		LogLevel:           firstNonEmpty(lookup("log_level"), "info"),
		AuthSecret:         lookup("auth_secret_key", "AUTH_SECRET_KEY"),
		SessionCookie:      firstNonEmpty(lookup("session_cookie"), "chatrelay_session"),
		OpenAIAPIKey:       lookup("openai_api_key", "OPENAI_API_KEY"),
		OpenAIBaseURL:      lookup("openai_api_base_url", "OPENAI_API_BASE_URL"),
		OpenAIModel:        firstNonEmpty(lookup("openai_api_model", "OPENAI_API_MODEL"), "gpt-3.5-turbo"),
		OpenAIOrg:          lookup("openai_org", "OPENAI_ORG"),
		ProxyURL:           lookup("proxy_url", "HTTPS_PROXY", "ALL_PROXY"),
		TrustProxy:         parseOptionalBool(lookup("trust_proxy"), false),
		RateLimitRedisAddr: lookup("ratelimit_redis_addr"),
		RateLimitRedisPass: lookup("ratelimit_redis_password"),
		LedgerPath:         firstNonEmpty(lookup("ledger_path"), DefaultLedgerPath()),
		LedgerAsync:        parseOptionalBool(lookup("ledger_async"), true),
	}

	if cfg.MaxRequestPerHour, err = parseOptionalInt("max_request_per_hour", lookup("max_request_per_hour", "MAX_REQUEST_PER_HOUR"), 0); err != nil {
		return RelayConfig{}, err
	}
	if cfg.RateLimitRedisDB, err = parseOptionalInt("ratelimit_redis_db", lookup("ratelimit_redis_db"), 0); err != nil {
		return RelayConfig{}, err
	}
	timeoutMS, err := parseOptionalInt("timeout_ms", lookup("timeout_ms", "TIMEOUT_MS"), 100000)
	if err != nil {
		return RelayConfig{}, err
	}
	if timeoutMS < 0 {
		return RelayConfig{}, fmt.Errorf("invalid timeout_ms %d", timeoutMS)
	}
	cfg.Timeout = time.Duration(timeoutMS) * time.Millisecond

	cfg.SessionTTL = 24 * time.Hour
	if v := lookup("session_ttl"); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return RelayConfig{}, fmt.Errorf("invalid session_ttl %q: %w", v, err)
		}
		cfg.SessionTTL = dur
	}

	cfg.Upstream = strings.ToLower(strings.TrimSpace(lookup("upstream")))
	if cfg.Upstream == "" {
		if cfg.OpenAIAPIKey != "" {
			cfg.Upstream = UpstreamOpenAI
		} else {
			cfg.Upstream = UpstreamLoopback
		}
	}
	if err := cfg.Validate(); err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c RelayConfig) Validate() error {
	switch c.Upstream {
	case UpstreamOpenAI:
		if strings.TrimSpace(c.OpenAIAPIKey) == "" {
			return errors.New("upstream openai requires openai_api_key (or OPENAI_API_KEY)")
		}
	case UpstreamLoopback:
	default:
		return fmt.Errorf("unknown upstream %q (want openai or loopback)", c.Upstream)
	}
	if c.MaxRequestPerHour < 0 {
		return fmt.Errorf("invalid max_request_per_hour %d", c.MaxRequestPerHour)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("invalid session_ttl %v", c.SessionTTL)
	}
	return nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: firstNonEmpty(os.Getenv(envPrefix+"ENVIRONMENT"), defaultEnv), Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv(envPrefix+"ENVIRONMENT"), values["environment"], defaultEnv)
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

// parseINI flattens every section of an INI file into one lower-cased key space.
func parseINI(path string) (map[string]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	file, err := ini.LoadSources(ini.LoadOptions{Insensitive: true, IgnoreInlineComment: true}, path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	values := make(map[string]string)
	for _, sec := range file.Sections() {
		for _, key := range sec.Keys() {
			name := strings.TrimSpace(key.Name())
			if name == "" {
				continue
			}
			values[strings.ToLower(name)] = strings.TrimSpace(key.String())
		}
	}
	return values, nil
}

func portAddress(port string) string {
	port = strings.TrimSpace(port)
	if port == "" {
		return ""
	}
	return ":" + port
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(key, v string, fallback int) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: want an integer", key, v)
	}
	return parsed, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultLedgerPath returns the fallback ledger location under the user's home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ledger.db"
	}
	return filepath.Join(home, ".chatrelay", "ledger.db")
}
