// Package client talks to a chat relay: the JSON session endpoints and the
// /chat-sse stream consumer.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tokligence/chatrelay/internal/ledger"
	"github.com/tokligence/chatrelay/internal/relay"
)

// ErrUnauthorized is returned when the relay rejects the credential.
var ErrUnauthorized = errors.New("client: unauthorized")

// DefaultRequestTimeout bounds the non-streaming calls.
const DefaultRequestTimeout = 10 * time.Second

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError reports a non-2xx answer from the relay.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay: status %d", e.StatusCode)
	}
	return fmt.Sprintf("relay: status %d: %s", e.StatusCode, e.Message)
}

// SessionInfo mirrors the data of GET /session.
type SessionInfo struct {
	Auth  bool   `json:"auth"`
	Model string `json:"model"`
	User  string `json:"user,omitempty"`
}

// ConfigInfo mirrors the data of POST /config.
type ConfigInfo struct {
	APIModel     string `json:"apiModel"`
	ReverseProxy string `json:"reverseProxy"`
	TimeoutMs    int64  `json:"timeoutMs"`
	HTTPSProxy   string `json:"httpsProxy"`
}

// Usage mirrors the data of GET /usage.
type Usage struct {
	Summary ledger.Summary `json:"summary"`
	Entries []ledger.Entry `json:"entries"`
}

// envelope matches the relay's JSON response body.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client calls one relay. A Client is safe for concurrent use once configured.
type Client struct {
	baseURL       *url.URL
	httpClient    HTTPClient
	token         string
	systemMessage string
	retryDelay    time.Duration
	sleep         func(ctx context.Context, d time.Duration) error
	logger        *log.Logger
}

// New constructs a client for the relay at baseURL. A nil httpClient uses an
// http.Client without an overall timeout so streams can run as long as the
// upstream does.
func New(baseURL string, httpClient HTTPClient) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: scheme and host required", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    parsed,
		httpClient: httpClient,
		retryDelay: time.Second,
		sleep:      sleepContext,
		logger:     log.New(io.Discard, "", 0),
	}, nil
}

// SetToken sets the bearer credential attached to every request.
func (c *Client) SetToken(token string) { c.token = strings.TrimSpace(token) }

// SetSystemMessage sets the system message sent with every prompt.
func (c *Client) SetSystemMessage(msg string) { c.systemMessage = msg }

// SetLogger overrides the client logger.
func (c *Client) SetLogger(logger *log.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Session fetches the relay's auth mode and model.
func (c *Client) Session(ctx context.Context) (SessionInfo, error) {
	var info SessionInfo
	if err := c.doJSON(ctx, http.MethodGet, "session", nil, &info); err != nil {
		return SessionInfo{}, err
	}
	return info, nil
}

// Verify checks secret against the relay.
func (c *Client) Verify(ctx context.Context, secret string) error {
	return c.doJSON(ctx, http.MethodPost, "verify", map[string]string{"token": secret}, nil)
}

// Config fetches the relay's upstream settings.
func (c *Client) Config(ctx context.Context) (ConfigInfo, error) {
	var info ConfigInfo
	if err := c.doJSON(ctx, http.MethodPost, "config", nil, &info); err != nil {
		return ConfigInfo{}, err
	}
	return info, nil
}

// Usage fetches the caller's ledger summary and up to limit recent exchanges.
func (c *Client) Usage(ctx context.Context, limit int) (Usage, error) {
	path := "usage"
	if limit > 0 {
		path = fmt.Sprintf("usage?limit=%d", limit)
	}
	var usage Usage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &usage); err != nil {
		return Usage{}, err
	}
	return usage, nil
}

func (c *Client) endpoint(path string) (string, error) {
	rel, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	base := *c.baseURL
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return base.ResolveReference(rel).String(), nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(buf)
	}
	endpoint, err := c.endpoint(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultRequestTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var env envelope
	decodeErr := json.Unmarshal(data, &env)

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 400 {
		se := &StatusError{StatusCode: resp.StatusCode}
		if decodeErr == nil {
			se.Message = env.Message
		}
		return se
	}
	if decodeErr != nil {
		return fmt.Errorf("relay: decode %s response: %w", path, decodeErr)
	}
	if env.Status != relay.StatusSuccess {
		return &relay.ErrorPayload{Status: env.Status, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
