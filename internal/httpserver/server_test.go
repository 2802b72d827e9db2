package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tokligence/chatrelay/internal/adapter"
	"github.com/tokligence/chatrelay/internal/adapter/loopback"
	"github.com/tokligence/chatrelay/internal/auth"
	"github.com/tokligence/chatrelay/internal/health"
	"github.com/tokligence/chatrelay/internal/ledger"
	"github.com/tokligence/chatrelay/internal/ledger/sqlite"
	"github.com/tokligence/chatrelay/internal/openai"
	"github.com/tokligence/chatrelay/internal/ratelimit"
	"github.com/tokligence/chatrelay/internal/relay"
	"github.com/tokligence/chatrelay/internal/sse"
	"github.com/tokligence/chatrelay/internal/testutil"
)

const testSecret = "s3cret"

var fixedNow = time.UnixMilli(1700000000000)

type scriptedAdapter struct {
	openErr error
	events  []adapter.StreamEvent
	// hold keeps the stream open after events until the caller goes away.
	hold      bool
	cancelled chan struct{}
	got       openai.ChatCompletionRequest
}

func (a *scriptedAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	a.got = req
	if a.openErr != nil {
		return nil, a.openErr
	}
	ch := make(chan adapter.StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range a.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if a.hold {
			<-ctx.Done()
			if a.cancelled != nil {
				close(a.cancelled)
			}
		}
	}()
	return ch, nil
}

func chunkEvent(id, content, finish string) adapter.StreamEvent {
	var fr *string
	if finish != "" {
		fr = openai.StringPtr(finish)
	}
	c := openai.NewChunk(id, "gpt-test", content, fr)
	return adapter.StreamEvent{Chunk: &c}
}

type testDeps struct {
	auth    *auth.Manager
	limiter *ratelimit.Limiter
	ledger  ledger.Store
}

func newTestServer(t *testing.T, a adapter.StreamingChatAdapter, deps testDeps) *Server {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	rl, err := relay.New(relay.Config{Adapter: a, Model: "gpt-test", Timeout: 5 * time.Second, Logger: quiet})
	require.NoError(t, err)
	srv := New(rl, deps.ledger, deps.auth, deps.limiter)
	srv.SetLogger("debug", quiet)
	srv.now = func() time.Time { return fixedNow }
	return srv
}

func do(t *testing.T, h http.Handler, method, path, body string, mods ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.10:4321"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, mod := range mods {
		mod(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func withBearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	return env
}

func readStreamMessages(t *testing.T, body io.Reader) []relay.StreamMessage {
	t.Helper()
	reader := sse.NewReader(body)
	var out []relay.StreamMessage
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		require.False(t, ev.Raw, "unexpected raw record %q", ev.Data)
		var msg relay.StreamMessage
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &msg))
		out = append(out, msg)
	}
}

func TestChatSSEMintsSessionID(t *testing.T) {
	srv := newTestServer(t, loopback.New(0), testDeps{})
	rec := do(t, srv.Router(), http.MethodPost, "/chat-sse", `{"prompt":"hello world"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	require.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	require.Equal(t, "loyw3v28", rec.Header().Get(ConversationIDHeader))

	msgs := readStreamMessages(t, rec.Body)
	require.Len(t, msgs, 3)
	var text strings.Builder
	for i, msg := range msgs {
		require.Equal(t, "loyw3v28", msg.CSID)
		require.NotEmpty(t, msg.ID)
		require.NotEmpty(t, msg.PMID)
		require.Empty(t, msg.Text)
		if i < len(msgs)-1 {
			require.Empty(t, msg.FinishReason)
		}
		text.WriteString(msg.Delta)
	}
	require.Equal(t, "stop", msgs[len(msgs)-1].FinishReason)
	require.Equal(t, "[loopback] hello world", text.String())
}

func TestChatSSEKeepsCallerSessionID(t *testing.T) {
	a := &scriptedAdapter{events: []adapter.StreamEvent{chunkEvent("c1", "ok", "stop")}}
	srv := newTestServer(t, a, testDeps{})
	rec := do(t, srv.Router(), http.MethodPost, "/chat-sse",
		`{"csid":"abc","prompt":"hi","options":{"parentMessageId":"m-0"},"systemMessage":"be brief"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get(ConversationIDHeader))
	msgs := readStreamMessages(t, rec.Body)
	require.Len(t, msgs, 1)
	require.Equal(t, "abc", msgs[0].CSID)
	require.Equal(t, "c1", msgs[0].ID)

	require.Equal(t, "abc", a.got.Meta(openai.MetadataConversationID))
	require.Equal(t, "m-0", a.got.Meta(openai.MetadataParentMessageID))
	require.Equal(t, "system", a.got.Messages[0].Role)
	require.Equal(t, "be brief", a.got.Messages[0].Content)
}

func TestChatSSEForwardsEmptyPrompt(t *testing.T) {
	a := &scriptedAdapter{events: []adapter.StreamEvent{chunkEvent("c1", "?", "stop")}}
	srv := newTestServer(t, a, testDeps{})
	rec := do(t, srv.Router(), http.MethodPost, "/chat-sse", `{"prompt":""}`)

	require.Equal(t, http.StatusOK, rec.Code)
	msg, ok := a.got.LastUserMessage()
	require.True(t, ok)
	require.Equal(t, "", msg.Content)
	require.Len(t, readStreamMessages(t, rec.Body), 1)
}

func TestChatSSEUpstreamFailureWritesRawRecord(t *testing.T) {
	a := &scriptedAdapter{openErr: &adapter.UpstreamError{Provider: "openai", StatusCode: http.StatusUnauthorized, Message: "bad key"}}
	srv := newTestServer(t, a, testDeps{})
	rec := do(t, srv.Router(), http.MethodPost, "/chat-sse", `{"prompt":"hi"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `{"status":"Fail","message":"[OpenAI] Incorrect API key provided","data":null}`, rec.Body.String())
}

func TestChatSSEMidStreamFailure(t *testing.T) {
	a := &scriptedAdapter{events: []adapter.StreamEvent{
		chunkEvent("c1", "partial", ""),
		{Error: errors.New("connection reset")},
	}}
	srv := newTestServer(t, a, testDeps{})
	rec := do(t, srv.Router(), http.MethodPost, "/chat-sse", `{"prompt":"hi"}`)

	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, "data: {"), body)
	require.True(t, strings.HasSuffix(body, `}`+"\n\n"+`{"status":"Fail","message":"connection reset","data":null}`), body)

	reader := sse.NewReader(strings.NewReader(body))
	first, err := reader.Next()
	require.NoError(t, err)
	require.False(t, first.Raw)
	last, err := reader.Next()
	require.NoError(t, err)
	require.True(t, last.Raw)
	require.Contains(t, last.Data, "connection reset")
}

func TestChatSSERejectsMalformedBody(t *testing.T) {
	srv := newTestServer(t, loopback.New(0), testDeps{})
	rec := do(t, srv.Router(), http.MethodPost, "/chat-sse", `{"prompt":`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, relay.StatusFail, decodeEnvelope(t, rec).Status)
	require.Empty(t, rec.Header().Get(ConversationIDHeader))
}

func TestChatSSERequiresAuth(t *testing.T) {
	srv := newTestServer(t, loopback.New(0), testDeps{auth: auth.NewManager(testSecret, time.Hour)})
	router := srv.Router()

	rec := do(t, router, http.MethodPost, "/chat-sse", `{"prompt":"hi"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, rec.Header().Get(ConversationIDHeader))
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	env := decodeEnvelope(t, rec)
	require.Equal(t, relay.StatusUnauthorized, env.Status)
	require.Equal(t, "Please authenticate.", env.Message)
	require.Nil(t, env.Data)

	rec = do(t, router, http.MethodPost, "/chat-sse", `{"prompt":"hi"}`, withBearer("wrong"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, router, http.MethodPost, "/chat-sse", `{"prompt":"hi"}`, withBearer(testSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, readStreamMessages(t, rec.Body))
}

func TestChatSSEStopsUpstreamWhenClientLeaves(t *testing.T) {
	a := &scriptedAdapter{
		events:    []adapter.StreamEvent{chunkEvent("c1", "first", "")},
		hold:      true,
		cancelled: make(chan struct{}),
	}
	srv := newTestServer(t, a, testDeps{})
	ts := testutil.NewIPv4Server(t, srv.Router())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/chat-sse", strings.NewReader(`{"prompt":"hi"}`))
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NotEmpty(t, resp.Header.Get(ConversationIDHeader))

	ev, err := sse.NewReader(resp.Body).Next()
	require.NoError(t, err)
	require.Contains(t, ev.Data, `"delta":"first"`)

	cancel()
	select {
	case <-a.cancelled:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream stream was not cancelled after the client left")
	}
}

func TestChatProcessStreamsNewlineDelimitedMessages(t *testing.T) {
	srv := newTestServer(t, loopback.New(0), testDeps{})
	rec := do(t, srv.Router(), http.MethodPost, "/chat-process", `{"prompt":"a b","temperature":0.5,"top_p":0.9}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	require.False(t, strings.HasPrefix(body, "\n"))
	require.False(t, strings.HasSuffix(body, "\n"))

	lines := strings.Split(body, "\n")
	require.Len(t, lines, 3)
	var last relay.ChatMessage
	for _, line := range lines {
		require.NoError(t, json.Unmarshal([]byte(line), &last))
		require.Equal(t, "assistant", last.Role)
	}
	require.Equal(t, "[loopback] a b", last.Text)
	require.Equal(t, "stop", last.FinishReason())
}

func TestChatProcessForwardsSampling(t *testing.T) {
	a := &scriptedAdapter{events: []adapter.StreamEvent{chunkEvent("c1", "ok", "stop")}}
	srv := newTestServer(t, a, testDeps{})
	do(t, srv.Router(), http.MethodPost, "/chat-process", `{"prompt":"a","temperature":0.5,"top_p":0.9}`)

	require.NotNil(t, a.got.Temperature)
	require.InDelta(t, 0.5, *a.got.Temperature, 1e-9)
	require.NotNil(t, a.got.TopP)
	require.InDelta(t, 0.9, *a.got.TopP, 1e-9)
}

func TestChatProcessWritesErrorRecord(t *testing.T) {
	a := &scriptedAdapter{openErr: &adapter.UpstreamError{Provider: "openai", StatusCode: http.StatusServiceUnavailable}}
	srv := newTestServer(t, a, testDeps{})
	rec := do(t, srv.Router(), http.MethodPost, "/chat-process", `{"prompt":"a"}`)
	require.Equal(t, `{"status":"Fail","message":"[OpenAI] Server is busy, please try again later","data":null}`, rec.Body.String())
}

func TestRateLimitRejectsOverBudget(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{Store: ratelimit.NewMemoryStore(), RequestsPerHour: 1})
	t.Cleanup(func() { _ = limiter.Close() })
	srv := newTestServer(t, loopback.New(0), testDeps{limiter: limiter})
	router := srv.Router()

	rec := do(t, router, http.MethodPost, "/chat-sse", `{"prompt":"one"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec = do(t, router, http.MethodPost, "/api/chat-sse", `{"prompt":"two"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	env := decodeEnvelope(t, rec)
	require.Equal(t, relay.StatusFail, env.Status)
	require.Equal(t, ratelimit.DefaultMessage, env.Message)

	// another address has its own budget
	rec = do(t, router, http.MethodPost, "/chat-process", `{"prompt":"three"}`, func(r *http.Request) {
		r.RemoteAddr = "198.51.100.7:1000"
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitIgnoresForwardingHeaders(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{Store: ratelimit.NewMemoryStore(), RequestsPerHour: 1})
	t.Cleanup(func() { _ = limiter.Close() })
	router := newTestServer(t, loopback.New(0), testDeps{limiter: limiter}).Router()

	accepted := 0
	for i := 1; i <= 5; i++ {
		addr := fmt.Sprintf("203.0.113.%d", i)
		rec := do(t, router, http.MethodPost, "/chat-sse", `{"prompt":"x"}`, func(r *http.Request) {
			r.Header.Set("X-Forwarded-For", addr)
			r.Header.Set("X-Real-IP", addr)
			r.Header.Set("True-Client-IP", addr)
		})
		if rec.Code == http.StatusOK {
			accepted++
		}
	}
	require.Equal(t, 1, accepted)
}

func TestRateLimitTrustProxyKeysOnLastHop(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{Store: ratelimit.NewMemoryStore(), RequestsPerHour: 1})
	t.Cleanup(func() { _ = limiter.Close() })
	srv := newTestServer(t, loopback.New(0), testDeps{limiter: limiter})
	srv.SetTrustProxy(true)
	router := srv.Router()

	forwarded := func(xff string) func(*http.Request) {
		return func(r *http.Request) { r.Header.Set("X-Forwarded-For", xff) }
	}

	rec := do(t, router, http.MethodPost, "/chat-sse", `{"prompt":"x"}`, forwarded("203.0.113.1, 198.51.100.4"))
	require.Equal(t, http.StatusOK, rec.Code)
	// a rotated caller-supplied hop does not buy a new budget
	rec = do(t, router, http.MethodPost, "/chat-sse", `{"prompt":"x"}`, forwarded("203.0.113.2, 198.51.100.4"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	// a different client behind the same proxy does
	rec = do(t, router, http.MethodPost, "/chat-sse", `{"prompt":"x"}`, forwarded("198.51.100.5"))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitRunsAfterAuth(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{Store: ratelimit.NewMemoryStore(), RequestsPerHour: 1})
	t.Cleanup(func() { _ = limiter.Close() })
	srv := newTestServer(t, loopback.New(0), testDeps{auth: auth.NewManager(testSecret, time.Hour), limiter: limiter})
	router := srv.Router()

	for i := 0; i < 3; i++ {
		rec := do(t, router, http.MethodPost, "/chat-sse", `{"prompt":"x"}`)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := do(t, router, http.MethodPost, "/chat-sse", `{"prompt":"x"}`, withBearer(testSecret))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestVerifyIssuesSessionCookie(t *testing.T) {
	srv := newTestServer(t, loopback.New(0), testDeps{auth: auth.NewManager(testSecret, time.Hour)})
	router := srv.Router()

	rec := do(t, router, http.MethodPost, "/verify", `{"token":""}`)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	require.Equal(t, relay.StatusFail, env.Status)
	require.Equal(t, "Secret key is empty", env.Message)

	rec = do(t, router, http.MethodPost, "/api/verify", `{"token":"nope"}`)
	env = decodeEnvelope(t, rec)
	require.Equal(t, relay.StatusFail, env.Status)
	require.Equal(t, "Secret key is invalid", env.Message)
	require.Empty(t, rec.Result().Cookies())

	rec = do(t, router, http.MethodPost, "/verify", `{"token":"`+testSecret+`"}`)
	env = decodeEnvelope(t, rec)
	require.Equal(t, relay.StatusSuccess, env.Status)
	require.Equal(t, "Verify successfully", env.Message)
	require.Nil(t, env.Data)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	session := cookies[0]
	require.Equal(t, "chatrelay_session", session.Name)
	require.True(t, session.HttpOnly)

	withCookie := func(r *http.Request) { r.AddCookie(session) }
	rec = do(t, router, http.MethodPost, "/chat-sse", `{"prompt":"hi"}`, withCookie)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodGet, "/session", "", withCookie)
	var sess struct {
		Status string      `json:"status"`
		Data   sessionData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	require.Equal(t, relay.StatusSuccess, sess.Status)
	require.True(t, sess.Data.Auth)
	require.NotEmpty(t, sess.Data.User)
}

func TestVerifyWithoutAuthConfigured(t *testing.T) {
	srv := newTestServer(t, loopback.New(0), testDeps{})
	rec := do(t, srv.Router(), http.MethodPost, "/verify", `{"token":"anything"}`)
	env := decodeEnvelope(t, rec)
	require.Equal(t, relay.StatusFail, env.Status)
	require.Equal(t, "Secret key is invalid", env.Message)
}

func TestSessionReportsAuthAndModel(t *testing.T) {
	for _, tc := range []struct {
		name string
		deps testDeps
		want bool
	}{
		{name: "open", want: false},
		{name: "secured", deps: testDeps{auth: auth.NewManager(testSecret, time.Hour)}, want: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, loopback.New(0), tc.deps)
			for _, path := range []string{"/session", "/api/session"} {
				rec := do(t, srv.Router(), http.MethodGet, path, "")
				require.Equal(t, http.StatusOK, rec.Code)
				var sess struct {
					Status  string      `json:"status"`
					Message string      `json:"message"`
					Data    sessionData `json:"data"`
				}
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
				require.Equal(t, relay.StatusSuccess, sess.Status)
				require.Equal(t, tc.want, sess.Data.Auth)
				require.Equal(t, "gpt-test", sess.Data.Model)
				require.Empty(t, sess.Data.User)
			}
		})
	}
}

func TestConfigRequiresAuthAndReportsUpstream(t *testing.T) {
	srv := newTestServer(t, loopback.New(0), testDeps{auth: auth.NewManager(testSecret, time.Hour)})
	srv.SetUpstreamInfo(UpstreamInfo{ReverseProxy: "https://proxy.example"})
	router := srv.Router()

	rec := do(t, router, http.MethodPost, "/config", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/config", "", withBearer(testSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg struct {
		Status string     `json:"status"`
		Data   configData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	require.Equal(t, relay.StatusSuccess, cfg.Status)
	require.Equal(t, configData{
		APIModel:     "gpt-test",
		ReverseProxy: "https://proxy.example",
		TimeoutMs:    5000,
		HTTPSProxy:   "-",
	}, cfg.Data)
}

func TestUsageReportsRecordedExchanges(t *testing.T) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	a := &scriptedAdapter{events: []adapter.StreamEvent{
		chunkEvent("c1", "Hello", ""),
		chunkEvent("c1", " world", "stop"),
	}}
	srv := newTestServer(t, a, testDeps{ledger: store})
	router := srv.Router()

	rec := do(t, router, http.MethodPost, "/chat-sse", `{"prompt":"12345678"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodGet, "/usage?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var usage struct {
		Status string    `json:"status"`
		Data   usageData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	require.Equal(t, int64(1), usage.Data.Summary.Exchanges)
	require.Equal(t, int64(0), usage.Data.Summary.Failures)
	require.Equal(t, int64(2), usage.Data.Summary.PromptTokens)
	require.Equal(t, int64(3), usage.Data.Summary.CompletionTokens)
	require.Len(t, usage.Data.Entries, 1)
	entry := usage.Data.Entries[0]
	require.Equal(t, "chat-sse", entry.Route)
	require.Equal(t, "gpt-test", entry.Model)
	require.Equal(t, "stop", entry.FinishReason)
	require.Equal(t, ledger.StatusCompleted, entry.Status)

	rec = do(t, router, http.MethodGet, "/usage?limit=zero", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUsageWithoutLedger(t *testing.T) {
	srv := newTestServer(t, loopback.New(0), testDeps{})
	rec := do(t, srv.Router(), http.MethodGet, "/usage", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthAndPreflight(t *testing.T) {
	srv := newTestServer(t, loopback.New(0), testDeps{})
	router := srv.Router()

	rec := do(t, router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "ok", payload["status"])
	require.Equal(t, "gpt-test", payload["model"])
	require.Equal(t, false, payload["auth"])

	rec = do(t, router, http.MethodOptions, "/chat-sse", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, ConversationIDHeader, rec.Header().Get("Access-Control-Expose-Headers"))
}

func TestMetricsCountExchangesAndRejections(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{Store: ratelimit.NewMemoryStore(), RequestsPerHour: 1})
	t.Cleanup(func() { _ = limiter.Close() })
	srv := newTestServer(t, loopback.New(0), testDeps{limiter: limiter})
	router := srv.Router()

	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/chat-sse", `{"prompt":"one"}`).Code)
	require.Equal(t, http.StatusTooManyRequests, do(t, router, http.MethodPost, "/chat-sse", `{"prompt":"two"}`).Code)

	rec := do(t, router, http.MethodGet, "/api/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
	body := rec.Body.String()
	require.Contains(t, body, `chatrelay_exchanges_total{route="chat-sse"} 1`)
	require.Contains(t, body, "chatrelay_rate_limit_hits_total 1\n")
	require.NotContains(t, body, "chatrelay_exchange_failures_total{")
	require.NotContains(t, body, "chatrelay_streams_in_flight{")
}

func TestHealthReportsLedgerOutage(t *testing.T) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	srv := newTestServer(t, loopback.New(0), testDeps{})
	srv.SetHealthChecker(health.New(health.Config{Ledger: store}))

	rec := do(t, srv.Router(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var payload struct {
		Status     string             `json:"status"`
		Components []health.Component `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, string(health.StatusUnhealthy), payload.Status)
	require.Len(t, payload.Components, 1)
	require.Equal(t, "ledger", payload.Components[0].Name)
	require.NotEmpty(t, payload.Components[0].Error)
}
