package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/chatrelay/internal/adapter"
	"github.com/tokligence/chatrelay/internal/openai"
)

// ErrNoAdapter is returned by New when no upstream is configured.
var ErrNoAdapter = errors.New("relay: upstream adapter is required")

var upstreamStatusMessages = map[int]string{
	http.StatusUnauthorized:        "[OpenAI] Incorrect API key provided",
	http.StatusForbidden:           "[OpenAI] Server refused to access, please try again later",
	http.StatusBadGateway:          "[OpenAI] Bad Gateway",
	http.StatusServiceUnavailable:  "[OpenAI] Server is busy, please try again later",
	http.StatusGatewayTimeout:      "[OpenAI] Gateway Time-out",
	http.StatusInternalServerError: "[OpenAI] Internal Server Error",
}

// Config configures a Relay.
type Config struct {
	Adapter adapter.StreamingChatAdapter
	Model   string
	// Timeout bounds one upstream exchange; zero disables the bound.
	Timeout time.Duration
	Logger  *log.Logger
}

// Relay forwards prompts to an upstream provider and re-emits its chunks as a
// sequence of Results.
type Relay struct {
	adapter adapter.StreamingChatAdapter
	model   string
	timeout time.Duration
	logger  *log.Logger
}

// New constructs a Relay.
func New(cfg Config) (*Relay, error) {
	if cfg.Adapter == nil {
		return nil, ErrNoAdapter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[relayd/relay] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Relay{adapter: cfg.Adapter, model: cfg.Model, timeout: cfg.Timeout, logger: logger}, nil
}

// Model reports the upstream model the relay asks for.
func (r *Relay) Model() string { return r.model }

// Timeout reports the per-exchange upstream bound.
func (r *Relay) Timeout() time.Duration { return r.timeout }

// Process opens one upstream stream for req. The returned channel yields a
// Result per upstream chunk in arrival order, at most one terminal error, and
// is closed once the upstream call settles. Results are not buffered: each is
// handed over before the next chunk is read. Cancelling ctx abandons the
// exchange.
func (r *Relay) Process(ctx context.Context, req Request) <-chan Result {
	out := make(chan Result)
	go func() {
		defer close(out)

		upstreamCtx := ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			upstreamCtx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}

		upstreamReq := r.buildRequest(req)
		parentID := upstreamReq.Meta(openai.MetadataMessageID)

		events, err := r.adapter.CreateCompletionStream(upstreamCtx, upstreamReq)
		if err != nil {
			r.logger.Printf("upstream open failed conversation=%s err=%v", req.Options.ConversationID, err)
			send(ctx, out, Result{Err: ErrorFromUpstream(err)})
			return
		}

		msg := ChatMessage{
			Role:            "assistant",
			ParentMessageID: parentID,
			ConversationID:  req.Options.ConversationID,
		}
		for ev := range events {
			if ev.IsError() {
				r.logger.Printf("upstream stream failed conversation=%s err=%v", req.Options.ConversationID, ev.Error)
				send(ctx, out, Result{Err: ErrorFromUpstream(ev.Error)})
				drain(events)
				return
			}
			if ev.Chunk == nil {
				continue
			}
			delta := ev.Chunk.GetDelta().Content
			msg.ID = firstNonEmpty(ev.Chunk.ID, msg.ID)
			msg.Delta = delta
			msg.Text += delta
			chunk := *ev.Chunk
			msg.Detail = &chunk

			snapshot := msg
			if !send(ctx, out, Result{Chunk: &snapshot}) {
				drain(events)
				return
			}
		}
	}()
	return out
}

func (r *Relay) buildRequest(req Request) openai.ChatCompletionRequest {
	messageID := uuid.NewString()
	upstream := openai.ChatCompletionRequest{
		Model:       r.model,
		Stream:      true,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Metadata: map[string]string{
			openai.MetadataMessageID: messageID,
		},
	}
	if req.Options.ConversationID != "" {
		upstream.Metadata[openai.MetadataConversationID] = req.Options.ConversationID
	}
	if req.Options.ParentMessageID != "" {
		upstream.Metadata[openai.MetadataParentMessageID] = req.Options.ParentMessageID
	}
	if req.SystemMessage != "" {
		upstream.Messages = append(upstream.Messages, openai.ChatMessage{Role: "system", Content: req.SystemMessage})
	}
	upstream.Messages = append(upstream.Messages, openai.ChatMessage{Role: "user", Content: req.Prompt})
	return upstream
}

// ErrorFromUpstream maps an upstream failure onto the terminal error record.
func ErrorFromUpstream(err error) *ErrorPayload {
	var payload *ErrorPayload
	if errors.As(err, &payload) {
		return payload
	}
	var upstream *adapter.UpstreamError
	if errors.As(err, &upstream) {
		if msg, ok := upstreamStatusMessages[upstream.StatusCode]; ok {
			return &ErrorPayload{Status: StatusFail, Message: msg}
		}
		if upstream.Message != "" {
			return &ErrorPayload{Status: StatusFail, Message: upstream.Message}
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ErrorPayload{Status: StatusFail, Message: "[OpenAI] Request timed out"}
	case err == nil:
		return &ErrorPayload{Status: StatusFail, Message: "Please check the back-end console"}
	}
	return &ErrorPayload{Status: StatusFail, Message: fmt.Sprint(err)}
}

func send(ctx context.Context, out chan<- Result, res Result) bool {
	select {
	case out <- res:
		return true
	case <-ctx.Done():
		return false
	}
}

func drain(events <-chan adapter.StreamEvent) {
	go func() {
		for range events {
		}
	}()
}
