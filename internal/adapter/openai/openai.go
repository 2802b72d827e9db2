package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gopenai "github.com/sashabaranov/go-openai"

	"github.com/tokligence/chatrelay/internal/adapter"
	"github.com/tokligence/chatrelay/internal/openai"
)

// Ensure OpenAIAdapter implements StreamingChatAdapter.
var _ adapter.StreamingChatAdapter = (*OpenAIAdapter)(nil)

// OpenAIAdapter streams chat completions from an OpenAI-compatible API.
type OpenAIAdapter struct {
	client *gopenai.Client
	model  string
}

// Config holds configuration for the OpenAI adapter.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://api.openai.com/v1
	Organization   string // optional
	Model          string // used when the request does not name one
	ProxyURL       string // optional http(s):// or socks5:// proxy
	RequestTimeout time.Duration
}

// New creates an OpenAIAdapter instance.
func New(cfg Config) (*OpenAIAdapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key required")
	}

	clientCfg := gopenai.DefaultConfig(cfg.APIKey)
	if baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/"); baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	clientCfg.OrgID = cfg.Organization

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 100 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	if proxy := strings.TrimSpace(cfg.ProxyURL); proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("openai: invalid proxy url: %w", err)
		}
		httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(u)}
	}
	clientCfg.HTTPClient = httpClient

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = gopenai.GPT3Dot5Turbo
	}

	return &OpenAIAdapter{
		client: gopenai.NewClientWithConfig(clientCfg),
		model:  model,
	}, nil
}

// CreateCompletionStream opens a streaming chat completion and forwards every chunk as it arrives.
func (a *OpenAIAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: no messages provided")
	}

	upstreamReq := gopenai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: make([]gopenai.ChatCompletionMessage, 0, len(req.Messages)),
		Stream:   true,
	}
	if upstreamReq.Model == "" {
		upstreamReq.Model = a.model
	}
	for _, m := range req.Messages {
		upstreamReq.Messages = append(upstreamReq.Messages, gopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if req.Temperature != nil {
		upstreamReq.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		upstreamReq.TopP = float32(*req.TopP)
	}

	stream, err := a.client.CreateChatCompletionStream(ctx, upstreamReq)
	if err != nil {
		return nil, convertError(err)
	}

	ch := make(chan adapter.StreamEvent, 1)
	go func() {
		defer close(ch)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					err = ctxErr
				}
				sendTerminal(ctx, ch, adapter.StreamEvent{Error: convertError(err)})
				return
			}
			if len(resp.Choices) == 0 {
				// usage-only trailer
				continue
			}
			chunk := convertChunk(resp)
			select {
			case ch <- adapter.StreamEvent{Chunk: &chunk}:
			case <-ctx.Done():
				sendTerminal(ctx, ch, adapter.StreamEvent{Error: ctx.Err()})
				return
			}
		}
	}()
	return ch, nil
}

func convertChunk(resp gopenai.ChatCompletionStreamResponse) openai.ChatCompletionChunk {
	chunk := openai.ChatCompletionChunk{
		ID:      resp.ID,
		Object:  resp.Object,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: make([]openai.ChatCompletionChunkChoice, 0, len(resp.Choices)),
	}
	for _, c := range resp.Choices {
		choice := openai.ChatCompletionChunkChoice{
			Index: c.Index,
			Delta: openai.ChatMessageDelta{Role: c.Delta.Role, Content: c.Delta.Content},
		}
		if c.FinishReason != "" {
			choice.FinishReason = openai.StringPtr(string(c.FinishReason))
		}
		chunk.Choices = append(chunk.Choices, choice)
	}
	return chunk
}

// sendTerminal delivers the closing error event, falling back to the channel
// buffer when the reader has already gone away.
func sendTerminal(ctx context.Context, ch chan<- adapter.StreamEvent, ev adapter.StreamEvent) {
	select {
	case ch <- ev:
	case <-ctx.Done():
		select {
		case ch <- ev:
		default:
		}
	}
}

func convertError(err error) error {
	var apiErr *gopenai.APIError
	if errors.As(err, &apiErr) {
		return &adapter.UpstreamError{Provider: "openai", StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *gopenai.RequestError
	if errors.As(err, &reqErr) {
		msg := reqErr.HTTPStatus
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &adapter.UpstreamError{Provider: "openai", StatusCode: reqErr.HTTPStatusCode, Message: msg}
	}
	return fmt.Errorf("openai: %w", err)
}
