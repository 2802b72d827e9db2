package adapter

import (
	"context"
	"fmt"

	"github.com/tokligence/chatrelay/internal/openai"
)

// StreamEvent is one element of an upstream stream: either a chunk or a terminal error.
type StreamEvent struct {
	Chunk *openai.ChatCompletionChunk
	Error error
}

// IsError reports whether the event terminates the stream with a failure.
func (e StreamEvent) IsError() bool {
	return e.Error != nil
}

// StreamingChatAdapter opens a streaming completion against an upstream provider.
// The returned channel yields chunks in arrival order and is closed once the
// upstream call settles; an error event is always the last one sent.
type StreamingChatAdapter interface {
	CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan StreamEvent, error)
}

// UpstreamError carries the HTTP status reported by a provider.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.StatusCode, e.Message)
}
