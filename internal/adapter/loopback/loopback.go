package loopback

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/chatrelay/internal/adapter"
	"github.com/tokligence/chatrelay/internal/openai"
)

// Ensure LoopbackAdapter implements StreamingChatAdapter.
var _ adapter.StreamingChatAdapter = (*LoopbackAdapter)(nil)

// LoopbackAdapter streams the last user message back to the caller one word at a time.
type LoopbackAdapter struct {
	delay time.Duration
}

// New creates a LoopbackAdapter instance. A non-zero delay is slept between chunks.
func New(delay time.Duration) *LoopbackAdapter {
	return &LoopbackAdapter{delay: delay}
}

// CreateCompletionStream fabricates a deterministic stream for exercising the relay pipeline.
func (a *LoopbackAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	message, ok := req.LastUserMessage()
	if !ok {
		return nil, errors.New("loopback: no messages provided")
	}
	pieces := splitWords("[loopback] " + strings.TrimSpace(message.Content))
	id := "chatcmpl-loopback-" + uuid.NewString()

	ch := make(chan adapter.StreamEvent)
	go func() {
		defer close(ch)
		for i, piece := range pieces {
			var finish *string
			if i == len(pieces)-1 {
				finish = openai.StringPtr("stop")
			}
			chunk := openai.NewChunk(id, req.Model, piece, finish)
			if i == 0 {
				chunk.Choices[0].Delta.Role = "assistant"
			}
			select {
			case ch <- adapter.StreamEvent{Chunk: &chunk}:
			case <-ctx.Done():
				return
			}
			if a.delay > 0 && finish == nil {
				select {
				case <-time.After(a.delay):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

// splitWords cuts s before every run of spaces so that joining the pieces restores s.
func splitWords(s string) []string {
	var out []string
	start := 0
	for i := 1; i < len(s); i++ {
		if s[i] == ' ' && s[i-1] != ' ' {
			out = append(out, s[start:i])
			start = i
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
