package openai

import "time"

// Metadata keys carried on a ChatCompletionRequest between the relay and its adapters.
const (
	MetadataConversationID  = "conversation_id"
	MetadataParentMessageID = "parent_message_id"
	MetadataMessageID       = "message_id"
)

// ChatCompletionRequest captures the subset of OpenAI's request the relay forwards upstream.
type ChatCompletionRequest struct {
	Model       string            `json:"model"`
	Messages    []ChatMessage     `json:"messages"`
	Stream      bool              `json:"stream,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ChatMessage follows OpenAI's role/content schema (plain text only).
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Meta returns the metadata value for key, or "" when unset.
func (r ChatCompletionRequest) Meta(key string) string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[key]
}

// LastUserMessage returns the final user message, or the last message when no user turn exists.
func (r ChatCompletionRequest) LastUserMessage() (ChatMessage, bool) {
	if len(r.Messages) == 0 {
		return ChatMessage{}, false
	}
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i], true
		}
	}
	return r.Messages[len(r.Messages)-1], true
}

// NewChunk builds a single-choice streaming chunk.
func NewChunk(id, model, content string, finishReason *string) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatCompletionChunkChoice{{
			Index:        0,
			Delta:        ChatMessageDelta{Content: content},
			FinishReason: finishReason,
		}},
	}
}

// StringPtr is a helper for optional string fields such as finish_reason.
func StringPtr(s string) *string {
	return &s
}
