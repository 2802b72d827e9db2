package openai

// ChatCompletionChunk represents a chunk in an SSE streaming response.
// Its choices[0].delta.content layout is the legacy shape stream consumers still accept.
type ChatCompletionChunk struct {
	ID      string                      `json:"id"`
	Object  string                      `json:"object"`
	Created int64                       `json:"created"`
	Model   string                      `json:"model"`
	Choices []ChatCompletionChunkChoice `json:"choices"`
}

// ChatCompletionChunkChoice represents a choice in a streaming chunk.
type ChatCompletionChunkChoice struct {
	Index        int              `json:"index"`
	Delta        ChatMessageDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
}

// ChatMessageDelta represents the incremental content in a stream chunk.
type ChatMessageDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

func (c *ChatCompletionChunk) GetDelta() ChatMessageDelta {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta
	}
	return ChatMessageDelta{}
}

// GetFinishReason returns the finish reason of the first choice, or "" while the stream is open.
func (c *ChatCompletionChunk) GetFinishReason() string {
	if len(c.Choices) > 0 && c.Choices[0].FinishReason != nil {
		return *c.Choices[0].FinishReason
	}
	return ""
}
