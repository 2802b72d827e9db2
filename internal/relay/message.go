package relay

import (
	"strconv"
	"strings"
	"time"

	"github.com/tokligence/chatrelay/internal/openai"
)

// Response envelope statuses shared by every JSON endpoint.
const (
	StatusSuccess      = "Success"
	StatusFail         = "Fail"
	StatusUnauthorized = "Unauthorized"
)

// Options carries the thread context a caller keeps between exchanges.
type Options struct {
	ConversationID  string `json:"conversationId,omitempty"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
}

// Request is the body accepted by the streaming endpoints.
type Request struct {
	CSID          string   `json:"csid,omitempty"`
	Prompt        string   `json:"prompt"`
	Options       Options  `json:"options"`
	SystemMessage string   `json:"systemMessage,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
}

// StreamMessage is one event payload on /chat-sse.
type StreamMessage struct {
	ID           string `json:"id"`
	CSID         string `json:"csid,omitempty"`
	PMID         string `json:"pmid,omitempty"`
	Delta        string `json:"delta"`
	Text         string `json:"text,omitempty"`
	FinishReason string `json:"finishReason,omitempty"`
}

// ChatMessage is the cumulative assistant message after a chunk. /chat-process
// streams it as-is; /chat-sse projects it into a StreamMessage.
type ChatMessage struct {
	ID              string                      `json:"id"`
	Role            string                      `json:"role"`
	Text            string                      `json:"text"`
	Delta           string                      `json:"delta"`
	ParentMessageID string                      `json:"parentMessageId,omitempty"`
	ConversationID  string                      `json:"conversationId,omitempty"`
	Detail          *openai.ChatCompletionChunk `json:"detail,omitempty"`
}

// FinishReason returns the upstream finish reason carried by the chunk, if any.
func (m *ChatMessage) FinishReason() string {
	if m == nil || m.Detail == nil {
		return ""
	}
	return m.Detail.GetFinishReason()
}

// StreamMessage projects the chunk onto the event payload. csid is used when
// the upstream did not report a conversation of its own.
func (m *ChatMessage) StreamMessage(csid string) StreamMessage {
	msg := StreamMessage{
		ID:           m.ID,
		CSID:         firstNonEmpty(m.ConversationID, csid),
		PMID:         m.ParentMessageID,
		Delta:        m.Delta,
		FinishReason: m.FinishReason(),
	}
	if m.Delta == "" && m.Text != "" {
		msg.Text = m.Text
	}
	return msg
}

// ErrorPayload is the terminal record written when the upstream call fails.
type ErrorPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func (e *ErrorPayload) Error() string { return e.Message }

// Result is one element of a relayed exchange: a chunk or a terminal error.
type Result struct {
	Chunk *ChatMessage
	Err   *ErrorPayload
}

// IsError reports whether the result terminates the exchange with a failure.
func (r Result) IsError() bool { return r.Err != nil }

// MintSessionID derives a conversation session id from the clock (unix
// milliseconds, base 36).
func MintSessionID(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 36)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
