package ledger

import (
	"context"
	"errors"
	"time"
)

// Status records how an exchange ended.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrSubjectRequired is returned when an entry or query has no subject.
var ErrSubjectRequired = errors.New("ledger: subject required")

// Entry represents one relayed exchange written to the local ledger. It holds
// approximate token counts only; prompts, replies and session ids are not kept.
type Entry struct {
	ID               int64     `json:"id"`
	Subject          string    `json:"subject"`
	Route            string    `json:"route"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	FinishReason     string    `json:"finish_reason,omitempty"`
	Status           Status    `json:"status"`
	Memo             string    `json:"memo,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Summary aggregates usage for a subject.
type Summary struct {
	Exchanges        int64 `json:"exchanges"`
	Failures         int64 `json:"failures"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Store defines persistence behaviour for the ledger.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Summary(ctx context.Context, subject string) (Summary, error)
	ListRecent(ctx context.Context, subject string, limit int) ([]Entry, error)
	Close() error
}

// Pinger is implemented by stores that can report backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Validate checks an entry before it is written and fills defaults.
func Validate(entry *Entry) error {
	if entry.Subject == "" {
		return ErrSubjectRequired
	}
	if entry.Status == "" {
		entry.Status = StatusCompleted
	}
	if entry.Status != StatusCompleted && entry.Status != StatusFailed {
		return errors.New("ledger: invalid status " + string(entry.Status))
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return nil
}

// EstimateTokens approximates the token count of text at four characters per token.
func EstimateTokens(text string) int64 {
	n := int64(len([]rune(text)))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
