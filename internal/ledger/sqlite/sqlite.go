package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/tokligence/chatrelay/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS exchanges (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	subject TEXT NOT NULL,
	route TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	finish_reason TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK(status IN ('completed','failed')),
	memo TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_exchanges_subject_created ON exchanges(subject, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts a new exchange entry.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	if err := ledger.Validate(&entry); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO exchanges(subject, route, model, prompt_tokens, completion_tokens, finish_reason, status, memo, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Subject,
		entry.Route,
		entry.Model,
		entry.PromptTokens,
		entry.CompletionTokens,
		entry.FinishReason,
		string(entry.Status),
		entry.Memo,
		entry.CreatedAt,
	)
	return err
}

// Summary returns aggregated usage for the given subject.
func (s *Store) Summary(ctx context.Context, subject string) (ledger.Summary, error) {
	if subject == "" {
		return ledger.Summary{}, ledger.ErrSubjectRequired
	}
	row := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(prompt_tokens), 0),
	COALESCE(SUM(completion_tokens), 0)
FROM exchanges
WHERE subject = ?`, subject)

	var summary ledger.Summary
	if err := row.Scan(&summary.Exchanges, &summary.Failures, &summary.PromptTokens, &summary.CompletionTokens); err != nil {
		return ledger.Summary{}, err
	}
	summary.TotalTokens = summary.PromptTokens + summary.CompletionTokens
	return summary, nil
}

// ListRecent returns the latest entries for a subject.
func (s *Store) ListRecent(ctx context.Context, subject string, limit int) ([]ledger.Entry, error) {
	if subject == "" {
		return nil, ledger.ErrSubjectRequired
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, subject, route, model, prompt_tokens, completion_tokens, finish_reason, status, memo, created_at
FROM exchanges
WHERE subject = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`, subject, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var status string
		if err := rows.Scan(&e.ID, &e.Subject, &e.Route, &e.Model, &e.PromptTokens, &e.CompletionTokens, &e.FinishReason, &status, &e.Memo, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Status = ledger.Status(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
