package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tokligence/chatrelay/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// PoolConfig tunes the connection pool; zero values keep database/sql defaults.
type PoolConfig struct {
	MaxOpen         int
	MaxIdle         int
	MaxLifetime     time.Duration
	MaxIdleDuration time.Duration
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and pool settings.
func New(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}

	if pool.MaxOpen > 0 {
		db.SetMaxOpenConns(pool.MaxOpen)
	}
	if pool.MaxIdle > 0 {
		db.SetMaxIdleConns(pool.MaxIdle)
	}
	if pool.MaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.MaxLifetime)
	}
	if pool.MaxIdleDuration > 0 {
		db.SetConnMaxIdleTime(pool.MaxIdleDuration)
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
	id BIGSERIAL PRIMARY KEY,
	subject TEXT NOT NULL,
	route TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	prompt_tokens BIGINT NOT NULL,
	completion_tokens BIGINT NOT NULL,
	finish_reason TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK(status IN ('completed','failed')),
	memo TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
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
WHERE subject = $1`, subject)

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
WHERE subject = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`, subject, limit)
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
