// Package history persists per-bot conversation history and token usage
// in a SQLite database next to the bot's configuration.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	busyRetries = 5
	busyBackoff = 50 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id    TEXT NOT NULL,
	role       TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
	content    TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, id);

CREATE TABLE IF NOT EXISTS token_usage (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	model                 TEXT NOT NULL,
	input_tokens          INTEGER NOT NULL DEFAULT 0,
	output_tokens         INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
	cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd              REAL NOT NULL DEFAULT 0,
	duration_ms           INTEGER NOT NULL DEFAULT 0,
	created_at            TEXT NOT NULL DEFAULT (datetime('now'))
);
`

// Message is one stored conversation turn.
type Message struct {
	ID      int64
	ChatID  string
	Role    string
	Content string
}

// Usage is one agent invocation's token accounting.
type Usage struct {
	Model               string
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	CostUSD             float64
	DurationMS          int64
}

// Store wraps the per-bot history database. The schema is created on
// first open so new bots need no provisioning step.
type Store struct {
	db  *sql.DB
	log *slog.Logger
	mu  sync.Mutex
}

// Open opens (or creates) the history database at path.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// retryBusy runs fn, retrying with jittered backoff while the database
// reports contention from a concurrent writer.
func retryBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(busyBackoff + time.Duration(rand.Int63n(int64(busyBackoff))))
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// Append stores one conversation turn.
func (s *Store) Append(ctx context.Context, chatID, role, content string) error {
	return retryBusy(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO messages (chat_id, role, content) VALUES (?, ?, ?)`,
			chatID, role, content)
		return err
	})
}

// Recent returns the most recent n turns for chatID in ascending id order.
func (s *Store) Recent(ctx context.Context, chatID string, n int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, role, content FROM (
			SELECT id, chat_id, role, content FROM messages
			WHERE chat_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		chatID, n)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// After returns turns with id greater than lastID, ascending, limited to
// consolidation batch size.
func (s *Store) After(ctx context.Context, lastID int64, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, role, content FROM messages WHERE id > ? ORDER BY id ASC LIMIT ?`,
		lastID, limit)
	if err != nil {
		return nil, fmt.Errorf("query new messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecordUsage stores token accounting for one agent run. Called from a
// goroutine after the reply is already on its way; failures only log.
func (s *Store) RecordUsage(u Usage) {
	err := retryBusy(func() error {
		_, execErr := s.db.Exec(
			`INSERT INTO token_usage
				(model, input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens, cost_usd, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			u.Model, u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheCreationTokens, u.CostUSD, u.DurationMS)
		return execErr
	})
	if err != nil {
		s.log.Warn("history.usage_record_failed", "error", err)
	}
}
