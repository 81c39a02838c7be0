// Package ledger records which messages have been handled so a message is
// never submitted twice, even when marking it read fails.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Outcome is the terminal state of one message.
type Outcome string

const (
	Created Outcome = "created"
	Skipped Outcome = "skipped"
	Failed  Outcome = "failed"
)

// Final reports whether the message must not be processed again.
// Failed messages are retried on the next poll.
func (o Outcome) Final() bool {
	return o == Created || o == Skipped
}

// Entry is one ledger row.
type Entry struct {
	MessageID string  `json:"message_id"`
	Outcome   Outcome `json:"outcome"`
	Summary   string  `json:"summary,omitempty"`
	Start     string  `json:"start,omitempty"`
	Ref       string  `json:"ref,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	// Delivered maps each sink that accepted the event to its reference, so
	// a retry only calls the sinks still missing.
	Delivered map[string]string `json:"delivered,omitempty"`
	// Attempts counts submissions, including the one recorded.
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS processed (
	message_id TEXT PRIMARY KEY,
	outcome    TEXT NOT NULL,
	summary    TEXT NOT NULL DEFAULT '',
	start      TEXT NOT NULL DEFAULT '',
	ref        TEXT NOT NULL DEFAULT '',
	reason     TEXT NOT NULL DEFAULT '',
	delivered  TEXT NOT NULL DEFAULT '',
	attempts   INTEGER NOT NULL DEFAULT 0,
	at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS processed_at ON processed(at);
`

// addedColumns are applied to databases created before the columns existed.
var addedColumns = []string{
	`ALTER TABLE processed ADD COLUMN delivered TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE processed ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0`,
}

const columns = `message_id, outcome, summary, start, ref, reason, delivered, attempts, at`

// Ledger is a SQLite-backed record of processed messages. It is safe for
// concurrent use.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the ledger database at path.
func Open(path string) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ledger: create directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", strings.ReplaceAll(path, " ", "%20"))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening sqlite database failed: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: connecting to sqlite database failed: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	for _, stmt := range addedColumns {
		if _, err := db.Exec(stmt); err != nil && !strings.Contains(err.Error(), "duplicate column") {
			db.Close()
			return nil, fmt.Errorf("ledger: migrate: %w", err)
		}
	}
	return &Ledger{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Lookup returns the entry for id, if any.
func (l *Ledger) Lookup(ctx context.Context, id string) (Entry, bool, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM processed WHERE message_id = ?`, id)
	e, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("ledger: lookup %q: %w", id, err)
	}
	return e, true, nil
}

// Record stores e, replacing any earlier entry for the same message.
// A zero At is set to the current time.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.MessageID == "" {
		return errors.New("ledger: message id is empty")
	}
	if e.At.IsZero() {
		e.At = l.now()
	}
	delivered := ""
	if len(e.Delivered) > 0 {
		b, err := json.Marshal(e.Delivered)
		if err != nil {
			return fmt.Errorf("ledger: record %q: %w", e.MessageID, err)
		}
		delivered = string(b)
	}
	_, err := l.db.ExecContext(ctx, `
INSERT INTO processed (`+columns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(message_id) DO UPDATE SET
	outcome   = excluded.outcome,
	summary   = excluded.summary,
	start     = excluded.start,
	ref       = excluded.ref,
	reason    = excluded.reason,
	delivered = excluded.delivered,
	attempts  = excluded.attempts,
	at        = excluded.at`,
		e.MessageID, string(e.Outcome), e.Summary, e.Start, e.Ref, e.Reason, delivered, e.Attempts, e.At.UnixNano())
	if err != nil {
		return fmt.Errorf("ledger: record %q: %w", e.MessageID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+columns+` FROM processed ORDER BY at DESC, message_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: sqlite query failed: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scanning sqlite row failed: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating sqlite rows failed: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (Entry, error) {
	var (
		e         Entry
		outcome   string
		delivered string
		at        int64
	)
	if err := s.Scan(&e.MessageID, &outcome, &e.Summary, &e.Start, &e.Ref, &e.Reason, &delivered, &e.Attempts, &at); err != nil {
		return Entry{}, err
	}
	e.Outcome = Outcome(outcome)
	if delivered != "" {
		if err := json.Unmarshal([]byte(delivered), &e.Delivered); err != nil {
			return Entry{}, fmt.Errorf("delivered column: %w", err)
		}
	}
	e.At = time.Unix(0, at)
	return e, nil
}
