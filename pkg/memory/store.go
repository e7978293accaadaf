// Package memory provides conversation history storage and the
// token-budgeted assembly of prompts from that history.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Message is one stored conversation turn.
type Message struct {
	ID        string
	SubjectID string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Store is the narrow history contract the orchestrator depends on.
// Recent returns newest-first; callers re-order as needed.
type Store interface {
	Append(ctx context.Context, subjectID, role, content string) error
	Recent(ctx context.Context, subjectID string, n int) ([]Message, error)
}

// SQLiteStore persists messages in SQLite. All public methods are safe
// for concurrent use (SQLite serializes writes).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a message store at dbPath. The
// schema is created automatically on first use.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate memory schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_subject ON messages(subject_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append stores one message for a subject.
func (s *SQLiteStore) Append(ctx context.Context, subjectID, role, content string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate message ID: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, subject_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id.String(), subjectID, role, content,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Recent returns up to n messages for a subject, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, subjectID string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_id, role, content, created_at
		 FROM messages
		 WHERE subject_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		subjectID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var created string
		if err := rows.Scan(&m.ID, &m.SubjectID, &m.Role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			m.CreatedAt = t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
