// Package history is the append-only chat log, one SQLite table shared by
// all personas.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var ErrInvalidEntry = errors.New("invalid history entry")

// Entry is one message.
type Entry struct {
	ID        string    `json:"id"`
	Persona   string    `json:"persona"`
	Timestamp time.Time `json:"timestamp"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
}

const schema = `
CREATE TABLE IF NOT EXISTS chat_history (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	id        TEXT NOT NULL UNIQUE,
	persona   TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	role      TEXT NOT NULL,
	content   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_history_persona ON chat_history(persona, seq);
`

// Store wraps the database handle.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates the database file and schema when needed. ":memory:" gives
// a private in-memory log.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	// One writer at a time; a single connection also keeps ":memory:"
	// pointing at the same database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL", "PRAGMA busy_timeout=5000"}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure history database (%s): %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Append records one message and returns it with ID and timestamp set.
func (s *Store) Append(ctx context.Context, persona, role, content string) (Entry, error) {
	if persona == "" || (role != RoleUser && role != RoleAssistant) {
		return Entry{}, fmt.Errorf("%w: persona %q role %q", ErrInvalidEntry, persona, role)
	}

	e := Entry{
		ID:        uuid.NewString(),
		Persona:   persona,
		Timestamp: s.now().UTC(),
		Role:      role,
		Content:   content,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_history (id, persona, timestamp, role, content) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Persona, e.Timestamp.UnixNano(), e.Role, e.Content)
	if err != nil {
		return Entry{}, fmt.Errorf("append history: %w", err)
	}
	return e, nil
}

// List returns a persona's messages oldest first. limit > 0 keeps only
// the most recent limit entries.
func (s *Store) List(ctx context.Context, persona string, limit int) ([]Entry, error) {
	query := `SELECT id, persona, timestamp, role, content FROM chat_history WHERE persona = ? ORDER BY seq`
	args := []any{persona}
	if limit > 0 {
		query = `SELECT id, persona, timestamp, role, content FROM (
			SELECT seq, id, persona, timestamp, role, content FROM chat_history
			WHERE persona = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.ID, &e.Persona, &ts, &e.Role, &e.Content); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Personas returns every persona with at least one entry.
func (s *Store) Personas(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT persona FROM chat_history ORDER BY persona`)
	if err != nil {
		return nil, fmt.Errorf("list history personas: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
