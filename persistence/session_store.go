// Package persistence stores loop sessions and their conversation history.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lexcodex/loopsmith/loop"
)

// SessionInfo summarizes a stored session.
type SessionInfo struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`
}

// SQLiteSessionStore persists sessions and messages in a SQLite database.
// It implements loop.MessageStore.
type SQLiteSessionStore struct {
	db *sql.DB
}

// NewSQLiteSessionStore opens/creates the database at dbPath.
func NewSQLiteSessionStore(dbPath string) (*SQLiteSessionStore, error) {
	if dbPath == "" {
		return nil, errors.New("database path required")
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, err
	}
	store := &SQLiteSessionStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *SQLiteSessionStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteSessionStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendMessage stores one turn and returns its row id. The session row is
// created on first use.
func (s *SQLiteSessionStore) AppendMessage(ctx context.Context, sessionID, role, content string) (int64, error) {
	if sessionID == "" {
		return 0, errors.New("session id required")
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, created_at) VALUES (?, ?)`, sessionID, now); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, role, content, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ReadHistory returns the session's turns in chronological order. A positive
// limit returns only the most recent turns.
func (s *SQLiteSessionStore) ReadHistory(ctx context.Context, sessionID string, limit int) ([]loop.Turn, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT role, content FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
			sessionID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT role, content FROM messages WHERE session_id = ? ORDER BY id ASC`,
			sessionID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	turns := make([]loop.Turn, 0)
	for rows.Next() {
		var turn loop.Turn
		if err := rows.Scan(&turn.Role, &turn.Content); err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 {
		for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
			turns[i], turns[j] = turns[j], turns[i]
		}
	}
	return turns, nil
}

// RecordOutcome appends the run's terminal message as an assistant turn so a
// later request sees what the loop concluded.
func (s *SQLiteSessionStore) RecordOutcome(ctx context.Context, sessionID string, outcome *loop.Outcome) error {
	if outcome == nil || outcome.Message == nil {
		return errors.New("outcome required")
	}
	content, err := json.Marshal(outcome.Message)
	if err != nil {
		return err
	}
	_, err = s.AppendMessage(ctx, sessionID, "assistant", string(content))
	return err
}

// ListSessions returns stored sessions, newest first.
func (s *SQLiteSessionStore) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.created_at, COUNT(m.id)
		FROM sessions s
		LEFT JOIN messages m ON m.session_id = s.id
		GROUP BY s.id
		ORDER BY s.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sessions := make([]SessionInfo, 0)
	for rows.Next() {
		var info SessionInfo
		if err := rows.Scan(&info.ID, &info.CreatedAt, &info.MessageCount); err != nil {
			return nil, err
		}
		sessions = append(sessions, info)
	}
	return sessions, rows.Err()
}

// ClearSession removes a session and its messages.
func (s *SQLiteSessionStore) ClearSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	return err
}
