package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists sessions and their message logs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the session database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process mirror store. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			repository_id TEXT NOT NULL DEFAULT '',
			branch TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			last_activity_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS chat_sessions_user_idx ON chat_sessions(user_id, last_activity_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS session_messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			files_json TEXT NOT NULL DEFAULT '[]',
			snippets_json TEXT NOT NULL DEFAULT '[]',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS session_messages_session_idx ON session_messages(session_id, created_at_ms, message_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init session schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, sess ChatSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (session_id, user_id, title, repository_id, branch, status, message_count, created_at_ms, updated_at_ms, last_activity_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			user_id = excluded.user_id,
			title = excluded.title,
			repository_id = excluded.repository_id,
			branch = excluded.branch,
			status = excluded.status,
			message_count = excluded.message_count,
			updated_at_ms = excluded.updated_at_ms,
			last_activity_ms = excluded.last_activity_ms`,
		sess.SessionID, sess.UserID, sess.Title, sess.RepositoryID, sess.Branch,
		string(sess.Status), sess.MessageCount, sess.CreatedAtMS, sess.UpdatedAtMS, sess.LastActivityMS)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (ChatSession, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, title, repository_id, branch, status, message_count, created_at_ms, updated_at_ms, last_activity_ms
		FROM chat_sessions WHERE session_id = ?`, sessionID)

	var sess ChatSession
	var status string
	err := row.Scan(&sess.SessionID, &sess.UserID, &sess.Title, &sess.RepositoryID, &sess.Branch,
		&status, &sess.MessageCount, &sess.CreatedAtMS, &sess.UpdatedAtMS, &sess.LastActivityMS)
	if err == sql.ErrNoRows {
		return ChatSession{}, false, nil
	}
	if err != nil {
		return ChatSession{}, false, fmt.Errorf("get session: %w", err)
	}
	sess.Status = Status(status)
	return sess, true, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, userID string, limit int) ([]ChatSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, title, repository_id, branch, status, message_count, created_at_ms, updated_at_ms, last_activity_ms
		FROM chat_sessions WHERE user_id = ?
		ORDER BY last_activity_ms DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []ChatSession{}
	for rows.Next() {
		var sess ChatSession
		var status string
		if err := rows.Scan(&sess.SessionID, &sess.UserID, &sess.Title, &sess.RepositoryID, &sess.Branch,
			&status, &sess.MessageCount, &sess.CreatedAtMS, &sess.UpdatedAtMS, &sess.LastActivityMS); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Status = Status(status)
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg SessionMessage) error {
	filesJSON, _ := json.Marshal(emptyIfNil(msg.FilesReferenced))
	snippetsJSON, _ := json.Marshal(emptyIfNil(msg.CodeSnippets))
	metaJSON, _ := json.Marshal(emptyMapIfNil(msg.Metadata))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_messages (message_id, session_id, role, content, files_json, snippets_json, metadata_json, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.SessionID, msg.Role, msg.Content,
		string(filesJSON), string(snippetsJSON), string(metaJSON), msg.CreatedAtMS)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]SessionMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, session_id, role, content, files_json, snippets_json, metadata_json, created_at_ms
		FROM session_messages WHERE session_id = ?
		ORDER BY created_at_ms ASC, message_id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := []SessionMessage{}
	for rows.Next() {
		var msg SessionMessage
		var filesJSON, snippetsJSON, metaJSON string
		if err := rows.Scan(&msg.MessageID, &msg.SessionID, &msg.Role, &msg.Content,
			&filesJSON, &snippetsJSON, &metaJSON, &msg.CreatedAtMS); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		_ = json.Unmarshal([]byte(filesJSON), &msg.FilesReferenced)
		_ = json.Unmarshal([]byte(snippetsJSON), &msg.CodeSnippets)
		_ = json.Unmarshal([]byte(metaJSON), &msg.Metadata)
		out = append(out, msg)
	}
	return out, rows.Err()
}

func emptyIfNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func emptyMapIfNil(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}
