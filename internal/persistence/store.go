// Package persistence implements the persistence worker: fire-and-forget
// durable writes with an explicit drain protocol, per-session row
// ordering, and little-endian float32 embedding storage.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver
)

// SessionRow is one durable session record.
type SessionRow struct {
	ID              string
	WorkspacePath   string
	Name            string
	Summary         string
	SummaryEmbedding []float32
	Metadata        string // JSON
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastAccessed    time.Time
}

// ChatMessageRow is one durable chat_messages record.
type ChatMessageRow struct {
	ID            string
	SessionID     string
	Role          string
	Content       string
	ToolCallsJSON string
	Embedding     []float32
	CreatedAt     time.Time
}

// Store is the durable backing store the persistence worker writes
// through. Grounded on internal/sessions.Store, reshaped around the
// spec's sessions/chat_messages schema, with embeddings stored as
// little-endian float32 blobs.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a sqlite-backed durable store at path.
// An empty path opens an in-memory database, useful for tests.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			workspace_path TEXT,
			name TEXT,
			summary TEXT,
			summary_embedding BLOB,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			last_accessed DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			role TEXT NOT NULL,
			content TEXT,
			tool_calls_json TEXT,
			embedding BLOB,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, created_at)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS chat_messages_fts USING fts5(content, content='chat_messages', content_rowid='rowid')`,
		`CREATE TRIGGER IF NOT EXISTS chat_messages_fts_ai AFTER INSERT ON chat_messages BEGIN
			INSERT INTO chat_messages_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			session_id TEXT,
			content TEXT NOT NULL,
			embedding BLOB,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS todos (
			session_id TEXT PRIMARY KEY,
			items_json TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("persistence: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSession performs the idempotent "INSERT OR IGNORE a session row"
// step of PersistMessage semantics (§4.6 step 1).
func (s *Store) EnsureSession(ctx context.Context, sessionID, workspacePath string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sessions (id, workspace_path, name, summary, metadata, created_at, updated_at, last_accessed)
		VALUES (?, ?, '', '', '{}', ?, ?, ?)
	`, sessionID, workspacePath, now, now, now)
	return err
}

// InsertMessage performs steps 3-4 of PersistMessage semantics: insert the
// chat_messages row (erroring if zero rows were affected) and touch the
// session's last_accessed/updated_at.
func (s *Store) InsertMessage(ctx context.Context, row ChatMessageRow) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, role, content, tool_calls_json, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, row.ID, row.SessionID, row.Role, row.Content, row.ToolCallsJSON, encodeEmbedding(row.Embedding), row.CreatedAt)
	if err != nil {
		return fmt.Errorf("persistence: insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("persistence: insert message: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("persistence: insert message: zero rows affected for %s", row.ID)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions SET last_accessed = ?, updated_at = ? WHERE id = ?
	`, now, now, row.SessionID)
	return err
}

// UpdateSessionName sets the session's generated name.
func (s *Store) UpdateSessionName(ctx context.Context, sessionID, name string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET name = ?, updated_at = ? WHERE id = ?`,
		name, time.Now(), sessionID)
	return err
}

// UpdateSessionSummary sets the session's summary and its embedding.
func (s *Store) UpdateSessionSummary(ctx context.Context, sessionID, summary string, embedding []float32) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET summary = ?, summary_embedding = ?, updated_at = ? WHERE id = ?
	`, summary, encodeEmbedding(embedding), time.Now(), sessionID)
	return err
}

// GetHistory returns up to limit most recent messages for a session in
// chronological order. limit <= 0 means unbounded.
func (s *Store) GetHistory(ctx context.Context, sessionID string, limit int) ([]ChatMessageRow, error) {
	base := `SELECT id, session_id, role, content, tool_calls_json, embedding, created_at
		FROM chat_messages WHERE session_id = ?`
	query := base + ` ORDER BY created_at ASC`
	args := []any{sessionID}
	if limit > 0 {
		query = `SELECT * FROM (` + base + ` ORDER BY created_at DESC LIMIT ?) ORDER BY created_at ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatMessageRow
	for rows.Next() {
		var r ChatMessageRow
		var blob []byte
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Role, &r.Content, &r.ToolCallsJSON, &blob, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Embedding = decodeEmbedding(blob)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SearchMessages performs a full-text search over the content of one
// session's messages, returning at most limit rows (20 when limit <= 0).
func (s *Store) SearchMessages(ctx context.Context, sessionID, query string, limit int) ([]ChatMessageRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT cm.id, cm.session_id, cm.role, cm.content, cm.tool_calls_json, cm.embedding, cm.created_at
		FROM chat_messages_fts f
		JOIN chat_messages cm ON cm.rowid = f.rowid
		WHERE f.content MATCH ? AND cm.session_id = ?
		LIMIT ?
	`, query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatMessageRow
	for rows.Next() {
		var r ChatMessageRow
		var blob []byte
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Role, &r.Content, &r.ToolCallsJSON, &blob, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Embedding = decodeEmbedding(blob)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertTodos stores the current TODO list for a session.
func (s *Store) UpsertTodos(ctx context.Context, sessionID, itemsJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO todos (session_id, items_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET items_json = excluded.items_json, updated_at = excluded.updated_at
	`, sessionID, itemsJSON, time.Now())
	return err
}

// GetTodos returns the stored TODO list JSON for a session, or "[]" if the
// session has none yet.
func (s *Store) GetTodos(ctx context.Context, sessionID string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT items_json FROM todos WHERE session_id = ?`, sessionID)
	var itemsJSON string
	if err := row.Scan(&itemsJSON); err != nil {
		if err == sql.ErrNoRows {
			return "[]", nil
		}
		return "", err
	}
	return itemsJSON, nil
}

// InsertMemory stores a long-term memory entry with its embedding.
func (s *Store) InsertMemory(ctx context.Context, id, sessionID, content string, embedding []float32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, session_id, content, embedding, created_at) VALUES (?, ?, ?, ?, ?)
	`, id, sessionID, content, encodeEmbedding(embedding), time.Now())
	return err
}

// encodeEmbedding converts []float32 to a little-endian byte blob.
func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}
