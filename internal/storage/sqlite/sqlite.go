package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/cellsrv/internal/storage"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// SessionSummary describes one logged session.
type SessionSummary struct {
	ID        string    `json:"id"`
	Messages  int       `json:"messages"`
	Closed    bool      `json:"closed"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListOptions controls pagination for ListSessions.
type ListOptions struct {
	OnlyOpen bool
	Limit    int
	Offset   int
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: appends are serialized and ":memory:" stays one database.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, msg storage.OutputMessage) (int, error) {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return 0, fmt.Errorf("marshaling content: %w", err)
	}
	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning append: %w", err)
	}
	defer tx.Rollback()

	var seq int
	var closed bool
	err = tx.QueryRowContext(ctx, `
		SELECT next_sequence, closed FROM output_sessions WHERE session_id = ?`,
		msg.SessionID).Scan(&seq, &closed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		seq = 0
	case err != nil:
		return 0, fmt.Errorf("reading session state: %w", err)
	case closed:
		return 0, fmt.Errorf("%w: %s", storage.ErrSessionClosed, msg.SessionID)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO output_sessions (session_id, next_sequence, closed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			next_sequence = excluded.next_sequence,
			closed = excluded.closed,
			updated_at = excluded.updated_at`,
		msg.SessionID, seq+1, msg.Terminal(), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("updating session state: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO output_messages (session_id, sequence, msg_type, parent_msg_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.SessionID, seq, msg.MsgType, msg.ParentMsgID, string(content),
		created.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing append: %w", err)
	}
	return seq, nil
}

func (s *SQLiteStore) Messages(ctx context.Context, sessionID string, from int) ([]storage.OutputMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sequence, msg_type, parent_msg_id, content, created_at
		FROM output_messages WHERE session_id = ? AND sequence >= ?
		ORDER BY sequence`, sessionID, from)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	messages := []storage.OutputMessage{}
	for rows.Next() {
		var m storage.OutputMessage
		var content, createdAt string
		if err := rows.Scan(&m.SessionID, &m.Sequence, &m.MsgType, &m.ParentMsgID, &content, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
			return nil, fmt.Errorf("unmarshaling content: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) Closed(ctx context.Context, sessionID string) (bool, error) {
	var closed bool
	err := s.db.QueryRowContext(ctx, `
		SELECT closed FROM output_sessions WHERE session_id = ?`, sessionID).Scan(&closed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading session state: %w", err)
	}
	return closed, nil
}

// ResolveSession returns the logged session id that equals or uniquely
// starts with prefix.
func (s *SQLiteStore) ResolveSession(ctx context.Context, prefix string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id FROM output_sessions WHERE session_id = ?`, prefix).Scan(&id)
	if err == nil {
		return id, nil
	}

	// Prefix match
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id FROM output_sessions WHERE session_id LIKE ? || '%'`, prefix)
	if err != nil {
		return "", fmt.Errorf("querying session: %w", err)
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		matches = append(matches, id)
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("session %s: %w", prefix, storage.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous session prefix %q matches %d sessions", prefix, len(matches))
	}
}

// ListSessions returns logged sessions ordered by last activity, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, opts ListOptions) ([]SessionSummary, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT session_id, next_sequence, closed, created_at, updated_at FROM output_sessions`
	var args []any

	if opts.OnlyOpen {
		query += ` WHERE closed = 0`
	}

	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var createdAt, updatedAt string
		if err := rows.Scan(&sum.ID, &sum.Messages, &sum.Closed, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		sum.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		sum.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		sessions = append(sessions, sum)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session's messages, input and files.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM output_messages WHERE session_id = ?`,
		`DELETE FROM output_sessions WHERE session_id = ?`,
		`DELETE FROM inputs WHERE session_id = ?`,
		`DELETE FROM files WHERE session_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, sessionID); err != nil {
			return fmt.Errorf("deleting session: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveInput(ctx context.Context, in storage.InputMessage) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling input: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO inputs (shortened, session_id, msg_id, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		in.Shortened, in.Session(), in.Header.MsgID, string(data), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting input: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InputByShortened(ctx context.Context, shortened string) (*storage.InputMessage, error) {
	return s.loadInput(ctx, `SELECT message FROM inputs WHERE shortened = ?`, shortened)
}

func (s *SQLiteStore) InputBySession(ctx context.Context, sessionID string) (*storage.InputMessage, error) {
	return s.loadInput(ctx, `SELECT message FROM inputs WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`, sessionID)
}

func (s *SQLiteStore) loadInput(ctx context.Context, query, key string) (*storage.InputMessage, error) {
	var data string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("input %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading input: %w", err)
	}

	var in storage.InputMessage
	if err := json.Unmarshal([]byte(data), &in); err != nil {
		return nil, fmt.Errorf("unmarshaling input: %w", err)
	}
	return &in, nil
}

func (s *SQLiteStore) Put(ctx context.Context, sessionID, filename string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (session_id, filename, data, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, filename) DO UPDATE SET data = excluded.data, created_at = excluded.created_at`,
		sessionID, filename, data, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("storing file: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID, filename string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM files WHERE session_id = ? AND filename = ?`, sessionID, filename).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %s/%s: %w", sessionID, filename, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading file: %w", err)
	}
	return data, nil
}

func (s *SQLiteStore) DeleteAll(ctx context.Context, sessionID, filename string) (int, error) {
	query := `DELETE FROM files WHERE 1 = 1`
	var args []any
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	if filename != "" {
		query += ` AND filename = ?`
		args = append(args, filename)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting files: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
