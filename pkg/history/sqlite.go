package history

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
`

// SQLiteStore appends transcript rows to a local sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite dsn is empty")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID, userID string, role Role, content string) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, user_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		conversationID, userID, string(role), content, time.Now().UTC(),
	)
	return errors.Wrap(err, "insert message")
}

// Recent returns the last n transcript entries of a conversation in
// chronological order.
func (s *SQLiteStore) Recent(ctx context.Context, conversationID string, n int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	if n <= 0 {
		n = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, role, content, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY id DESC LIMIT ?`,
		conversationID, n,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var role string
		if err := rows.Scan(&e.UserID, &role, &e.Content, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		e.ConversationID = conversationID
		e.Role = Role(role)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type Entry struct {
	ConversationID string
	UserID         string
	Role           Role
	Content        string
	CreatedAt      time.Time
}
