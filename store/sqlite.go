package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"scribe/model"
)

// SQLiteStore is the durable local cache: conversations and messages mirror
// what the backend holds so history survives offline. ReAct steps and token
// usage are serialized as JSON columns — they are opaque to every query the
// client runs.
type SQLiteStore struct {
	db     *sql.DB
	lister Lister
}

// NewSQLiteStore opens (creating if needed) the cache database under
// dataDir. lister may be nil; Refresh is then a no-op.
func NewSQLiteStore(dataDir string, lister Lister) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "conversations.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db, lister: lister}
	if err := s.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY,
		title TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		archived INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		thought TEXT NOT NULL DEFAULT '',
		steps TEXT NOT NULL DEFAULT '',
		usage TEXT NOT NULL DEFAULT '',
		local_only INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AppendMessage implements Store.
func (s *SQLiteStore) AppendMessage(conversationID int64, msg model.Message) error {
	now := time.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow(`SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		_, err = tx.Exec(`
			INSERT INTO conversations (id, title, created_at, updated_at)
			VALUES (?, ?, ?, ?)`,
			conversationID, model.GenerateTitle(msg.Content), now, now)
		if err != nil {
			return err
		}
	} else {
		_, err = tx.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID)
		if err != nil {
			return err
		}
	}

	steps, err := marshalOrEmpty(msg.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	usage, err := marshalOrEmpty(msg.Usage)
	if err != nil {
		return fmt.Errorf("encode usage: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO messages (id, conversation_id, role, content, thought, steps, usage, local_only, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, msg.Role, msg.Content, msg.Thought, steps, usage,
		boolToInt(msg.LocalOnly), msg.CreatedAt)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// PromoteDraft implements Store.
func (s *SQLiteStore) PromoteDraft(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM conversations WHERE id = 0`).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return nil
	}

	var targetExists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM conversations WHERE id = ?`, id).Scan(&targetExists); err != nil {
		return err
	}

	if targetExists == 0 {
		if _, err := tx.Exec(`UPDATE conversations SET id = ? WHERE id = 0`, id); err != nil {
			return err
		}
	} else {
		if _, err := tx.Exec(`DELETE FROM conversations WHERE id = 0`); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`UPDATE messages SET conversation_id = ? WHERE conversation_id = 0`, id); err != nil {
		return err
	}

	return tx.Commit()
}

// Conversation implements Store.
func (s *SQLiteStore) Conversation(id int64) (*model.Conversation, error) {
	var conv model.Conversation
	var archived int
	err := s.db.QueryRow(`
		SELECT id, title, model, archived, created_at, updated_at
		FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.Title, &conv.Model, &archived, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	conv.Archived = archived != 0

	rows, err := s.db.Query(`
		SELECT id, role, content, thought, steps, usage, local_only, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at, rowid`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var msg model.Message
		var steps, usage string
		var localOnly int
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &msg.Thought,
			&steps, &usage, &localOnly, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.ConversationID = id
		msg.LocalOnly = localOnly != 0
		if steps != "" {
			if err := json.Unmarshal([]byte(steps), &msg.Steps); err != nil {
				// A corrupted steps column loses the step trail, not the message.
				msg.Steps = nil
			}
		}
		if usage != "" {
			_ = json.Unmarshal([]byte(usage), &msg.Usage)
		}
		conv.Messages = append(conv.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &conv, nil
}

// List implements Store: conversation metadata only, newest activity first.
func (s *SQLiteStore) List() ([]model.Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id, title, model, archived, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		var conv model.Conversation
		var archived int
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.Model, &archived,
			&conv.CreatedAt, &conv.UpdatedAt); err != nil {
			continue
		}
		conv.Archived = archived != 0
		out = append(out, conv)
	}
	return out, rows.Err()
}

// Refresh implements Store: upsert conversation metadata from the backend,
// leaving cached messages untouched.
func (s *SQLiteStore) Refresh(ctx context.Context) error {
	if s.lister == nil {
		return nil
	}

	remote, err := s.lister.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("refresh conversations: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, rc := range remote {
		_, err := tx.Exec(`
			INSERT INTO conversations (id, title, model, archived, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				model = excluded.model,
				archived = excluded.archived,
				updated_at = MAX(updated_at, excluded.updated_at)`,
			rc.ID, rc.Title, rc.Model, boolToInt(rc.Archived), rc.CreatedAt, rc.UpdatedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func marshalOrEmpty(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return "", nil
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
