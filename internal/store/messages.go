// Package store persists conversation messages and scheduler state.
// Messages live in a local SQLite file via the pure-Go driver; no CGO.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/providers"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// MessageStore persists agent conversation messages and hands back the
// storage-assigned message id.
type MessageStore struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenMessageStore opens (or creates) the SQLite file at dbPath.
// A single shared connection serializes writers and avoids SQLITE_BUSY.
func OpenMessageStore(dbPath string, log *slog.Logger) (*MessageStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if log == nil {
		log = slog.Default()
	}
	return &MessageStore{db: db, log: log}, nil
}

// Init creates the messages table if missing.
func (s *MessageStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		payload TEXT,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create messages table: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_messages_agent ON messages(agent_id, id)`)
	if err != nil {
		return fmt.Errorf("create messages index: %w", err)
	}
	return nil
}

// SaveMessage inserts a message and returns the assigned id. Tool calls
// and content blocks ride in the payload column as JSON.
func (s *MessageStore) SaveMessage(ctx context.Context, agentID, conversationID string, msg providers.Message) (string, error) {
	var payload []byte
	if len(msg.Blocks) > 0 || len(msg.ToolCalls) > 0 || msg.ToolCallID != "" {
		var err error
		payload, err = json.Marshal(msg)
		if err != nil {
			return "", fmt.Errorf("marshal message payload: %w", err)
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (agent_id, conversation_id, role, content, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		agentID, conversationID, msg.Role, msg.Content, string(payload), time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("message id: %w", err)
	}
	return fmt.Sprintf("%d", id), nil
}

// LoadRecent returns the most recent limit messages for an agent in
// chronological order.
func (s *MessageStore) LoadRecent(ctx context.Context, agentID string, limit int) ([]providers.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, payload FROM messages
		 WHERE agent_id = ? ORDER BY id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	var out []providers.Message
	for rows.Next() {
		var (
			id      int64
			role    string
			content string
			payload sql.NullString
		)
		if err := rows.Scan(&id, &role, &content, &payload); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg := providers.Message{Role: role, Content: content}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &msg); err != nil {
				s.log.Warn("skipping undecodable message payload", "id", id, "error", err)
			}
		}
		msg.MsgID = fmt.Sprintf("%d", id)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Newest-first from the query; flip to chronological.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// DeleteAgentMessages removes all persisted messages for an agent.
func (s *MessageStore) DeleteAgentMessages(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("delete agent messages: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *MessageStore) Close() error {
	return s.db.Close()
}
