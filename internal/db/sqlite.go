package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/strandchat/strand/internal/models"
)

const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL,
    model TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    parent_id TEXT,
    role TEXT NOT NULL,
    status TEXT NOT NULL,
    content TEXT NOT NULL,
    model TEXT,
    created_at DATETIME NOT NULL,
    metadata BLOB,
    context BLOB,
    active INTEGER NOT NULL DEFAULT 1,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
    FOREIGN KEY (parent_id) REFERENCES messages(id)
);

CREATE INDEX IF NOT EXISTS idx_messages_active_path
    ON messages(conversation_id, active, created_at);

CREATE INDEX IF NOT EXISTS idx_messages_parent
    ON messages(parent_id);`

const messageColumns = `id, conversation_id, parent_id, role, status, content, model, created_at, metadata, context, active`

type Database struct {
	db *sql.DB
}

func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_fk=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Database{db: db}, nil
}

func (db *Database) Close() error {
	return db.db.Close()
}

func (db *Database) CreateConversation(ctx context.Context, userID, title, model string) (*models.Conversation, error) {
	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := db.db.ExecContext(ctx, `
        INSERT INTO conversations (id, user_id, title, model, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, conv.Model, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

func (db *Database) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := db.db.QueryRowContext(ctx, `
        SELECT id, user_id, title, model, created_at, updated_at
        FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.Model, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (db *Database) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	rows, err := db.db.QueryContext(ctx, `
        SELECT id, user_id, title, model, created_at, updated_at
        FROM conversations
        WHERE user_id = ?
        ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.Model, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

func (db *Database) UpdateConversationTitle(ctx context.Context, id, title string) error {
	res, err := db.db.ExecContext(ctx,
		"UPDATE conversations SET title = ? WHERE id = ?", title, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (db *Database) DeleteConversation(ctx context.Context, id string) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendMessage inserts a message and bumps the conversation's updated_at in
// one transaction. Returns ErrNotFound for an unknown conversation and
// ErrConflict for an unknown parent.
func (db *Database) AppendMessage(ctx context.Context, msg *models.Message) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertMessage(ctx, tx, msg); err != nil {
		return err
	}
	if err := bumpConversation(ctx, tx, msg.ConvID, msg.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func insertMessage(ctx context.Context, tx *sql.Tx, msg *models.Message) error {
	var exists int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM conversations WHERE id = ?", msg.ConvID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return err
	}

	if msg.ParentID != nil {
		err := tx.QueryRowContext(ctx,
			"SELECT 1 FROM messages WHERE id = ? AND conversation_id = ?",
			*msg.ParentID, msg.ConvID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("unknown parent message %s: %w", *msg.ParentID, models.ErrConflict)
		}
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO messages (`+messageColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConvID, msg.ParentID, msg.Role, msg.Status, msg.Content,
		msg.Model, msg.CreatedAt, []byte(msg.Metadata), []byte(msg.Context), msg.Active)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func bumpConversation(ctx context.Context, tx *sql.Tx, convID string, ts time.Time) error {
	// MAX keeps updated_at monotonic even if clocks hand us an older stamp.
	_, err := tx.ExecContext(ctx,
		"UPDATE conversations SET updated_at = MAX(updated_at, ?) WHERE id = ?", ts, convID)
	return err
}

// UpdateMessage rewrites the mutable fields of a message in place. It is an
// idempotent by-id update, called once per status transition while streaming
// and once at the terminal transition.
func (db *Database) UpdateMessage(ctx context.Context, id, content string, status models.Status, metadata, blob json.RawMessage) error {
	res, err := db.db.ExecContext(ctx, `
        UPDATE messages SET content = ?, status = ?, metadata = ?, context = ?
        WHERE id = ?`,
		content, status, []byte(metadata), []byte(blob), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (db *Database) DeactivateMessage(ctx context.Context, id string) error {
	res, err := db.db.ExecContext(ctx, "UPDATE messages SET active = 0 WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SwapActiveSibling deactivates oldID and inserts newMsg in one transaction,
// so no reader ever sees two active siblings or a branch point with no
// active child. This is the regeneration primitive.
func (db *Database) SwapActiveSibling(ctx context.Context, oldID string, newMsg *models.Message) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "UPDATE messages SET active = 0 WHERE id = ?", oldID)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if err := insertMessage(ctx, tx, newMsg); err != nil {
		return err
	}
	if err := bumpConversation(ctx, tx, newMsg.ConvID, newMsg.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// GetActivePath returns the active messages of a conversation ordered oldest
// first: the conversation as currently displayed. An unknown or empty
// conversation yields an empty slice, not an error.
func (db *Database) GetActivePath(ctx context.Context, convID string) ([]models.Message, error) {
	return db.queryMessages(ctx, `
        SELECT `+messageColumns+`
        FROM messages
        WHERE conversation_id = ? AND active = 1
        ORDER BY created_at ASC, rowid ASC`, convID)
}

// GetMessages returns the full history of a conversation, deactivated
// branches included.
func (db *Database) GetMessages(ctx context.Context, convID string) ([]models.Message, error) {
	return db.queryMessages(ctx, `
        SELECT `+messageColumns+`
        FROM messages
        WHERE conversation_id = ?
        ORDER BY created_at ASC, rowid ASC`, convID)
}

func (db *Database) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msgs, err := db.queryMessages(ctx, `
        SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, models.ErrNotFound
	}
	return &msgs[0], nil
}

func (db *Database) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		var metadata, blob []byte
		err := rows.Scan(&msg.ID, &msg.ConvID, &msg.ParentID, &msg.Role, &msg.Status,
			&msg.Content, &msg.Model, &msg.CreatedAt, &metadata, &blob, &msg.Active)
		if err != nil {
			return nil, err
		}
		msg.Metadata = json.RawMessage(metadata)
		msg.Context = json.RawMessage(blob)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}
