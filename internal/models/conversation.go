package models

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Status tracks an assistant message through its generation lifecycle.
// User and system messages are stored as StatusComplete.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further status transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one node of a conversation tree. ParentID is nil for the root.
// The set of active messages in a conversation always forms a single path
// from the root to a leaf; regeneration deactivates a leaf and inserts a
// sibling rather than overwriting it.
type Message struct {
	ID        string          `json:"id"`
	ConvID    string          `json:"conversation_id"`
	ParentID  *string         `json:"parent_id,omitempty"`
	Role      Role            `json:"role"`
	Status    Status          `json:"status"`
	Content   string          `json:"content"`
	Model     *string         `json:"model,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Context   json.RawMessage `json:"-"` // backend continuation blob, never sent to clients
	Active    bool            `json:"active"`
}
