package models

import (
	"time"

	"github.com/eigensurance/internal/types"
)

// Chat is a conversation owned by one user. Messages are persisted as a
// single JSON payload in the order they were exchanged.
type Chat struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"userId" db:"user_id"`
	Title     string          `json:"title" db:"title"`
	Path      string          `json:"path" db:"path"`
	Messages  []types.Message `json:"messages" db:"payload"`
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time       `json:"updatedAt" db:"updated_at"`
}

// ChatSummary is the sidebar view of a chat
type ChatSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Summary drops the message payload
func (c *Chat) Summary() ChatSummary {
	return ChatSummary{
		ID:        c.ID,
		Title:     c.Title,
		Path:      c.Path,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

// Document is a file attached to a chat. Documents are immutable once created.
type Document struct {
	ID        string             `json:"id" db:"id"`
	ChatID    string             `json:"chatId" db:"chat_id"`
	UserID    string             `json:"userId" db:"user_id"`
	Name      string             `json:"name" db:"name"`
	Type      types.DocumentType `json:"type" db:"type"`
	Preview   string             `json:"preview" db:"preview"`
	IPFSHash  string             `json:"ipfsHash" db:"ipfs_hash"`
	ObjectKey *string            `json:"objectKey,omitempty" db:"object_key"`
	SizeBytes int64              `json:"sizeBytes" db:"size_bytes"`
	CreatedAt time.Time          `json:"createdAt" db:"created_at"`

	DownloadURL string `json:"downloadUrl,omitempty" db:"-"`
}
