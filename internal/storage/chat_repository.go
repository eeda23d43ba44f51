package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eigensurance/internal/models"
	"github.com/jackc/pgx/v5"
)

// ChatRepository handles chat persistence. All reads are scoped to the owning user.
type ChatRepository struct {
	db *PostgresDB
}

// NewChatRepository creates a new chat repository
func NewChatRepository(db *PostgresDB) *ChatRepository {
	return &ChatRepository{db: db}
}

// Save inserts the chat or overwrites its title and messages.
// A chat id owned by another user is never overwritten.
func (r *ChatRepository) Save(ctx context.Context, chat *models.Chat) error {
	chat.UserID = strings.ToLower(chat.UserID)
	now := time.Now()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	chat.UpdatedAt = now

	payload, err := json.Marshal(chat.Messages)
	if err != nil {
		return fmt.Errorf("failed to marshal chat messages: %w", err)
	}

	query := `
		INSERT INTO chats (id, user_id, title, path, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
		WHERE chats.user_id = EXCLUDED.user_id
	`
	tag, err := r.db.Pool().Exec(ctx, query,
		chat.ID,
		chat.UserID,
		chat.Title,
		chat.Path,
		payload,
		chat.CreatedAt,
		chat.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save chat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chat %s: %w", chat.ID, ErrNotFound)
	}
	return nil
}

// GetByID retrieves a chat of userID
func (r *ChatRepository) GetByID(ctx context.Context, userID, id string) (*models.Chat, error) {
	query := `
		SELECT id, user_id, title, path, payload, created_at, updated_at
		FROM chats
		WHERE id = $1 AND user_id = $2
	`

	var chat models.Chat
	var payload []byte
	err := r.db.Pool().QueryRow(ctx, query, id, strings.ToLower(userID)).Scan(
		&chat.ID,
		&chat.UserID,
		&chat.Title,
		&chat.Path,
		&payload,
		&chat.CreatedAt,
		&chat.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("chat %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}

	if err := json.Unmarshal(payload, &chat.Messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chat messages: %w", err)
	}
	return &chat, nil
}

// ListByUser returns the user's chats without messages, most recently updated first
func (r *ChatRepository) ListByUser(ctx context.Context, userID string) ([]models.ChatSummary, error) {
	query := `
		SELECT id, title, path, created_at, updated_at
		FROM chats
		WHERE user_id = $1
		ORDER BY updated_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, strings.ToLower(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	summaries := []models.ChatSummary{}
	for rows.Next() {
		var s models.ChatSummary
		if err := rows.Scan(&s.ID, &s.Title, &s.Path, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chats: %w", err)
	}
	return summaries, nil
}

// DeleteByUser removes every chat of userID. Documents are kept.
func (r *ChatRepository) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx, `DELETE FROM chats WHERE user_id = $1`, strings.ToLower(userID))
	if err != nil {
		return 0, fmt.Errorf("failed to delete chats: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Exists reports whether userID owns chat id
func (r *ChatRepository) Exists(ctx context.Context, userID, id string) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chats WHERE id = $1 AND user_id = $2)`,
		id, strings.ToLower(userID),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check chat: %w", err)
	}
	return exists, nil
}

