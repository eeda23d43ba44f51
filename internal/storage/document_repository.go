package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eigensurance/internal/models"
	"github.com/google/uuid"
)

// DocumentRepository persists chat attachments. Documents have no update or delete path.
type DocumentRepository struct {
	db *PostgresDB
}

// NewDocumentRepository creates a new document repository
func NewDocumentRepository(db *PostgresDB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Create inserts a document, assigning its id and creation time when unset
func (r *DocumentRepository) Create(ctx context.Context, doc *models.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	doc.UserID = strings.ToLower(doc.UserID)

	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO documents (id, chat_id, user_id, name, type, preview, ipfs_hash, object_key, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		doc.ID,
		doc.ChatID,
		doc.UserID,
		doc.Name,
		doc.Type,
		doc.Preview,
		doc.IPFSHash,
		doc.ObjectKey,
		doc.SizeBytes,
		doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// ListByChat returns the documents userID attached to chatID, oldest first
func (r *DocumentRepository) ListByChat(ctx context.Context, userID, chatID string) ([]*models.Document, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, chat_id, user_id, name, type, preview, ipfs_hash, object_key, size_bytes, created_at
		FROM documents
		WHERE user_id = $1 AND chat_id = $2
		ORDER BY created_at ASC
	`, strings.ToLower(userID), chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	docs := []*models.Document{}
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(
			&d.ID,
			&d.ChatID,
			&d.UserID,
			&d.Name,
			&d.Type,
			&d.Preview,
			&d.IPFSHash,
			&d.ObjectKey,
			&d.SizeBytes,
			&d.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return docs, nil
}
