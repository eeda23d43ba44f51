package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eigensurance/internal/models"
	"github.com/eigensurance/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const claimColumns = `id, user_id, chat_id, description, amount_usd, ipfs_hash, task_id, status,
	attempts, approval_rate, reimbursement_tx, error, created_at, updated_at`

// ClaimRepository persists claims and their status transitions
type ClaimRepository struct {
	db *PostgresDB
}

// NewClaimRepository creates a new claim repository
func NewClaimRepository(db *PostgresDB) *ClaimRepository {
	return &ClaimRepository{db: db}
}

// Create inserts a new claim
func (r *ClaimRepository) Create(ctx context.Context, claim *models.Claim) error {
	if claim.ID == "" {
		claim.ID = uuid.NewString()
	}
	now := time.Now()
	claim.CreatedAt = now
	claim.UpdatedAt = now
	claim.UserID = strings.ToLower(claim.UserID)

	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO claims (`+claimColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		claim.ID,
		claim.UserID,
		claim.ChatID,
		claim.Description,
		claim.AmountUSD,
		claim.IPFSHash,
		claim.TaskID,
		claim.Status,
		claim.Attempts,
		claim.ApprovalRate,
		claim.ReimbursementTx,
		claim.Error,
		claim.CreatedAt,
		claim.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create claim: %w", err)
	}
	return nil
}

// Update writes the mutable processing fields of a claim
func (r *ClaimRepository) Update(ctx context.Context, claim *models.Claim) error {
	claim.UpdatedAt = time.Now()

	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE claims
		SET status = $2, attempts = $3, approval_rate = $4, reimbursement_tx = $5,
		    error = $6, task_id = $7, updated_at = $8
		WHERE id = $1
	`,
		claim.ID,
		claim.Status,
		claim.Attempts,
		claim.ApprovalRate,
		claim.ReimbursementTx,
		claim.Error,
		claim.TaskID,
		claim.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("claim %s: %w", claim.ID, ErrNotFound)
	}
	return nil
}

// GetByID retrieves a claim owned by userID
func (r *ClaimRepository) GetByID(ctx context.Context, userID, id string) (*models.Claim, error) {
	row := r.db.Pool().QueryRow(ctx, `
		SELECT `+claimColumns+`
		FROM claims
		WHERE id = $1 AND user_id = $2
	`, id, strings.ToLower(userID))

	claim, err := scanClaim(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("claim %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get claim: %w", err)
	}
	return claim, nil
}

// ListByUser returns the user's claims, newest first
func (r *ClaimRepository) ListByUser(ctx context.Context, userID string) ([]*models.Claim, error) {
	return r.list(ctx, `
		SELECT `+claimColumns+`
		FROM claims
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, strings.ToLower(userID))
}

// ListUnfinished returns claims a worker still has to drive forward, oldest first
func (r *ClaimRepository) ListUnfinished(ctx context.Context) ([]*models.Claim, error) {
	return r.list(ctx, `
		SELECT `+claimColumns+`
		FROM claims
		WHERE status = ANY($1)
		ORDER BY created_at ASC
	`, []string{string(types.ClaimSubmitted), string(types.ClaimPolling), string(types.ClaimApproved)})
}

func (r *ClaimRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.Claim, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	defer rows.Close()

	claims := []*models.Claim{}
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		claims = append(claims, claim)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claims: %w", err)
	}
	return claims, nil
}

func scanClaim(row pgx.Row) (*models.Claim, error) {
	var c models.Claim
	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.ChatID,
		&c.Description,
		&c.AmountUSD,
		&c.IPFSHash,
		&c.TaskID,
		&c.Status,
		&c.Attempts,
		&c.ApprovalRate,
		&c.ReimbursementTx,
		&c.Error,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
