package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eigensurance/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

const purchaseColumns = `id, user_id, chat_id, description, coverage_usd, deposit_wei, ipfs_hash,
	status, tx_hash, insurance_id, error, created_at, updated_at`

// PurchaseRepository persists insurance purchases
type PurchaseRepository struct {
	db *PostgresDB
}

// NewPurchaseRepository creates a new purchase repository
func NewPurchaseRepository(db *PostgresDB) *PurchaseRepository {
	return &PurchaseRepository{db: db}
}

// Create inserts a new purchase
func (r *PurchaseRepository) Create(ctx context.Context, p *models.Purchase) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.UserID = strings.ToLower(p.UserID)

	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO purchases (`+purchaseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		p.ID,
		p.UserID,
		p.ChatID,
		p.Description,
		p.CoverageUSD,
		p.DepositWei,
		p.IPFSHash,
		p.Status,
		p.TxHash,
		p.InsuranceID,
		p.Error,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create purchase: %w", err)
	}
	return nil
}

// Update writes the confirmation fields of a purchase
func (r *PurchaseRepository) Update(ctx context.Context, p *models.Purchase) error {
	p.UpdatedAt = time.Now()

	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE purchases
		SET status = $2, tx_hash = $3, insurance_id = $4, error = $5, updated_at = $6
		WHERE id = $1
	`, p.ID, p.Status, p.TxHash, p.InsuranceID, p.Error, p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("purchase %s: tx %s: %w", p.ID, derefString(p.TxHash), ErrDuplicate)
		}
		return fmt.Errorf("failed to update purchase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("purchase %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

// GetByID retrieves a purchase owned by userID
func (r *PurchaseRepository) GetByID(ctx context.Context, userID, id string) (*models.Purchase, error) {
	row := r.db.Pool().QueryRow(ctx, `
		SELECT `+purchaseColumns+`
		FROM purchases
		WHERE id = $1 AND user_id = $2
	`, id, strings.ToLower(userID))

	p, err := scanPurchase(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("purchase %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}
	return p, nil
}

// ListByUser returns the user's purchases, newest first
func (r *PurchaseRepository) ListByUser(ctx context.Context, userID string) ([]*models.Purchase, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+purchaseColumns+`
		FROM purchases
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, strings.ToLower(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	defer rows.Close()

	purchases := []*models.Purchase{}
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		purchases = append(purchases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate purchases: %w", err)
	}
	return purchases, nil
}

func scanPurchase(row pgx.Row) (*models.Purchase, error) {
	var p models.Purchase
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.ChatID,
		&p.Description,
		&p.CoverageUSD,
		&p.DepositWei,
		&p.IPFSHash,
		&p.Status,
		&p.TxHash,
		&p.InsuranceID,
		&p.Error,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
