package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eigensurance/internal/models"
	"github.com/jackc/pgx/v5"
)

// NonceRepository stores sign-in nonces. The address primary key keeps at most
// one live nonce per address; issuing a new one overwrites the previous.
type NonceRepository struct {
	db *PostgresDB
}

// NewNonceRepository creates a new nonce repository
func NewNonceRepository(db *PostgresDB) *NonceRepository {
	return &NonceRepository{db: db}
}

// Replace stores nonce as the only live nonce of its address and purges
// expired nonces of every address in the same transaction.
func (r *NonceRepository) Replace(ctx context.Context, nonce *models.Nonce) error {
	nonce.Address = strings.ToLower(nonce.Address)
	if nonce.CreatedAt.IsZero() {
		nonce.CreatedAt = time.Now()
	}

	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM nonces WHERE expires_at <= $1`, nonce.CreatedAt); err != nil {
			return fmt.Errorf("failed to purge expired nonces: %w", err)
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO nonces (address, nonce, created_at, expires_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (address) DO UPDATE
			SET nonce = EXCLUDED.nonce, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
		`, nonce.Address, nonce.Value, nonce.CreatedAt, nonce.ExpiresAt)
		if err != nil {
			return fmt.Errorf("failed to store nonce: %w", err)
		}
		return nil
	})
}

// Consume atomically deletes the nonce if it is the live, unexpired nonce of
// address. It returns ErrNotFound when there is nothing to consume, so a nonce
// can be used at most once even under concurrent logins.
func (r *NonceRepository) Consume(ctx context.Context, address, nonce string, now time.Time) error {
	var consumed string
	err := r.db.Pool().QueryRow(ctx, `
		DELETE FROM nonces
		WHERE address = $1 AND nonce = $2 AND expires_at > $3
		RETURNING nonce
	`, strings.ToLower(address), nonce, now).Scan(&consumed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to consume nonce: %w", err)
	}
	return nil
}

// DeleteExpired removes every nonce that expired before now
func (r *NonceRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx, `DELETE FROM nonces WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired nonces: %w", err)
	}
	return tag.RowsAffected(), nil
}
