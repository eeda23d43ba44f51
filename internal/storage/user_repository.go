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

// ErrNotFound is returned when a row does not exist or is not visible to the caller
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a write would break a unique constraint
var ErrDuplicate = errors.New("duplicate")

// UserRepository handles user data persistence
type UserRepository struct {
	db *PostgresDB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *PostgresDB) *UserRepository {
	return &UserRepository{db: db}
}

// Upsert creates the user on first login and refreshes last_login afterwards
func (r *UserRepository) Upsert(ctx context.Context, address string, lastLogin time.Time) (*models.User, error) {
	query := `
		INSERT INTO users (address, last_login, created_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (address) DO UPDATE SET last_login = EXCLUDED.last_login
		RETURNING address, last_login, created_at
	`

	var user models.User
	err := r.db.Pool().QueryRow(ctx, query, strings.ToLower(address), lastLogin).Scan(
		&user.Address,
		&user.LastLogin,
		&user.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return &user, nil
}

// GetByAddress retrieves a user by wallet address
func (r *UserRepository) GetByAddress(ctx context.Context, address string) (*models.User, error) {
	query := `
		SELECT address, last_login, created_at
		FROM users
		WHERE address = $1
	`

	var user models.User
	err := r.db.Pool().QueryRow(ctx, query, strings.ToLower(address)).Scan(
		&user.Address,
		&user.LastLogin,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", address, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}
