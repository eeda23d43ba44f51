// Package models provides the persisted entities of the insurance backend.
package models

import (
	"time"
)

// User is a wallet that has signed in at least once.
// Address is stored lower-cased and is the primary key.
type User struct {
	Address   string    `json:"address" db:"address"`
	LastLogin time.Time `json:"lastLogin" db:"last_login"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Nonce is the single live sign-in challenge for an address
type Nonce struct {
	Address   string    `json:"address" db:"address"`
	Value     string    `json:"nonce" db:"nonce"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	ExpiresAt time.Time `json:"expiresAt" db:"expires_at"`
}
