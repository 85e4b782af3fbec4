package models

import "time"

const (
	APIKeyActive  = "active"
	APIKeyRevoked = "revoked"
)

// APIKey is stored as a SHA-256 hash; only Prefix is kept in clear.
type APIKey struct {
	ID          string     `json:"id" db:"id"`
	UserID      string     `json:"user_id" db:"user_id"`
	Name        string     `json:"name" db:"name"`
	Environment string     `json:"environment" db:"environment"`
	Prefix      string     `json:"prefix" db:"prefix"`
	Status      string     `json:"status" db:"status"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}
