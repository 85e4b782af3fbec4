package models

import "time"

type MessageTemplate struct {
	ID         string     `json:"id" db:"id"`
	UserID     string     `json:"user_id" db:"user_id"`
	Name       string     `json:"name" db:"name"`
	Content    string     `json:"content" db:"content"`
	Category   string     `json:"category" db:"category"`
	Variables  []string   `json:"variables" db:"variables"`
	UsageCount int        `json:"usage_count" db:"usage_count"`
	LastUsed   *time.Time `json:"last_used,omitempty" db:"last_used"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}
