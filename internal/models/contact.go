package models

import "time"

const (
	ContactActive   = "active"
	ContactInactive = "inactive"
)

type Contact struct {
	ID            string     `json:"id" db:"id"`
	UserID        string     `json:"user_id" db:"user_id"`
	Name          string     `json:"name" db:"name"`
	Phone         string     `json:"phone" db:"phone"`
	Email         *string    `json:"email,omitempty" db:"email"`
	Location      *string    `json:"location,omitempty" db:"location"`
	Tags          []string   `json:"tags" db:"tags"`
	Status        string     `json:"status" db:"status"`
	TotalMessages int        `json:"total_messages" db:"total_messages"`
	LastContact   *time.Time `json:"last_contact,omitempty" db:"last_contact"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

type ContactGroup struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	Name         string    `json:"name" db:"name"`
	Description  *string   `json:"description,omitempty" db:"description"`
	Color        string    `json:"color" db:"color"`
	ContactCount int       `json:"contact_count" db:"contact_count"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
