package models

import "time"

// User is the login identity. Credentials live only in the users table.
type User struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// AuthUser is the current-user view the dashboard renders after sign-in.
type AuthUser struct {
	ID           string             `json:"id"`
	Email        string             `json:"email"`
	Provider     string             `json:"provider"`
	Profile      *Profile           `json:"profile"`
	Subscription *SubscriptionBrief `json:"subscription,omitempty"`
}

// SubscriptionBrief is the subscription summary attached to AuthUser.
type SubscriptionBrief struct {
	PlanName  string     `json:"plan_name"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
