package models

import "time"

const (
	SubscriptionActive     = "active"
	SubscriptionSuperseded = "superseded"
	SubscriptionExpired    = "expired"
)

const (
	BillingMonthly = "monthly"
	BillingYearly  = "yearly"
)

// PricingPlan is a read-only catalog entry.
type PricingPlan struct {
	ID             string    `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	Price          int64     `json:"price" db:"price"`
	OriginalPrice  *int64    `json:"original_price,omitempty" db:"original_price"`
	SMSLimit       int       `json:"sms_limit" db:"sms_limit"` // -1 is unlimited
	ContactsLimit  int       `json:"contacts_limit" db:"contacts_limit"`
	TemplatesLimit int       `json:"templates_limit" db:"templates_limit"`
	SupportLevel   string    `json:"support_level" db:"support_level"`
	Features       []string  `json:"features" db:"features"`
	IsActive       bool      `json:"is_active" db:"is_active"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Subscription links a user to a plan. At most one row per user is active.
type Subscription struct {
	ID           string     `json:"id" db:"id"`
	UserID       string     `json:"user_id" db:"user_id"`
	PlanID       string     `json:"plan_id" db:"plan_id"`
	PlanName     string     `json:"plan_name,omitempty"`
	Status       string     `json:"status" db:"status"`
	BillingCycle string     `json:"billing_cycle" db:"billing_cycle"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	AutoRenew    bool       `json:"auto_renew" db:"auto_renew"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}
