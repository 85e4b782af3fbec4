package models

import "time"

// Profile holds a user's display details and spendable balance. RemainingSMS
// is derived from Balance on read and never persisted.
type Profile struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	FirstName    string    `json:"first_name" db:"first_name"`
	LastName     string    `json:"last_name" db:"last_name"`
	Company      *string   `json:"company,omitempty" db:"company"`
	Phone        *string   `json:"phone,omitempty" db:"phone"`
	AvatarURL    *string   `json:"avatar_url,omitempty" db:"avatar_url"`
	Balance      int64     `json:"balance" db:"balance"`
	RemainingSMS int64     `json:"remaining_sms"`
	Version      int       `json:"-" db:"version"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// RemainingSMSFor is floor(balance / unitCost). A non-positive balance or
// unit cost yields 0.
func RemainingSMSFor(balance, unitCost int64) int64 {
	if balance <= 0 || unitCost <= 0 {
		return 0
	}
	return balance / unitCost
}

// ProfileUpdate carries the editable, balance-independent profile fields.
// Nil fields are left unchanged.
type ProfileUpdate struct {
	FirstName *string `json:"firstName" validate:"omitempty,min=1,max=100"`
	LastName  *string `json:"lastName" validate:"omitempty,min=1,max=100"`
	Company   *string `json:"company" validate:"omitempty,max=200"`
	Phone     *string `json:"phone" validate:"omitempty,e164"`
}
