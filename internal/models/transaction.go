package models

import "time"

// Transaction types
const (
	TransactionCredit  = "credit"
	TransactionDebit   = "debit"
	TransactionPayment = "payment"
)

// Transaction statuses
const (
	TransactionCompleted = "completed"
	TransactionPending   = "pending"
	TransactionFailed    = "failed"
)

// Transaction is an immutable ledger row. Rows are only ever inserted.
type Transaction struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	Type         string    `json:"type" db:"type"`
	Amount       int64     `json:"amount" db:"amount"`
	BalanceAfter int64     `json:"balance_after" db:"balance_after"`
	Description  string    `json:"description" db:"description"`
	Reference    *string   `json:"reference,omitempty" db:"reference"`
	Status       string    `json:"status" db:"status"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// AffectsBalance reports whether the row moved the balance. Payment rows are
// receipts for subscription charges and leave the balance untouched.
func (t Transaction) AffectsBalance() bool {
	return t.Type == TransactionCredit || t.Type == TransactionDebit
}
