package models

import "time"

// Campaign statuses
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignActive    = "active"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignCancelled = "cancelled"
)

type Campaign struct {
	ID             string     `json:"id" db:"id"`
	UserID         string     `json:"user_id" db:"user_id"`
	Name           string     `json:"name" db:"name"`
	MessageContent string     `json:"message_content" db:"message_content"`
	CampaignType   string     `json:"campaign_type" db:"campaign_type"`
	Status         string     `json:"status" db:"status"`
	RecipientCount int        `json:"recipient_count" db:"recipient_count"`
	SentCount      int        `json:"sent_count" db:"sent_count"`
	DeliveredCount int        `json:"delivered_count" db:"delivered_count"`
	FailedCount    int        `json:"failed_count" db:"failed_count"`
	EstimatedCost  int64      `json:"estimated_cost" db:"estimated_cost"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty" db:"scheduled_at"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}
