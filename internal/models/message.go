package models

import "time"

// Message statuses
const (
	MessageQueued    = "queued"
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageFailed    = "failed"
)

// SMSMessage is one recipient's copy of an outbound (or inbound) message.
type SMSMessage struct {
	ID             string     `json:"id" db:"id"`
	UserID         string     `json:"user_id" db:"user_id"`
	RecipientPhone string     `json:"recipient_phone" db:"recipient_phone"`
	RecipientName  *string    `json:"recipient_name,omitempty" db:"recipient_name"`
	MessageContent string     `json:"message_content" db:"message_content"`
	Status         string     `json:"status" db:"status"`
	Gateway        string     `json:"gateway" db:"gateway"`
	Segments       int        `json:"segments" db:"segments"`
	Cost           int64      `json:"cost" db:"cost"`
	CampaignID     *string    `json:"campaign_id,omitempty" db:"campaign_id"`
	Direction      string     `json:"direction" db:"direction"`
	SentAt         time.Time  `json:"sent_at" db:"sent_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// DeliveryReport aggregates message statuses for a user.
type DeliveryReport struct {
	Total        int            `json:"total"`
	ByStatus     map[string]int `json:"by_status"`
	ByGateway    map[string]int `json:"by_gateway"`
	DeliveryRate float64        `json:"delivery_rate"` // percent of messages delivered
	TotalCost    int64          `json:"total_cost"`
}
