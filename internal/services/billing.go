package services

import (
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/bulksms/backend/internal/models"
)

// Default billing constants; LedgerConfig overrides them at runtime.
const (
	DefaultSMSUnitCost   int64 = 150
	DefaultSegmentLength       = 160
)

// Payment methods accepted for top-ups. They are labels only.
var paymentMethods = map[string]bool{
	"mobile-money":  true,
	"card":          true,
	"bank-transfer": true,
}

// Segments returns ceil(messageLength / segmentLength), billing an empty
// message as one segment.
func Segments(messageLength, segmentLength int) int {
	if segmentLength <= 0 {
		segmentLength = DefaultSegmentLength
	}
	if messageLength <= 0 {
		return 1
	}
	return (messageLength + segmentLength - 1) / segmentLength
}

// MessageCost prices a message at the default rate:
// segments * recipientCount * 150.
func MessageCost(messageLength, recipientCount int) (int64, error) {
	return messageCost(messageLength, recipientCount, DefaultSegmentLength, DefaultSMSUnitCost)
}

func messageCost(messageLength, recipientCount, segmentLength int, unitCost int64) (int64, error) {
	if messageLength < 0 {
		return 0, invalid("compute_message_cost", "message length must not be negative")
	}
	if recipientCount < 0 {
		return 0, invalid("compute_message_cost", "recipient count must not be negative")
	}
	segments := int64(Segments(messageLength, segmentLength))
	return segments * int64(recipientCount) * unitCost, nil
}

// MessageLength counts characters, not bytes.
func MessageLength(content string) int {
	return utf8.RuneCountInString(content)
}

// TopUpFee is round(amount * percent / 100), rounding half away from zero.
func TopUpFee(amount int64, percent float64) int64 {
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromFloat(percent)).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
}

// SubscriptionCharge is the price billed for one purchase of the cycle.
func SubscriptionCharge(price int64, cycle string) int64 {
	if cycle == models.BillingYearly {
		return price * 12
	}
	return price
}

func subscriptionExpiry(start time.Time, cycle string, monthly, yearly time.Duration) time.Time {
	if cycle == models.BillingYearly {
		return start.Add(yearly)
	}
	return start.Add(monthly)
}

func validCycle(cycle string) bool {
	return cycle == models.BillingMonthly || cycle == models.BillingYearly
}
