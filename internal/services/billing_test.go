package services

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegments(t *testing.T) {
	assert.Equal(t, 1, Segments(0, 160))
	assert.Equal(t, 1, Segments(1, 160))
	assert.Equal(t, 1, Segments(160, 160))
	assert.Equal(t, 2, Segments(161, 160))
	assert.Equal(t, 3, Segments(480, 160))
	assert.Equal(t, 4, Segments(481, 160))
	assert.Equal(t, 2, Segments(161, 0))
}

func TestMessageCost(t *testing.T) {
	cost, err := MessageCost(160, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(150), cost)

	cost, err = MessageCost(161, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(300), cost)

	cost, err = MessageCost(0, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(150), cost, "empty message still bills one segment")

	cost, err = MessageCost(50, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cost)
}

func TestMessageCost_LinearInRecipients(t *testing.T) {
	for _, length := range []int{0, 1, 159, 160, 161, 320, 321, 1000} {
		single, err := MessageCost(length, 1)
		require.NoError(t, err)
		for _, n := range []int{0, 2, 7, 1245} {
			many, err := MessageCost(length, n)
			require.NoError(t, err)
			assert.Equal(t, single*int64(n), many, "length=%d n=%d", length, n)
		}
	}
}

func TestMessageCost_RejectsNegative(t *testing.T) {
	_, err := MessageCost(-1, 1)
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = MessageCost(10, -3)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestMessageLength_CountsRunes(t *testing.T) {
	assert.Equal(t, 5, MessageLength("héllo"))
	assert.Equal(t, 0, MessageLength(""))
}

func TestTopUpFee(t *testing.T) {
	assert.Equal(t, int64(5000), TopUpFee(500000, 1))
	assert.Equal(t, int64(2), TopUpFee(150, 1), "1.5 rounds half up")
	assert.Equal(t, int64(1), TopUpFee(50, 1))
	assert.Equal(t, int64(1), TopUpFee(149, 1))
	assert.Equal(t, int64(0), TopUpFee(49, 1))
	assert.Equal(t, int64(0), TopUpFee(1000, 0))
}

func TestSubscriptionCharge(t *testing.T) {
	assert.Equal(t, int64(25), SubscriptionCharge(25, "monthly"))
	assert.Equal(t, int64(300), SubscriptionCharge(25, "yearly"))
}

func TestSubscriptionExpiry(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	monthly, yearly := 30*24*time.Hour, 365*24*time.Hour

	assert.Equal(t, start.AddDate(0, 0, 30), subscriptionExpiry(start, "monthly", monthly, yearly))
	assert.Equal(t, start.AddDate(0, 0, 365), subscriptionExpiry(start, "yearly", monthly, yearly))
}
