package services

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLedgerError_Is(t *testing.T) {
	err := notFound("adjust_balance", ErrProfileNotFound)

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(err, ErrProfileNotFound))
	assert.False(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrPersistence))

	wrapped := fmt.Errorf("handler: %w", invalidErr("top_up", ErrInsufficientBalance))
	assert.True(t, errors.Is(wrapped, ErrValidation))
	assert.True(t, errors.Is(wrapped, ErrInsufficientBalance))
	assert.Equal(t, KindValidation, KindOf(wrapped))
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, StatusCode(notFound("op", ErrPlanNotFound)))
	assert.Equal(t, http.StatusBadRequest, StatusCode(invalid("op", "bad %s", "input")))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(persistence("op", errors.New("conn reset"))))
	assert.Equal(t, http.StatusConflict, StatusCode(inconsistent("op", errors.New("drift"))))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(errors.New("plain")))
}

func TestPublicMessage(t *testing.T) {
	assert.Equal(t, "user profile not found", PublicMessage(notFound("op", ErrProfileNotFound)))
	assert.Equal(t, "Storage temporarily unavailable, please retry",
		PublicMessage(persistence("op", errors.New("pq: connection refused"))))
	assert.Equal(t, "An Internal Error Occurred", PublicMessage(errors.New("plain")))
	assert.Equal(t, "adjust_balance: insufficient balance",
		invalidErr("adjust_balance", ErrInsufficientBalance).Error())
}

func TestDuplicateIsConflict(t *testing.T) {
	err := duplicate("create_contact", "contact with this phone")
	assert.True(t, errors.Is(err, ErrDuplicate))
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, 409, StatusCode(err))
	assert.Equal(t, "contact with this phone already exists", PublicMessage(err))
}
