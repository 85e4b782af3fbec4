package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionHub_OnSessionChange(t *testing.T) {
	hub := NewSessionHub(nil)

	var got []SessionEvent
	unsubscribe := hub.OnSessionChange(func(e SessionEvent) { got = append(got, e) })
	assert.Equal(t, 1, hub.subscriberCount())

	hub.Publish(context.Background(), SessionEvent{UserID: "user-1", Kind: SessionSignedIn})
	require.Len(t, got, 1)
	assert.Equal(t, "user-1", got[0].UserID)
	assert.Equal(t, SessionSignedIn, got[0].Kind)
	assert.False(t, got[0].At.IsZero())

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, hub.subscriberCount())

	hub.Publish(context.Background(), SessionEvent{UserID: "user-1", Kind: SessionSignedOut})
	assert.Len(t, got, 1)
}

func TestSessionHub_MultipleSubscribers(t *testing.T) {
	hub := NewSessionHub(nil)

	var a, b int
	stopA := hub.OnSessionChange(func(SessionEvent) { a++ })
	hub.OnSessionChange(func(SessionEvent) { b++ })

	hub.Publish(context.Background(), SessionEvent{UserID: "u", Kind: SessionSignedIn})
	stopA()
	hub.Publish(context.Background(), SessionEvent{UserID: "u", Kind: SessionSignedOut})

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestSessionHub_PublishesToRedis(t *testing.T) {
	db, mock := redismock.NewClientMock()
	hub := NewSessionHub(db)

	event := SessionEvent{
		UserID: "user-1",
		Kind:   SessionSignedOut,
		At:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Origin: hub.origin,
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	mock.ExpectPublish(SessionChannel, string(payload)).SetVal(1)

	hub.Publish(context.Background(), SessionEvent{UserID: "user-1", Kind: SessionSignedOut, At: event.At})
	assert.NoError(t, mock.ExpectationsWereMet())
}
