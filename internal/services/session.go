package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bulksms/backend/internal/logging"
	"github.com/bulksms/backend/internal/metrics"
)

const SessionChannel = "session_events"

const (
	SessionSignedIn  = "signed_in"
	SessionSignedOut = "signed_out"
)

type SessionEvent struct {
	UserID string    `json:"user_id"`
	Kind   string    `json:"kind"`
	At     time.Time `json:"at"`
	Origin string    `json:"origin,omitempty"`
}

// SessionHub fans session changes out to in-process subscribers and, when
// Redis is configured, to other instances over SessionChannel.
type SessionHub struct {
	mu     sync.RWMutex
	subs   map[int]func(SessionEvent)
	nextID int
	redis  *redis.Client
	origin string
	log    zerolog.Logger
}

func NewSessionHub(redisClient *redis.Client) *SessionHub {
	return &SessionHub{
		subs:   make(map[int]func(SessionEvent)),
		redis:  redisClient,
		origin: uuid.NewString(),
		log:    logging.Component("SESSION"),
	}
}

// OnSessionChange registers callback and returns a func that removes it.
// Calling the returned func more than once is harmless.
func (h *SessionHub) OnSessionChange(callback func(SessionEvent)) (unsubscribe func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = callback
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Publish delivers event locally and on the Redis channel.
func (h *SessionHub) Publish(ctx context.Context, event SessionEvent) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	event.Origin = h.origin
	metrics.SessionEvents.WithLabelValues(event.Kind).Inc()

	h.deliver(event)

	if h.redis == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := h.redis.Publish(ctx, SessionChannel, string(payload)).Err(); err != nil {
		h.log.Warn().Err(err).Str("user_id", event.UserID).Msg("session event publish failed")
	}
}

func (h *SessionHub) deliver(event SessionEvent) {
	h.mu.RLock()
	callbacks := make([]func(SessionEvent), 0, len(h.subs))
	for _, cb := range h.subs {
		callbacks = append(callbacks, cb)
	}
	h.mu.RUnlock()

	for _, cb := range callbacks {
		cb(event)
	}
}

// Listen relays events published by other instances to local subscribers
// until ctx is cancelled. Events are not re-published.
func (h *SessionHub) Listen(ctx context.Context) {
	if h.redis == nil {
		return
	}
	sub := h.redis.Subscribe(ctx, SessionChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event SessionEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				h.log.Warn().Err(err).Msg("malformed session event")
				continue
			}
			if event.Origin == h.origin {
				continue
			}
			h.deliver(event)
		}
	}
}

func (h *SessionHub) subscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
