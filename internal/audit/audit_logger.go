package audit

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/bulksms/backend/internal/logging"
)

type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	TransactionID string    `json:"transaction_id,omitempty"`
	UserID        string    `json:"user_id"`
	Amount        int64     `json:"amount,omitempty"`
	Status        string    `json:"status"`
	Details       any       `json:"details,omitempty"`
}

// Logger writes one structured AUDIT line per ledger event.
type Logger struct {
	log zerolog.Logger
	now func() time.Time
}

func NewLogger() *Logger {
	return &Logger{log: logging.Component("AUDIT"), now: time.Now}
}

// NewLoggerTo is used by tests to capture audit output.
func NewLoggerTo(l zerolog.Logger) *Logger {
	return &Logger{log: l, now: time.Now}
}

func (a *Logger) LogAdjustment(transactionID, userID, txType string, amount, balanceAfter int64) {
	a.write(Event{
		EventType:     "ADJUSTMENT",
		TransactionID: transactionID,
		UserID:        userID,
		Amount:        amount,
		Status:        "SUCCESS",
		Details: map[string]any{
			"type":          txType,
			"balance_after": balanceAfter,
		},
	})
}

func (a *Logger) LogError(operation, userID string, err error) {
	a.write(Event{
		EventType: "ERROR",
		UserID:    userID,
		Status:    "FAILED",
		Details:   map[string]string{"operation": operation, "error": err.Error()},
	})
}

func (a *Logger) LogOperation(userID, operation, details string) {
	a.write(Event{
		EventType: operation,
		UserID:    userID,
		Status:    "SUCCESS",
		Details:   map[string]string{"details": details},
	})
}

func (a *Logger) write(event Event) {
	event.Timestamp = a.now()
	a.log.Info().Interface("audit", event).Msg("AUDIT")
}
