package services

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/lib/pq"
)

// ErrorKind classifies ledger failures so callers can tell a missing
// profile from bad input from a store failure.
type ErrorKind int

const (
	KindNotFound ErrorKind = iota + 1
	KindValidation
	KindPersistence
	KindInconsistentState
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindPersistence:
		return "persistence"
	case KindInconsistentState:
		return "inconsistent_state"
	default:
		return "unknown"
	}
}

// Kind sentinels for errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrPersistence       = errors.New("persistence failure")
	ErrInconsistentState = errors.New("inconsistent ledger state")
)

// Causes wrapped inside a LedgerError.
var (
	ErrProfileNotFound     = errors.New("user profile not found")
	ErrPlanNotFound        = errors.New("pricing plan not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrConcurrentUpdate    = errors.New("profile was modified concurrently")
	ErrDuplicate           = errors.New("already exists")
)

type LedgerError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *LedgerError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }

// Is matches the kind sentinel in addition to the wrapped cause.
func (e *LedgerError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrPersistence:
		return e.Kind == KindPersistence
	case ErrInconsistentState:
		return e.Kind == KindInconsistentState
	}
	return false
}

func notFound(op string, err error) error {
	return &LedgerError{Kind: KindNotFound, Op: op, Err: err}
}

func invalid(op, format string, args ...any) error {
	return &LedgerError{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

func invalidErr(op string, err error) error {
	return &LedgerError{Kind: KindValidation, Op: op, Err: err}
}

func duplicate(op, what string) error {
	return &LedgerError{Kind: KindValidation, Op: op, Err: fmt.Errorf("%s %w", what, ErrDuplicate)}
}

func persistence(op string, err error) error {
	return &LedgerError{Kind: KindPersistence, Op: op, Err: err}
}

func inconsistent(op string, err error) error {
	return &LedgerError{Kind: KindInconsistentState, Op: op, Err: err}
}

// KindOf returns the kind of a LedgerError anywhere in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Kind
	}
	return 0
}

// isUniqueViolation reports a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// StatusCode maps an error to the HTTP status the API answers with.
func StatusCode(err error) int {
	if errors.Is(err, ErrDuplicate) {
		return http.StatusConflict
	}
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindInconsistentState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is what SendLedgerError shows to the client. Persistence
// details stay in the logs.
func PublicMessage(err error) string {
	var le *LedgerError
	if !errors.As(err, &le) {
		return "An Internal Error Occurred"
	}
	switch le.Kind {
	case KindPersistence:
		return "Storage temporarily unavailable, please retry"
	case KindInconsistentState:
		return "Account requires reconciliation"
	default:
		if le.Err != nil {
			return le.Err.Error()
		}
		return le.Kind.String()
	}
}
