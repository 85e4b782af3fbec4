package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/bulksms/backend/internal/config"
	"github.com/bulksms/backend/internal/middleware"
	"github.com/bulksms/backend/internal/services"
)

var profileColumns = []string{"id", "user_id", "first_name", "last_name", "company", "phone", "avatar_url",
	"balance", "version", "created_at", "updated_at"}

func newTestLedger(t *testing.T) (*services.LedgerService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return services.NewLedgerService(db, nil, config.LoadLedgerConfig()), mock
}

func authed(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.WithUserID(r.Context(), userID))
}

func expectProfile(mock sqlmock.Sqlmock, userID string, balance int64) {
	mock.ExpectQuery(regexp.QuoteMeta("FROM user_profiles WHERE user_id = $1")).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows(profileColumns).
			AddRow("p-1", userID, "Jane", "Doe", nil, nil, nil, balance, 1, time.Now(), time.Now()))
}

func newBalanceRouter(t *testing.T) (http.Handler, sqlmock.Sqlmock) {
	ledger, mock := newTestLedger(t)
	return balanceRouter(NewBalanceHandler(ledger, nil)), mock
}

func balanceRouter(h *BalanceHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/balance", h.GetBalance)
	r.Post("/balance/top-up", h.TopUp)
	r.Get("/balance/transactions", h.ListTransactions)
	r.Get("/balance/transactions/export", h.ExportTransactions)
	r.Get("/balance/verify", h.VerifyLedger)
	return r
}

func TestBalanceHandler_GetBalance(t *testing.T) {
	router, mock := newBalanceRouter(t)
	expectProfile(mock, "user-1", 1000)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodGet, "/balance", nil), "user-1"))

	require.Equal(t, http.StatusOK, w.Code)
	var body BalanceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(1000), body.Balance)
	assert.Equal(t, int64(6), body.RemainingSMS)
}

func TestBalanceHandler_Unauthorized(t *testing.T) {
	router, _ := newBalanceRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/balance", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBalanceHandler_TopUp(t *testing.T) {
	t.Run("credits amount and reports fee", func(t *testing.T) {
		router, mock := newBalanceRouter(t)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version"}).AddRow("p-1", 0, 1))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE user_profiles SET balance = $1")).
			WithArgs(500000, "user-1", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO transactions")).
			WithArgs("user-1", "credit", 500000, 500000, "Account Top-up", sqlmock.AnyArg(), "completed").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("tx-1", time.Now()))
		mock.ExpectCommit()

		r := httptest.NewRequest(http.MethodPost, "/balance/top-up",
			bytes.NewBufferString(`{"amount":500000,"paymentMethod":"mobile-money"}`))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, authed(r, "user-1"))

		require.Equal(t, http.StatusOK, w.Code)
		var body services.TopUpResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, int64(5000), body.Fee)
		assert.Equal(t, int64(505000), body.TotalCharged)
		assert.Equal(t, int64(3333), body.RemainingSMS)
		assert.Regexp(t, `^TOP-[0-9A-F]{12}$`, body.Reference)
		assert.NotEmpty(t, body.PaymentQR)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects unknown payment method", func(t *testing.T) {
		router, _ := newBalanceRouter(t)

		r := httptest.NewRequest(http.MethodPost, "/balance/top-up",
			bytes.NewBufferString(`{"amount":100,"paymentMethod":"cash"}`))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, authed(r, "user-1"))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "PaymentMethod")
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		router, _ := newBalanceRouter(t)

		r := httptest.NewRequest(http.MethodPost, "/balance/top-up",
			bytes.NewBufferString(`{"amount":-5,"paymentMethod":"card"}`))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, authed(r, "user-1"))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestBalanceHandler_TopUpIdempotency(t *testing.T) {
	ledger, mock := newTestLedger(t)
	rdb, rmock := redismock.NewClientMock()
	router := balanceRouter(NewBalanceHandler(ledger, rdb))

	body := `{"amount":1000,"paymentMethod":"card"}`
	send := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/balance/top-up", bytes.NewBufferString(body))
		r.Header.Set("Idempotency-Key", "abc-123")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, authed(r, "user-1"))
		return w
	}

	t.Run("replayed key is rejected", func(t *testing.T) {
		rmock.ExpectSetNX("idempotency:topup:user-1:abc-123", "1", 24*time.Hour).SetVal(false)

		w := send()
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.NoError(t, rmock.ExpectationsWereMet())
	})

	t.Run("failed top-up releases the key", func(t *testing.T) {
		rmock.ExpectSetNX("idempotency:topup:user-1:abc-123", "1", 24*time.Hour).SetVal(true)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()
		rmock.ExpectDel("idempotency:topup:user-1:abc-123").SetVal(1)

		w := send()
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, rmock.ExpectationsWereMet())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestBalanceHandler_ListTransactions(t *testing.T) {
	t.Run("filters by type", func(t *testing.T) {
		router, mock := newBalanceRouter(t)

		mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id = $1 AND type = $2 ORDER BY created_at DESC LIMIT 10")).
			WithArgs("user-1", "debit").
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "type", "amount", "balance_after",
				"description", "reference", "status", "created_at"}).
				AddRow("tx-1", "user-1", "debit", 300, 700, "SMS to 2 recipients", nil, "completed", time.Now()))

		w := httptest.NewRecorder()
		router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodGet, "/balance/transactions?type=debit&limit=10", nil), "user-1"))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "SMS to 2 recipients")
	})

	t.Run("limit out of range", func(t *testing.T) {
		router, _ := newBalanceRouter(t)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodGet, "/balance/transactions?limit=500", nil), "user-1"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("limit not a number", func(t *testing.T) {
		router, _ := newBalanceRouter(t)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodGet, "/balance/transactions?limit=ten", nil), "user-1"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestBalanceHandler_ExportTransactions(t *testing.T) {
	router, mock := newBalanceRouter(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2")).
		WithArgs("user-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "type", "amount", "balance_after",
			"description", "reference", "status", "created_at"}).
			AddRow("tx-1", "user-1", "credit", 1000, 1000, "Sign-up bonus", nil, "completed", time.Now()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodGet, "/balance/transactions/export", nil), "user-1"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, xlsxContentType, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment; filename=\"transactions-")

	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	desc, err := f.GetCellValue("Transactions", "C2")
	require.NoError(t, err)
	assert.Equal(t, "Sign-up bonus", desc)
}

func TestBalanceHandler_VerifyLedger(t *testing.T) {
	lastTxSQL := regexp.QuoteMeta("WHERE user_id = $1 AND type IN ('credit', 'debit')")

	t.Run("consistent", func(t *testing.T) {
		router, mock := newBalanceRouter(t)
		expectProfile(mock, "user-1", 700)
		mock.ExpectQuery(lastTxSQL).WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance_after"}).AddRow("tx-9", 700))

		w := httptest.NewRecorder()
		router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodGet, "/balance/verify", nil), "user-1"))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"consistent":true`)
	})

	t.Run("mismatch returns report with conflict", func(t *testing.T) {
		router, mock := newBalanceRouter(t)
		expectProfile(mock, "user-1", 900)
		mock.ExpectQuery(lastTxSQL).WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance_after"}).AddRow("tx-9", 700))

		w := httptest.NewRecorder()
		router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodGet, "/balance/verify", nil), "user-1"))

		require.Equal(t, http.StatusConflict, w.Code)
		var report services.LedgerReport
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
		assert.False(t, report.Consistent)
		assert.Equal(t, int64(700), report.LedgerBalance)
	})
}
