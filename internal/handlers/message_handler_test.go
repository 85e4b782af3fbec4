package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulksms/backend/internal/services"
)

func newMessageRouter(t *testing.T) (http.Handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledger := services.NewLedgerService(db, nil, nil)
	svc := services.NewMessageService(db, ledger, services.NewContactService(db), services.NewTemplateService(db))
	h := NewMessageHandler(svc)

	r := chi.NewRouter()
	r.Post("/messages", h.SendMessage)
	r.Get("/messages", h.ListMessages)
	r.Get("/messages/report", h.DeliveryReport)
	r.Post("/messages/estimate", h.EstimateCost)
	return r, mock
}

func TestMessageHandler_SendMessage(t *testing.T) {
	t.Run("insufficient balance is a bad request with details", func(t *testing.T) {
		router, mock := newMessageRouter(t)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version"}).AddRow("p-1", 100, 1))
		mock.ExpectRollback()

		r := httptest.NewRequest(http.MethodPost, "/messages",
			bytes.NewBufferString(`{"recipients":["+256700000001"],"content":"Hello"}`))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, authed(r, "user-1"))

		require.Equal(t, http.StatusBadRequest, w.Code)
		var body services.ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "Insufficient balance", body.Error)
		assert.NotEmpty(t, body.Details["balance"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects non E.164 recipients", func(t *testing.T) {
		router, _ := newMessageRouter(t)

		r := httptest.NewRequest(http.MethodPost, "/messages",
			bytes.NewBufferString(`{"recipients":["0700 000 001"],"content":"Hello"}`))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, authed(r, "user-1"))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("sent", func(t *testing.T) {
		router, mock := newMessageRouter(t)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version"}).AddRow("p-1", 1000, 1))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE user_profiles")).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO transactions")).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("tx-1", time.Now()))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sms_messages")).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE contacts")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		r := httptest.NewRequest(http.MethodPost, "/messages",
			bytes.NewBufferString(`{"recipients":["+256700000001"],"content":"Hello","gateway":"SMSOne"}`))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, authed(r, "user-1"))

		require.Equal(t, http.StatusCreated, w.Code)
		var res services.SendResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.Equal(t, int64(850), res.Balance)
		assert.Equal(t, int64(150), res.Cost)
	})
}

func TestMessageHandler_ListMessages(t *testing.T) {
	router, _ := newMessageRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodGet, "/messages?status=bounced", nil), "user-1"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMessageHandler_EstimateCost(t *testing.T) {
	router, _ := newMessageRouter(t)

	content := string(bytes.Repeat([]byte("a"), 161))
	r := httptest.NewRequest(http.MethodPost, "/messages/estimate",
		bytes.NewBufferString(`{"content":"`+content+`","recipientCount":2}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, authed(r, "user-1"))

	require.Equal(t, http.StatusOK, w.Code)
	var est services.Estimate
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &est))
	assert.Equal(t, 2, est.Segments)
	assert.Equal(t, int64(600), est.Cost)
}

func TestMessageHandler_DeliveryReport(t *testing.T) {
	router, mock := newMessageRouter(t)

	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY status, gateway")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "gateway", "count", "sum"}).
			AddRow("delivered", "SMSOne", 3, 450).
			AddRow("failed", "SMSOne", 1, 150))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authed(httptest.NewRequest(http.MethodGet, "/messages/report", nil), "user-1"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"delivery_rate":75`)
}
