package services

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulksms/backend/internal/models"
)

var (
	insertMessagesSQL = regexp.QuoteMeta("INSERT INTO sms_messages (user_id, recipient_phone, recipient_name, message_content, status, gateway, segments, cost, campaign_id, direction)")
	touchContactsSQL  = regexp.QuoteMeta("UPDATE contacts SET total_messages = total_messages + 1, last_contact = NOW() WHERE user_id = $1 AND phone = ANY($2)")
)

func newTestMessages(t *testing.T) (*MessageService, sqlmock.Sqlmock) {
	t.Helper()
	ledger, mock := newTestLedger(t)
	return NewMessageService(ledger.db, ledger, NewContactService(ledger.db), NewTemplateService(ledger.db)), mock
}

func TestMessageService_Estimate(t *testing.T) {
	svc, _ := newTestMessages(t)

	est, err := svc.Estimate(string(make([]byte, 161)), 2)
	require.NoError(t, err)
	assert.Equal(t, 161, est.Length)
	assert.Equal(t, 2, est.Segments)
	assert.Equal(t, int64(600), est.Cost)

	_, err = svc.Estimate("hello", -1)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestMessageService_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("charges once and records a row per recipient", func(t *testing.T) {
		svc, mock := newTestMessages(t)

		mock.ExpectBegin()
		expectLock(mock, "user-1", 1000, 3)
		expectUpdate(mock, "user-1", 700, 3)
		expectInsertTx(mock, "user-1", models.TransactionDebit, 300, 700, "SMS to 2 recipients", "tx-1")
		mock.ExpectExec(insertMessagesSQL).
			WithArgs("user-1", sqlmock.AnyArg(), sqlmock.AnyArg(), "Hello there", "Africa's Talking", 1, int64(150), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec(touchContactsSQL).
			WithArgs("user-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		res, err := svc.Send(ctx, "user-1", SendRequest{
			Recipients: []string{"+256700000001", "+256700000002", "+256700000001"},
			Content:    "Hello there",
			Gateway:    "Africa's Talking",
		})
		require.NoError(t, err)
		assert.Equal(t, 2, res.Recipients)
		assert.Equal(t, int64(300), res.Cost)
		assert.Equal(t, int64(700), res.Balance)
		assert.Equal(t, int64(4), res.RemainingSMS)
		assert.Equal(t, "tx-1", res.Transaction.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance records nothing", func(t *testing.T) {
		svc, mock := newTestMessages(t)

		mock.ExpectBegin()
		expectLock(mock, "user-1", 100, 1)
		mock.ExpectRollback()

		_, err := svc.Send(ctx, "user-1", SendRequest{Recipients: []string{"+256700000001"}, Content: "Hi"})
		require.Error(t, err)
		assert.True(t, IsInsufficientBalance(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("message insert failure rolls back the charge", func(t *testing.T) {
		svc, mock := newTestMessages(t)

		mock.ExpectBegin()
		expectLock(mock, "user-1", 1000, 1)
		expectUpdate(mock, "user-1", 850, 1)
		expectInsertTx(mock, "user-1", models.TransactionDebit, 150, 850, "SMS to 1 recipients", "tx-1")
		mock.ExpectExec(insertMessagesSQL).WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		_, err := svc.Send(ctx, "user-1", SendRequest{Recipients: []string{"+256700000001"}, Content: "Hi"})
		assert.Equal(t, KindPersistence, KindOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("template content is rendered and usage bumped", func(t *testing.T) {
		svc, mock := newTestMessages(t)

		mock.ExpectQuery(regexp.QuoteMeta("FROM message_templates WHERE id = $1 AND user_id = $2")).
			WithArgs("t-1", "user-1").
			WillReturnRows(sqlmock.NewRows(templateColumnNames).
				AddRow("t-1", "user-1", "Reminder", "Hi {name}", "reminder", []byte("{name}"), 0, nil, time.Now(), time.Now()))
		mock.ExpectBegin()
		expectLock(mock, "user-1", 1000, 1)
		expectUpdate(mock, "user-1", 850, 1)
		expectInsertTx(mock, "user-1", models.TransactionDebit, 150, 850, "SMS to 1 recipients", "tx-1")
		mock.ExpectExec(insertMessagesSQL).
			WithArgs("user-1", sqlmock.AnyArg(), sqlmock.AnyArg(), "Hi Jane", defaultGateway, 1, int64(150), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(touchContactsSQL).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE message_templates SET usage_count = usage_count + 1")).
			WithArgs("t-1", "user-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		_, err := svc.Send(ctx, "user-1", SendRequest{
			Recipients: []string{"+256700000001"},
			TemplateID: "t-1",
			Values:     map[string]string{"name": "Jane"},
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("group recipients", func(t *testing.T) {
		svc, mock := newTestMessages(t)

		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM contact_groups WHERE id = $1 AND user_id = $2)")).
			WithArgs("g-1", "user-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectQuery(regexp.QuoteMeta("WHERE m.group_id = $1 AND c.status = 'active'")).
			WithArgs("g-1").
			WillReturnRows(contactRow("c-1", "Jane", "+256700000001"))
		mock.ExpectBegin()
		expectLock(mock, "user-1", 1000, 1)
		expectUpdate(mock, "user-1", 850, 1)
		expectInsertTx(mock, "user-1", models.TransactionDebit, 150, 850, "SMS to 1 recipients", "tx-1")
		mock.ExpectExec(insertMessagesSQL).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(touchContactsSQL).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		res, err := svc.Send(ctx, "user-1", SendRequest{GroupID: "g-1", Content: "Meeting at 5"})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Recipients)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects ambiguous or empty requests", func(t *testing.T) {
		svc, _ := newTestMessages(t)

		cases := []SendRequest{
			{Recipients: []string{"+256700000001"}},
			{Recipients: []string{"+256700000001"}, Content: "Hi", TemplateID: "t-1"},
			{Recipients: []string{"+256700000001"}, GroupID: "g-1", Content: "Hi"},
			{Recipients: []string{" "}, Content: "Hi"},
		}
		for _, req := range cases {
			_, err := svc.Send(ctx, "user-1", req)
			assert.True(t, errors.Is(err, ErrValidation), "%+v", req)
		}
	})
}

func TestMessageService_History(t *testing.T) {
	svc, mock := newTestMessages(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT 100")).
		WithArgs("user-1", "delivered").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "recipient_phone", "recipient_name", "message_content",
			"status", "gateway", "segments", "cost", "campaign_id", "direction", "sent_at", "delivered_at", "created_at"}).
			AddRow("m-1", "user-1", "+256700000001", "Jane", "Hi", "delivered", "SMSOne", 1, 150, nil, "outbound",
				time.Now(), time.Now(), time.Now()))

	messages, err := svc.History(context.Background(), "user-1", "delivered", 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "Jane", *messages[0].RecipientName)
	assert.Nil(t, messages[0].CampaignID)
	assert.NotNil(t, messages[0].DeliveredAt)
}

func TestMessageService_Report(t *testing.T) {
	svc, mock := newTestMessages(t)

	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY status, gateway")).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "gateway", "count", "sum"}).
			AddRow("delivered", "Africa's Talking", 120, 18000).
			AddRow("delivered", "Yo! Uganda", 71, 10650).
			AddRow("failed", "Yo! Uganda", 9, 1350))

	report, err := svc.Report(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 200, report.Total)
	assert.Equal(t, 191, report.ByStatus["delivered"])
	assert.Equal(t, 80, report.ByGateway["Yo! Uganda"])
	assert.Equal(t, int64(30000), report.TotalCost)
	assert.Equal(t, 95.5, report.DeliveryRate)
}

func TestMessageService_ReportEmpty(t *testing.T) {
	svc, mock := newTestMessages(t)

	mock.ExpectQuery("FROM sms_messages").WillReturnRows(sqlmock.NewRows([]string{"status", "gateway", "count", "sum"}))

	report, err := svc.Report(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Zero(t, report.Total)
	assert.Zero(t, report.DeliveryRate)
}
