package services

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulksms/backend/internal/middleware"
	"github.com/bulksms/backend/internal/models"
)

var apiKeyColumnNames = []string{"id", "user_id", "name", "environment", "prefix", "status", "last_used_at", "created_at"}

var authenticateKeySQL = regexp.QuoteMeta("UPDATE api_keys SET last_used_at = NOW() WHERE key_hash = $1 AND status = $2 RETURNING user_id")

func newTestAPIKeys(t *testing.T) (*APIKeyService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewAPIKeyService(db), mock
}

func TestGenerateAPIKey(t *testing.T) {
	live, err := generateAPIKey("live")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(live, "sk_live_"))
	assert.Len(t, live, len("sk_live_")+2*apiKeySecretLen)

	other, err := generateAPIKey("live")
	require.NoError(t, err)
	assert.NotEqual(t, live, other)

	assert.Len(t, hashSecret(live), 64)
	assert.Equal(t, hashSecret(live), hashSecret(live))
}

func TestAPIKeyService_Create(t *testing.T) {
	svc, mock := newTestAPIKeys(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO api_keys (user_id, name, environment, prefix, key_hash)")).
		WithArgs("user-1", "CI", "test", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(apiKeyColumnNames).
			AddRow("key-1", "user-1", "CI", "test", "sk_test_abcd", models.APIKeyActive, nil, time.Now()))

	k, err := svc.Create(context.Background(), "user-1", APIKeyRequest{Name: "CI", Environment: "test"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(k.Key, "sk_test_"))
	assert.Equal(t, "key-1", k.ID)
	assert.Nil(t, k.LastUsedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAPIKeyService_ListMasksPrefix(t *testing.T) {
	svc, mock := newTestAPIKeys(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC")).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(apiKeyColumnNames).
			AddRow("key-1", "user-1", "Prod", "live", "sk_live_9f3a", models.APIKeyActive, time.Now(), time.Now()))

	keys, err := svc.List(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "sk_live_9f3a********", keys[0].Prefix)
	assert.NotNil(t, keys[0].LastUsedAt)
}

func TestAPIKeyService_Revoke(t *testing.T) {
	svc, mock := newTestAPIKeys(t)
	revokeSQL := regexp.QuoteMeta("UPDATE api_keys SET status = $1 WHERE id = $2 AND user_id = $3 AND status = $4")

	mock.ExpectExec(revokeSQL).
		WithArgs(models.APIKeyRevoked, "key-1", "user-1", models.APIKeyActive).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(revokeSQL).
		WithArgs(models.APIKeyRevoked, "key-1", "user-1", models.APIKeyActive).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, svc.Revoke(context.Background(), "user-1", "key-1"))
	assert.True(t, errors.Is(svc.Revoke(context.Background(), "user-1", "key-1"), ErrNotFound))
}

func TestAPIKeyService_AuthenticateKey(t *testing.T) {
	svc, mock := newTestAPIKeys(t)
	key := "sk_live_0123456789abcdef"

	mock.ExpectQuery(authenticateKeySQL).
		WithArgs(hashSecret(key), models.APIKeyActive).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-1"))
	mock.ExpectQuery(authenticateKeySQL).
		WillReturnError(sql.ErrNoRows)

	userID, err := svc.AuthenticateKey(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)

	_, err = svc.AuthenticateKey(context.Background(), "sk_live_revoked")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestAPIKeyService_AuthenticatesThroughMiddleware(t *testing.T) {
	svc, mock := newTestAPIKeys(t)
	middleware.InitAuthMiddleware(nil, svc)
	t.Cleanup(func() { middleware.InitAuthMiddleware(nil, nil) })

	key := "sk_test_feedface"
	mock.ExpectQuery(authenticateKeySQL).
		WithArgs(hashSecret(key), models.APIKeyActive).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-7"))

	var seen string
	handler := middleware.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = middleware.UserIDFromContext(r.Context())
		assert.Equal(t, "api_key", middleware.AuthMethodFromContext(r.Context()))
	}))

	r := httptest.NewRequest(http.MethodGet, "/balance", nil)
	r.Header.Set("Authorization", "Bearer "+key)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-7", seen)
}
