package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/bulksms/backend/internal/logging"
	"github.com/bulksms/backend/internal/middleware"
	"github.com/bulksms/backend/internal/models"
)

const (
	apiKeyColumns   = `id, user_id, name, environment, prefix, status, last_used_at, created_at`
	apiKeySecretLen = 24 // random bytes, hex encoded
	apiKeyPrefixLen = 12 // characters kept in clear for display
)

var ErrInvalidAPIKey = errors.New("invalid api key")

// APIKeyService issues and resolves API keys. Only a SHA-256 hash of each key
// is stored; the plaintext is returned once at creation.
type APIKeyService struct {
	db        *sql.DB
	validator *ValidationHelper
	log       zerolog.Logger
}

type APIKeyRequest struct {
	Name        string `json:"name" validate:"required,min=1,max=100" example:"Production server"`
	Environment string `json:"environment" validate:"required,oneof=live test" example:"live"`
}

// CreatedAPIKey carries the plaintext key. It is never returned again.
type CreatedAPIKey struct {
	models.APIKey
	Key string `json:"key"`
}

func NewAPIKeyService(db *sql.DB) *APIKeyService {
	return &APIKeyService{
		db:        db,
		validator: NewValidationHelper(),
		log:       logging.Component("APIKEYS"),
	}
}

// hashSecret is the lookup digest stored for API keys and reset tokens.
func hashSecret(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func generateAPIKey(environment string) (string, error) {
	secret := make([]byte, apiKeySecretLen)
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%s_%s", middleware.APIKeyPrefix, environment, hex.EncodeToString(secret)), nil
}

// MaskAPIKey keeps the display prefix and hides the rest.
func MaskAPIKey(prefix string) string {
	return prefix + strings.Repeat("*", 8)
}

func scanAPIKey(row rowScanner) (*models.APIKey, error) {
	var k models.APIKey
	var lastUsed sql.NullTime
	if err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.Environment, &k.Prefix, &k.Status, &lastUsed, &k.CreatedAt); err != nil {
		return nil, err
	}
	k.LastUsedAt = nullableTime(lastUsed)
	return &k, nil
}

func (s *APIKeyService) Create(ctx context.Context, userID string, req APIKeyRequest) (*CreatedAPIKey, error) {
	const op = "create_api_key"

	key, err := generateAPIKey(req.Environment)
	if err != nil {
		return nil, persistence(op, fmt.Errorf("generate key: %w", err))
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (user_id, name, environment, prefix, key_hash)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+apiKeyColumns,
		userID, req.Name, req.Environment, key[:apiKeyPrefixLen], hashSecret(key))
	k, err := scanAPIKey(row)
	if err != nil {
		return nil, persistence(op, err)
	}

	s.log.Info().Str("user_id", userID).Str("key_id", k.ID).Str("environment", k.Environment).Msg("api key created")
	return &CreatedAPIKey{APIKey: *k, Key: key}, nil
}

// List returns the user's keys with masked prefixes.
func (s *APIKeyService) List(ctx context.Context, userID string) ([]models.APIKey, error) {
	const op = "list_api_keys"

	rows, err := s.db.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, persistence(op, err)
	}
	defer rows.Close()

	keys := []models.APIKey{}
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, persistence(op, err)
		}
		k.Prefix = MaskAPIKey(k.Prefix)
		keys = append(keys, *k)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(op, err)
	}
	return keys, nil
}

func (s *APIKeyService) Revoke(ctx context.Context, userID, keyID string) error {
	const op = "revoke_api_key"

	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET status = $1
		WHERE id = $2 AND user_id = $3 AND status = $4`,
		models.APIKeyRevoked, keyID, userID, models.APIKeyActive)
	if err != nil {
		return persistence(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistence(op, err)
	}
	if n == 0 {
		return notFound(op, fmt.Errorf("active api key %s not found", keyID))
	}

	s.log.Info().Str("user_id", userID).Str("key_id", keyID).Msg("api key revoked")
	return nil
}

// AuthenticateKey resolves an active key to its owner and stamps
// last_used_at.
func (s *APIKeyService) AuthenticateKey(ctx context.Context, key string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE api_keys SET last_used_at = NOW()
		WHERE key_hash = $1 AND status = $2
		RETURNING user_id`, hashSecret(key), models.APIKeyActive).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", ErrInvalidAPIKey
	}
	if err != nil {
		return "", fmt.Errorf("authenticate api key: %w", err)
	}
	return userID, nil
}

// CreateAPIKey issues a key
// @Summary Create API key
// @Description The plaintext key is only returned in this response
// @Tags api-keys
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body APIKeyRequest true "Key"
// @Success 201 {object} CreatedAPIKey
// @Failure 400 {object} ErrorResponse
// @Router /api-keys [post]
func (s *APIKeyService) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req APIKeyRequest
	if !s.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	k, err := s.Create(r.Context(), userID, req)
	if err != nil {
		SendLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, k)
}

// ListAPIKeys lists keys
// @Summary List API keys
// @Tags api-keys
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.APIKey
// @Router /api-keys [get]
func (s *APIKeyService) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	keys, err := s.List(r.Context(), userID)
	if err != nil {
		SendLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, keys)
}

// RevokeAPIKey revokes a key
// @Summary Revoke API key
// @Tags api-keys
// @Security BearerAuth
// @Param keyId path string true "Key ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Router /api-keys/{keyId} [delete]
func (s *APIKeyService) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	if err := s.Revoke(r.Context(), userID, chi.URLParam(r, "keyId")); err != nil {
		SendLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
