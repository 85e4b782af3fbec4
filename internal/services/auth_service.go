package services

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"

	"github.com/bulksms/backend/internal/logging"
	"github.com/bulksms/backend/internal/middleware"
	"github.com/bulksms/backend/internal/models"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidResetToken  = errors.New("invalid or expired reset token")
	ErrResetUnavailable   = errors.New("password reset requires redis")
)

type AuthService struct {
	db            *sql.DB
	redis         *redis.Client
	ledger        *LedgerService
	sessions      *SessionHub
	validator     *ValidationHelper
	log           zerolog.Logger
	newResetToken func() string
}

// LoginRequest represents the login request payload
// @Description Login request structure
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email" example:"user@example.com"` // User email address
	Password string `json:"password" validate:"required" example:"password123"`        // User password
}

// RegisterRequest represents the registration request payload
// @Description Registration request structure
type RegisterRequest struct {
	Email     string `json:"email" validate:"required,email" example:"user@example.com"` // User email address
	Password  string `json:"password" validate:"required,min=8" example:"password123"`   // User password
	FirstName string `json:"firstName" validate:"required,min=1,max=100" example:"Jane"` // User first name
	LastName  string `json:"lastName" validate:"required,min=1,max=100" example:"Doe"`   // User last name
	Company   string `json:"company" validate:"omitempty,max=200" example:"Acme Ltd"`    // Optional company
}

// ChangePasswordRequest represents the password change payload
// @Description Password change structure
type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,nefield=CurrentPassword"`
}

// PasswordResetRequest starts the forgot-password flow
// @Description Forgot password structure
type PasswordResetRequest struct {
	Email string `json:"email" validate:"required,email" example:"user@example.com"`
}

// PasswordResetConfirmRequest completes it with the issued token
// @Description Reset confirmation structure
type PasswordResetConfirmRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required,min=8"`
}

// AuthResponse represents the authentication response
// @Description Authentication response structure
type AuthResponse struct {
	Token string          `json:"token" example:"eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9..."` // JWT token
	User  models.AuthUser `json:"user"`                                                    // Current user
}

func NewAuthService(db *sql.DB, redisClient *redis.Client, ledger *LedgerService, sessions *SessionHub) *AuthService {
	return &AuthService{
		db:            db,
		redis:         redisClient,
		ledger:        ledger,
		sessions:      sessions,
		validator:     NewValidationHelper(),
		log:           logging.Component("AUTH"),
		newResetToken: randomResetToken,
	}
}

func randomResetToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// OnSessionChange registers a callback for sign-in and sign-out events.
func (s *AuthService) OnSessionChange(callback func(SessionEvent)) func() {
	return s.sessions.OnSessionChange(callback)
}

// Register handles user registration
// @Summary Register a new user
// @Description Create an account seeded with the sign-up bonus and the default plan
// @Tags auth
// @Accept json
// @Produce json
// @Param request body RegisterRequest true "Registration request"
// @Success 201 {object} AuthResponse "Registration successful"
// @Failure 400 {object} ErrorResponse "Invalid request"
// @Failure 409 {object} ErrorResponse "Email already exists"
// @Failure 500 {object} ErrorResponse "Internal server error"
// @Router /auth/register [post]
func (s *AuthService) Register(w http.ResponseWriter, r *http.Request) {
	s.log.Info().Str("ip", r.RemoteAddr).Msg("registration attempt")

	var req RegisterRequest
	if !s.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	user, err := s.CreateAccount(r.Context(), req)
	if errors.Is(err, ErrEmailTaken) {
		SendErrorResponse(w, "Email Already Exists", http.StatusConflict, nil)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("email", req.Email).Msg("registration failed")
		SendLedgerError(w, err)
		return
	}

	token, err := generateJWT(user.ID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("JWT generation failed")
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	s.sessions.Publish(r.Context(), SessionEvent{UserID: user.ID, Kind: SessionSignedIn})
	s.log.Info().Str("user_id", user.ID).Msg("registration successful")
	WriteJSON(w, http.StatusCreated, AuthResponse{Token: token, User: *user})
}

// CreateAccount inserts the user, a profile credited with the sign-up bonus
// through the ledger, and an active subscription on the default plan, all in
// one transaction.
func (s *AuthService) CreateAccount(ctx context.Context, req RegisterRequest) (*models.AuthUser, error) {
	const op = "register"
	cfg := s.ledger.Config()

	plan, err := s.ledger.Plans().GetPlan(ctx, cfg.DefaultPlan)
	if err != nil {
		return nil, err
	}

	hashedPassword, err := hashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	var company *string
	if req.Company != "" {
		company = &req.Company
	}

	user := &models.AuthUser{Email: email, Provider: "email"}
	profile := &models.Profile{FirstName: req.FirstName, LastName: req.LastName, Company: company}
	var bonus *BalanceResult

	err = s.ledger.WithinTx(ctx, op, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			"INSERT INTO users (email, password) VALUES ($1, $2) RETURNING id",
			email, hashedPassword).Scan(&user.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrEmailTaken
			}
			return persistence(op, err)
		}

		profile.UserID = user.ID
		err = tx.QueryRowContext(ctx,
			"INSERT INTO user_profiles (user_id, first_name, last_name, company, balance) VALUES ($1, $2, $3, $4, 0) RETURNING id, created_at, updated_at",
			user.ID, req.FirstName, req.LastName, company).Scan(&profile.ID, &profile.CreatedAt, &profile.UpdatedAt)
		if err != nil {
			return persistence(op, err)
		}

		if cfg.SignupBonus > 0 {
			bonus, err = s.ledger.AdjustBalanceTx(ctx, tx, user.ID, cfg.SignupBonus, "Sign-up bonus", nil)
			if err != nil {
				return err
			}
			profile.Balance = bonus.Balance
		}

		sub, err := s.ledger.ActivateSubscriptionTx(ctx, tx, user.ID, plan, models.BillingMonthly)
		if err != nil {
			return err
		}
		user.Subscription = &models.SubscriptionBrief{PlanName: plan.Name, Status: sub.Status, ExpiresAt: sub.ExpiresAt}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if bonus != nil {
		s.ledger.Committed(bonus.Transaction)
	}
	profile.RemainingSMS = s.ledger.RemainingSMS(profile.Balance)
	user.Profile = profile
	return user, nil
}

// Login handles user authentication
// @Summary Login user
// @Description Authenticate user with email and password
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login request"
// @Success 200 {object} AuthResponse "Login successful"
// @Failure 400 {object} ErrorResponse "Invalid request"
// @Failure 401 {object} ErrorResponse "Invalid credentials"
// @Failure 500 {object} ErrorResponse "Internal server error"
// @Router /auth/login [post]
func (s *AuthService) Login(w http.ResponseWriter, r *http.Request) {
	s.log.Info().Str("ip", r.RemoteAddr).Msg("login attempt")

	var req LoginRequest
	if !s.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	userID, err := s.VerifyCredentials(r.Context(), req.Email, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("credential lookup failed")
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	user, err := s.GetCurrentUser(r.Context(), userID)
	if err != nil {
		SendLedgerError(w, err)
		return
	}

	token, err := generateJWT(userID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("JWT generation failed")
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	s.sessions.Publish(r.Context(), SessionEvent{UserID: userID, Kind: SessionSignedIn})
	s.log.Info().Str("user_id", userID).Msg("login successful")
	WriteJSON(w, http.StatusOK, AuthResponse{Token: token, User: *user})
}

// VerifyCredentials returns the user id for a matching email and password.
func (s *AuthService) VerifyCredentials(ctx context.Context, email, password string) (string, error) {
	var userID, hashedPassword string
	err := s.db.QueryRowContext(ctx, "SELECT id, password FROM users WHERE email = $1",
		strings.ToLower(strings.TrimSpace(email))).Scan(&userID, &hashedPassword)
	if err == sql.ErrNoRows {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}
	if !verifyPassword(password, hashedPassword) {
		return "", ErrInvalidCredentials
	}
	return userID, nil
}

// Logout handles user logout
// @Summary Logout user
// @Description Logout user and blacklist token until it expires
// @Tags auth
// @Produce json
// @Success 200 {object} map[string]string "Logout successful"
// @Router /auth/logout [post]
func (s *AuthService) Logout(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.BearerToken(r)
	if ok {
		if userID, err := middleware.ValidateToken(token); err == nil {
			s.revoke(r.Context(), token)
			s.sessions.Publish(r.Context(), SessionEvent{UserID: userID, Kind: SessionSignedOut})
			s.log.Info().Str("user_id", userID).Msg("logout")
		}
	}

	WriteJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

func (s *AuthService) revoke(ctx context.Context, token string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Set(ctx, middleware.BlacklistKey(token), "1", tokenTTL(token)).Err(); err != nil {
		s.log.Warn().Err(err).Msg("failed to blacklist token")
	}
}

// tokenTTL is the remaining lifetime of token, falling back to the
// configured expiry when the claim cannot be read.
func tokenTTL(token string) time.Duration {
	fallback := time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fallback
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fallback
	}
	if ttl := time.Until(exp.Time); ttl > 0 {
		return ttl
	}
	return time.Second
}

// Me returns the authenticated user
// @Summary Get current user
// @Description Get the signed-in user's profile, balance and active subscription
// @Tags auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.AuthUser "Current user"
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Failure 404 {object} ErrorResponse "Profile not found"
// @Router /auth/me [get]
func (s *AuthService) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	user, err := s.GetCurrentUser(r.Context(), userID)
	if err != nil {
		SendLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, user)
}

// GetCurrentUser assembles the AuthUser view for userID.
func (s *AuthService) GetCurrentUser(ctx context.Context, userID string) (*models.AuthUser, error) {
	var email string
	err := s.db.QueryRowContext(ctx, "SELECT email FROM users WHERE id = $1", userID).Scan(&email)
	if err == sql.ErrNoRows {
		return nil, notFound("get_current_user", errors.New("user not found"))
	}
	if err != nil {
		return nil, persistence("get_current_user", err)
	}

	profile, err := s.ledger.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	user := &models.AuthUser{ID: userID, Email: email, Provider: "email", Profile: profile}

	sub, err := s.ledger.GetActiveSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub != nil {
		user.Subscription = &models.SubscriptionBrief{PlanName: sub.PlanName, Status: sub.Status, ExpiresAt: sub.ExpiresAt}
	}
	return user, nil
}

// ChangePassword updates the password after re-checking the current one
// @Summary Change password
// @Tags auth
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body ChangePasswordRequest true "Password change request"
// @Success 200 {object} map[string]string "Password updated"
// @Failure 400 {object} ErrorResponse "Invalid request"
// @Failure 401 {object} ErrorResponse "Current password is wrong"
// @Router /auth/password [put]
func (s *AuthService) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req ChangePasswordRequest
	if !s.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	var current string
	err := s.db.QueryRowContext(r.Context(), "SELECT password FROM users WHERE id = $1", userID).Scan(&current)
	if err != nil {
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}
	if !verifyPassword(req.CurrentPassword, current) {
		s.log.Warn().Str("user_id", userID).Msg("password change with wrong current password")
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	hashed, err := hashPassword(req.NewPassword)
	if err != nil {
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}
	if _, err := s.db.ExecContext(r.Context(),
		"UPDATE users SET password = $1, updated_at = NOW() WHERE id = $2", hashed, userID); err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("password update failed")
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"message": "Password updated"})
}

func resetKey(token string) string {
	return "password_reset:" + hashSecret(token)
}

// IssuePasswordReset stores a single-use reset token for the account behind
// email. Unknown emails return an empty token and no error so the endpoint
// does not reveal which addresses are registered.
func (s *AuthService) IssuePasswordReset(ctx context.Context, email string) (string, error) {
	if s.redis == nil {
		return "", ErrResetUnavailable
	}

	var userID string
	err := s.db.QueryRowContext(ctx, "SELECT id FROM users WHERE email = $1",
		strings.ToLower(strings.TrimSpace(email))).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	token := s.newResetToken()
	ttl := viper.GetDuration("auth.reset_token_ttl")
	if err := s.redis.Set(ctx, resetKey(token), userID, ttl).Err(); err != nil {
		return "", fmt.Errorf("store reset token: %w", err)
	}
	return token, nil
}

// ResetPassword consumes token and sets the new password on its account.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) (string, error) {
	if s.redis == nil {
		return "", ErrResetUnavailable
	}

	key := resetKey(token)
	userID, err := s.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrInvalidResetToken
	}
	if err != nil {
		return "", fmt.Errorf("load reset token: %w", err)
	}

	// Only the caller whose Del removes the key may use it.
	n, err := s.redis.Del(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("consume reset token: %w", err)
	}
	if n == 0 {
		return "", ErrInvalidResetToken
	}

	hashed, err := hashPassword(newPassword)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET password = $1, updated_at = NOW() WHERE id = $2", hashed, userID)
	if err != nil {
		return "", err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return "", ErrInvalidResetToken
	}
	return userID, nil
}

// ForgotPassword issues a password reset token
// @Summary Request password reset
// @Description Issues a single-use reset token. The answer is the same whether or not the email is registered.
// @Tags auth
// @Accept json
// @Produce json
// @Param request body PasswordResetRequest true "Account email"
// @Success 202 {object} map[string]string "Reset requested"
// @Failure 400 {object} ErrorResponse "Invalid request"
// @Failure 503 {object} ErrorResponse "Reset unavailable"
// @Router /auth/password/reset [post]
func (s *AuthService) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req PasswordResetRequest
	if !s.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	token, err := s.IssuePasswordReset(r.Context(), req.Email)
	if errors.Is(err, ErrResetUnavailable) {
		SendErrorResponse(w, "Password reset is temporarily unavailable", http.StatusServiceUnavailable, nil)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("password reset request failed")
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	if token != "" {
		// No mail transport; operators hand the token over out of band.
		s.log.Info().Str("email", req.Email).Str("reset_token", token).Msg("password reset token issued")
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{
		"message": "If the email is registered, reset instructions have been sent",
	})
}

// ConfirmPasswordReset sets a new password with a reset token
// @Summary Confirm password reset
// @Tags auth
// @Accept json
// @Produce json
// @Param request body PasswordResetConfirmRequest true "Token and new password"
// @Success 200 {object} map[string]string "Password updated"
// @Failure 400 {object} ErrorResponse "Invalid or expired token"
// @Failure 503 {object} ErrorResponse "Reset unavailable"
// @Router /auth/password/reset/confirm [post]
func (s *AuthService) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req PasswordResetConfirmRequest
	if !s.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	userID, err := s.ResetPassword(r.Context(), req.Token, req.NewPassword)
	switch {
	case errors.Is(err, ErrInvalidResetToken):
		SendErrorResponse(w, "Invalid or expired reset token", http.StatusBadRequest, nil)
		return
	case errors.Is(err, ErrResetUnavailable):
		SendErrorResponse(w, "Password reset is temporarily unavailable", http.StatusServiceUnavailable, nil)
		return
	case err != nil:
		s.log.Error().Err(err).Msg("password reset failed")
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	s.log.Info().Str("user_id", userID).Msg("password reset")
	WriteJSON(w, http.StatusOK, map[string]string{"message": "Password updated"})
}

// UpdateProfile edits the display fields of the profile
// @Summary Update profile
// @Description Update name, company or phone. Balance is not editable here.
// @Tags profile
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.ProfileUpdate true "Profile fields"
// @Success 200 {object} models.Profile "Updated profile"
// @Failure 400 {object} ErrorResponse "Invalid request"
// @Failure 404 {object} ErrorResponse "Profile not found"
// @Router /profile [put]
func (s *AuthService) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req models.ProfileUpdate
	if !s.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	profile, err := s.UpdateProfileFields(r.Context(), userID, req)
	if err != nil {
		SendLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, profile)
}

// UpdateProfileFields applies the non-nil fields of upd and returns the
// refreshed profile.
func (s *AuthService) UpdateProfileFields(ctx context.Context, userID string, upd models.ProfileUpdate) (*models.Profile, error) {
	const op = "update_profile"

	res, err := s.db.ExecContext(ctx, `
		UPDATE user_profiles
		SET first_name = COALESCE($1, first_name),
		    last_name = COALESCE($2, last_name),
		    company = COALESCE($3, company),
		    phone = COALESCE($4, phone),
		    updated_at = NOW()
		WHERE user_id = $5`,
		upd.FirstName, upd.LastName, upd.Company, upd.Phone, userID)
	if err != nil {
		return nil, persistence(op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, notFound(op, ErrProfileNotFound)
	}
	return s.ledger.GetAccount(ctx, userID)
}

func generateJWT(userID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"iat":     now.Unix(),
		"exp":     now.Add(time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour).Unix(),
	})

	return token.SignedString([]byte(viper.GetString("jwt.secret_key")))
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, viper.GetInt("argon2.salt_length"))
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func verifyPassword(password, hashedPassword string) bool {
	parts := strings.Split(hashedPassword, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}

	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computedHash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, computedHash) == 1
}
