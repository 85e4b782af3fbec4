package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"

	"github.com/bulksms/backend/internal/logging"
)

type contextKey string

const (
	userIDKey     contextKey = "userID"
	authMethodKey contextKey = "authMethod"
)

// APIKeyPrefix marks bearer credentials that are API keys rather than JWTs.
const APIKeyPrefix = "sk_"

// KeyAuthenticator resolves an API key to the user that owns it.
type KeyAuthenticator interface {
	AuthenticateKey(ctx context.Context, key string) (userID string, err error)
}

var (
	redisClient *redis.Client
	keyAuth     KeyAuthenticator
)

// InitAuthMiddleware wires the token blacklist and API key lookup. Either may
// be nil: without Redis no token is treated as revoked, without keys sk_
// credentials are rejected.
func InitAuthMiddleware(client *redis.Client, keys KeyAuthenticator) {
	redisClient = client
	keyAuth = keys
}

// WithUserID returns ctx carrying the authenticated user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the authenticated user id, if any.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok && userID != ""
}

// AuthMethodFromContext reports "jwt" or "api_key".
func AuthMethodFromContext(ctx context.Context) string {
	method, _ := ctx.Value(authMethodKey).(string)
	return method
}

// BearerToken extracts the credential from an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	parts := strings.Split(r.Header.Get("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// BlacklistKey is the Redis key marking a revoked token.
func BlacklistKey(token string) string {
	return fmt.Sprintf("blacklist:%s", token)
}

func AuthMiddleware(next http.Handler) http.Handler {
	log := logging.Component("AUTH")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		token, ok := BearerToken(r)
		if !ok {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		var userID, method string
		var err error
		if strings.HasPrefix(token, APIKeyPrefix) {
			method = "api_key"
			if keyAuth == nil {
				err = errors.New("api keys are not enabled")
			} else {
				userID, err = keyAuth.AuthenticateKey(r.Context(), token)
			}
		} else {
			method = "jwt"
			if isBlacklisted(r.Context(), token) {
				log.Info().Str("ip", r.RemoteAddr).Msg("revoked token presented")
				http.Error(w, "Token has been revoked", http.StatusUnauthorized)
				return
			}
			userID, err = ValidateToken(token)
		}
		if err != nil || userID == "" {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := WithUserID(r.Context(), userID)
		ctx = context.WithValue(ctx, authMethodKey, method)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isBlacklisted(ctx context.Context, token string) bool {
	if redisClient == nil {
		return false
	}
	n, err := redisClient.Exists(ctx, BlacklistKey(token)).Result()
	if err != nil {
		logging.Warn().Err(err).Msg("token blacklist lookup failed")
		return false
	}
	return n > 0
}

// ValidateToken verifies an HS256 token and returns its user_id claim.
func ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(viper.GetString("jwt.secret_key")), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("unexpected claims type")
	}

	userID, ok := claims["user_id"].(string)
	if !ok {
		return "", errors.New("missing user_id claim")
	}
	return userID, nil
}
