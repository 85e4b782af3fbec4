package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

const dashboardOrigin = "https://dashboard.example.com"

func corsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(CORS([]string{dashboardOrigin}))
	r.Post("/api/v1/balance/top-up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func preflight(origin, headers string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodOptions, "/api/v1/balance/top-up", nil)
	r.Header.Set("Origin", origin)
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	r.Header.Set("Access-Control-Request-Headers", headers)
	w := httptest.NewRecorder()
	corsRouter().ServeHTTP(w, r)
	return w
}

func TestCORS_Preflight(t *testing.T) {
	t.Run("top-up with idempotency key is allowed", func(t *testing.T) {
		w := preflight(dashboardOrigin, "authorization,content-type,idempotency-key")

		assert.Equal(t, dashboardOrigin, w.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
		assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("unlisted header is refused", func(t *testing.T) {
		w := preflight(dashboardOrigin, "x-forwarded-user")

		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("foreign origin is refused", func(t *testing.T) {
		w := preflight("https://evil.example.com", "authorization")

		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestCORS_ExposesDownloadHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/balance/top-up", nil)
	r.Header.Set("Origin", dashboardOrigin)
	w := httptest.NewRecorder()
	corsRouter().ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, dashboardOrigin, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "Content-Disposition")
}
