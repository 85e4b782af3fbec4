package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/bulksms/backend/internal/logging"
	"github.com/bulksms/backend/internal/middleware"
	"github.com/bulksms/backend/internal/services"
)

const (
	xlsxContentType   = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	idempotencyHeader = "Idempotency-Key"
	idempotencyTTL    = 24 * time.Hour
)

type BalanceHandler struct {
	ledger    *services.LedgerService
	redis     *redis.Client
	validator *services.ValidationHelper
}

type TopUpRequest struct {
	Amount        int64  `json:"amount" validate:"required,gt=0" example:"500000"`
	PaymentMethod string `json:"paymentMethod" validate:"required,oneof=mobile-money card bank-transfer" example:"mobile-money"`
}

type BalanceResponse struct {
	UserID       string `json:"user_id"`
	Balance      int64  `json:"balance"`
	RemainingSMS int64  `json:"remaining_sms"`
}

// NewBalanceHandler builds the balance endpoints. redisClient may be nil, in
// which case Idempotency-Key headers are ignored.
func NewBalanceHandler(ledger *services.LedgerService, redisClient *redis.Client) *BalanceHandler {
	return &BalanceHandler{
		ledger:    ledger,
		redis:     redisClient,
		validator: services.NewValidationHelper(),
	}
}

func idempotencyKey(userID, key string) string {
	return fmt.Sprintf("idempotency:topup:%s:%s", userID, key)
}

// claim reports whether this is the first request carrying key. Redis
// failures let the request through.
func (h *BalanceHandler) claim(r *http.Request, userID, key string) bool {
	if h.redis == nil || key == "" {
		return true
	}
	ok, err := h.redis.SetNX(r.Context(), idempotencyKey(userID, key), "1", idempotencyTTL).Result()
	if err != nil {
		logging.Warn().Err(err).Str("user_id", userID).Msg("idempotency check failed")
		return true
	}
	return ok
}

func (h *BalanceHandler) release(r *http.Request, userID, key string) {
	if h.redis == nil || key == "" {
		return
	}
	h.redis.Del(r.Context(), idempotencyKey(userID, key))
}

// GetBalance returns the current balance
// @Summary Get balance
// @Description Balance in currency units and the SMS credits it buys
// @Tags balance
// @Produce json
// @Security BearerAuth
// @Success 200 {object} BalanceResponse
// @Failure 401 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /balance [get]
func (h *BalanceHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	profile, err := h.ledger.GetAccount(r.Context(), userID)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}

	services.WriteJSON(w, http.StatusOK, BalanceResponse{
		UserID:       userID,
		Balance:      profile.Balance,
		RemainingSMS: profile.RemainingSMS,
	})
}

// TopUp credits the balance
// @Summary Top up balance
// @Description Credits amount; a processing fee is added to the charged total
// @Tags balance
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param Idempotency-Key header string false "Repeated keys within 24h are rejected"
// @Param request body TopUpRequest true "Top-up"
// @Success 200 {object} services.TopUpResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse "Duplicate request"
// @Router /balance/top-up [post]
func (h *BalanceHandler) TopUp(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req TopUpRequest
	if !h.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	key := r.Header.Get(idempotencyHeader)
	if !h.claim(r, userID, key) {
		services.SendErrorResponse(w, "Top-up already processed", http.StatusConflict, nil)
		return
	}

	result, err := h.ledger.TopUp(r.Context(), userID, req.Amount, req.PaymentMethod)
	if err != nil {
		h.release(r, userID, key)
		services.SendLedgerError(w, err)
		return
	}
	services.WriteJSON(w, http.StatusOK, result)
}

// ListTransactions lists ledger entries
// @Summary List transactions
// @Tags balance
// @Produce json
// @Security BearerAuth
// @Param type query string false "credit, debit or payment"
// @Param limit query int false "1 to 100 (default 50)"
// @Success 200 {array} models.Transaction
// @Failure 400 {object} services.ErrorResponse
// @Router /balance/transactions [get]
func (h *BalanceHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	filter := services.TransactionFilter{Type: r.URL.Query().Get("type")}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			services.SendErrorResponse(w, "Invalid limit", http.StatusBadRequest, nil)
			return
		}
		filter.Limit = limit
	}

	txs, err := h.ledger.ListTransactions(r.Context(), userID, filter)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	services.WriteJSON(w, http.StatusOK, txs)
}

// ExportTransactions downloads the ledger as a spreadsheet
// @Summary Export transactions
// @Tags balance
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Security BearerAuth
// @Success 200 {file} file
// @Router /balance/transactions/export [get]
func (h *BalanceHandler) ExportTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	data, err := h.ledger.ExportTransactions(r.Context(), userID)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}

	filename := fmt.Sprintf("transactions-%s.xlsx", time.Now().UTC().Format("20060102"))
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// VerifyLedger reconciles the balance with the transaction history
// @Summary Verify ledger
// @Description 409 with the report when the balance and the last balance_after disagree
// @Tags balance
// @Produce json
// @Security BearerAuth
// @Success 200 {object} services.LedgerReport
// @Failure 409 {object} services.LedgerReport
// @Router /balance/verify [get]
func (h *BalanceHandler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	report, err := h.ledger.VerifyLedger(r.Context(), userID)
	if err != nil && report == nil {
		services.SendLedgerError(w, err)
		return
	}
	if err != nil {
		services.WriteJSON(w, services.StatusCode(err), report)
		return
	}
	services.WriteJSON(w, http.StatusOK, report)
}
