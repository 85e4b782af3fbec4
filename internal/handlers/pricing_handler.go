package handlers

import (
	"net/http"

	"github.com/bulksms/backend/internal/middleware"
	"github.com/bulksms/backend/internal/services"
)

type PricingHandler struct {
	ledger    *services.LedgerService
	validator *services.ValidationHelper
}

type PurchaseRequest struct {
	PlanName     string `json:"planName" validate:"required,min=1,max=50" example:"STANDARD"`
	BillingCycle string `json:"billingCycle" validate:"required,oneof=monthly yearly" example:"monthly"`
}

func NewPricingHandler(ledger *services.LedgerService) *PricingHandler {
	return &PricingHandler{
		ledger:    ledger,
		validator: services.NewValidationHelper(),
	}
}

// ListPlans returns the pricing catalog
// @Summary List pricing plans
// @Tags pricing
// @Produce json
// @Success 200 {array} models.PricingPlan
// @Router /plans [get]
func (h *PricingHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.ledger.Plans().ListPlans(r.Context())
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	services.WriteJSON(w, http.StatusOK, plans)
}

// GetSubscription returns the active subscription
// @Summary Get subscription
// @Tags pricing
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.Subscription
// @Failure 404 {object} services.ErrorResponse "No active subscription"
// @Router /subscription [get]
func (h *PricingHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	sub, err := h.ledger.GetActiveSubscription(r.Context(), userID)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	if sub == nil {
		services.SendErrorResponse(w, "No active subscription", http.StatusNotFound, nil)
		return
	}
	services.WriteJSON(w, http.StatusOK, sub)
}

// PurchaseSubscription buys a plan
// @Summary Purchase subscription
// @Description Records the payment, credits the plan bonus and replaces the active subscription
// @Tags pricing
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body PurchaseRequest true "Purchase"
// @Success 200 {object} services.PurchaseResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse "Unknown plan"
// @Router /subscription [post]
func (h *PricingHandler) PurchaseSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req PurchaseRequest
	if !h.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.ledger.PurchaseSubscription(r.Context(), userID, req.PlanName, req.BillingCycle)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	services.WriteJSON(w, http.StatusOK, result)
}
