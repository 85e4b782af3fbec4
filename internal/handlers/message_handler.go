package handlers

import (
	"net/http"
	"strconv"

	"github.com/bulksms/backend/internal/middleware"
	"github.com/bulksms/backend/internal/models"
	"github.com/bulksms/backend/internal/services"
)

type MessageHandler struct {
	service   *services.MessageService
	validator *services.ValidationHelper
}

type EstimateRequest struct {
	Content        string `json:"content" validate:"max=1600"`
	RecipientCount int    `json:"recipientCount" validate:"min=1,max=1000000"`
}

func NewMessageHandler(service *services.MessageService) *MessageHandler {
	return &MessageHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// SendMessage charges the balance and records the messages
// @Summary Send SMS
// @Description Recipients are given directly or by groupId; content directly or by templateId with values
// @Tags messages
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.SendRequest true "Message"
// @Success 201 {object} services.SendResult
// @Failure 400 {object} services.ErrorResponse "Validation failed or insufficient balance"
// @Failure 404 {object} services.ErrorResponse "Unknown group or template"
// @Router /messages [post]
func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req services.SendRequest
	if !h.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.service.Send(r.Context(), userID, req)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	services.WriteJSON(w, http.StatusCreated, result)
}

// ListMessages returns message history
// @Summary Message history
// @Tags messages
// @Produce json
// @Security BearerAuth
// @Param status query string false "queued, sent, delivered or failed"
// @Param limit query int false "Max rows (default 100)"
// @Success 200 {array} models.SMSMessage
// @Router /messages [get]
func (h *MessageHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	status := r.URL.Query().Get("status")
	switch status {
	case "", models.MessageQueued, models.MessageSent, models.MessageDelivered, models.MessageFailed:
	default:
		services.SendErrorResponse(w, "Unknown message status", http.StatusBadRequest, nil)
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		var err error
		if limit, err = strconv.Atoi(limitStr); err != nil {
			services.SendErrorResponse(w, "Invalid limit", http.StatusBadRequest, nil)
			return
		}
	}

	messages, err := h.service.History(r.Context(), userID, status, limit)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	services.WriteJSON(w, http.StatusOK, messages)
}

// DeliveryReport summarises delivery outcomes
// @Summary Delivery report
// @Tags messages
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.DeliveryReport
// @Router /messages/report [get]
func (h *MessageHandler) DeliveryReport(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	report, err := h.service.Report(r.Context(), userID)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	services.WriteJSON(w, http.StatusOK, report)
}

// EstimateCost prices a message without sending it
// @Summary Estimate cost
// @Tags messages
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body EstimateRequest true "Estimate"
// @Success 200 {object} services.Estimate
// @Failure 400 {object} services.ErrorResponse
// @Router /messages/estimate [post]
func (h *MessageHandler) EstimateCost(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.UserIDFromContext(r.Context()); !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req EstimateRequest
	if !h.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	est, err := h.service.Estimate(req.Content, req.RecipientCount)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	services.WriteJSON(w, http.StatusOK, est)
}
