package services

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/bulksms/backend/internal/logging"
	"github.com/bulksms/backend/internal/middleware"
	"github.com/bulksms/backend/internal/models"
)

const campaignColumns = `id, user_id, name, message_content, campaign_type, status, recipient_count, sent_count,
	delivered_count, failed_count, estimated_cost, scheduled_at, started_at, completed_at, created_at`

// campaignTransitions lists the statuses each status may move to.
var campaignTransitions = map[string][]string{
	models.CampaignDraft:     {models.CampaignScheduled, models.CampaignCancelled},
	models.CampaignScheduled: {models.CampaignActive, models.CampaignCancelled, models.CampaignDraft},
	models.CampaignActive:    {models.CampaignCompleted, models.CampaignPaused},
	models.CampaignPaused:    {models.CampaignActive, models.CampaignCancelled},
}

var campaignStatuses = map[string]bool{
	models.CampaignDraft:     true,
	models.CampaignScheduled: true,
	models.CampaignActive:    true,
	models.CampaignPaused:    true,
	models.CampaignCompleted: true,
	models.CampaignCancelled: true,
}

// CampaignService stores campaign drafts and their lifecycle. Campaigns are
// never dispatched from here.
type CampaignService struct {
	db        *sql.DB
	ledger    *LedgerService
	validator *ValidationHelper
	log       zerolog.Logger
	now       func() time.Time
}

type CampaignRequest struct {
	Name           string     `json:"name" validate:"required,min=1,max=200" example:"Black Friday"`
	Content        string     `json:"content" validate:"required,min=1,max=1600"`
	CampaignType   string     `json:"campaignType" validate:"required,oneof=promotional reminder event newsletter"`
	RecipientCount int        `json:"recipientCount" validate:"min=0,max=1000000"`
	ScheduledAt    *time.Time `json:"scheduledAt"`
}

type CampaignStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=draft scheduled active paused completed cancelled"`
}

func NewCampaignService(db *sql.DB, ledger *LedgerService) *CampaignService {
	return &CampaignService{
		db:        db,
		ledger:    ledger,
		validator: NewValidationHelper(),
		log:       logging.Component("CAMPAIGNS"),
		now:       time.Now,
	}
}

// CanTransition reports whether a campaign in status from may move to to.
func CanTransition(from, to string) bool {
	for _, next := range campaignTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	var c models.Campaign
	var scheduled, started, completed sql.NullTime
	err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.MessageContent, &c.CampaignType, &c.Status,
		&c.RecipientCount, &c.SentCount, &c.DeliveredCount, &c.FailedCount, &c.EstimatedCost,
		&scheduled, &started, &completed, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.ScheduledAt = nullableTime(scheduled)
	c.StartedAt = nullableTime(started)
	c.CompletedAt = nullableTime(completed)
	return &c, nil
}

func nullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// Create stores a campaign as draft, or as scheduled when ScheduledAt is set.
func (s *CampaignService) Create(ctx context.Context, userID string, req CampaignRequest) (*models.Campaign, error) {
	const op = "create_campaign"

	status := models.CampaignDraft
	if req.ScheduledAt != nil {
		if !req.ScheduledAt.After(s.now()) {
			return nil, invalid(op, "scheduledAt must be in the future")
		}
		status = models.CampaignScheduled
	}

	cost, err := s.ledger.ComputeMessageCost(MessageLength(req.Content), req.RecipientCount)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sms_campaigns (user_id, name, message_content, campaign_type, status, recipient_count, estimated_cost, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+campaignColumns,
		userID, req.Name, req.Content, req.CampaignType, status, req.RecipientCount, cost, req.ScheduledAt)
	c, err := scanCampaign(row)
	if err != nil {
		return nil, persistence(op, err)
	}

	s.log.Info().Str("user_id", userID).Str("campaign_id", c.ID).Str("status", c.Status).
		Int64("estimated_cost", c.EstimatedCost).Msg("campaign created")
	return c, nil
}

func (s *CampaignService) Get(ctx context.Context, userID, campaignID string) (*models.Campaign, error) {
	const op = "get_campaign"

	row := s.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM sms_campaigns WHERE id = $1 AND user_id = $2`,
		campaignID, userID)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, notFound(op, fmt.Errorf("campaign %s not found", campaignID))
	}
	if err != nil {
		return nil, persistence(op, err)
	}
	return c, nil
}

func (s *CampaignService) List(ctx context.Context, userID, status string) ([]models.Campaign, error) {
	const op = "list_campaigns"

	query := `SELECT ` + campaignColumns + ` FROM sms_campaigns WHERE user_id = $1`
	args := []any{userID}
	if status != "" {
		args = append(args, status)
		query += ` AND status = $2`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence(op, err)
	}
	defer rows.Close()

	campaigns := []models.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, persistence(op, err)
		}
		campaigns = append(campaigns, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(op, err)
	}
	return campaigns, nil
}

// UpdateStatus moves a campaign along the lifecycle. The row is locked so
// two concurrent transitions cannot both pass the check.
func (s *CampaignService) UpdateStatus(ctx context.Context, userID, campaignID, status string) (*models.Campaign, error) {
	const op = "update_campaign_status"

	var updated *models.Campaign
	err := s.ledger.WithinTx(ctx, op, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `
			SELECT status FROM sms_campaigns
			WHERE id = $1 AND user_id = $2
			FOR UPDATE`, campaignID, userID).Scan(&current)
		if err == sql.ErrNoRows {
			return notFound(op, fmt.Errorf("campaign %s not found", campaignID))
		}
		if err != nil {
			return persistence(op, err)
		}
		if !CanTransition(current, status) {
			return invalid(op, "cannot move campaign from %s to %s", current, status)
		}

		row := tx.QueryRowContext(ctx, `
			UPDATE sms_campaigns
			SET status = $1,
				started_at = CASE WHEN $1 = 'active' THEN COALESCE(started_at, NOW()) ELSE started_at END,
				completed_at = CASE WHEN $1 = 'completed' THEN NOW() ELSE completed_at END
			WHERE id = $2 AND user_id = $3
			RETURNING `+campaignColumns, status, campaignID, userID)
		updated, err = scanCampaign(row)
		if err != nil {
			return persistence(op, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("user_id", userID).Str("campaign_id", campaignID).Str("status", status).Msg("campaign status changed")
	return updated, nil
}

// CreateCampaign creates a campaign
// @Summary Create campaign
// @Description Campaigns with scheduledAt are created as scheduled, otherwise as draft
// @Tags campaigns
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CampaignRequest true "Campaign"
// @Success 201 {object} models.Campaign
// @Failure 400 {object} ErrorResponse
// @Router /campaigns [post]
func (s *CampaignService) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req CampaignRequest
	if !s.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	c, err := s.Create(r.Context(), userID, req)
	if err != nil {
		SendLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, c)
}

// ListCampaigns lists campaigns
// @Summary List campaigns
// @Tags campaigns
// @Produce json
// @Security BearerAuth
// @Param status query string false "Filter by status"
// @Success 200 {array} models.Campaign
// @Router /campaigns [get]
func (s *CampaignService) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	status := r.URL.Query().Get("status")
	if status != "" && !campaignStatuses[status] {
		SendErrorResponse(w, "Unknown campaign status", http.StatusBadRequest, nil)
		return
	}

	campaigns, err := s.List(r.Context(), userID, status)
	if err != nil {
		SendLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, campaigns)
}

// GetCampaign returns one campaign
// @Summary Get campaign
// @Tags campaigns
// @Produce json
// @Security BearerAuth
// @Param campaignId path string true "Campaign ID"
// @Success 200 {object} models.Campaign
// @Failure 404 {object} ErrorResponse
// @Router /campaigns/{campaignId} [get]
func (s *CampaignService) GetCampaign(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	c, err := s.Get(r.Context(), userID, chi.URLParam(r, "campaignId"))
	if err != nil {
		SendLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

// UpdateCampaignStatus changes a campaign's status
// @Summary Change campaign status
// @Description draft->scheduled|cancelled, scheduled->active|cancelled|draft, active->completed|paused, paused->active|cancelled
// @Tags campaigns
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param campaignId path string true "Campaign ID"
// @Param request body CampaignStatusRequest true "New status"
// @Success 200 {object} models.Campaign
// @Failure 400 {object} ErrorResponse "Transition not allowed"
// @Failure 404 {object} ErrorResponse
// @Router /campaigns/{campaignId}/status [put]
func (s *CampaignService) UpdateCampaignStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req CampaignStatusRequest
	if !s.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	c, err := s.UpdateStatus(r.Context(), userID, chi.URLParam(r, "campaignId"), req.Status)
	if err != nil {
		SendLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}
