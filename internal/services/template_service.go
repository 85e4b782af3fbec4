package services

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/bulksms/backend/internal/logging"
	"github.com/bulksms/backend/internal/middleware"
	"github.com/bulksms/backend/internal/models"
)

const templateColumns = `id, user_id, name, content, category, variables, usage_count, last_used, created_at, updated_at`

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

type TemplateService struct {
	db        *sql.DB
	validator *ValidationHelper
	log       zerolog.Logger
}

type TemplateRequest struct {
	Name     string `json:"name" validate:"required,min=1,max=100" example:"Appointment reminder"`
	Content  string `json:"content" validate:"required,min=1,max=1600" example:"Hi {name}, see you on {date}."`
	Category string `json:"category" validate:"omitempty,oneof=welcome reminder promotion event general"`
}

type RenderRequest struct {
	Values map[string]string `json:"values"`
}

func NewTemplateService(db *sql.DB) *TemplateService {
	return &TemplateService{
		db:        db,
		validator: NewValidationHelper(),
		log:       logging.Component("TEMPLATES"),
	}
}

// ExtractVariables returns the {name} placeholders in order of first
// appearance, without duplicates.
func ExtractVariables(content string) []string {
	vars := []string{}
	seen := map[string]bool{}
	for _, m := range placeholderPattern.FindAllStringSubmatch(content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			vars = append(vars, m[1])
		}
	}
	return vars
}

// RenderTemplate substitutes every placeholder. A placeholder without a
// value is a ValidationError naming all missing variables.
func RenderTemplate(content string, values map[string]string) (string, error) {
	var missing []string
	for _, v := range ExtractVariables(content) {
		if _, ok := values[v]; !ok {
			missing = append(missing, v)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", invalid("render_template", "missing template variables: %s", strings.Join(missing, ", "))
	}

	return placeholderPattern.ReplaceAllStringFunc(content, func(m string) string {
		return values[m[1:len(m)-1]]
	}), nil
}

func scanTemplate(row rowScanner) (*models.MessageTemplate, error) {
	var t models.MessageTemplate
	var lastUsed sql.NullTime
	err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.Content, &t.Category, pq.Array(&t.Variables),
		&t.UsageCount, &lastUsed, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		t.LastUsed = &lastUsed.Time
	}
	if t.Variables == nil {
		t.Variables = []string{}
	}
	return &t, nil
}

func (s *TemplateService) Create(ctx context.Context, userID string, req TemplateRequest) (*models.MessageTemplate, error) {
	const op = "create_template"

	if req.Category == "" {
		req.Category = "general"
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO message_templates (user_id, name, content, category, variables)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+templateColumns,
		userID, strings.TrimSpace(req.Name), req.Content, req.Category, pq.Array(ExtractVariables(req.Content)))
	t, err := scanTemplate(row)
	if err != nil {
		return nil, persistence(op, err)
	}
	return t, nil
}

func (s *TemplateService) Get(ctx context.Context, userID, templateID string) (*models.MessageTemplate, error) {
	const op = "get_template"

	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM message_templates WHERE id = $1 AND user_id = $2`,
		templateID, userID)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, notFound(op, fmt.Errorf("template %s not found", templateID))
	}
	if err != nil {
		return nil, persistence(op, err)
	}
	return t, nil
}

func (s *TemplateService) List(ctx context.Context, userID, category, search string) ([]models.MessageTemplate, error) {
	const op = "list_templates"

	query := `SELECT ` + templateColumns + ` FROM message_templates WHERE user_id = $1`
	args := []any{userID}
	if category != "" {
		args = append(args, category)
		query += fmt.Sprintf(` AND category = $%d`, len(args))
	}
	if search != "" {
		args = append(args, "%"+search+"%")
		query += fmt.Sprintf(` AND (name ILIKE $%d OR content ILIKE $%d)`, len(args), len(args))
	}
	query += ` ORDER BY usage_count DESC, created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence(op, err)
	}
	defer rows.Close()

	templates := []models.MessageTemplate{}
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, persistence(op, err)
		}
		templates = append(templates, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(op, err)
	}
	return templates, nil
}

func (s *TemplateService) Update(ctx context.Context, userID, templateID string, req TemplateRequest) (*models.MessageTemplate, error) {
	const op = "update_template"

	if req.Category == "" {
		req.Category = "general"
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE message_templates
		SET name = $1, content = $2, category = $3, variables = $4, updated_at = NOW()
		WHERE id = $5 AND user_id = $6
		RETURNING `+templateColumns,
		strings.TrimSpace(req.Name), req.Content, req.Category, pq.Array(ExtractVariables(req.Content)), templateID, userID)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, notFound(op, fmt.Errorf("template %s not found", templateID))
	}
	if err != nil {
		return nil, persistence(op, err)
	}
	return t, nil
}

func (s *TemplateService) Delete(ctx context.Context, userID, templateID string) error {
	const op = "delete_template"

	res, err := s.db.ExecContext(ctx, `DELETE FROM message_templates WHERE id = $1 AND user_id = $2`, templateID, userID)
	if err != nil {
		return persistence(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(op, fmt.Errorf("template %s not found", templateID))
	}
	return nil
}

// MarkUsedTx bumps usage_count and last_used inside the send transaction.
func (s *TemplateService) MarkUsedTx(ctx context.Context, tx *sql.Tx, userID, templateID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE message_templates
		SET usage_count = usage_count + 1, last_used = NOW()
		WHERE id = $1 AND user_id = $2`, templateID, userID)
	if err != nil {
		return persistence("mark_template_used", err)
	}
	return nil
}

// CreateTemplate creates a template
// @Summary Create template
// @Description Placeholders written as {name} are extracted into variables
// @Tags templates
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body TemplateRequest true "Template"
// @Success 201 {object} models.MessageTemplate
// @Failure 400 {object} ErrorResponse
// @Router /templates [post]
func (s *TemplateService) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req TemplateRequest
	if !s.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	t, err := s.Create(r.Context(), userID, req)
	if err != nil {
		SendLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, t)
}

// ListTemplates lists templates, most used first
// @Summary List templates
// @Tags templates
// @Produce json
// @Security BearerAuth
// @Param category query string false "Category"
// @Param search query string false "Name or content contains"
// @Success 200 {array} models.MessageTemplate
// @Router /templates [get]
func (s *TemplateService) ListTemplates(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	templates, err := s.List(r.Context(), userID, r.URL.Query().Get("category"), strings.TrimSpace(r.URL.Query().Get("search")))
	if err != nil {
		SendLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, templates)
}

// GetTemplate gets one template
// @Summary Get template
// @Tags templates
// @Produce json
// @Security BearerAuth
// @Param templateId path string true "Template ID"
// @Success 200 {object} models.MessageTemplate
// @Failure 404 {object} ErrorResponse
// @Router /templates/{templateId} [get]
func (s *TemplateService) GetTemplate(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	t, err := s.Get(r.Context(), userID, chi.URLParam(r, "templateId"))
	if err != nil {
		SendLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

// UpdateTemplate replaces a template
// @Summary Update template
// @Tags templates
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param templateId path string true "Template ID"
// @Param request body TemplateRequest true "Template"
// @Success 200 {object} models.MessageTemplate
// @Failure 404 {object} ErrorResponse
// @Router /templates/{templateId} [put]
func (s *TemplateService) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req TemplateRequest
	if !s.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	t, err := s.Update(r.Context(), userID, chi.URLParam(r, "templateId"), req)
	if err != nil {
		SendLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

// DeleteTemplate deletes a template
// @Summary Delete template
// @Tags templates
// @Security BearerAuth
// @Param templateId path string true "Template ID"
// @Success 204
// @Router /templates/{templateId} [delete]
func (s *TemplateService) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	if err := s.Delete(r.Context(), userID, chi.URLParam(r, "templateId")); err != nil {
		SendLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PreviewTemplate renders a template with the given values
// @Summary Render template
// @Tags templates
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param templateId path string true "Template ID"
// @Param request body RenderRequest true "Variable values"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse "Missing variables"
// @Router /templates/{templateId}/render [post]
func (s *TemplateService) PreviewTemplate(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req RenderRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	t, err := s.Get(r.Context(), userID, chi.URLParam(r, "templateId"))
	if err != nil {
		SendLedgerError(w, err)
		return
	}
	content, err := RenderTemplate(t.Content, req.Values)
	if err != nil {
		SendLedgerError(w, err)
		return
	}

	length := MessageLength(content)
	WriteJSON(w, http.StatusOK, map[string]any{
		"content":  content,
		"length":   length,
		"segments": Segments(length, DefaultSegmentLength),
	})
}
