package services

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/bulksms/backend/internal/logging"
	"github.com/bulksms/backend/internal/middleware"
	"github.com/bulksms/backend/internal/models"
)

const contactColumns = `id, user_id, name, phone, email, location, tags, status, total_messages, last_contact, created_at, updated_at`

type ContactService struct {
	db        *sql.DB
	validator *ValidationHelper
	log       zerolog.Logger
}

// ContactRequest is the create and update payload for a contact.
type ContactRequest struct {
	Name     string   `json:"name" validate:"required,min=1,max=200" example:"Jane Doe"`
	Phone    string   `json:"phone" validate:"required,e164" example:"+256700000001"`
	Email    *string  `json:"email" validate:"omitempty,email"`
	Location *string  `json:"location" validate:"omitempty,max=200"`
	Tags     []string `json:"tags" validate:"omitempty,max=20,dive,min=1,max=50"`
	Status   string   `json:"status" validate:"omitempty,oneof=active inactive"`
}

type GroupRequest struct {
	Name        string  `json:"name" validate:"required,min=1,max=100"`
	Description *string `json:"description" validate:"omitempty,max=500"`
	Color       string  `json:"color" validate:"omitempty,oneof=blue green red yellow purple orange gray"`
}

type GroupMembersRequest struct {
	ContactIDs []string `json:"contactIds" validate:"required,min=1,max=1000,dive,uuid"`
}

type ContactFilter struct {
	Search string
	Status string
	Limit  int
}

func NewContactService(db *sql.DB) *ContactService {
	return &ContactService{
		db:        db,
		validator: NewValidationHelper(),
		log:       logging.Component("CONTACTS"),
	}
}

func scanContact(row rowScanner) (*models.Contact, error) {
	var c models.Contact
	var email, location sql.NullString
	var lastContact sql.NullTime
	err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.Phone, &email, &location, pq.Array(&c.Tags),
		&c.Status, &c.TotalMessages, &lastContact, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Email = nullableString(email)
	c.Location = nullableString(location)
	if lastContact.Valid {
		c.LastContact = &lastContact.Time
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	return &c, nil
}

func (s *ContactService) Create(ctx context.Context, userID string, req ContactRequest) (*models.Contact, error) {
	const op = "create_contact"

	if req.Status == "" {
		req.Status = models.ContactActive
	}
	if req.Tags == nil {
		req.Tags = []string{}
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO contacts (user_id, name, phone, email, location, tags, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+contactColumns,
		userID, strings.TrimSpace(req.Name), req.Phone, req.Email, req.Location, pq.Array(req.Tags), req.Status)
	c, err := scanContact(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, duplicate(op, "contact with this phone")
		}
		return nil, persistence(op, err)
	}
	return c, nil
}

func (s *ContactService) Get(ctx context.Context, userID, contactID string) (*models.Contact, error) {
	const op = "get_contact"

	row := s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = $1 AND user_id = $2`,
		contactID, userID)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, notFound(op, fmt.Errorf("contact %s not found", contactID))
	}
	if err != nil {
		return nil, persistence(op, err)
	}
	return c, nil
}

// List matches Search against name and phone, case-insensitively.
func (s *ContactService) List(ctx context.Context, userID string, filter ContactFilter) ([]models.Contact, error) {
	const op = "list_contacts"

	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}

	query := `SELECT ` + contactColumns + ` FROM contacts WHERE user_id = $1`
	args := []any{userID}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		query += fmt.Sprintf(` AND (name ILIKE $%d OR phone ILIKE $%d)`, len(args), len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence(op, err)
	}
	defer rows.Close()

	contacts := []models.Contact{}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, persistence(op, err)
		}
		contacts = append(contacts, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(op, err)
	}
	return contacts, nil
}

func (s *ContactService) Update(ctx context.Context, userID, contactID string, req ContactRequest) (*models.Contact, error) {
	const op = "update_contact"

	if req.Status == "" {
		req.Status = models.ContactActive
	}
	if req.Tags == nil {
		req.Tags = []string{}
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE contacts
		SET name = $1, phone = $2, email = $3, location = $4, tags = $5, status = $6, updated_at = NOW()
		WHERE id = $7 AND user_id = $8
		RETURNING `+contactColumns,
		strings.TrimSpace(req.Name), req.Phone, req.Email, req.Location, pq.Array(req.Tags), req.Status, contactID, userID)
	c, err := scanContact(row)
	switch {
	case err == sql.ErrNoRows:
		return nil, notFound(op, fmt.Errorf("contact %s not found", contactID))
	case isUniqueViolation(err):
		return nil, duplicate(op, "contact with this phone")
	case err != nil:
		return nil, persistence(op, err)
	}
	return c, nil
}

func (s *ContactService) Delete(ctx context.Context, userID, contactID string) error {
	const op = "delete_contact"

	res, err := s.db.ExecContext(ctx, `DELETE FROM contacts WHERE id = $1 AND user_id = $2`, contactID, userID)
	if err != nil {
		return persistence(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(op, fmt.Errorf("contact %s not found", contactID))
	}
	return nil
}

func (s *ContactService) CreateGroup(ctx context.Context, userID string, req GroupRequest) (*models.ContactGroup, error) {
	const op = "create_group"

	if req.Color == "" {
		req.Color = "blue"
	}
	g := models.ContactGroup{UserID: userID, Name: strings.TrimSpace(req.Name), Description: req.Description, Color: req.Color}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO contact_groups (user_id, name, description, color)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		userID, g.Name, req.Description, req.Color).Scan(&g.ID, &g.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, duplicate(op, "group with this name")
		}
		return nil, persistence(op, err)
	}
	return &g, nil
}

// ListGroups returns groups with their member counts.
func (s *ContactService) ListGroups(ctx context.Context, userID string) ([]models.ContactGroup, error) {
	const op = "list_groups"

	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.user_id, g.name, g.description, g.color, COUNT(m.contact_id), g.created_at
		FROM contact_groups g
		LEFT JOIN contact_group_members m ON m.group_id = g.id
		WHERE g.user_id = $1
		GROUP BY g.id
		ORDER BY g.name`, userID)
	if err != nil {
		return nil, persistence(op, err)
	}
	defer rows.Close()

	groups := []models.ContactGroup{}
	for rows.Next() {
		var g models.ContactGroup
		var desc sql.NullString
		if err := rows.Scan(&g.ID, &g.UserID, &g.Name, &desc, &g.Color, &g.ContactCount, &g.CreatedAt); err != nil {
			return nil, persistence(op, err)
		}
		g.Description = nullableString(desc)
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(op, err)
	}
	return groups, nil
}

func (s *ContactService) DeleteGroup(ctx context.Context, userID, groupID string) error {
	const op = "delete_group"

	res, err := s.db.ExecContext(ctx, `DELETE FROM contact_groups WHERE id = $1 AND user_id = $2`, groupID, userID)
	if err != nil {
		return persistence(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(op, fmt.Errorf("group %s not found", groupID))
	}
	return nil
}

// AddMembers adds the user's own contacts to the group and returns how many
// were newly added. Contacts of other users are silently skipped.
func (s *ContactService) AddMembers(ctx context.Context, userID, groupID string, contactIDs []string) (int64, error) {
	const op = "add_group_members"

	if err := s.ownGroup(ctx, op, userID, groupID); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO contact_group_members (group_id, contact_id)
		SELECT $1, c.id FROM contacts c
		WHERE c.user_id = $2 AND c.id = ANY($3)
		ON CONFLICT DO NOTHING`,
		groupID, userID, pq.Array(contactIDs))
	if err != nil {
		return 0, persistence(op, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *ContactService) RemoveMember(ctx context.Context, userID, groupID, contactID string) error {
	const op = "remove_group_member"

	if err := s.ownGroup(ctx, op, userID, groupID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM contact_group_members WHERE group_id = $1 AND contact_id = $2`,
		groupID, contactID)
	if err != nil {
		return persistence(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(op, fmt.Errorf("contact %s is not in group", contactID))
	}
	return nil
}

// GroupRecipients returns the active contacts of a group.
func (s *ContactService) GroupRecipients(ctx context.Context, userID, groupID string) ([]models.Contact, error) {
	const op = "group_recipients"

	if err := s.ownGroup(ctx, op, userID, groupID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.user_id, c.name, c.phone, c.email, c.location, c.tags, c.status, c.total_messages, c.last_contact, c.created_at, c.updated_at
		FROM contacts c
		JOIN contact_group_members m ON m.contact_id = c.id
		WHERE m.group_id = $1 AND c.status = 'active'
		ORDER BY c.name`, groupID)
	if err != nil {
		return nil, persistence(op, err)
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, persistence(op, err)
		}
		contacts = append(contacts, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(op, err)
	}
	return contacts, nil
}

func (s *ContactService) ownGroup(ctx context.Context, op, userID, groupID string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM contact_groups WHERE id = $1 AND user_id = $2)`,
		groupID, userID).Scan(&exists)
	if err != nil {
		return persistence(op, err)
	}
	if !exists {
		return notFound(op, fmt.Errorf("group %s not found", groupID))
	}
	return nil
}

// CreateContact creates a contact
// @Summary Create contact
// @Tags contacts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body ContactRequest true "Contact"
// @Success 201 {object} models.Contact
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse "Phone already in contacts"
// @Router /contacts [post]
func (s *ContactService) CreateContact(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req ContactRequest
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

// ListContacts lists contacts
// @Summary List contacts
// @Tags contacts
// @Produce json
// @Security BearerAuth
// @Param search query string false "Name or phone contains"
// @Param status query string false "active or inactive"
// @Param limit query int false "Max rows (default 100)"
// @Success 200 {array} models.Contact
// @Router /contacts [get]
func (s *ContactService) ListContacts(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	filter := ContactFilter{
		Search: strings.TrimSpace(r.URL.Query().Get("search")),
		Status: r.URL.Query().Get("status"),
	}
	if filter.Status != "" && filter.Status != models.ContactActive && filter.Status != models.ContactInactive {
		SendErrorResponse(w, "status must be active or inactive", http.StatusBadRequest, nil)
		return
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			SendErrorResponse(w, "Invalid limit", http.StatusBadRequest, nil)
			return
		}
		filter.Limit = limit
	}

	contacts, err := s.List(r.Context(), userID, filter)
	if err != nil {
		SendLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, contacts)
}

// GetContact gets one contact
// @Summary Get contact
// @Tags contacts
// @Produce json
// @Security BearerAuth
// @Param contactId path string true "Contact ID"
// @Success 200 {object} models.Contact
// @Failure 404 {object} ErrorResponse
// @Router /contacts/{contactId} [get]
func (s *ContactService) GetContact(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	c, err := s.Get(r.Context(), userID, chi.URLParam(r, "contactId"))
	if err != nil {
		SendLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

// UpdateContact replaces a contact's fields
// @Summary Update contact
// @Tags contacts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param contactId path string true "Contact ID"
// @Param request body ContactRequest true "Contact"
// @Success 200 {object} models.Contact
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /contacts/{contactId} [put]
func (s *ContactService) UpdateContact(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req ContactRequest
	if !s.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	c, err := s.Update(r.Context(), userID, chi.URLParam(r, "contactId"), req)
	if err != nil {
		SendLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

// DeleteContact deletes a contact
// @Summary Delete contact
// @Tags contacts
// @Security BearerAuth
// @Param contactId path string true "Contact ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Router /contacts/{contactId} [delete]
func (s *ContactService) DeleteContact(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	if err := s.Delete(r.Context(), userID, chi.URLParam(r, "contactId")); err != nil {
		SendLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateGroupHandler creates a contact group
// @Summary Create group
// @Tags groups
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body GroupRequest true "Group"
// @Success 201 {object} models.ContactGroup
// @Failure 409 {object} ErrorResponse
// @Router /groups [post]
func (s *ContactService) CreateGroupHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req GroupRequest
	if !s.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	g, err := s.CreateGroup(r.Context(), userID, req)
	if err != nil {
		SendLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, g)
}

// ListGroupsHandler lists groups with member counts
// @Summary List groups
// @Tags groups
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.ContactGroup
// @Router /groups [get]
func (s *ContactService) ListGroupsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	groups, err := s.ListGroups(r.Context(), userID)
	if err != nil {
		SendLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, groups)
}

// DeleteGroupHandler deletes a group; its contacts are kept
// @Summary Delete group
// @Tags groups
// @Security BearerAuth
// @Param groupId path string true "Group ID"
// @Success 204
// @Router /groups/{groupId} [delete]
func (s *ContactService) DeleteGroupHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	if err := s.DeleteGroup(r.Context(), userID, chi.URLParam(r, "groupId")); err != nil {
		SendLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddGroupMembers adds contacts to a group
// @Summary Add contacts to group
// @Tags groups
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param groupId path string true "Group ID"
// @Param request body GroupMembersRequest true "Contact IDs"
// @Success 200 {object} map[string]int64
// @Router /groups/{groupId}/contacts [post]
func (s *ContactService) AddGroupMembers(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req GroupMembersRequest
	if !s.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	added, err := s.AddMembers(r.Context(), userID, chi.URLParam(r, "groupId"), req.ContactIDs)
	if err != nil {
		SendLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int64{"added": added})
}

// RemoveGroupMember removes one contact from a group
// @Summary Remove contact from group
// @Tags groups
// @Security BearerAuth
// @Param groupId path string true "Group ID"
// @Param contactId path string true "Contact ID"
// @Success 204
// @Router /groups/{groupId}/contacts/{contactId} [delete]
func (s *ContactService) RemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	err := s.RemoveMember(r.Context(), userID, chi.URLParam(r, "groupId"), chi.URLParam(r, "contactId"))
	if err != nil {
		SendLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
