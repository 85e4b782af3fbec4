package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/bulksms/backend/internal/logging"
	"github.com/bulksms/backend/internal/metrics"
	"github.com/bulksms/backend/internal/models"
)

const (
	maxRecipients  = 10000
	defaultGateway = "default"
)

// MessageService records outbound messages and bills them through the
// ledger. Nothing is handed to a real SMS gateway.
type MessageService struct {
	db        *sql.DB
	ledger    *LedgerService
	contacts  *ContactService
	templates *TemplateService
	log       zerolog.Logger
}

// SendRequest names recipients either directly or by group, and content
// either directly or by template.
type SendRequest struct {
	Recipients []string          `json:"recipients" validate:"omitempty,max=10000,dive,e164"`
	GroupID    string            `json:"groupId" validate:"omitempty,uuid"`
	Content    string            `json:"content" validate:"omitempty,max=1600"`
	TemplateID string            `json:"templateId" validate:"omitempty,uuid"`
	Values     map[string]string `json:"values"`
	Gateway    string            `json:"gateway" validate:"omitempty,max=50"`
	CampaignID string            `json:"campaignId" validate:"omitempty,uuid"`
}

type SendResult struct {
	Recipients   int                 `json:"recipients"`
	Segments     int                 `json:"segments"`
	Cost         int64               `json:"cost"`
	Balance      int64               `json:"balance"`
	RemainingSMS int64               `json:"remaining_sms"`
	Transaction  *models.Transaction `json:"transaction"`
}

type Estimate struct {
	Length         int   `json:"length"`
	Segments       int   `json:"segments"`
	RecipientCount int   `json:"recipient_count"`
	Cost           int64 `json:"cost"`
}

type recipient struct {
	phone string
	name  string
}

func NewMessageService(db *sql.DB, ledger *LedgerService, contacts *ContactService, templates *TemplateService) *MessageService {
	return &MessageService{
		db:        db,
		ledger:    ledger,
		contacts:  contacts,
		templates: templates,
		log:       logging.Component("MESSAGES"),
	}
}

// Estimate prices content for recipientCount recipients without charging.
func (s *MessageService) Estimate(content string, recipientCount int) (*Estimate, error) {
	length := MessageLength(content)
	cost, err := s.ledger.ComputeMessageCost(length, recipientCount)
	if err != nil {
		return nil, err
	}
	return &Estimate{
		Length:         length,
		Segments:       Segments(length, s.ledger.Config().SegmentLength),
		RecipientCount: recipientCount,
		Cost:           cost,
	}, nil
}

// Send debits the message cost and records one row per recipient in a
// single transaction. An insufficient balance records nothing.
func (s *MessageService) Send(ctx context.Context, userID string, req SendRequest) (*SendResult, error) {
	const op = "send_message"

	content, err := s.resolveContent(ctx, userID, req)
	if err != nil {
		return nil, err
	}
	recipients, err := s.resolveRecipients(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	gateway := req.Gateway
	if gateway == "" {
		gateway = defaultGateway
	}
	var campaignID *string
	if req.CampaignID != "" {
		campaignID = &req.CampaignID
	}

	cfg := s.ledger.Config()
	length := MessageLength(content)
	segments := Segments(length, cfg.SegmentLength)
	perRecipient := int64(segments) * cfg.SMSUnitCost

	phones := make([]string, len(recipients))
	names := make([]string, len(recipients))
	for i, rc := range recipients {
		phones[i] = rc.phone
		names[i] = rc.name
	}

	var charge *BalanceResult
	var cost int64
	err = s.ledger.WithinTx(ctx, op, func(tx *sql.Tx) error {
		var err error
		description := fmt.Sprintf("SMS to %d recipients", len(recipients))
		charge, cost, err = s.ledger.ChargeTx(ctx, tx, userID, length, len(recipients), description)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO sms_messages (user_id, recipient_phone, recipient_name, message_content, status, gateway, segments, cost, campaign_id, direction)
			SELECT $1, r.phone, NULLIF(r.name, ''), $4, 'sent', $5, $6, $7, $8, 'outbound'
			FROM unnest($2::text[], $3::text[]) AS r(phone, name)`,
			userID, pq.Array(phones), pq.Array(names), content, gateway, segments, perRecipient, campaignID)
		if err != nil {
			return persistence(op, err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE contacts
			SET total_messages = total_messages + 1, last_contact = NOW()
			WHERE user_id = $1 AND phone = ANY($2)`,
			userID, pq.Array(phones))
		if err != nil {
			return persistence(op, err)
		}

		if req.TemplateID != "" {
			return s.templates.MarkUsedTx(ctx, tx, userID, req.TemplateID)
		}
		return nil
	})
	if err != nil {
		s.ledger.fail(op, userID, err)
		return nil, err
	}

	s.ledger.Committed(charge.Transaction)
	metrics.MessagesRecorded.WithLabelValues(gateway).Add(float64(len(recipients)))
	s.log.Info().Str("user_id", userID).Int("recipients", len(recipients)).Int("segments", segments).
		Int64("cost", cost).Str("gateway", gateway).Msg("messages recorded")

	return &SendResult{
		Recipients:   len(recipients),
		Segments:     segments,
		Cost:         cost,
		Balance:      charge.Balance,
		RemainingSMS: charge.RemainingSMS,
		Transaction:  charge.Transaction,
	}, nil
}

func (s *MessageService) resolveContent(ctx context.Context, userID string, req SendRequest) (string, error) {
	const op = "send_message"

	switch {
	case req.TemplateID != "" && req.Content != "":
		return "", invalid(op, "provide either content or templateId, not both")
	case req.TemplateID != "":
		tpl, err := s.templates.Get(ctx, userID, req.TemplateID)
		if err != nil {
			return "", err
		}
		return RenderTemplate(tpl.Content, req.Values)
	case strings.TrimSpace(req.Content) == "":
		return "", invalid(op, "message content is required")
	default:
		return req.Content, nil
	}
}

// resolveRecipients deduplicates phone numbers, keeping the first name seen.
func (s *MessageService) resolveRecipients(ctx context.Context, userID string, req SendRequest) ([]recipient, error) {
	const op = "send_message"

	var out []recipient
	switch {
	case req.GroupID != "" && len(req.Recipients) > 0:
		return nil, invalid(op, "provide either recipients or groupId, not both")
	case req.GroupID != "":
		contacts, err := s.contacts.GroupRecipients(ctx, userID, req.GroupID)
		if err != nil {
			return nil, err
		}
		for _, c := range contacts {
			out = append(out, recipient{phone: c.Phone, name: c.Name})
		}
	default:
		for _, p := range req.Recipients {
			out = append(out, recipient{phone: strings.TrimSpace(p)})
		}
	}

	seen := make(map[string]bool, len(out))
	unique := out[:0]
	for _, rc := range out {
		if rc.phone == "" || seen[rc.phone] {
			continue
		}
		seen[rc.phone] = true
		unique = append(unique, rc)
	}

	if len(unique) == 0 {
		return nil, invalid(op, "at least one recipient is required")
	}
	if len(unique) > maxRecipients {
		return nil, invalid(op, "at most %d recipients per send", maxRecipients)
	}
	return unique, nil
}

// History returns the user's messages, newest first.
func (s *MessageService) History(ctx context.Context, userID, status string, limit int) ([]models.SMSMessage, error) {
	const op = "message_history"

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, user_id, recipient_phone, recipient_name, message_content, status, gateway, segments, cost, campaign_id, direction, sent_at, delivered_at, created_at
		FROM sms_messages
		WHERE user_id = $1`
	args := []any{userID}
	if status != "" {
		args = append(args, status)
		query += ` AND status = $2`
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence(op, err)
	}
	defer rows.Close()

	messages := []models.SMSMessage{}
	for rows.Next() {
		var m models.SMSMessage
		var name, campaign sql.NullString
		var delivered sql.NullTime
		if err := rows.Scan(&m.ID, &m.UserID, &m.RecipientPhone, &name, &m.MessageContent, &m.Status,
			&m.Gateway, &m.Segments, &m.Cost, &campaign, &m.Direction, &m.SentAt, &delivered, &m.CreatedAt); err != nil {
			return nil, persistence(op, err)
		}
		m.RecipientName = nullableString(name)
		m.CampaignID = nullableString(campaign)
		if delivered.Valid {
			m.DeliveredAt = &delivered.Time
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(op, err)
	}
	return messages, nil
}

// Report aggregates message counts by status and gateway. DeliveryRate is
// the delivered share of all messages, in percent to one decimal.
func (s *MessageService) Report(ctx context.Context, userID string) (*models.DeliveryReport, error) {
	const op = "delivery_report"

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, gateway, COUNT(*), COALESCE(SUM(cost), 0)
		FROM sms_messages
		WHERE user_id = $1
		GROUP BY status, gateway`, userID)
	if err != nil {
		return nil, persistence(op, err)
	}
	defer rows.Close()

	report := &models.DeliveryReport{
		ByStatus:  map[string]int{},
		ByGateway: map[string]int{},
	}
	for rows.Next() {
		var status, gateway string
		var count int
		var cost int64
		if err := rows.Scan(&status, &gateway, &count, &cost); err != nil {
			return nil, persistence(op, err)
		}
		report.Total += count
		report.TotalCost += cost
		report.ByStatus[status] += count
		report.ByGateway[gateway] += count
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(op, err)
	}

	if report.Total > 0 {
		report.DeliveryRate = decimal.NewFromInt(int64(report.ByStatus[models.MessageDelivered]) * 100).
			Div(decimal.NewFromInt(int64(report.Total))).
			Round(1).
			InexactFloat64()
	}
	return report, nil
}
