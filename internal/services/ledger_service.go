package services

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"

	"github.com/bulksms/backend/internal/audit"
	"github.com/bulksms/backend/internal/config"
	"github.com/bulksms/backend/internal/logging"
	"github.com/bulksms/backend/internal/metrics"
	"github.com/bulksms/backend/internal/models"
)

// LedgerService owns every change to a user's balance. Each mutation runs in
// a single database transaction that locks the profile row, so the profile
// update and its transaction row commit or roll back together.
type LedgerService struct {
	db      *sql.DB
	cfg     *config.LedgerConfig
	catalog *PlanCatalog
	audit   *audit.Logger
	log     zerolog.Logger
	now     func() time.Time
}

// BalanceResult is returned by every successful balance mutation.
type BalanceResult struct {
	UserID       string              `json:"user_id"`
	Balance      int64               `json:"balance"`
	RemainingSMS int64               `json:"remaining_sms"`
	Transaction  *models.Transaction `json:"transaction"`
}

type TopUpResult struct {
	BalanceResult
	Amount        int64  `json:"amount"`
	Fee           int64  `json:"fee"`
	TotalCharged  int64  `json:"total_charged"`
	PaymentMethod string `json:"payment_method"`
	Reference     string `json:"reference"`
	PaymentQR     string `json:"payment_qr,omitempty"` // base64 PNG
}

type PurchaseResult struct {
	BalanceResult
	Plan               *models.PricingPlan  `json:"plan"`
	BillingCycle       string               `json:"billing_cycle"`
	BonusAmount        int64                `json:"bonus_amount"`
	AmountCharged      int64                `json:"amount_charged"`
	PaymentTransaction *models.Transaction  `json:"payment_transaction"`
	Subscription       *models.Subscription `json:"subscription"`
}

// LedgerReport compares the stored balance with the ledger's last snapshot.
type LedgerReport struct {
	UserID            string `json:"user_id"`
	Balance           int64  `json:"balance"`
	LedgerBalance     int64  `json:"ledger_balance"`
	LastTransactionID string `json:"last_transaction_id,omitempty"`
	Consistent        bool   `json:"consistent"`
}

type TransactionFilter struct {
	Type  string `validate:"omitempty,oneof=credit debit payment"`
	Limit int    `validate:"omitempty,min=1,max=100"`
}

func NewLedgerService(db *sql.DB, redisClient *redis.Client, cfg *config.LedgerConfig) *LedgerService {
	if cfg == nil {
		cfg = config.LoadLedgerConfig()
	}
	return &LedgerService{
		db:      db,
		cfg:     cfg,
		catalog: NewPlanCatalog(db, redisClient, cfg.PlanCacheTTL),
		audit:   audit.NewLogger(),
		log:     logging.Component("LEDGER"),
		now:     time.Now,
	}
}

func (s *LedgerService) Config() *config.LedgerConfig { return s.cfg }

func (s *LedgerService) Plans() *PlanCatalog { return s.catalog }

// RemainingSMS derives the SMS credit count from a balance.
func (s *LedgerService) RemainingSMS(balance int64) int64 {
	return models.RemainingSMSFor(balance, s.cfg.SMSUnitCost)
}

// ComputeMessageCost prices a message with the configured unit cost and
// segment length.
func (s *LedgerService) ComputeMessageCost(messageLength, recipientCount int) (int64, error) {
	return messageCost(messageLength, recipientCount, s.cfg.SegmentLength, s.cfg.SMSUnitCost)
}

// AdjustBalance applies a signed delta: positive credits, negative debits.
func (s *LedgerService) AdjustBalance(ctx context.Context, userID string, delta int64, description string) (*BalanceResult, error) {
	const op = "adjust_balance"

	var result *BalanceResult
	err := s.WithinTx(ctx, op, func(tx *sql.Tx) error {
		var err error
		result, err = s.AdjustBalanceTx(ctx, tx, userID, delta, description, nil)
		return err
	})
	if err != nil {
		s.fail(op, userID, err)
		return nil, err
	}

	s.committed(result.Transaction)
	return result, nil
}

// AdjustBalanceTx is AdjustBalance inside a caller-owned transaction. The
// caller must commit and then call Committed for metrics and audit.
func (s *LedgerService) AdjustBalanceTx(ctx context.Context, tx *sql.Tx, userID string, delta int64, description string, reference *string) (*BalanceResult, error) {
	const op = "adjust_balance"

	if err := validateAdjustment(op, userID, delta, description); err != nil {
		return nil, err
	}

	profile, err := s.lockProfile(ctx, tx, op, userID)
	if err != nil {
		return nil, err
	}
	return s.applyDelta(ctx, tx, op, profile, delta, description, reference)
}

// Committed records metrics and audit lines for a transaction row written
// through one of the *Tx methods.
func (s *LedgerService) Committed(t *models.Transaction) {
	s.committed(t)
}

func validateAdjustment(op, userID string, delta int64, description string) error {
	if strings.TrimSpace(userID) == "" {
		return invalid(op, "user id is required")
	}
	if delta == 0 {
		return invalid(op, "amount must not be zero")
	}
	if strings.TrimSpace(description) == "" {
		return invalid(op, "description is required")
	}
	return nil
}

// Charge debits the price of a message sent to recipientCount recipients.
func (s *LedgerService) Charge(ctx context.Context, userID string, messageLength, recipientCount int, description string) (*BalanceResult, error) {
	const op = "charge"

	var result *BalanceResult
	err := s.WithinTx(ctx, op, func(tx *sql.Tx) error {
		var err error
		result, _, err = s.ChargeTx(ctx, tx, userID, messageLength, recipientCount, description)
		return err
	})
	if err != nil {
		s.fail(op, userID, err)
		return nil, err
	}
	s.committed(result.Transaction)
	return result, nil
}

// ChargeTx is Charge inside a caller-owned transaction. It also returns the
// computed cost so callers can split it per recipient.
func (s *LedgerService) ChargeTx(ctx context.Context, tx *sql.Tx, userID string, messageLength, recipientCount int, description string) (*BalanceResult, int64, error) {
	const op = "charge"

	if recipientCount < 1 {
		return nil, 0, invalid(op, "at least one recipient is required")
	}
	cost, err := s.ComputeMessageCost(messageLength, recipientCount)
	if err != nil {
		return nil, 0, err
	}

	result, err := s.AdjustBalanceTx(ctx, tx, userID, -cost, description, nil)
	if err != nil {
		return nil, 0, err
	}
	metrics.SegmentsBilled.Add(float64(Segments(messageLength, s.cfg.SegmentLength) * recipientCount))
	return result, cost, nil
}

// TopUp credits amount to the balance. The 1% processing fee is charged on
// top of amount and never credited.
func (s *LedgerService) TopUp(ctx context.Context, userID string, amount int64, paymentMethod string) (*TopUpResult, error) {
	const op = "top_up"

	if amount <= 0 {
		err := invalid(op, "top-up amount must be positive")
		s.fail(op, userID, err)
		return nil, err
	}
	if !paymentMethods[paymentMethod] {
		err := invalid(op, "unsupported payment method %q", paymentMethod)
		s.fail(op, userID, err)
		return nil, err
	}

	fee := TopUpFee(amount, s.cfg.TopUpFeePercent)
	reference := newReference("TOP")

	var result *BalanceResult
	err := s.WithinTx(ctx, op, func(tx *sql.Tx) error {
		var err error
		result, err = s.AdjustBalanceTx(ctx, tx, userID, amount, "Account Top-up", &reference)
		return err
	})
	if err != nil {
		s.fail(op, userID, err)
		return nil, err
	}
	s.committed(result.Transaction)

	out := &TopUpResult{
		BalanceResult: *result,
		Amount:        amount,
		Fee:           fee,
		TotalCharged:  amount + fee,
		PaymentMethod: paymentMethod,
		Reference:     reference,
	}

	qr, err := paymentQR(reference, out.TotalCharged, paymentMethod)
	if err != nil {
		s.log.Warn().Err(err).Str("reference", reference).Msg("payment QR generation failed")
	} else {
		out.PaymentQR = qr
	}

	s.log.Info().Str("user_id", userID).Int64("amount", amount).Int64("fee", fee).
		Str("method", paymentMethod).Str("reference", reference).Msg("top-up applied")
	return out, nil
}

// PurchaseSubscription credits the plan bonus, records a separate payment
// row for the plan price and makes the plan the user's active subscription.
//
// The payment row's balance_after is the balance read before the bonus was
// applied. Dashboards have always shown it that way, so it is kept.
func (s *LedgerService) PurchaseSubscription(ctx context.Context, userID, planName, billingCycle string) (*PurchaseResult, error) {
	const op = "purchase_subscription"

	if !validCycle(billingCycle) {
		err := invalid(op, "billing cycle must be monthly or yearly")
		s.fail(op, userID, err)
		return nil, err
	}

	plan, err := s.catalog.GetPlan(ctx, planName)
	if err != nil {
		s.fail(op, userID, err)
		return nil, err
	}

	bonus := plan.Price * s.cfg.SubscriptionBonusMultiplier
	charged := SubscriptionCharge(plan.Price, billingCycle)

	out := &PurchaseResult{
		Plan:          plan,
		BillingCycle:  billingCycle,
		BonusAmount:   bonus,
		AmountCharged: charged,
	}

	err = s.WithinTx(ctx, op, func(tx *sql.Tx) error {
		profile, err := s.lockProfile(ctx, tx, op, userID)
		if err != nil {
			return err
		}
		preBonus := profile.Balance

		if bonus > 0 {
			res, err := s.applyDelta(ctx, tx, op, profile, bonus,
				fmt.Sprintf("Subscription bonus for %s plan", plan.Name), nil)
			if err != nil {
				return err
			}
			out.BalanceResult = *res
		} else {
			out.BalanceResult = BalanceResult{
				UserID:       userID,
				Balance:      preBonus,
				RemainingSMS: s.RemainingSMS(preBonus),
			}
		}

		if charged > 0 {
			reference := newReference("SUB")
			payment, err := s.insertTransaction(ctx, tx, op, &models.Transaction{
				UserID:       userID,
				Type:         models.TransactionPayment,
				Amount:       charged,
				BalanceAfter: preBonus,
				Description:  fmt.Sprintf("%s plan subscription (%s)", plan.Name, billingCycle),
				Reference:    &reference,
				Status:       models.TransactionCompleted,
			})
			if err != nil {
				return err
			}
			out.PaymentTransaction = payment
		}

		out.Subscription, err = s.ActivateSubscriptionTx(ctx, tx, userID, plan, billingCycle)
		return err
	})
	if err != nil {
		s.fail(op, userID, err)
		return nil, err
	}

	if out.Transaction != nil {
		s.committed(out.Transaction)
	}
	if out.PaymentTransaction != nil {
		s.committed(out.PaymentTransaction)
	}
	metrics.SubscriptionPurchases.WithLabelValues(plan.Name, billingCycle).Inc()
	s.log.Info().Str("user_id", userID).Str("plan", plan.Name).Str("cycle", billingCycle).
		Int64("bonus", bonus).Int64("charged", charged).Msg("subscription purchased")
	return out, nil
}

// ActivateSubscriptionTx upserts the user's single active subscription.
func (s *LedgerService) ActivateSubscriptionTx(ctx context.Context, tx *sql.Tx, userID string, plan *models.PricingPlan, billingCycle string) (*models.Subscription, error) {
	const op = "upsert_subscription"

	started := s.now().UTC()
	expires := subscriptionExpiry(started, billingCycle, s.cfg.MonthlyPeriod, s.cfg.YearlyPeriod)

	sub := &models.Subscription{
		UserID:       userID,
		PlanID:       plan.ID,
		PlanName:     plan.Name,
		Status:       models.SubscriptionActive,
		BillingCycle: billingCycle,
		StartedAt:    started,
		ExpiresAt:    &expires,
	}

	err := tx.QueryRowContext(ctx, `
		INSERT INTO user_subscriptions (user_id, plan_id, status, billing_cycle, started_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) WHERE status = 'active'
		DO UPDATE SET plan_id = EXCLUDED.plan_id,
		              billing_cycle = EXCLUDED.billing_cycle,
		              started_at = EXCLUDED.started_at,
		              expires_at = EXCLUDED.expires_at
		RETURNING id, created_at`,
		userID, plan.ID, models.SubscriptionActive, billingCycle, started, expires,
	).Scan(&sub.ID, &sub.CreatedAt)
	if err != nil {
		return nil, persistence(op, err)
	}
	return sub, nil
}

// GetAccount returns the profile with RemainingSMS filled in.
func (s *LedgerService) GetAccount(ctx context.Context, userID string) (*models.Profile, error) {
	const op = "get_profile"

	var p models.Profile
	var company, phone, avatar sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, first_name, last_name, company, phone, avatar_url, balance, version, created_at, updated_at
		FROM user_profiles
		WHERE user_id = $1`, userID,
	).Scan(&p.ID, &p.UserID, &p.FirstName, &p.LastName, &company, &phone, &avatar,
		&p.Balance, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound(op, ErrProfileNotFound)
	}
	if err != nil {
		return nil, persistence(op, err)
	}

	p.Company = nullableString(company)
	p.Phone = nullableString(phone)
	p.AvatarURL = nullableString(avatar)
	p.RemainingSMS = s.RemainingSMS(p.Balance)
	return &p, nil
}

// GetActiveSubscription returns nil, nil when the user has none.
func (s *LedgerService) GetActiveSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	const op = "get_active_subscription"

	var sub models.Subscription
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.user_id, s.plan_id, p.name, s.status, s.billing_cycle, s.started_at, s.expires_at, s.auto_renew, s.created_at
		FROM user_subscriptions s
		JOIN pricing_plans p ON p.id = s.plan_id
		WHERE s.user_id = $1 AND s.status = 'active'`, userID,
	).Scan(&sub.ID, &sub.UserID, &sub.PlanID, &sub.PlanName, &sub.Status, &sub.BillingCycle,
		&sub.StartedAt, &expires, &sub.AutoRenew, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, persistence(op, err)
	}
	if expires.Valid {
		sub.ExpiresAt = &expires.Time
	}
	return &sub, nil
}

// ListTransactions returns the user's ledger rows, newest first.
func (s *LedgerService) ListTransactions(ctx context.Context, userID string, filter TransactionFilter) ([]models.Transaction, error) {
	const op = "list_transactions"

	if filter.Limit == 0 {
		filter.Limit = 50
	}
	if filter.Limit < 1 || filter.Limit > 100 {
		return nil, invalid(op, "limit must be between 1 and 100")
	}

	query := `SELECT id, user_id, type, amount, balance_after, description, reference, status, created_at
		FROM transactions
		WHERE user_id = $1`
	args := []any{userID}
	if filter.Type != "" {
		query += ` AND type = $2`
		args = append(args, filter.Type)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence(op, err)
	}
	defer rows.Close()

	txs := []models.Transaction{}
	for rows.Next() {
		var t models.Transaction
		var ref sql.NullString
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.BalanceAfter,
			&t.Description, &ref, &t.Status, &t.CreatedAt); err != nil {
			return nil, persistence(op, err)
		}
		t.Reference = nullableString(ref)
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(op, err)
	}
	return txs, nil
}

// VerifyLedger compares the profile balance with balance_after of the most
// recent credit or debit row. On mismatch it returns the report together
// with an InconsistentState error.
func (s *LedgerService) VerifyLedger(ctx context.Context, userID string) (*LedgerReport, error) {
	const op = "verify_ledger"

	profile, err := s.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	report := &LedgerReport{UserID: userID, Balance: profile.Balance}

	var lastID string
	var ledgerBalance int64
	err = s.db.QueryRowContext(ctx, `
		SELECT id, balance_after
		FROM transactions
		WHERE user_id = $1 AND type IN ('credit', 'debit')
		ORDER BY created_at DESC
		LIMIT 1`, userID,
	).Scan(&lastID, &ledgerBalance)
	switch {
	case err == sql.ErrNoRows:
		ledgerBalance = 0
	case err != nil:
		return nil, persistence(op, err)
	default:
		report.LastTransactionID = lastID
	}

	report.LedgerBalance = ledgerBalance
	report.Consistent = ledgerBalance == profile.Balance
	if !report.Consistent {
		err := inconsistent(op, fmt.Errorf("profile balance %d does not match ledger balance %d",
			profile.Balance, ledgerBalance))
		s.fail(op, userID, err)
		return report, err
	}
	return report, nil
}

// WithinTx runs fn in a transaction, rolling back when fn or commit fails.
// Errors from fn are returned unchanged; begin and commit failures are
// Persistence errors.
func (s *LedgerService) WithinTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence(op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return persistence(op, err)
	}
	return nil
}

type lockedProfile struct {
	ID      string
	UserID  string
	Balance int64
	Version int
}

func (s *LedgerService) lockProfile(ctx context.Context, tx *sql.Tx, op, userID string) (*lockedProfile, error) {
	p := lockedProfile{UserID: userID}
	err := tx.QueryRowContext(ctx, `
		SELECT id, balance, version
		FROM user_profiles
		WHERE user_id = $1
		FOR UPDATE`, userID,
	).Scan(&p.ID, &p.Balance, &p.Version)
	if err == sql.ErrNoRows {
		return nil, notFound(op, ErrProfileNotFound)
	}
	if err != nil {
		return nil, persistence(op, err)
	}
	return &p, nil
}

func (s *LedgerService) applyDelta(ctx context.Context, tx *sql.Tx, op string, profile *lockedProfile, delta int64, description string, reference *string) (*BalanceResult, error) {
	newBalance := profile.Balance + delta
	if delta < 0 && newBalance < 0 && !s.cfg.AllowNegativeBalance {
		return nil, invalidErr(op, fmt.Errorf("%w: balance %d, debit %d", ErrInsufficientBalance, profile.Balance, -delta))
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE user_profiles
		SET balance = $1, version = version + 1, updated_at = NOW()
		WHERE user_id = $2 AND version = $3`,
		newBalance, profile.UserID, profile.Version)
	if err != nil {
		return nil, persistence(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, persistence(op, err)
	}
	if n == 0 {
		return nil, persistence(op, ErrConcurrentUpdate)
	}
	profile.Balance = newBalance
	profile.Version++

	txType := models.TransactionCredit
	amount := delta
	if delta < 0 {
		txType = models.TransactionDebit
		amount = -delta
	}

	row, err := s.insertTransaction(ctx, tx, op, &models.Transaction{
		UserID:       profile.UserID,
		Type:         txType,
		Amount:       amount,
		BalanceAfter: newBalance,
		Description:  description,
		Reference:    reference,
		Status:       models.TransactionCompleted,
	})
	if err != nil {
		return nil, err
	}

	return &BalanceResult{
		UserID:       profile.UserID,
		Balance:      newBalance,
		RemainingSMS: s.RemainingSMS(newBalance),
		Transaction:  row,
	}, nil
}

func (s *LedgerService) insertTransaction(ctx context.Context, tx *sql.Tx, op string, t *models.Transaction) (*models.Transaction, error) {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO transactions (user_id, type, amount, balance_after, description, reference, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		t.UserID, t.Type, t.Amount, t.BalanceAfter, t.Description, t.Reference, t.Status,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return nil, persistence(op, err)
	}
	return t, nil
}

func (s *LedgerService) committed(t *models.Transaction) {
	metrics.LedgerAdjustments.WithLabelValues(t.Type).Inc()
	metrics.LedgerAmount.WithLabelValues(t.Type).Add(float64(t.Amount))
	s.audit.LogAdjustment(t.ID, t.UserID, t.Type, t.Amount, t.BalanceAfter)
}

func (s *LedgerService) fail(op, userID string, err error) {
	metrics.LedgerErrors.WithLabelValues(op, KindOf(err).String()).Inc()
	if KindOf(err) == KindPersistence || KindOf(err) == KindInconsistentState {
		s.audit.LogError(op, userID, err)
		s.log.Error().Err(err).Str("op", op).Str("user_id", userID).Msg("ledger operation failed")
		return
	}
	s.log.Warn().Err(err).Str("op", op).Str("user_id", userID).Msg("ledger operation rejected")
}

func newReference(prefix string) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return prefix + "-" + strings.ToUpper(id[:12])
}

// paymentQR renders the payment reference as a base64 PNG for the
// dashboard's payment instructions.
func paymentQR(reference string, total int64, method string) (string, error) {
	payload := fmt.Sprintf("SMSPAY|%s|%d|%s", reference, total, method)
	png, err := qrcode.Encode(payload, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(png), nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// IsInsufficientBalance reports whether err is a rejected debit.
func IsInsufficientBalance(err error) bool {
	return errors.Is(err, ErrInsufficientBalance)
}
