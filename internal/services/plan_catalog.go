package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/bulksms/backend/internal/logging"
	"github.com/bulksms/backend/internal/metrics"
	"github.com/bulksms/backend/internal/models"
)

const planColumns = `id, name, price, original_price, sms_limit, contacts_limit, templates_limit, support_level, features, is_active, created_at`

// PlanCatalog reads the static pricing catalog, caching it in Redis when a
// client is configured.
type PlanCatalog struct {
	db    *sql.DB
	redis *redis.Client
	ttl   time.Duration
	log   zerolog.Logger
}

func NewPlanCatalog(db *sql.DB, redisClient *redis.Client, ttl time.Duration) *PlanCatalog {
	return &PlanCatalog{
		db:    db,
		redis: redisClient,
		ttl:   ttl,
		log:   logging.Component("PRICING"),
	}
}

func planKey(name string) string {
	return "plan:" + strings.ToUpper(name)
}

const allPlansKey = "plans:all"

// GetPlan looks a plan up by case-insensitive name.
func (c *PlanCatalog) GetPlan(ctx context.Context, name string) (*models.PricingPlan, error) {
	const op = "get_plan"

	var plan models.PricingPlan
	if c.cacheGet(ctx, planKey(name), &plan) {
		return &plan, nil
	}

	row := c.db.QueryRowContext(ctx, `SELECT `+planColumns+`
		FROM pricing_plans
		WHERE UPPER(name) = UPPER($1) AND is_active = TRUE`, name)
	p, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, notFound(op, ErrPlanNotFound)
	}
	if err != nil {
		return nil, persistence(op, err)
	}

	c.cacheSet(ctx, planKey(name), p)
	return p, nil
}

// ListPlans returns active plans ordered by descending price.
func (c *PlanCatalog) ListPlans(ctx context.Context) ([]models.PricingPlan, error) {
	const op = "list_plans"

	var plans []models.PricingPlan
	if c.cacheGet(ctx, allPlansKey, &plans) {
		return plans, nil
	}

	rows, err := c.db.QueryContext(ctx, `SELECT `+planColumns+`
		FROM pricing_plans
		WHERE is_active = TRUE
		ORDER BY price DESC`)
	if err != nil {
		return nil, persistence(op, err)
	}
	defer rows.Close()

	plans = []models.PricingPlan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, persistence(op, err)
		}
		plans = append(plans, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(op, err)
	}

	c.cacheSet(ctx, allPlansKey, plans)
	return plans, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (*models.PricingPlan, error) {
	var p models.PricingPlan
	var original sql.NullInt64
	err := row.Scan(&p.ID, &p.Name, &p.Price, &original, &p.SMSLimit, &p.ContactsLimit,
		&p.TemplatesLimit, &p.SupportLevel, pq.Array(&p.Features), &p.IsActive, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if original.Valid {
		p.OriginalPrice = &original.Int64
	}
	return &p, nil
}

func (c *PlanCatalog) cacheGet(ctx context.Context, key string, dest any) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn().Err(err).Str("key", key).Msg("plan cache read failed")
		}
		metrics.PlanCacheLookups.WithLabelValues("miss").Inc()
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		metrics.PlanCacheLookups.WithLabelValues("miss").Inc()
		return false
	}
	metrics.PlanCacheLookups.WithLabelValues("hit").Inc()
	return true
}

func (c *PlanCatalog) cacheSet(ctx context.Context, key string, value any) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("plan cache write failed")
	}
}
