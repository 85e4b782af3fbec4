package config

import (
	"time"

	"github.com/spf13/viper"
)

// LedgerConfig holds the pricing constants the account ledger bills with.
type LedgerConfig struct {
	SMSUnitCost                 int64
	SegmentLength               int
	SignupBonus                 int64
	TopUpFeePercent             float64
	SubscriptionBonusMultiplier int64
	MonthlyPeriod               time.Duration
	YearlyPeriod                time.Duration
	AllowNegativeBalance        bool
	DefaultPlan                 string
	PlanCacheTTL                time.Duration
}

var ledgerDefaults = map[string]any{
	"ledger.sms_unit_cost":                 int64(150),
	"ledger.segment_length":                160,
	"ledger.signup_bonus":                  int64(1000),
	"ledger.top_up_fee_percent":            1.0,
	"ledger.subscription_bonus_multiplier": int64(1000),
	"ledger.monthly_period":                30 * 24 * time.Hour,
	"ledger.yearly_period":                 365 * 24 * time.Hour,
	"ledger.allow_negative_balance":        false,
	"ledger.default_plan":                  "BASIC",
	"ledger.plan_cache_ttl":                10 * time.Minute,
}

// LoadLedgerConfig reads the ledger.* keys, falling back to the built-in
// pricing when viper has not been initialised.
func LoadLedgerConfig() *LedgerConfig {
	for key, v := range ledgerDefaults {
		if !viper.IsSet(key) {
			viper.SetDefault(key, v)
		}
	}
	return &LedgerConfig{
		SMSUnitCost:                 viper.GetInt64("ledger.sms_unit_cost"),
		SegmentLength:               viper.GetInt("ledger.segment_length"),
		SignupBonus:                 viper.GetInt64("ledger.signup_bonus"),
		TopUpFeePercent:             viper.GetFloat64("ledger.top_up_fee_percent"),
		SubscriptionBonusMultiplier: viper.GetInt64("ledger.subscription_bonus_multiplier"),
		MonthlyPeriod:               viper.GetDuration("ledger.monthly_period"),
		YearlyPeriod:                viper.GetDuration("ledger.yearly_period"),
		AllowNegativeBalance:        viper.GetBool("ledger.allow_negative_balance"),
		DefaultPlan:                 viper.GetString("ledger.default_plan"),
		PlanCacheTTL:                viper.GetDuration("ledger.plan_cache_ttl"),
	}
}
