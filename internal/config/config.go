package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envBindings maps every viper key the server reads to its environment
// variable. The same names are accepted in .env.
var envBindings = map[string]string{
	"server.port":                          "PORT",
	"server.allowed_origins":               "ALLOWED_ORIGINS",
	"database.host":                        "DATABASE_HOST",
	"database.port":                        "DATABASE_PORT",
	"database.user":                        "DATABASE_USER",
	"database.password":                    "DATABASE_PASSWORD",
	"database.name":                        "DATABASE_NAME",
	"database.ssl_mode":                    "DATABASE_SSL_MODE",
	"database.migrate":                     "DATABASE_MIGRATE",
	"redis.host":                           "REDIS_HOST",
	"redis.port":                           "REDIS_PORT",
	"redis.password":                       "REDIS_PASSWORD",
	"redis.db":                             "REDIS_DB",
	"jwt.secret_key":                       "JWT_SECRET_KEY",
	"jwt.expiry_hours":                     "JWT_EXPIRY_HOURS",
	"argon2.time":                          "ARGON2_TIME",
	"argon2.memory":                        "ARGON2_MEMORY",
	"argon2.threads":                       "ARGON2_THREADS",
	"argon2.key_length":                    "ARGON2_KEY_LENGTH",
	"argon2.salt_length":                   "ARGON2_SALT_LENGTH",
	"auth.reset_token_ttl":                 "AUTH_RESET_TOKEN_TTL",
	"log.level":                            "LOG_LEVEL",
	"log.format":                           "LOG_FORMAT",
	"metrics.enabled":                      "METRICS_ENABLED",
	"rate_limit.auth_per_min":              "RATE_LIMIT_AUTH_PER_MIN",
	"rate_limit.send_per_min":              "RATE_LIMIT_SEND_PER_MIN",
	"ledger.sms_unit_cost":                 "LEDGER_SMS_UNIT_COST",
	"ledger.segment_length":                "LEDGER_SEGMENT_LENGTH",
	"ledger.signup_bonus":                  "LEDGER_SIGNUP_BONUS",
	"ledger.top_up_fee_percent":            "LEDGER_TOP_UP_FEE_PERCENT",
	"ledger.subscription_bonus_multiplier": "LEDGER_SUBSCRIPTION_BONUS_MULTIPLIER",
	"ledger.monthly_period":                "LEDGER_MONTHLY_PERIOD",
	"ledger.yearly_period":                 "LEDGER_YEARLY_PERIOD",
	"ledger.allow_negative_balance":        "LEDGER_ALLOW_NEGATIVE_BALANCE",
	"ledger.default_plan":                  "LEDGER_DEFAULT_PLAN",
	"ledger.plan_cache_ttl":                "LEDGER_PLAN_CACHE_TTL",
}

var ErrMissingJWTSecret = errors.New("JWT_SECRET_KEY is not set")

// Init loads ./.env with Load.
func Init() error {
	return Load(".env")
}

// Load binds the environment variables the server reads and layers the
// given .env file under them. The process environment wins over the file
// and the file wins over the defaults. A missing file is not an error.
func Load(path string) error {
	viper.SetConfigFile(path)
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	SetDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound) {
			return nil
		}
		return err
	}

	// .env entries land under flat keys such as database_name.
	for key, env := range envBindings {
		if v := viper.Get(strings.ToLower(env)); v != nil {
			viper.SetDefault(key, v)
		}
	}
	return nil
}

// Validate reports settings the server cannot start without.
func Validate() error {
	if viper.GetString("jwt.secret_key") == "" {
		return ErrMissingJWTSecret
	}
	return nil
}

// SetDefaults registers defaults for every key the server reads. Tests call
// it directly instead of Init.
func SetDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.allowed_origins", []string{"https://*", "http://*"})
	viper.SetDefault("server.read_timeout", 15*time.Second)
	viper.SetDefault("server.write_timeout", 15*time.Second)
	viper.SetDefault("server.idle_timeout", 60*time.Second)
	viper.SetDefault("database.migrate", true)
	viper.SetDefault("jwt.expiry_hours", 24)
	viper.SetDefault("argon2.time", 1)
	viper.SetDefault("argon2.memory", 64*1024)
	viper.SetDefault("argon2.threads", 4)
	viper.SetDefault("argon2.key_length", 32)
	viper.SetDefault("argon2.salt_length", 16)
	viper.SetDefault("auth.reset_token_ttl", 30*time.Minute)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("rate_limit.auth_per_min", 20)
	viper.SetDefault("rate_limit.send_per_min", 60)
	for key, v := range ledgerDefaults {
		viper.SetDefault(key, v)
	}
}
