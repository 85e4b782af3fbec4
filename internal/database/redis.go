package database

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"

	"github.com/bulksms/backend/internal/logging"
)

// InitRedis returns nil when Redis is unreachable; callers treat Redis as
// optional.
func InitRedis() *redis.Client {
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", "6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	addr := viper.GetString("redis.host") + ":" + viper.GetString("redis.port")
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logging.Warn().Str("component", "REDIS").Err(err).Msg("redis connection failed, continuing without redis")
		rdb.Close()
		return nil
	}

	logging.Info().Str("component", "REDIS").Str("addr", addr).Msg("redis connection established")
	return rdb
}
