package database

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetConfig_Defaults(t *testing.T) {
	viper.Reset()
	cfg := GetConfig()

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, "5432", cfg.Port)
	assert.Equal(t, "sms_dashboard", cfg.Name)
	assert.Equal(t, 25, cfg.MaxOpenConns)
	assert.Equal(t,
		"host=localhost port=5432 user=postgres password=password dbname=sms_dashboard sslmode=disable",
		cfg.DSN())
}

func TestGetConfig_Overrides(t *testing.T) {
	viper.Reset()
	viper.Set("database.host", "db.internal")
	viper.Set("database.name", "ledger")
	defer viper.Reset()

	cfg := GetConfig()
	assert.Equal(t, "db.internal", cfg.Host)
	assert.Equal(t, "ledger", cfg.Name)
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrations, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	for _, e := range entries {
		data, err := fs.ReadFile(migrations, "migrations/"+e.Name())
		require.NoError(t, err)
		assert.True(t, strings.Contains(string(data), "-- +goose Up"), e.Name())
		assert.True(t, strings.Contains(string(data), "-- +goose Down"), e.Name())
	}
}
