package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "repeatable_read", cfg.Database.Isolation)
	assert.True(t, cfg.Business.DefaultBalance.Equal(decimal.RequireFromString("100")))
	assert.Equal(t, int32(2), cfg.Business.CurrencyScale)
	assert.Equal(t, 24*time.Hour, cfg.Business.IdempotencyTTL)
	assert.True(t, cfg.Kafka.Enabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("DEFAULT_BALANCE", "250.5")
	t.Setenv("CURRENCY_SCALE", "3")
	t.Setenv("KAFKA_ENABLED", "false")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("DB_ISOLATION", "serializable")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "serializable", cfg.Database.Isolation)
	assert.Equal(t, "250.500", cfg.Business.DefaultBalance.StringFixed(cfg.Business.CurrencyScale))
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"DEFAULT_BALANCE": "-1",
		"CURRENCY_SCALE":  "two",
		"STORE_DRIVER":    "sqlite",
		"REDIS_DB":        "x",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
