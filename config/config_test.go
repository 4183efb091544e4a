package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndOverrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DISPATCH_INTERVAL", "15s")
	t.Setenv("DISPATCH_BATCH_SIZE", "not-a-number")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("TRACKING_BASE_URL", "https://t.example.com/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 15*time.Second, cfg.Dispatch.Interval)
	assert.Equal(t, 100, cfg.Dispatch.BatchSize)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "https://t.example.com", cfg.TrackingBaseURL)
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_PASSWORD", "")
	_, err := Load()
	assert.ErrorContains(t, err, "DB_PASSWORD")

	t.Setenv("DB_DRIVER", "mysql")
	_, err = Load()
	assert.ErrorContains(t, err, "DB_DRIVER")

	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("TRACKING_BASE_URL", "https://t.example.com")
	t.Setenv("TRACKING_SECRET", "")
	_, err = Load()
	assert.ErrorContains(t, err, "TRACKING_SECRET")
}

func TestMaskPassword(t *testing.T) {
	assert.Equal(t, "host=h password=***** dbname=d", maskPassword("host=h password=secret dbname=d"))
	assert.Equal(t, "host=h password=*****", maskPassword("host=h password=secret"))
	assert.Equal(t, "host=h", maskPassword("host=h"))
}
