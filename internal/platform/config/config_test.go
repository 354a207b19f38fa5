package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("UPSTREAM_URL", "http://analytics.internal:8000/api/v1/stream")
}

func TestLoad_AllRequiredVarsSet(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://analytics.internal:8000/api/v1/stream", cfg.UpstreamURL)
	assert.Empty(t, cfg.RedisURL)
}

func TestLoad_MissingUpstream(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("UPSTREAM_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Equal(t, "UPSTREAM_URL is required", err.Error())
}

func TestLoad_RelativeUpstreamRejected(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("UPSTREAM_URL", "/api/v1/stream")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UPSTREAM_URL must be an absolute URL")
}

func TestLoad_DefaultValues(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 10000, cfg.MaxConnections)
	assert.Equal(t, 50, cfg.MaxConnectionsPerIP)
	assert.InDelta(t, 10.0, cfg.ConnectionRate, 1e-9)
	assert.Equal(t, 20, cfg.ConnectionBurst)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.DrainInterval)
	assert.Equal(t, 100, cfg.DrainBatchSize)
	assert.Equal(t, 100, cfg.QueueCapacityCritical)
	assert.Equal(t, 500, cfg.QueueCapacityHigh)
	assert.Equal(t, 1000, cfg.QueueCapacityNormal)
	assert.Equal(t, 200, cfg.QueueCapacityLow)
	assert.Equal(t, 50, cfg.QueueCapacityBulk)
	assert.InDelta(t, 0.8, cfg.QueuePressureRatio, 1e-9)
	assert.Equal(t, 500*time.Millisecond, cfg.BroadcastIntervalChain)
	assert.Equal(t, time.Second, cfg.BroadcastIntervalChart)
	assert.Equal(t, 2*time.Second, cfg.FetchTimeout)
	assert.Equal(t, time.Second, cfg.BrokerPollTimeout)
}

func TestLoad_CustomPortAndEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("APP_ENV", "production")
	t.Setenv("REDIS_URL", "redis://localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.AppEnv)
	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_ProductionRequiresRedis(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_ENV", "production")

	_, err := Load()
	require.Error(t, err)
	assert.Equal(t, "REDIS_URL is required in production", err.Error())
}

func TestLoad_DevelopmentAllowsMissingRedis(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_ENV", "development")

	_, err := Load()
	require.NoError(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"poll timeout above 1s", "BROKER_POLL_TIMEOUT", "2s", "BROKER_POLL_TIMEOUT must be at most 1s"},
		{"zero drain interval", "DRAIN_INTERVAL", "0s", "DRAIN_INTERVAL must be positive"},
		{"negative chain interval", "BROADCAST_INTERVAL_CHAIN", "-1s", "BROADCAST_INTERVAL_CHAIN must be positive"},
		{"zero normal capacity", "QUEUE_CAPACITY_NORMAL", "0", "QUEUE_CAPACITY_NORMAL must be positive"},
		{"zero batch size", "DRAIN_BATCH_SIZE", "0", "DRAIN_BATCH_SIZE must be positive"},
		{"pressure ratio above 1", "QUEUE_PRESSURE_RATIO", "1.5", "QUEUE_PRESSURE_RATIO must be in (0, 1]"},
		{"negative connection limit", "MAX_CONNECTIONS", "-1", "connection limits must not be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_UnparseableDuration(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("FETCH_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load environment variables")
}
