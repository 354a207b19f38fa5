package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8080"`
	RedisURL    string `env:"REDIS_URL"`
	InstanceID  string `env:"INSTANCE_ID"`
	UpstreamURL string `env:"UPSTREAM_URL"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`

	MaxConnections      int           `env:"MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP int           `env:"MAX_CONNECTIONS_PER_IP" default:"50"`
	ConnectionRate      float64       `env:"CONNECTION_RATE" default:"10"`
	ConnectionBurst     int           `env:"CONNECTION_BURST" default:"20"`
	HeartbeatInterval   time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s"`

	DrainInterval         time.Duration `env:"DRAIN_INTERVAL" default:"50ms"`
	DrainBatchSize        int           `env:"DRAIN_BATCH_SIZE" default:"100"`
	QueueCapacityCritical int           `env:"QUEUE_CAPACITY_CRITICAL" default:"100"`
	QueueCapacityHigh     int           `env:"QUEUE_CAPACITY_HIGH" default:"500"`
	QueueCapacityNormal   int           `env:"QUEUE_CAPACITY_NORMAL" default:"1000"`
	QueueCapacityLow      int           `env:"QUEUE_CAPACITY_LOW" default:"200"`
	QueueCapacityBulk     int           `env:"QUEUE_CAPACITY_BULK" default:"50"`
	QueuePressureRatio    float64       `env:"QUEUE_PRESSURE_RATIO" default:"0.8"`

	BroadcastIntervalChain time.Duration `env:"BROADCAST_INTERVAL_CHAIN" default:"500ms"`
	BroadcastIntervalChart time.Duration `env:"BROADCAST_INTERVAL_CHART" default:"1s"`
	FetchTimeout           time.Duration `env:"FETCH_TIMEOUT" default:"2s"`
	BrokerPollTimeout      time.Duration `env:"BROKER_POLL_TIMEOUT" default:"1s"`
	ShutdownTimeout        time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// IsProduction reports whether APP_ENV is "production".
func (c *Config) IsProduction() bool { return c.AppEnv == "production" }

func validate(cfg *Config) error {
	if cfg.UpstreamURL == "" {
		return errors.New("UPSTREAM_URL is required")
	}
	u, err := url.Parse(cfg.UpstreamURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("UPSTREAM_URL must be an absolute URL, got %q", cfg.UpstreamURL)
	}

	// Without a broker each instance only reaches its own clients.
	if cfg.IsProduction() && cfg.RedisURL == "" {
		return errors.New("REDIS_URL is required in production")
	}

	positive := map[string]time.Duration{
		"HEARTBEAT_INTERVAL":       cfg.HeartbeatInterval,
		"DRAIN_INTERVAL":           cfg.DrainInterval,
		"BROADCAST_INTERVAL_CHAIN": cfg.BroadcastIntervalChain,
		"BROADCAST_INTERVAL_CHART": cfg.BroadcastIntervalChart,
		"FETCH_TIMEOUT":            cfg.FetchTimeout,
		"BROKER_POLL_TIMEOUT":      cfg.BrokerPollTimeout,
		"SHUTDOWN_TIMEOUT":         cfg.ShutdownTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if cfg.BrokerPollTimeout > time.Second {
		return fmt.Errorf("BROKER_POLL_TIMEOUT must be at most 1s, got %s", cfg.BrokerPollTimeout)
	}

	capacities := map[string]int{
		"QUEUE_CAPACITY_CRITICAL": cfg.QueueCapacityCritical,
		"QUEUE_CAPACITY_HIGH":     cfg.QueueCapacityHigh,
		"QUEUE_CAPACITY_NORMAL":   cfg.QueueCapacityNormal,
		"QUEUE_CAPACITY_LOW":      cfg.QueueCapacityLow,
		"QUEUE_CAPACITY_BULK":     cfg.QueueCapacityBulk,
		"DRAIN_BATCH_SIZE":        cfg.DrainBatchSize,
	}
	for name, n := range capacities {
		if n <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, n)
		}
	}

	if cfg.QueuePressureRatio <= 0 || cfg.QueuePressureRatio > 1 {
		return fmt.Errorf("QUEUE_PRESSURE_RATIO must be in (0, 1], got %v", cfg.QueuePressureRatio)
	}
	if cfg.MaxConnections < 0 || cfg.MaxConnectionsPerIP < 0 || cfg.ConnectionBurst < 0 || cfg.ConnectionRate < 0 {
		return errors.New("connection limits must not be negative")
	}

	return nil
}
