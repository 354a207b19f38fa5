package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DeepStacker/option-chain-d-sub000/internal/coordination"
	"github.com/DeepStacker/option-chain-d-sub000/internal/domain"
	"github.com/DeepStacker/option-chain-d-sub000/internal/httpserver"
	"github.com/DeepStacker/option-chain-d-sub000/internal/outbound"
	"github.com/DeepStacker/option-chain-d-sub000/internal/platform/config"
	"github.com/DeepStacker/option-chain-d-sub000/internal/platform/logging"
	"github.com/DeepStacker/option-chain-d-sub000/internal/platform/retry"
	"github.com/DeepStacker/option-chain-d-sub000/internal/platform/version"
	"github.com/DeepStacker/option-chain-d-sub000/internal/redis"
	"github.com/DeepStacker/option-chain-d-sub000/internal/registry"
	"github.com/DeepStacker/option-chain-d-sub000/internal/relay"
	"github.com/DeepStacker/option-chain-d-sub000/internal/scheduler"
	"github.com/DeepStacker/option-chain-d-sub000/internal/stream"
	"github.com/DeepStacker/option-chain-d-sub000/internal/upstream"
	"github.com/jonboulle/clockwork"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"
)

const instanceHeartbeat = 15 * time.Second

// brokerHandle is the broker as seen by main: the relay transport plus a
// readiness probe.
type brokerHandle interface {
	domain.Broker
	Ping(ctx context.Context) error
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(ctx context.Context, cfg *config.Config) *redis.Client {
	policy := retry.Policy{
		Attempts:   5,
		Backoff:    500 * time.Millisecond,
		MaxBackoff: 4 * time.Second,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			slog.Warn("Redis not reachable yet", "attempt", attempt, "backoff", wait, "error", err)
		},
	}
	client, err := retry.Do(ctx, policy, func(ctx context.Context) (*redis.Client, error) {
		c, err := redis.NewClient(ctx, cfg.RedisURL)
		if errors.Is(err, redis.ErrInvalidURL) {
			return nil, retry.Permanent(err)
		}
		return c, err
	})
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func registryConfig(cfg *config.Config) registry.Config {
	return registry.Config{
		// Admission control enforces MAX_CONNECTIONS before the upgrade; the
		// registry keeps the same ceiling for connections that race past it.
		MaxConnections: cfg.MaxConnections,
		Queue: outbound.Config{
			Capacities: outbound.Capacities{
				cfg.QueueCapacityCritical,
				cfg.QueueCapacityHigh,
				cfg.QueueCapacityNormal,
				cfg.QueueCapacityLow,
				cfg.QueueCapacityBulk,
			},
			PressureRatio: cfg.QueuePressureRatio,
		},
		DrainInterval: cfg.DrainInterval,
		BatchSize:     cfg.DrainBatchSize,
	}
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		redisClient *redis.Client
		broker      brokerHandle
	)
	if cfg.RedisURL != "" {
		redisClient = setupRedis(ctx, cfg)
		broker = redis.NewBroker(redisClient)
	} else {
		slog.Warn("REDIS_URL not set, broadcasts stay on this instance")
		broker = relay.NewMemoryBus().Broker()
	}

	reg := registry.New(registryConfig(cfg), clock)

	rel := relay.New(broker, reg, relay.Options{
		InstanceID:  cfg.InstanceID,
		PollTimeout: cfg.BrokerPollTimeout,
		Clock:       clock,
	})
	instanceID := rel.InstanceID()

	fetcher, err := upstream.NewClient(cfg.UpstreamURL, cfg.FetchTimeout)
	if err != nil {
		slog.Error("Failed to create upstream client", "error", err)
		os.Exit(1)
	}

	sched := scheduler.New(scheduler.Config{
		ChainInterval: cfg.BroadcastIntervalChain,
		ChartInterval: cfg.BroadcastIntervalChart,
		FetchTimeout:  cfg.FetchTimeout,
	}, reg, rel, fetcher, clock)
	reg.SetObserver(sched)

	admission := stream.NewAdmission(stream.LimitsConfig{
		MaxConnections:      cfg.MaxConnections,
		MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		ConnectionRate:      cfg.ConnectionRate,
		ConnectionBurst:     cfg.ConnectionBurst,
	}, clock)
	streamHandler := stream.NewHandler(stream.Config{HeartbeatInterval: cfg.HeartbeatInterval}, reg, sched, admission, clock)

	deps := httpserver.Deps{
		InstanceID:   instanceID,
		Stream:       streamHandler,
		Connections:  reg,
		Broadcasters: sched,
		Broker:       broker,
		Clock:        clock,
	}

	var instances *coordination.InstanceRegistry
	if redisClient != nil {
		stats := func() (int, int) { return reg.Len(), len(reg.Topics()) }
		instances = coordination.NewInstanceRegistry(redisClient.Underlying(), instanceID, instanceHeartbeat, version.Version, stats, clock)
		deps.Instances = instances
	}

	srv := httpserver.NewServer(cfg.Port, deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if instances != nil {
		g.Go(func() error {
			instances.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutdown signal received, cleaning up...", "instance_id", instanceID)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		sched.Close()
		rel.Close()
		reg.Close()
		if err := broker.Close(); err != nil {
			slog.Warn("Broker close error", "error", err)
		}
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil
	})

	slog.Info("Server starting", "port", cfg.Port, "instance_id", instanceID)
	if err := g.Wait(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
