package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/DeepStacker/option-chain-d-sub000/internal/coordination"
	apperrors "github.com/DeepStacker/option-chain-d-sub000/internal/platform/errors"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Pinger is a dependency readiness can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// InstanceDirectory lists the instances sharing the broker.
type InstanceDirectory interface {
	InstanceInfo(ctx context.Context) ([]coordination.InstanceInfo, error)
}

// ConnectionStats is the registry view served by /stats.
type ConnectionStats interface {
	Len() int
	TopicCounts() map[string]int
}

// BroadcasterStats is the scheduler view served by /stats.
type BroadcasterStats interface {
	Len() int
	Running(topic string) bool
}

// StreamHandler serves the websocket upgrade.
type StreamHandler interface {
	HandleWebSocket(c echo.Context) error
}

// Deps are the collaborators behind the routes. Broker and Instances may be
// nil when the instance runs without Redis.
type Deps struct {
	InstanceID   string
	Stream       StreamHandler
	Connections  ConnectionStats
	Broadcasters BroadcasterStats
	Broker       Pinger
	Instances    InstanceDirectory
	Clock        clockwork.Clock
}

type Server struct {
	echo      *echo.Echo
	port      string
	deps      Deps
	startTime time.Time
}

func NewServer(port string, deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(correlationMiddleware)
	e.Use(requestLogger())
	e.Use(apperrors.Middleware())

	srv := &Server{
		echo:      e,
		port:      port,
		deps:      deps,
		startTime: deps.Clock.Now(),
	}
	srv.registerRoutes()

	return srv
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() *echo.Echo { return s.echo }

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.port)
	return s.echo.Start(fmt.Sprintf(":%s", s.port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
