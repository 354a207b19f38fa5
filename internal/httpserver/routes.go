package httpserver

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/version", s.handleVersion)

	// Instance introspection
	s.echo.GET("/stats", s.handleStats)
	s.echo.GET("/stats/topics/:topic", s.handleTopicStats)

	// Streaming clients
	s.echo.GET("/ws", s.deps.Stream.HandleWebSocket)
}
