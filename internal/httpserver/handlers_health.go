package httpserver

import (
	"context"
	"net/http"
	"time"

	apperrors "github.com/DeepStacker/option-chain-d-sub000/internal/platform/errors"
	"github.com/DeepStacker/option-chain-d-sub000/internal/platform/version"
	"github.com/labstack/echo/v4"
)

const readinessTimeout = 5 * time.Second

func (s *Server) handleLiveness(c echo.Context) error {
	uptime := s.deps.Clock.Since(s.startTime).Seconds()
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": uptime,
	})
}

// handleReadiness fails when the broker is unreachable. The instance list is
// informational and never fails the probe.
func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessTimeout)
	defer cancel()

	if s.deps.Broker != nil {
		if err := s.deps.Broker.Ping(ctx); err != nil {
			return apperrors.UnavailableError("broker unreachable", err).WithContext("failed_check", "broker")
		}
	}

	resp := map[string]any{
		"status":      "ready",
		"instance_id": s.deps.InstanceID,
	}
	if s.deps.Instances != nil {
		if infos, err := s.deps.Instances.InstanceInfo(ctx); err == nil {
			resp["instances"] = infos
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, version.Get())
}
