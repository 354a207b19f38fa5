package httpserver

import (
	"net/http"
	"net/url"

	apperrors "github.com/DeepStacker/option-chain-d-sub000/internal/platform/errors"
	"github.com/labstack/echo/v4"
)

type topicStats struct {
	Topic        string `json:"topic"`
	Subscribers  int    `json:"subscribers"`
	Broadcasting bool   `json:"broadcasting"`
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"instance_id":  s.deps.InstanceID,
		"connections":  s.deps.Connections.Len(),
		"topics":       s.deps.Connections.TopicCounts(),
		"broadcasters": s.deps.Broadcasters.Len(),
	})
}

func (s *Server) handleTopicStats(c echo.Context) error {
	topic, err := url.PathUnescape(c.Param("topic"))
	if err != nil || topic == "" {
		return apperrors.ValidationError("invalid topic")
	}

	subscribers := s.deps.Connections.TopicCounts()[topic]
	if subscribers == 0 {
		return apperrors.NotFoundError("no local subscribers").WithContext("topic", topic)
	}

	return c.JSON(http.StatusOK, topicStats{
		Topic:        topic,
		Subscribers:  subscribers,
		Broadcasting: s.deps.Broadcasters.Running(topic),
	})
}
