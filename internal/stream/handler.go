package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/DeepStacker/option-chain-d-sub000/internal/codec"
	"github.com/DeepStacker/option-chain-d-sub000/internal/domain"
	"github.com/DeepStacker/option-chain-d-sub000/internal/metrics"
	"github.com/DeepStacker/option-chain-d-sub000/internal/platform/correlation"
	"github.com/DeepStacker/option-chain-d-sub000/internal/registry"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	maxControlFrameSize      = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Browser dashboards connect from other origins
	},
}

// Registry is the connection registry surface used by the handler.
type Registry interface {
	Connect(t registry.Transport) (string, error)
	Disconnect(id string) (string, bool)
	Subscribe(id, topic string) (bool, error)
	Unsubscribe(id string) (string, bool)
	Send(id, msgType string, payload []byte) error
	Topic(id string) (string, bool)
}

// Snapshotter produces an immediate frame for a new subscriber.
type Snapshotter interface {
	Snapshot(ctx context.Context, topic string) ([]byte, error)
}

// Config tunes per-connection liveness.
type Config struct {
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
}

// Handler upgrades client requests and runs the control protocol.
type Handler struct {
	cfg       Config
	registry  Registry
	snapshots Snapshotter
	admission *Admission
	clock     clockwork.Clock
}

// NewHandler wires the endpoint. snapshots may be nil.
func NewHandler(cfg Config, reg Registry, snapshots Snapshotter, admission *Admission, clock clockwork.Clock) *Handler {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Handler{
		cfg:       cfg,
		registry:  reg,
		snapshots: snapshots,
		admission: admission,
		clock:     clock,
	}
}

// HandleWebSocket serves GET /ws.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	ip := c.RealIP()
	if ok, reason := h.admission.Acquire(ip); !ok {
		metrics.ConnectionsRejected.WithLabelValues(string(reason)).Inc()
		slog.Warn("Connection rejected", "remote_ip", ip, "reason", reason)
		if reason == RejectGlobal {
			return c.String(http.StatusServiceUnavailable, "Server at capacity")
		}
		return c.String(http.StatusTooManyRequests, "Too many connections")
	}
	defer h.admission.Release(ip)

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade WebSocket: %w", err)
	}

	t := newTransport(ws, h.clock, h.cfg.WriteTimeout)
	id, err := h.registry.Connect(t)
	if err != nil {
		reason := "registry_closed"
		if errors.Is(err, domain.ErrTooManyConnections) {
			reason = "registry_full"
		}
		metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
		slog.Warn("Connection refused by registry", "remote_ip", ip, "error", err)
		t.closeWith(websocket.CloseTryAgainLater, "server at capacity")
		_ = t.Close()
		return nil
	}
	defer h.registry.Disconnect(id)

	h.send(id, codec.Connected(id))

	ctx, cancel := context.WithCancel(correlation.WithConnection(c.Request().Context(), id))
	defer cancel()
	go h.heartbeat(ctx, id, t)

	h.readLoop(ctx, id, ws)
	return nil
}

func (h *Handler) readDeadline() time.Time {
	return h.clock.Now().Add(2 * h.cfg.HeartbeatInterval)
}

func (h *Handler) readLoop(ctx context.Context, id string, ws *websocket.Conn) {
	ws.SetReadLimit(maxControlFrameSize)
	_ = ws.SetReadDeadline(h.readDeadline())
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(h.readDeadline())
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.DebugContext(ctx, "Connection read ended", "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(h.readDeadline())
		h.handleControl(ctx, id, data)
	}
}

func (h *Handler) handleControl(ctx context.Context, id string, data []byte) {
	ctrl, err := codec.DecodeControl(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, codec.ErrMissingTopic) {
			reason = "missing_topic"
		}
		metrics.ProtocolErrors.WithLabelValues(reason).Inc()
		slog.DebugContext(ctx, "Ignoring control frame", "error", err)
		return
	}

	switch ctrl.Kind {
	case codec.ControlSubscribe:
		if _, err := h.registry.Subscribe(id, ctrl.Topic); err != nil {
			slog.WarnContext(ctx, "Subscribe failed", "topic", ctrl.Topic, "error", err)
			return
		}
		slog.DebugContext(ctx, "Client subscribed", "topic", ctrl.Topic)
		h.send(id, codec.Subscribed(ctrl.Topic))
		if h.snapshots != nil {
			go h.sendSnapshot(ctx, id, ctrl.Topic)
		}
	case codec.ControlUnsubscribe:
		topic, _ := h.registry.Unsubscribe(id)
		slog.DebugContext(ctx, "Client unsubscribed", "topic", topic)
		h.send(id, codec.Unsubscribed())
	case codec.ControlPing:
		h.send(id, codec.Pong())
	default:
		metrics.ProtocolErrors.WithLabelValues("unknown_type").Inc()
		slog.DebugContext(ctx, "Ignoring unknown control frame", "type", ctrl.Type)
	}
}

func (h *Handler) send(id string, f codec.Frame) {
	frame, err := codec.Encode(f)
	if err != nil {
		slog.Error("Failed to encode control frame", "connection_id", id, "type", f.Type, "error", err)
		return
	}
	if err := h.registry.Send(id, f.Type, frame); err != nil {
		slog.Debug("Control frame not sent", "connection_id", id, "type", f.Type, "error", err)
	}
}

func (h *Handler) sendSnapshot(ctx context.Context, id, topic string) {
	ctx = correlation.WithTopic(ctx, topic)
	frame, err := h.snapshots.Snapshot(ctx, topic)
	if err != nil {
		slog.DebugContext(ctx, "Initial snapshot unavailable", "error", err)
		return
	}
	// The client may have moved on while the fetch was in flight.
	if current, ok := h.registry.Topic(id); !ok || current != topic {
		return
	}
	if err := h.registry.Send(id, codec.TypeSnapshot, frame); err != nil {
		slog.DebugContext(ctx, "Snapshot not sent", "error", err)
	}
}

func (h *Handler) heartbeat(ctx context.Context, id string, t *wsTransport) {
	ticker := h.clock.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := t.ping(); err != nil {
				slog.DebugContext(ctx, "Heartbeat ping failed", "error", err)
				return
			}
		}
	}
}
