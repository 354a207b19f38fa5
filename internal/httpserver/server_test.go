package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DeepStacker/option-chain-d-sub000/internal/coordination"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

type fakeDirectory struct {
	infos []coordination.InstanceInfo
	err   error
}

func (f *fakeDirectory) InstanceInfo(context.Context) ([]coordination.InstanceInfo, error) {
	return f.infos, f.err
}

type fakeConnections struct {
	conns  int
	topics map[string]int
}

func (f *fakeConnections) Len() int                    { return f.conns }
func (f *fakeConnections) TopicCounts() map[string]int { return f.topics }

type fakeBroadcasters struct{ running map[string]bool }

func (f *fakeBroadcasters) Len() int                  { return len(f.running) }
func (f *fakeBroadcasters) Running(topic string) bool { return f.running[topic] }

type fakeStream struct{ calls int }

func (f *fakeStream) HandleWebSocket(c echo.Context) error {
	f.calls++
	return c.NoContent(http.StatusSwitchingProtocols)
}

func newTestServer(t *testing.T, mutate func(*Deps)) (*Server, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	deps := Deps{
		InstanceID:   "ws-1",
		Stream:       &fakeStream{},
		Connections:  &fakeConnections{conns: 3, topics: map[string]int{"NIFTY:1": 2, "chart:BANKNIFTY:5m": 1}},
		Broadcasters: &fakeBroadcasters{running: map[string]bool{"NIFTY:1": true}},
		Clock:        clock,
	}
	if mutate != nil {
		mutate(&deps)
	}
	return NewServer("0", deps), clock
}

func serve(s *Server, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestLiveness_ReportsUptime(t *testing.T) {
	s, clock := newTestServer(t, nil)
	clock.Advance(90 * time.Second)

	rec := serve(s, "/health/live")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.InDelta(t, 90.0, body["uptime"], 0.001)
}

func TestReadiness_WithoutBroker(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := serve(s, "/health/ready")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, "ws-1", body["instance_id"])
	assert.NotContains(t, body, "instances")
}

func TestReadiness_BrokerDown(t *testing.T) {
	s, _ := newTestServer(t, func(d *Deps) {
		d.Broker = &fakePinger{err: errors.New("connection refused")}
	})

	rec := serve(s, "/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "unavailable", body["type"])
	assert.Equal(t, "broker unreachable", body["error"])
	assert.Equal(t, map[string]any{"failed_check": "broker"}, body["context"])
}

func TestReadiness_ListsInstances(t *testing.T) {
	s, _ := newTestServer(t, func(d *Deps) {
		d.Broker = &fakePinger{}
		d.Instances = &fakeDirectory{infos: []coordination.InstanceInfo{
			{InstanceID: "ws-1", Version: "v1", Connections: 3},
			{InstanceID: "ws-2", Version: "v1", Connections: 9},
		}}
	})

	rec := serve(s, "/health/ready")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	instances, ok := body["instances"].([]any)
	require.True(t, ok)
	assert.Len(t, instances, 2)
}

func TestReadiness_InstanceListFailureIsNotFatal(t *testing.T) {
	s, _ := newTestServer(t, func(d *Deps) {
		d.Broker = &fakePinger{}
		d.Instances = &fakeDirectory{err: errors.New("timeout")}
	})

	rec := serve(s, "/health/ready")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, decodeBody(t, rec), "instances")
}

func TestVersion(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := serve(s, "/version")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeBody(t, rec), "version")
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := serve(s, "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "registry_connections_current"))
}

func TestStats(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := serve(s, "/stats")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ws-1", body["instance_id"])
	assert.Equal(t, 3.0, body["connections"])
	assert.Equal(t, 1.0, body["broadcasters"])
	assert.Equal(t, map[string]any{"NIFTY:1": 2.0, "chart:BANKNIFTY:5m": 1.0}, body["topics"])
}

func TestTopicStats(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := serve(s, "/stats/topics/NIFTY:1")

	assert.Equal(t, http.StatusOK, rec.Code)
	var got topicStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, topicStats{Topic: "NIFTY:1", Subscribers: 2, Broadcasting: true}, got)
}

func TestTopicStats_EscapedTopic(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := serve(s, "/stats/topics/chart%3ABANKNIFTY%3A5m")

	assert.Equal(t, http.StatusOK, rec.Code)
	var got topicStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "chart:BANKNIFTY:5m", got.Topic)
	assert.False(t, got.Broadcasting)
}

func TestTopicStats_UnknownTopic(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := serve(s, "/stats/topics/SENSEX")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "not_found", body["type"])
	assert.Equal(t, map[string]any{"topic": "SENSEX"}, body["context"])
}

func TestWebSocketRouteDelegates(t *testing.T) {
	stream := &fakeStream{}
	s, _ := newTestServer(t, func(d *Deps) { d.Stream = stream })

	serve(s, "/ws")

	assert.Equal(t, 1, stream.calls)
}

func TestRequestID(t *testing.T) {
	s, _ := newTestServer(t, nil)

	t.Run("generated", func(t *testing.T) {
		rec := serve(s, "/version")
		assert.Len(t, rec.Header().Get(echo.HeaderXRequestID), 8)
	})

	t.Run("caller supplied", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/version", nil)
		req.Header.Set(echo.HeaderXRequestID, "gateway-42")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, "gateway-42", rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("oversized replaced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/version", nil)
		req.Header.Set(echo.HeaderXRequestID, strings.Repeat("x", 100))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Len(t, rec.Header().Get(echo.HeaderXRequestID), 8)
	})
}
