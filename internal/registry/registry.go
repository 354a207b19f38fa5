package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DeepStacker/option-chain-d-sub000/internal/domain"
	"github.com/DeepStacker/option-chain-d-sub000/internal/metrics"
	"github.com/DeepStacker/option-chain-d-sub000/internal/outbound"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Config sizes the registry and the per-connection pipeline.
type Config struct {
	MaxConnections int // 0 = unlimited
	Queue          outbound.Config
	DrainInterval  time.Duration
	BatchSize      int
}

// DefaultConfig returns an unlimited registry with default queue settings.
func DefaultConfig() Config {
	return Config{
		Queue:         outbound.DefaultConfig(),
		DrainInterval: outbound.DefaultDrainInterval,
		BatchSize:     outbound.DefaultBatchSize,
	}
}

type group map[string]*Connection

// Registry tracks connections and topic subscription groups for one instance.
type Registry struct {
	cfg   Config
	clock clockwork.Clock

	mu       sync.RWMutex
	observer domain.TopicObserver
	conns    map[string]*Connection
	groups   map[string]group
	closed   bool

	wg sync.WaitGroup
}

// New creates an empty registry.
func New(cfg Config, clock clockwork.Clock) *Registry {
	return &Registry{
		cfg:    cfg,
		clock:  clock,
		conns:  make(map[string]*Connection),
		groups: make(map[string]group),
	}
}

// SetObserver installs the listener for group creation and deletion. It must
// be called before the first Subscribe.
func (r *Registry) SetObserver(o domain.TopicObserver) {
	r.mu.Lock()
	r.observer = o
	r.mu.Unlock()
}

// Connect registers a transport, creates its queue and starts its drain loop.
func (r *Registry) Connect(t Transport) (string, error) {
	id := uuid.NewString()
	conn := &Connection{
		id:        id,
		transport: t,
		queue:     outbound.NewQueue(id, r.cfg.Queue, r.clock),
		createdAt: r.clock.Now(),
		done:      make(chan struct{}),
	}
	conn.setState(StateConnecting)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", domain.ErrRegistryClosed
	}
	if r.cfg.MaxConnections > 0 && len(r.conns) >= r.cfg.MaxConnections {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: limit %d", domain.ErrTooManyConnections, r.cfg.MaxConnections)
	}
	ctx, cancel := context.WithCancel(context.Background())
	conn.cancel = cancel
	r.conns[id] = conn
	conn.setState(StateConnected)
	r.wg.Add(1)
	r.mu.Unlock()

	metrics.ConnectionsCurrent.Inc()
	metrics.ConnectionsTotal.Inc()

	drainer := outbound.NewDrainer(conn.queue, t, r.clock, r.cfg.DrainInterval, r.cfg.BatchSize)
	go r.drain(ctx, conn, drainer)

	slog.Debug("Connection registered", "connection_id", id)
	return id, nil
}

func (r *Registry) drain(ctx context.Context, conn *Connection, d *outbound.Drainer) {
	defer r.wg.Done()
	defer close(conn.done)
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Drain loop panic recovered", "connection_id", conn.id, "panic", rec)
			r.Disconnect(conn.id)
		}
	}()

	if err := d.Run(ctx); err != nil {
		slog.Info("Connection write failed, disconnecting", "connection_id", conn.id, "error", err)
		metrics.TransportErrors.Inc()
		r.Disconnect(conn.id)
	}
}

// Disconnect removes a connection, its subscription and its queue. It
// returns the topic the connection was subscribed to and whether that group
// became empty. Unknown ids are a no-op.
func (r *Registry) Disconnect(id string) (string, bool) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.conns, id)
	topic := conn.topic
	emptied := r.leaveLocked(conn)
	observer := r.observer
	r.mu.Unlock()

	conn.shutdown()
	metrics.ConnectionsCurrent.Dec()

	if emptied && observer != nil {
		observer.TopicDrained(topic)
	}
	slog.Debug("Connection removed", "connection_id", id, "topic", topic, "group_emptied", emptied)
	return topic, emptied
}

// Subscribe moves a connection into the topic's group, leaving its previous
// group in the same critical section. It reports whether the connection is
// the topic's first local subscriber.
func (r *Registry) Subscribe(id, topic string) (bool, error) {
	if topic == "" {
		return false, domain.ErrEmptyTopic
	}

	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("subscribe %s: %w", id, domain.ErrConnectionNotFound)
	}
	if conn.topic == topic {
		r.mu.Unlock()
		return false, nil
	}

	previous := conn.topic
	previousEmptied := r.leaveLocked(conn)

	members, exists := r.groups[topic]
	if !exists {
		members = make(group)
		r.groups[topic] = members
	}
	members[id] = conn
	conn.topic = topic
	conn.setState(StateSubscribed)
	observer := r.observer
	metrics.ActiveTopics.Set(float64(len(r.groups)))
	r.mu.Unlock()

	if observer != nil {
		if previousEmptied {
			observer.TopicDrained(previous)
		}
		if !exists {
			observer.TopicActivated(topic)
		}
	}
	return !exists, nil
}

// Unsubscribe removes the connection from its group. It returns the topic
// it left and whether the group became empty.
func (r *Registry) Unsubscribe(id string) (string, bool) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok || conn.topic == "" {
		r.mu.Unlock()
		return "", false
	}
	topic := conn.topic
	emptied := r.leaveLocked(conn)
	conn.setState(StateConnected)
	observer := r.observer
	r.mu.Unlock()

	if emptied && observer != nil {
		observer.TopicDrained(topic)
	}
	return topic, emptied
}

// leaveLocked drops conn from its current group and deletes the group when it
// empties. r.mu must be held.
func (r *Registry) leaveLocked(conn *Connection) bool {
	if conn.topic == "" {
		return false
	}
	topic := conn.topic
	members := r.groups[topic]
	delete(members, conn.id)
	conn.topic = ""

	if len(members) > 0 {
		return false
	}
	delete(r.groups, topic)
	metrics.ActiveTopics.Set(float64(len(r.groups)))
	return true
}

// Deliver enqueues payload into every connection subscribed to topic. The
// group is snapshotted under the read lock; enqueues never block. Returns the
// number of connections that accepted the message.
func (r *Registry) Deliver(topic, msgType string, payload []byte) int {
	r.mu.RLock()
	members := r.groups[topic]
	targets := make([]*Connection, 0, len(members))
	for _, c := range members {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	priority := outbound.PriorityFor(msgType)
	queued := 0
	for _, c := range targets {
		if c.queue.Enqueue(priority, msgType, payload) {
			queued++
		}
	}

	if len(targets) > 0 {
		metrics.DeliveriesTotal.WithLabelValues("queued").Add(float64(queued))
		metrics.DeliveriesTotal.WithLabelValues("dropped").Add(float64(len(targets) - queued))
	}
	return queued
}

// Send enqueues a frame for a single connection. A full tier drops the frame
// silently like any other delivery.
func (r *Registry) Send(id, msgType string, payload []byte) error {
	r.mu.RLock()
	conn, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send to %s: %w", id, domain.ErrConnectionNotFound)
	}
	conn.queue.Enqueue(outbound.PriorityFor(msgType), msgType, payload)
	return nil
}

// Subscribers returns the size of a topic's group.
func (r *Registry) Subscribers(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[topic])
}

// Topic returns the topic a connection is subscribed to.
func (r *Registry) Topic(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	if !ok || conn.topic == "" {
		return "", false
	}
	return conn.topic, true
}

// Connection looks up a live connection.
func (r *Registry) Connection(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Topics lists every topic with at least one local subscriber.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.groups))
	for t := range r.groups {
		topics = append(topics, t)
	}
	return topics
}

// ConnectionStats is a point-in-time view of one connection.
type ConnectionStats struct {
	ID          string
	Topic       string
	State       State
	ConnectedAt time.Time
	Queue       outbound.Stats
}

// Stats returns a snapshot of a connection and its outbound queue.
func (r *Registry) Stats(id string) (ConnectionStats, bool) {
	r.mu.RLock()
	conn, ok := r.conns[id]
	var topic string
	if ok {
		topic = conn.topic
	}
	r.mu.RUnlock()
	if !ok {
		return ConnectionStats{}, false
	}

	return ConnectionStats{
		ID:          conn.id,
		Topic:       topic,
		State:       conn.State(),
		ConnectedAt: conn.createdAt,
		Queue:       conn.queue.Stats(),
	}, true
}

// TopicCounts returns the subscriber count of every non-empty group.
func (r *Registry) TopicCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int, len(r.groups))
	for t, g := range r.groups {
		counts[t] = len(g)
	}
	return counts
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close disconnects every connection, reports every group as drained and
// waits for all drain loops to exit. Further Connect calls fail.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.wg.Wait()
		return
	}
	r.closed = true
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	topics := make([]string, 0, len(r.groups))
	for t := range r.groups {
		topics = append(topics, t)
	}
	r.conns = make(map[string]*Connection)
	r.groups = make(map[string]group)
	observer := r.observer
	r.mu.Unlock()

	slog.Info("Registry shutting down", "connections", len(conns), "topics", len(topics))
	for _, c := range conns {
		c.shutdown()
	}
	metrics.ConnectionsCurrent.Sub(float64(len(conns)))
	metrics.ActiveTopics.Set(0)

	if observer != nil {
		for _, t := range topics {
			observer.TopicDrained(t)
		}
	}
	r.wg.Wait()
}
