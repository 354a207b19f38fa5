package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DeepStacker/option-chain-d-sub000/internal/codec"
	"github.com/DeepStacker/option-chain-d-sub000/internal/domain"
	"github.com/DeepStacker/option-chain-d-sub000/internal/metrics"
	"github.com/DeepStacker/option-chain-d-sub000/internal/platform/correlation"
	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultChainInterval = 500 * time.Millisecond
	DefaultChartInterval = time.Second
	DefaultFetchTimeout  = 2 * time.Second

	relayTimeout                   = 2 * time.Second
	circuitBreakerFailureThreshold = 5
	circuitBreakerOpenDuration     = 10 * time.Second
)

// Membership reports how many local connections subscribe to a topic.
type Membership interface {
	Subscribers(topic string) int
}

// Publisher is the relay surface the scheduler drives.
type Publisher interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic, msgType string, frame []byte) error
}

// Config holds broadcast cadence per stream type and the fetch deadline.
type Config struct {
	ChainInterval time.Duration
	ChartInterval time.Duration
	FetchTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		ChainInterval: DefaultChainInterval,
		ChartInterval: DefaultChartInterval,
		FetchTimeout:  DefaultFetchTimeout,
	}
}

type task struct {
	topic   string
	cancel  context.CancelFunc
	done    chan struct{}
	breaker *gobreaker.CircuitBreaker
}

// Scheduler owns the broadcaster tasks of one instance.
type Scheduler struct {
	cfg     Config
	members Membership
	relay   Publisher
	fetcher domain.Fetcher
	clock   clockwork.Clock

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool

	snapshots singleflight.Group
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

var _ domain.TopicObserver = (*Scheduler)(nil)

func New(cfg Config, members Membership, relay Publisher, fetcher domain.Fetcher, clock clockwork.Clock) *Scheduler {
	if cfg.ChainInterval <= 0 {
		cfg.ChainInterval = DefaultChainInterval
	}
	if cfg.ChartInterval <= 0 {
		cfg.ChartInterval = DefaultChartInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     cfg,
		members: members,
		relay:   relay,
		fetcher: fetcher,
		clock:   clock,
		tasks:   make(map[string]*task),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Scheduler) TopicActivated(topic string) { s.Reconcile(topic) }
func (s *Scheduler) TopicDrained(topic string)   { s.Reconcile(topic) }

// Reconcile starts a broadcaster for topic if it has local subscribers and
// none is running, or stops the running one if the group is gone.
func (s *Scheduler) Reconcile(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	wanted := s.members.Subscribers(topic) > 0
	t, running := s.tasks[topic]
	switch {
	case wanted && !running:
		s.startLocked(topic)
	case !wanted && running:
		s.stopLocked(t)
	}
}

func (s *Scheduler) startLocked(topic string) {
	ctx, cancel := context.WithTimeout(s.ctx, relayTimeout)
	err := s.relay.Subscribe(ctx, topic)
	cancel()
	if err != nil {
		slog.Error("Relay subscribe failed, broadcaster not started", "topic", topic, "error", err)
		return
	}

	taskCtx, taskCancel := context.WithCancel(correlation.WithTopic(s.ctx, topic))
	t := &task{
		topic:   topic,
		cancel:  taskCancel,
		done:    make(chan struct{}),
		breaker: newFetchBreaker(topic),
	}
	s.tasks[topic] = t
	metrics.BroadcastersActive.Inc()

	s.wg.Add(1)
	go s.run(taskCtx, t)
	slog.Info("Broadcaster started", "topic", topic, "interval", s.intervalFor(topic))
}

func (s *Scheduler) stopLocked(t *task) {
	delete(s.tasks, t.topic)
	t.cancel()
	metrics.BroadcastersActive.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
	defer cancel()
	if err := s.relay.Unsubscribe(ctx, t.topic); err != nil {
		slog.Warn("Relay unsubscribe failed", "topic", t.topic, "error", err)
	}
	slog.Info("Broadcaster stopped", "topic", t.topic)
}

func newFetchBreaker(topic string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "fetch:" + topic,
		MaxRequests: 1,
		Timeout:     circuitBreakerOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= circuitBreakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerStateChanges.WithLabelValues("upstream", to.String()).Inc()
		},
	})
}

func (s *Scheduler) intervalFor(topic string) time.Duration {
	if domain.StreamTypeOf(topic) == domain.StreamChart {
		return s.cfg.ChartInterval
	}
	return s.cfg.ChainInterval
}

func dataType(topic string) string {
	if domain.StreamTypeOf(topic) == domain.StreamChart {
		return codec.TypeChartUpdate
	}
	return codec.TypeChainUpdate
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	defer s.wg.Done()
	defer close(t.done)

	ticker := s.clock.NewTicker(s.intervalFor(t.topic))
	defer ticker.Stop()

	for {
		if s.members.Subscribers(t.topic) == 0 {
			s.Reconcile(t.topic)
			if ctx.Err() != nil {
				return
			}
		}

		s.tick(ctx, t)

		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, t *task) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "Broadcaster panic recovered", "panic", r)
			metrics.BroadcasterPanicsTotal.Inc()
		}
	}()

	payload, err := s.fetch(ctx, t.topic, t.breaker)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return
		}
		slog.WarnContext(ctx, "Broadcast fetch failed", "error", err)
		s.publish(ctx, codec.Error(t.topic, fmt.Sprintf("failed to fetch %s: %v", t.topic, err)))
		return
	}

	s.publish(ctx, codec.Data(dataType(t.topic), t.topic, payload, s.clock.Now()))
}

func (s *Scheduler) fetch(ctx context.Context, topic string, breaker *gobreaker.CircuitBreaker) (any, error) {
	stream := string(domain.StreamTypeOf(topic))
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	start := s.clock.Now()
	payload, err := breaker.Execute(func() (any, error) {
		return s.fetcher.FetchPayload(fetchCtx, topic)
	})
	metrics.FetchDuration.WithLabelValues(stream).Observe(s.clock.Since(start).Seconds())
	if err != nil && !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.FetchErrors.WithLabelValues(stream).Inc()
	}
	return payload, err
}

func (s *Scheduler) publish(ctx context.Context, f codec.Frame) {
	frame, err := codec.Encode(f)
	if err != nil {
		slog.Error("Failed to encode broadcast frame", "topic", f.Topic, "type", f.Type, "error", err)
		return
	}
	if err := s.relay.Publish(ctx, f.Topic, f.Type, frame); err != nil {
		slog.DebugContext(ctx, "Broadcast publish failed", "error", err)
	}
}

// Snapshot fetches the current payload of topic and encodes it as a snapshot
// frame for a single late subscriber. Concurrent callers for the same topic
// share one fetch.
func (s *Scheduler) Snapshot(ctx context.Context, topic string) ([]byte, error) {
	v, err, _ := s.snapshots.Do(topic, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FetchTimeout)
		defer cancel()

		payload, err := s.fetcher.FetchPayload(fetchCtx, topic)
		if err != nil {
			metrics.FetchErrors.WithLabelValues(string(domain.StreamTypeOf(topic))).Inc()
			return nil, fmt.Errorf("snapshot %s: %w", topic, err)
		}
		return codec.Encode(codec.Data(codec.TypeSnapshot, topic, payload, s.clock.Now()))
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Running reports whether a broadcaster task exists for topic.
func (s *Scheduler) Running(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[topic]
	return ok
}

// Len returns the number of running broadcaster tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close cancels every task and waits for them to exit. Later notifications
// are ignored.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	for _, t := range tasks {
		s.stopLocked(t)
	}
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("Scheduler stopped", "tasks", len(tasks))
}
