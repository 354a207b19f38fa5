package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DeepStacker/option-chain-d-sub000/internal/domain"
	"github.com/DeepStacker/option-chain-d-sub000/internal/metrics"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
)

const (
	DefaultPollTimeout  = time.Second
	resubscribeInterval = 5 * time.Second
	receiveErrorBackoff = 500 * time.Millisecond
	publishTimeout      = 2 * time.Second
)

// Deliverer hands a frame to every local subscriber of a topic.
type Deliverer interface {
	Deliver(topic, msgType string, payload []byte) int
}

// Options configures a Relay. Zero values take defaults.
type Options struct {
	InstanceID  string
	PollTimeout time.Duration
	Clock       clockwork.Clock
}

// Relay fans messages out across instances through a broker.
type Relay struct {
	broker      domain.Broker
	local       Deliverer
	instanceID  string
	pollTimeout time.Duration
	clock       clockwork.Clock
	breaker     *gobreaker.CircuitBreaker
	seq         atomic.Uint64
	closed      atomic.Bool

	// mu guards the maps below and is never held across a broker call.
	// channels is the wanted broker state, joined the confirmed one; a
	// channel in syncing has a broker call in flight.
	mu       sync.Mutex
	topics   map[string]string
	channels map[string]map[string]struct{}
	joined   map[string]struct{}
	syncing  map[string]struct{}

	listenOnce sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a relay. A nil broker runs the relay in local-only mode.
func New(broker domain.Broker, local Deliverer, opts Options) *Relay {
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.PollTimeout <= 0 || opts.PollTimeout > time.Second {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		broker:      broker,
		local:       local,
		instanceID:  opts.InstanceID,
		pollTimeout: opts.PollTimeout,
		clock:       opts.Clock,
		breaker:     newPublishBreaker(),
		topics:      make(map[string]string),
		channels:    make(map[string]map[string]struct{}),
		joined:      make(map[string]struct{}),
		syncing:     make(map[string]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func newPublishBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "relay-publish",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerStateChanges.WithLabelValues(name, to.String()).Inc()
		},
	})
}

// InstanceID returns the origin tag stamped on published envelopes.
func (r *Relay) InstanceID() string { return r.instanceID }

// Subscribe joins the broker channel of topic. Repeated calls for the same
// topic are no-ops. Broker failures are logged and retried in the background;
// local delivery is unaffected.
func (r *Relay) Subscribe(ctx context.Context, topic string) error {
	if topic == "" {
		return domain.ErrEmptyTopic
	}
	if r.closed.Load() {
		return domain.ErrRelayClosed
	}

	r.mu.Lock()
	if _, ok := r.topics[topic]; ok {
		r.mu.Unlock()
		return nil
	}
	channel := domain.BroadcastChannel(topic)
	r.topics[topic] = channel

	users, shared := r.channels[channel]
	if !shared {
		users = make(map[string]struct{})
		r.channels[channel] = users
	}
	users[topic] = struct{}{}
	r.mu.Unlock()

	if r.broker == nil || shared {
		return nil
	}
	r.listenOnce.Do(r.startListener)
	r.syncChannel(ctx, channel)
	return nil
}

// Unsubscribe leaves the broker channel of topic once no other local topic
// shares it. Safe to call for topics that were never subscribed.
func (r *Relay) Unsubscribe(ctx context.Context, topic string) error {
	r.mu.Lock()
	channel, ok := r.topics[topic]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.topics, topic)

	users := r.channels[channel]
	delete(users, topic)
	emptied := len(users) == 0
	if emptied {
		delete(r.channels, channel)
	}
	r.mu.Unlock()

	if emptied && r.broker != nil {
		r.syncChannel(ctx, channel)
	}
	return nil
}

// syncChannel issues broker calls until the confirmed state of channel
// matches the wanted state or a call fails. If another goroutine already has
// a call in flight for channel it returns at once; that goroutine re-checks
// the wanted state when its call completes.
func (r *Relay) syncChannel(ctx context.Context, channel string) {
	for {
		r.mu.Lock()
		if _, busy := r.syncing[channel]; busy {
			r.mu.Unlock()
			return
		}
		_, want := r.channels[channel]
		_, have := r.joined[channel]
		if want == have {
			r.mu.Unlock()
			return
		}
		r.syncing[channel] = struct{}{}
		r.mu.Unlock()

		callCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		var err error
		if want {
			err = r.broker.Subscribe(callCtx, channel)
		} else {
			err = r.broker.Unsubscribe(callCtx, channel)
		}
		cancel()

		r.mu.Lock()
		delete(r.syncing, channel)
		if err == nil {
			if want {
				r.joined[channel] = struct{}{}
			} else {
				delete(r.joined, channel)
			}
		}
		r.mu.Unlock()

		if err != nil {
			op := "unsubscribe"
			if want {
				op = "subscribe"
			}
			slog.Warn("Broker "+op+" failed, retrying in background", "channel", channel, "error", err)
			metrics.RelayBrokerErrors.WithLabelValues(op).Inc()
			return
		}
		if want {
			metrics.RelaySubscriptions.Inc()
			slog.Debug("Relay subscribed", "channel", channel)
		} else {
			metrics.RelaySubscriptions.Dec()
			slog.Debug("Relay unsubscribed", "channel", channel)
		}
	}
}

// outOfSync lists channels whose confirmed broker state differs from the
// wanted one and that have no call in flight.
func (r *Relay) outOfSync() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []string
	for channel := range r.channels {
		if _, ok := r.joined[channel]; !ok {
			stale = append(stale, channel)
		}
	}
	for channel := range r.joined {
		if _, ok := r.channels[channel]; !ok {
			stale = append(stale, channel)
		}
	}
	out := stale[:0]
	for _, channel := range stale {
		if _, busy := r.syncing[channel]; !busy {
			out = append(out, channel)
		}
	}
	return out
}

// Subscribed reports whether the relay holds a subscription for topic.
func (r *Relay) Subscribed(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.topics[topic]
	return ok
}

// Publish delivers frame to local subscribers of topic and publishes it to
// the broker for every other instance. Broker failures never fail the call:
// they are logged, counted and local delivery stands.
func (r *Relay) Publish(ctx context.Context, topic, msgType string, frame []byte) error {
	if r.closed.Load() {
		return domain.ErrRelayClosed
	}

	r.local.Deliver(topic, msgType, frame)

	if r.broker == nil {
		return nil
	}

	data, err := encodeEnvelope(envelope{
		Origin: r.instanceID,
		Seq:    r.seq.Add(1),
		Topic:  topic,
		Type:   msgType,
		Frame:  frame,
	})
	if err != nil {
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	_, err = r.breaker.Execute(func() (interface{}, error) {
		return nil, r.broker.Publish(pubCtx, domain.BroadcastChannel(topic), data)
	})
	switch {
	case err == nil:
		metrics.RelayPublishedTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.RelayPublishedTotal.WithLabelValues("skipped").Inc()
		slog.Debug("Broker publish skipped, breaker open", "topic", topic)
	default:
		metrics.RelayPublishedTotal.WithLabelValues("error").Inc()
		metrics.RelayBrokerErrors.WithLabelValues("publish").Inc()
		slog.Warn("Broker publish failed, delivered locally only", "topic", topic, "error", err)
	}
	return nil
}

func (r *Relay) startListener() {
	r.wg.Add(1)
	go r.listen()
}

func (r *Relay) listen() {
	defer r.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Relay listener panic recovered", "panic", rec)
		}
	}()

	lastRetry := r.clock.Now()
	for {
		if r.ctx.Err() != nil {
			return
		}

		msg, err := r.broker.Receive(r.ctx, r.pollTimeout)
		switch {
		case err == nil:
			if msg != nil {
				r.dispatch(msg)
			}
		case errors.Is(err, domain.ErrReceiveTimeout):
		case r.ctx.Err() != nil, errors.Is(err, domain.ErrBrokerClosed):
			return
		default:
			slog.Warn("Broker receive failed", "error", err)
			metrics.RelayBrokerErrors.WithLabelValues("receive").Inc()
			select {
			case <-r.clock.After(receiveErrorBackoff):
			case <-r.ctx.Done():
				return
			}
		}

		if r.clock.Since(lastRetry) >= resubscribeInterval {
			r.retryPending()
			lastRetry = r.clock.Now()
		}
	}
}

func (r *Relay) dispatch(msg *domain.BrokerMessage) {
	env, err := decodeEnvelope(msg.Payload)
	if err != nil || domain.BroadcastChannel(env.Topic) != msg.Channel {
		slog.Warn("Dropping invalid relay envelope", "channel", msg.Channel, "error", err)
		metrics.RelayReceivedTotal.WithLabelValues("invalid").Inc()
		return
	}

	// Local subscribers already got this frame from Publish.
	if env.Origin == r.instanceID {
		metrics.RelayReceivedTotal.WithLabelValues("self_echo").Inc()
		return
	}

	r.local.Deliver(env.Topic, env.Type, env.Frame)
	metrics.RelayReceivedTotal.WithLabelValues("delivered").Inc()
}

func (r *Relay) retryPending() {
	for _, channel := range r.outOfSync() {
		if r.ctx.Err() != nil {
			return
		}
		r.syncChannel(r.ctx, channel)
	}
}

// Close stops the listener. Further Subscribe and Publish calls fail with
// domain.ErrRelayClosed. The broker itself is owned by the caller.
func (r *Relay) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.cancel()
	r.wg.Wait()
}
