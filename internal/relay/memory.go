package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/DeepStacker/option-chain-d-sub000/internal/domain"
)

const memoryInboxSize = 1024

// MemoryBus is an in-process broker shared by any number of MemoryBroker
// endpoints. It backs single-instance deployments (no REDIS_URL) and lets
// tests run several relays against one bus.
type MemoryBus struct {
	mu      sync.RWMutex
	brokers map[*MemoryBroker]struct{}
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{brokers: make(map[*MemoryBroker]struct{})}
}

// Broker attaches a new endpoint to the bus.
func (b *MemoryBus) Broker() *MemoryBroker {
	mb := &MemoryBroker{
		bus:      b,
		inbox:    make(chan domain.BrokerMessage, memoryInboxSize),
		channels: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	b.mu.Lock()
	b.brokers[mb] = struct{}{}
	b.mu.Unlock()
	return mb
}

func (b *MemoryBus) publish(channel string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for mb := range b.brokers {
		if !mb.subscribed(channel) {
			continue
		}
		msg := domain.BrokerMessage{Channel: channel, Payload: append([]byte(nil), payload...)}
		select {
		case mb.inbox <- msg:
		default:
			slog.Warn("Memory bus inbox full, message dropped", "channel", channel)
		}
	}
}

func (b *MemoryBus) detach(mb *MemoryBroker) {
	b.mu.Lock()
	delete(b.brokers, mb)
	b.mu.Unlock()
}

// MemoryBroker is one endpoint on a MemoryBus. It implements domain.Broker.
type MemoryBroker struct {
	bus   *MemoryBus
	inbox chan domain.BrokerMessage

	mu        sync.RWMutex
	channels  map[string]struct{}
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

var _ domain.Broker = (*MemoryBroker)(nil)

func (m *MemoryBroker) subscribed(channel string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.channels[channel]
	return ok
}

func (m *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	if m.isClosed() {
		return domain.ErrBrokerClosed
	}
	m.bus.publish(channel, payload)
	return nil
}

func (m *MemoryBroker) Subscribe(_ context.Context, channels ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.ErrBrokerClosed
	}
	for _, ch := range channels {
		m.channels[ch] = struct{}{}
	}
	return nil
}

func (m *MemoryBroker) Unsubscribe(_ context.Context, channels ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range channels {
		delete(m.channels, ch)
	}
	return nil
}

func (m *MemoryBroker) Receive(ctx context.Context, timeout time.Duration) (*domain.BrokerMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-m.inbox:
		return &msg, nil
	case <-timer.C:
		return nil, domain.ErrReceiveTimeout
	case <-m.done:
		return nil, domain.ErrBrokerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Channels returns the channels this endpoint is subscribed to, sorted.
func (m *MemoryBroker) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.channels))
	for ch := range m.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Ping satisfies readiness checks; the bus is always reachable until closed.
func (m *MemoryBroker) Ping(context.Context) error {
	if m.isClosed() {
		return domain.ErrBrokerClosed
	}
	return nil
}

func (m *MemoryBroker) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *MemoryBroker) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.done)
		m.bus.detach(m)
	})
	return nil
}
