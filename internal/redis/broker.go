package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/DeepStacker/option-chain-d-sub000/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// Broker implements domain.Broker on Redis Pub/Sub. All channel subscriptions
// of an instance share one dedicated Pub/Sub connection, created on first use.
type Broker struct {
	rdb *goredis.Client

	mu     sync.Mutex
	ps     *goredis.PubSub
	closed bool
}

var _ domain.Broker = (*Broker)(nil)

// NewBroker creates a broker on top of client. Closing the broker does not
// close the client.
func NewBroker(client *Client) *Broker {
	return &Broker{rdb: client.rdb}
}

func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

func (b *Broker) pubsub(ctx context.Context) (*goredis.PubSub, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, domain.ErrBrokerClosed
	}
	if b.ps == nil {
		b.ps = b.rdb.Subscribe(ctx)
	}
	return b.ps, nil
}

func (b *Broker) Subscribe(ctx context.Context, channels ...string) error {
	ps, err := b.pubsub(ctx)
	if err != nil {
		return err
	}
	if err := ps.Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	return nil
}

func (b *Broker) Unsubscribe(ctx context.Context, channels ...string) error {
	b.mu.Lock()
	ps, closed := b.ps, b.closed
	b.mu.Unlock()
	if ps == nil || closed {
		return nil
	}
	if err := ps.Unsubscribe(ctx, channels...); err != nil {
		return fmt.Errorf("redis unsubscribe: %w", err)
	}
	return nil
}

// Receive waits up to timeout for the next message. Subscription
// confirmations and pongs yield (nil, nil).
func (b *Broker) Receive(ctx context.Context, timeout time.Duration) (*domain.BrokerMessage, error) {
	ps, err := b.pubsub(ctx)
	if err != nil {
		return nil, err
	}

	msg, err := ps.ReceiveTimeout(ctx, timeout)
	if err != nil {
		var netErr net.Error
		switch {
		case errors.As(err, &netErr) && netErr.Timeout():
			return nil, domain.ErrReceiveTimeout
		case errors.Is(err, goredis.ErrClosed):
			return nil, domain.ErrBrokerClosed
		}
		return nil, fmt.Errorf("redis receive: %w", err)
	}

	if m, ok := msg.(*goredis.Message); ok {
		return &domain.BrokerMessage{Channel: m.Channel, Payload: []byte(m.Payload)}, nil
	}
	return nil, nil
}

// Ping checks Redis reachability for readiness probes.
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.ps == nil {
		return nil
	}
	return b.ps.Close()
}
