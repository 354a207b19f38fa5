package domain

import (
	"context"
	"time"
)

// BrokerMessage is a payload received on a broker channel.
type BrokerMessage struct {
	Channel string
	Payload []byte
}

// Broker is the cross-instance publish/subscribe transport.
//
// Receive blocks for at most timeout and returns ErrReceiveTimeout when nothing
// arrived. A nil message with a nil error means a control reply (subscription
// confirmation, pong) was consumed and should be skipped.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	Receive(ctx context.Context, timeout time.Duration) (*BrokerMessage, error)
	Close() error
}

// TopicObserver is notified when a topic's local subscription group is
// created (first subscriber) or deleted (last subscriber gone).
type TopicObserver interface {
	TopicActivated(topic string)
	TopicDrained(topic string)
}
