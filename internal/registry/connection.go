package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DeepStacker/option-chain-d-sub000/internal/outbound"
)

// State is the lifecycle position of a connection.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateSubscribed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Transport is the wire handle of a connection.
type Transport interface {
	outbound.Sender
	Close() error
}

// Connection is one registered client. Its topic field is guarded by the
// owning Registry's mutex.
type Connection struct {
	id        string
	transport Transport
	queue     *outbound.Queue
	createdAt time.Time
	state     atomic.Int32

	topic string

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func (c *Connection) ID() string             { return c.id }
func (c *Connection) CreatedAt() time.Time   { return c.createdAt }
func (c *Connection) Queue() *outbound.Queue { return c.queue }
func (c *Connection) State() State           { return State(c.state.Load()) }
func (c *Connection) setState(s State)       { c.state.Store(int32(s)) }
func (c *Connection) Done() <-chan struct{}  { return c.done }

// shutdown cancels the drain loop and closes the transport. Safe to call
// more than once.
func (c *Connection) shutdown() {
	c.stopOnce.Do(func() {
		c.setState(StateDisconnected)
		if c.cancel != nil {
			c.cancel()
		}
		_ = c.transport.Close()
	})
}
