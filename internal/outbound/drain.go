package outbound

import (
	"context"
	"fmt"
	"time"

	"github.com/DeepStacker/option-chain-d-sub000/internal/codec"
	"github.com/DeepStacker/option-chain-d-sub000/internal/metrics"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultDrainInterval = 50 * time.Millisecond
	DefaultBatchSize     = 100
)

// Sender writes one encoded frame to the wire.
type Sender interface {
	Send(frame []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(frame []byte) error

func (f SenderFunc) Send(frame []byte) error { return f(frame) }

// Drainer flushes a Queue to a Sender on a fixed interval.
type Drainer struct {
	queue     *Queue
	sender    Sender
	clock     clockwork.Clock
	interval  time.Duration
	batchSize int
}

// NewDrainer creates a drain loop. Non-positive interval or batchSize fall
// back to the defaults.
func NewDrainer(queue *Queue, sender Sender, clock clockwork.Clock, interval time.Duration, batchSize int) *Drainer {
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Drainer{
		queue:     queue,
		sender:    sender,
		clock:     clock,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run drains until ctx is cancelled (returns nil) or a write fails (returns
// the error). The caller owns connection teardown.
func (d *Drainer) Run(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := d.Flush(); err != nil {
				return err
			}
		}
	}
}

// Flush performs one drain cycle: a single message is written as-is, several
// are packed into one batch frame.
func (d *Drainer) Flush() error {
	if d.queue.IsUnderPressure() {
		metrics.QueuePressureTotal.Inc()
	}

	batch := d.queue.DequeueBatch(d.batchSize)
	if len(batch) == 0 {
		return nil
	}

	now := d.clock.Now()
	for _, m := range batch {
		metrics.MessageQueueLatency.Observe(now.Sub(m.EnqueuedAt).Seconds())
	}
	metrics.DrainBatchSize.Observe(float64(len(batch)))

	frame := batch[0].Payload
	if len(batch) > 1 {
		payloads := make([][]byte, len(batch))
		for i, m := range batch {
			payloads[i] = m.Payload
		}
		var err error
		frame, err = codec.EncodeBatch(payloads)
		if err != nil {
			return fmt.Errorf("pack batch of %d: %w", len(batch), err)
		}
	}

	start := d.clock.Now()
	if err := d.sender.Send(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	metrics.WriteDuration.Observe(d.clock.Since(start).Seconds())
	return nil
}
