package outbound

import (
	"log/slog"
	"sync"
	"time"

	"github.com/DeepStacker/option-chain-d-sub000/internal/metrics"
	"github.com/jonboulle/clockwork"
)

// Capacities holds the bounded size of every tier, indexed by Priority.
type Capacities [numPriorities]int

// DefaultCapacities returns 100/500/1000/200/50 for CRITICAL..BULK.
func DefaultCapacities() Capacities {
	return Capacities{100, 500, 1000, 200, 50}
}

// Config controls queue sizing.
type Config struct {
	Capacities    Capacities
	PressureRatio float64
}

// DefaultConfig returns the default capacities with a 0.8 pressure ratio.
func DefaultConfig() Config {
	return Config{Capacities: DefaultCapacities(), PressureRatio: 0.8}
}

// Message is one buffered outbound frame.
type Message struct {
	Priority   Priority
	Type       string
	Payload    []byte
	EnqueuedAt time.Time
}

type ring struct {
	buf  []Message
	head int
	size int
}

func newRing(capacity int) ring {
	return ring{buf: make([]Message, capacity)}
}

func (r *ring) push(m Message) bool {
	if r.size == len(r.buf) {
		return false
	}
	r.buf[(r.head+r.size)%len(r.buf)] = m
	r.size++
	return true
}

func (r *ring) pop() Message {
	m := r.buf[r.head]
	r.buf[r.head] = Message{}
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return m
}

// Stats is a point-in-time view of a queue.
type Stats struct {
	Buffered [numPriorities]int
	Dropped  [numPriorities]uint64
	Enqueued uint64
}

// Queue is a bounded multi-tier queue. Enqueue is safe for concurrent
// producers; DequeueBatch is meant for the single drain loop.
type Queue struct {
	owner         string
	clock         clockwork.Clock
	pressureRatio float64

	mu       sync.Mutex
	rings    [numPriorities]ring
	dropped  [numPriorities]uint64
	enqueued uint64
}

// NewQueue creates a queue for the connection identified by owner.
func NewQueue(owner string, cfg Config, clock clockwork.Clock) *Queue {
	q := &Queue{
		owner:         owner,
		clock:         clock,
		pressureRatio: cfg.PressureRatio,
	}
	for i, c := range cfg.Capacities {
		if c < 1 {
			c = 1
		}
		q.rings[i] = newRing(c)
	}
	return q
}

// Enqueue appends payload to the tail of its tier. It never blocks; when the
// tier is full the message is dropped and false is returned.
func (q *Queue) Enqueue(p Priority, msgType string, payload []byte) bool {
	if !p.valid() {
		p = Normal
	}

	q.mu.Lock()
	ok := q.rings[p].push(Message{Priority: p, Type: msgType, Payload: payload, EnqueuedAt: q.clock.Now()})
	if ok {
		q.enqueued++
	} else {
		q.dropped[p]++
	}
	dropped := q.dropped[p]
	q.mu.Unlock()

	if !ok {
		metrics.QueueDropsTotal.WithLabelValues(p.String()).Inc()
		if p <= High {
			slog.Warn("Outbound queue full, dropping message",
				"connection_id", q.owner,
				"priority", p.String(),
				"type", msgType,
				"dropped_total", dropped,
			)
		}
	}
	return ok
}

// DequeueBatch removes up to maxCount messages, draining every CRITICAL
// message before any HIGH message and so on. Order within a tier is FIFO.
func (q *Queue) DequeueBatch(maxCount int) []Message {
	if maxCount <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Message
	for p := range q.rings {
		r := &q.rings[p]
		for r.size > 0 && len(out) < maxCount {
			out = append(out, r.pop())
		}
		if len(out) == maxCount {
			break
		}
	}
	return out
}

// Len returns the total number of buffered messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for i := range q.rings {
		n += q.rings[i].size
	}
	return n
}

// Dropped returns the drop counter for one tier.
func (q *Queue) Dropped(p Priority) uint64 {
	if !p.valid() {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped[p]
}

// IsUnderPressure reports whether any tier is filled above the pressure ratio.
func (q *Queue) IsUnderPressure() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.rings {
		r := &q.rings[i]
		if float64(r.size) > q.pressureRatio*float64(len(r.buf)) {
			return true
		}
	}
	return false
}

// Stats returns buffered and dropped counts per tier.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{Dropped: q.dropped, Enqueued: q.enqueued}
	for i := range q.rings {
		s.Buffered[i] = q.rings[i].size
	}
	return s
}
