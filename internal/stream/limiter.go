package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	rateLimiterIdleTTL   = 10 * time.Minute
	rateLimiterSweepEach = 5 * time.Minute
)

// GlobalLimiter caps concurrent streaming connections on this instance.
type GlobalLimiter struct {
	current atomic.Int64
	max     int64
}

func NewGlobalLimiter(max int64) *GlobalLimiter {
	return &GlobalLimiter{max: max}
}

// Acquire takes a slot, or reports false at capacity. A max of 0 means no limit.
func (l *GlobalLimiter) Acquire() bool {
	for {
		current := l.current.Load()
		if l.max > 0 && current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *GlobalLimiter) Release()       { l.current.Add(-1) }
func (l *GlobalLimiter) Current() int64 { return l.current.Load() }
func (l *GlobalLimiter) Max() int64     { return l.max }

// IPLimiter caps concurrent connections from one client address.
type IPLimiter struct {
	mu     sync.Mutex
	ips    map[string]int
	maxPer int
}

func NewIPLimiter(maxPer int) *IPLimiter {
	return &IPLimiter{ips: make(map[string]int), maxPer: maxPer}
}

func (l *IPLimiter) Acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxPer > 0 && l.ips[ip] >= l.maxPer {
		return false
	}
	l.ips[ip]++
	return true
}

func (l *IPLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count := l.ips[ip]; count > 1 {
		l.ips[ip] = count - 1
	} else {
		delete(l.ips, ip)
	}
}

func (l *IPLimiter) Count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ips[ip]
}

// RateLimiter throttles new connection attempts per client address with a
// token bucket per address. Idle buckets are swept periodically.
type RateLimiter struct {
	clock clockwork.Clock
	rate  rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
	sweepAt time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(perSecond float64, burst int, clock clockwork.Clock) *RateLimiter {
	return &RateLimiter{
		clock:   clock,
		rate:    rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*bucket),
		sweepAt: clock.Now().Add(rateLimiterSweepEach),
	}
}

func (l *RateLimiter) Allow(ip string) bool {
	if l.rate <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.sweepAt) {
		l.sweep(now)
		l.sweepAt = now.Add(rateLimiterSweepEach)
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// sweep must be called with mu held.
func (l *RateLimiter) sweep(now time.Time) {
	cutoff := now.Add(-rateLimiterIdleTTL)
	for ip, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, ip)
		}
	}
}

func (l *RateLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RejectReason says which admission check refused a connection. It doubles
// as the metrics label.
type RejectReason string

const (
	RejectGlobal RejectReason = "global_limit"
	RejectPerIP  RejectReason = "per_ip_limit"
	RejectRate   RejectReason = "rate_limit"
)

// LimitsConfig sizes admission control. Zero disables the corresponding check.
type LimitsConfig struct {
	MaxConnections      int
	MaxConnectionsPerIP int
	ConnectionRate      float64
	ConnectionBurst     int
}

// Admission combines the global, per-address and rate checks applied before
// a WebSocket upgrade.
type Admission struct {
	global *GlobalLimiter
	perIP  *IPLimiter
	rate   *RateLimiter
}

func NewAdmission(cfg LimitsConfig, clock clockwork.Clock) *Admission {
	return &Admission{
		global: NewGlobalLimiter(int64(cfg.MaxConnections)),
		perIP:  NewIPLimiter(cfg.MaxConnectionsPerIP),
		rate:   NewRateLimiter(cfg.ConnectionRate, cfg.ConnectionBurst, clock),
	}
}

// Acquire runs the rate check first, then takes a global and a per-address
// slot. On refusal nothing is held.
func (a *Admission) Acquire(ip string) (bool, RejectReason) {
	if !a.rate.Allow(ip) {
		return false, RejectRate
	}
	if !a.global.Acquire() {
		return false, RejectGlobal
	}
	if !a.perIP.Acquire(ip) {
		a.global.Release()
		return false, RejectPerIP
	}
	return true, ""
}

func (a *Admission) Release(ip string) {
	a.perIP.Release(ip)
	a.global.Release()
}

func (a *Admission) Global() *GlobalLimiter { return a.global }
func (a *Admission) PerIP() *IPLimiter      { return a.perIP }
func (a *Admission) Rate() *RateLimiter     { return a.rate }
