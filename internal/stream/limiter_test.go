package stream

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestGlobalLimiter_AcquireRelease(t *testing.T) {
	limiter := NewGlobalLimiter(3)

	assert.True(t, limiter.Acquire())
	assert.True(t, limiter.Acquire())
	assert.True(t, limiter.Acquire())
	assert.Equal(t, int64(3), limiter.Current())

	assert.False(t, limiter.Acquire())

	limiter.Release()
	assert.True(t, limiter.Acquire())
	assert.Equal(t, int64(3), limiter.Current())
}

func TestGlobalLimiter_ZeroIsUnlimited(t *testing.T) {
	limiter := NewGlobalLimiter(0)
	for range 1000 {
		assert.True(t, limiter.Acquire())
	}
}

func TestGlobalLimiter_Concurrent(t *testing.T) {
	limiter := NewGlobalLimiter(100)
	var successCount, failCount atomic.Int64

	start := make(chan struct{})
	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if limiter.Acquire() {
				successCount.Add(1)
			} else {
				failCount.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(100), successCount.Load())
	assert.Equal(t, int64(100), failCount.Load())
	assert.Equal(t, int64(100), limiter.Current())
}

func TestIPLimiter_PerAddress(t *testing.T) {
	limiter := NewIPLimiter(2)

	assert.True(t, limiter.Acquire("10.0.0.1"))
	assert.True(t, limiter.Acquire("10.0.0.1"))
	assert.False(t, limiter.Acquire("10.0.0.1"))
	assert.True(t, limiter.Acquire("10.0.0.2"), "other addresses are independent")

	limiter.Release("10.0.0.1")
	assert.Equal(t, 1, limiter.Count("10.0.0.1"))
	limiter.Release("10.0.0.1")
	limiter.Release("10.0.0.1")
	assert.Equal(t, 0, limiter.Count("10.0.0.1"))
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewRateLimiter(1, 2, clock)

	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.False(t, limiter.Allow("10.0.0.1"))

	clock.Advance(time.Second)
	assert.True(t, limiter.Allow("10.0.0.1"))
}

func TestRateLimiter_SweepsIdleBuckets(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewRateLimiter(10, 10, clock)

	limiter.Allow("10.0.0.1")
	limiter.Allow("10.0.0.2")
	assert.Equal(t, 2, limiter.Tracked())

	clock.Advance(rateLimiterIdleTTL + time.Minute)
	limiter.Allow("10.0.0.3")
	assert.Equal(t, 1, limiter.Tracked())
}

func TestAdmission_RollsBackGlobalOnPerIPRefusal(t *testing.T) {
	a := NewAdmission(LimitsConfig{MaxConnections: 10, MaxConnectionsPerIP: 1}, clockwork.NewFakeClock())

	ok, _ := a.Acquire("10.0.0.1")
	assert.True(t, ok)

	ok, reason := a.Acquire("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, RejectPerIP, reason)
	assert.Equal(t, int64(1), a.Global().Current())

	a.Release("10.0.0.1")
	assert.Equal(t, int64(0), a.Global().Current())
	assert.Equal(t, 0, a.PerIP().Count("10.0.0.1"))
}

func TestAdmission_RateCheckedFirst(t *testing.T) {
	a := NewAdmission(LimitsConfig{MaxConnections: 1, ConnectionRate: 1, ConnectionBurst: 1}, clockwork.NewFakeClock())

	ok, _ := a.Acquire("10.0.0.1")
	assert.True(t, ok)

	ok, reason := a.Acquire("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, RejectRate, reason)
}
