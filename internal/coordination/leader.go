package coordination

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ErrNotLeader is returned by RenewLease when another instance holds the lease.
var ErrNotLeader = errors.New("not leader")

var (
	renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)
)

// LeaderElection implements single-leader election using Redis SETNX.
// The leader holds a key with a TTL; if it stops renewing, the key expires
// and another instance can take over.
type LeaderElection struct {
	redis      *goredis.Client
	instanceID string
	key        string
	ttl        time.Duration
}

func NewLeaderElection(redis *goredis.Client, instanceID, key string, ttl time.Duration) *LeaderElection {
	return &LeaderElection{
		redis:      redis,
		instanceID: instanceID,
		key:        key,
		ttl:        ttl,
	}
}

// TryBecomeLeader attempts to acquire the lease.
func (l *LeaderElection) TryBecomeLeader(ctx context.Context) (bool, error) {
	return l.redis.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
}

// RenewLease extends the TTL if this instance still holds the lease.
func (l *LeaderElection) RenewLease(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.redis, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotLeader
	}
	return nil
}

// IsLeader reports whether this instance currently holds the lease.
func (l *LeaderElection) IsLeader(ctx context.Context) (bool, error) {
	current, err := l.redis.Get(ctx, l.key).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return current == l.instanceID, nil
}

// ReleaseLease gives up leadership if this instance holds it.
func (l *LeaderElection) ReleaseLease(ctx context.Context) error {
	return releaseScript.Run(ctx, l.redis, []string{l.key}, l.instanceID).Err()
}
