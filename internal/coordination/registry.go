package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/DeepStacker/option-chain-d-sub000/internal/metrics"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

const (
	instancesKey = "ws:instances"
	leaderKey    = "ws:instances:leader"

	// ActiveWindow is how recent a heartbeat must be for an instance to count as active.
	ActiveWindow = 60 * time.Second
)

// LocalStats reports this instance's live counts for its heartbeat entry.
type LocalStats func() (connections, topics int)

// InstanceRegistry tracks live broadcast instances in Redis.
// Each instance sends periodic heartbeats to a shared hash.
type InstanceRegistry struct {
	redis      *goredis.Client
	instanceID string
	heartbeat  time.Duration
	version    string
	stats      LocalStats
	clock      clockwork.Clock

	// The leader prunes entries of instances that died without unregistering.
	// leading is only touched by the Start goroutine.
	leader  *LeaderElection
	leading bool
}

// InstanceInfo holds metadata about an instance.
type InstanceInfo struct {
	InstanceID  string `json:"instance_id"`
	Timestamp   int64  `json:"timestamp"`
	Version     string `json:"version"`
	Connections int    `json:"connections"`
	Topics      int    `json:"topics"`
}

// NewInstanceRegistry creates a new instance registry. stats may be nil.
func NewInstanceRegistry(redis *goredis.Client, instanceID string, heartbeat time.Duration, version string, stats LocalStats, clock clockwork.Clock) *InstanceRegistry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &InstanceRegistry{
		redis:      redis,
		instanceID: instanceID,
		heartbeat:  heartbeat,
		version:    version,
		stats:      stats,
		clock:      clock,
		leader:     NewLeaderElection(redis, instanceID, leaderKey, 3*heartbeat),
	}
}

// Start registers immediately, then refreshes the heartbeat on every tick.
// Blocks until ctx is cancelled, then unregisters and returns.
func (r *InstanceRegistry) Start(ctx context.Context) {
	r.beat(ctx)

	ticker := r.clock.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.beat(ctx)
		case <-ctx.Done():
			r.unregister()
			return
		}
	}
}

func (r *InstanceRegistry) beat(ctx context.Context) {
	if err := r.register(ctx); err != nil {
		slog.Warn("Instance heartbeat failed", "instance_id", r.instanceID, "error", err)
		return
	}
	if active, err := r.ActiveInstances(ctx); err == nil {
		metrics.InstanceRegistrySize.Set(float64(len(active)))
	}
	r.maintain(ctx)
}

// maintain keeps or acquires the cleanup lease and, while holding it, prunes
// stale entries.
func (r *InstanceRegistry) maintain(ctx context.Context) {
	if r.leading {
		if err := r.leader.RenewLease(ctx); err != nil {
			r.leading = false
			if !errors.Is(err, ErrNotLeader) {
				slog.Warn("Failed to renew cleanup lease", "instance_id", r.instanceID, "error", err)
			} else {
				slog.Info("Lost cleanup leadership", "instance_id", r.instanceID)
			}
			return
		}
	} else {
		ok, err := r.leader.TryBecomeLeader(ctx)
		if err != nil || !ok {
			return
		}
		r.leading = true
		slog.Info("Acquired cleanup leadership", "instance_id", r.instanceID)
	}

	removed, err := r.pruneStale(ctx)
	if err != nil {
		slog.Warn("Failed to prune stale instances", "error", err)
		return
	}
	if removed > 0 {
		metrics.InstancesPrunedTotal.Add(float64(removed))
		slog.Info("Pruned stale instances", "count", removed)
	}
}

// pruneStale deletes entries whose heartbeat is outside ActiveWindow or that
// cannot be parsed.
func (r *InstanceRegistry) pruneStale(ctx context.Context) (int, error) {
	entries, err := r.redis.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return 0, err
	}

	cutoff := r.clock.Now().Add(-ActiveWindow).Unix()
	var stale []string
	for id, data := range entries {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil || info.Timestamp <= cutoff {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	return len(stale), r.redis.HDel(ctx, instancesKey, stale...).Err()
}

func (r *InstanceRegistry) register(ctx context.Context) error {
	info := InstanceInfo{
		InstanceID: r.instanceID,
		Timestamp:  r.clock.Now().Unix(),
		Version:    r.version,
	}
	if r.stats != nil {
		info.Connections, info.Topics = r.stats()
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal instance info: %w", err)
	}
	return r.redis.HSet(ctx, instancesKey, r.instanceID, data).Err()
}

// unregister runs during shutdown, after the caller's context is gone.
func (r *InstanceRegistry) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.redis.HDel(ctx, instancesKey, r.instanceID).Err(); err != nil {
		slog.Warn("Failed to unregister instance", "instance_id", r.instanceID, "error", err)
	}
	if r.leading {
		if err := r.leader.ReleaseLease(ctx); err != nil {
			slog.Warn("Failed to release cleanup lease", "instance_id", r.instanceID, "error", err)
		}
		r.leading = false
	}
}

// ActiveInstances returns the sorted IDs of instances with a heartbeat inside ActiveWindow.
func (r *InstanceRegistry) ActiveInstances(ctx context.Context) ([]string, error) {
	infos, err := r.InstanceInfo(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, info.InstanceID)
	}
	return ids, nil
}

// InstanceInfo returns metadata about every active instance, ordered by ID.
// Stale and unparseable entries are skipped.
func (r *InstanceRegistry) InstanceInfo(ctx context.Context) ([]InstanceInfo, error) {
	entries, err := r.redis.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read instance registry: %w", err)
	}

	cutoff := r.clock.Now().Add(-ActiveWindow).Unix()
	infos := []InstanceInfo{}
	for _, data := range entries {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			continue
		}
		if info.Timestamp > cutoff {
			infos = append(infos, info)
		}
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].InstanceID < infos[j].InstanceID })
	return infos, nil
}
