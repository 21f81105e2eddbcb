package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
	"github.com/redis/go-redis/v9"
)

// StatusCache caches the latest known Execution status and progress per
// execution ID, using a Redis hash per key. Nothing in the engine constructs
// one: the worker does not write to it and the HTTP status handler reads
// the ExecutionStore directly.
type StatusCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// ExecutionStatusSnapshot is the cached view of one execution's live state.
type ExecutionStatusSnapshot struct {
	Status   domain.ExecutionStatus
	Progress int
	UpdatedAt time.Time
}

// NewStatusCache creates a StatusCache backed by the given Client. ttl of
// zero disables expiry (the cache is then kept fresh purely by write-through).
func NewStatusCache(c *Client, ttl time.Duration) *StatusCache {
	return &StatusCache{rdb: c.Underlying(), ttl: ttl}
}

func statusKey(executionID string) string {
	return "execstatus:" + executionID
}

// Set writes the latest status/progress for an execution.
func (sc *StatusCache) Set(ctx context.Context, executionID string, status domain.ExecutionStatus, progress int) error {
	key := statusKey(executionID)
	fields := map[string]interface{}{
		"status":     string(status),
		"progress":   strconv.Itoa(progress),
		"updated_at": strconv.FormatInt(time.Now().UTC().UnixNano(), 10),
	}
	if err := sc.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("redis: set status %s: %w", executionID, err)
	}
	if sc.ttl > 0 {
		sc.rdb.Expire(ctx, key, sc.ttl)
	}
	return nil
}

// Get returns the cached snapshot for an execution, or ok=false on a miss.
func (sc *StatusCache) Get(ctx context.Context, executionID string) (snap ExecutionStatusSnapshot, ok bool, err error) {
	vals, err := sc.rdb.HGetAll(ctx, statusKey(executionID)).Result()
	if err != nil {
		return snap, false, fmt.Errorf("redis: get status %s: %w", executionID, err)
	}
	if len(vals) == 0 {
		return snap, false, nil
	}

	progress, _ := strconv.Atoi(vals["progress"])
	updatedNano, _ := strconv.ParseInt(vals["updated_at"], 10, 64)

	snap = ExecutionStatusSnapshot{
		Status:    domain.ExecutionStatus(vals["status"]),
		Progress:  progress,
		UpdatedAt: time.Unix(0, updatedNano),
	}
	return snap, true, nil
}
