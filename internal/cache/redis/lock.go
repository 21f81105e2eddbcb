package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseLua deletes a lock hash only if its token field matches the
// caller's token: a value-matched conditional unlock over a hash instead of
// a bare key so heartbeat/status updates don't race a concurrent release.
const releaseLua = `
if redis.call('HGET', KEYS[1], 'token') == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// heartbeatLua extends the TTL and updates status fields only if the
// caller's token still matches the current holder.
const heartbeatLua = `
if redis.call('HGET', KEYS[1], 'token') == ARGV[1] then
    redis.call('HSET', KEYS[1], 'status', ARGV[2], 'status_message', ARGV[3], 'meta', ARGV[4], 'last_heartbeat_at', ARGV[5])
    redis.call('PEXPIRE', KEYS[1], ARGV[6])
    return 1
end
return 0
`

// LockManager implements domain.ExecutionLock using a Redis hash per lock
// key (task_name:instance_key) with Lua-gated heartbeat/release, carrying
// status, holder identity, and a cooperative stop flag alongside the TTL.
type LockManager struct {
	rdb        *redis.Client
	releaseSc  *redis.Script
	heartbeatSc *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:         c.Underlying(),
		releaseSc:   redis.NewScript(releaseLua),
		heartbeatSc: redis.NewScript(heartbeatLua),
	}
}

func lockKey(taskName, instanceKey string) string {
	return fmt.Sprintf("lock:%s:%s", taskName, instanceKey)
}

// Acquire implements domain.ExecutionLock.
func (lm *LockManager) Acquire(ctx context.Context, taskName, instanceKey, worker string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	key := lockKey(taskName, instanceKey)
	now := time.Now().UTC()

	ok, err := lm.rdb.HSetNX(ctx, key, "token", token).Result()
	if err != nil {
		return "", fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", domain.ErrLockHeld
	}

	lm.rdb.HSet(ctx, key, map[string]interface{}{
		"status":            string(domain.LockStatusRunning),
		"worker":            worker,
		"started_at":        now.Format(time.RFC3339Nano),
		"last_heartbeat_at": now.Format(time.RFC3339Nano),
		"stop_requested":    "0",
	})
	lm.rdb.Expire(ctx, key, ttl)

	return token, nil
}

// Heartbeat implements domain.ExecutionLock.
func (lm *LockManager) Heartbeat(ctx context.Context, taskName, instanceKey, token string, status domain.LockStatus, message string, meta map[string]any) error {
	key := lockKey(taskName, instanceKey)
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("redis: marshal heartbeat meta: %w", err)
	}

	res, err := lm.heartbeatSc.Run(ctx, lm.rdb, []string{key}, token, string(status), message, string(metaJSON), time.Now().UTC().Format(time.RFC3339Nano), int64(30*time.Second/time.Millisecond)).Int()
	if err != nil {
		return fmt.Errorf("redis: heartbeat %s: %w", key, err)
	}
	if res == 0 {
		return domain.ErrLockHeld
	}
	return nil
}

// RequestStop implements domain.ExecutionLock.
func (lm *LockManager) RequestStop(ctx context.Context, taskName, instanceKey string) error {
	key := lockKey(taskName, instanceKey)
	if err := lm.rdb.HSet(ctx, key, "stop_requested", "1").Err(); err != nil {
		return fmt.Errorf("redis: request stop %s: %w", key, err)
	}
	return nil
}

// Release implements domain.ExecutionLock.
func (lm *LockManager) Release(ctx context.Context, taskName, instanceKey, token string) error {
	key := lockKey(taskName, instanceKey)
	// Use a background context with its own deadline so release succeeds
	// even when the caller's context is already cancelled (shutdown path).
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lm.releaseSc.Run(releaseCtx, lm.rdb, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("redis: release %s: %w", key, err)
	}
	return nil
}

// GetInfo implements domain.ExecutionLock.
func (lm *LockManager) GetInfo(ctx context.Context, taskName, instanceKey string, staleAfter time.Duration) (*domain.LockInfo, bool, error) {
	key := lockKey(taskName, instanceKey)
	vals, err := lm.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis: get lock %s: %w", key, err)
	}
	if len(vals) == 0 {
		return nil, false, nil
	}

	started, _ := time.Parse(time.RFC3339Nano, vals["started_at"])
	lastHB, _ := time.Parse(time.RFC3339Nano, vals["last_heartbeat_at"])

	info := &domain.LockInfo{
		TaskName:        taskName,
		InstanceKey:     instanceKey,
		Token:           vals["token"],
		Status:          domain.LockStatus(vals["status"]),
		StatusMessage:   vals["status_message"],
		Worker:          vals["worker"],
		StartedAt:       started,
		LastHeartbeatAt: lastHB,
		IsStale:         time.Since(lastHB) > staleAfter,
	}
	if vals["stop_requested"] == "1" {
		info.Status = domain.LockStatusStopRequested
	}
	return info, true, nil
}

// Compile-time interface check.
var _ domain.ExecutionLock = (*LockManager)(nil)
