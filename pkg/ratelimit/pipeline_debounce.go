package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// SyncDebouncer - duplicate sync suppression
// =============================================================================
//
// The scheduler may be poked for the same account from several directions
// (timer tick, retry queue, manual trigger). The debouncer collapses those
// into one sync per window. Redis backs the window when available so multiple
// pipeline processes agree; a local map covers single-process and test runs.

type SyncDebouncer struct {
	redis    *redis.Client
	duration time.Duration
	local    map[string]time.Time
	mu       sync.RWMutex
}

// NewSyncDebouncer creates a debouncer with the given suppression window.
func NewSyncDebouncer(redisClient *redis.Client, duration time.Duration) *SyncDebouncer {
	if duration <= 0 {
		duration = 30 * time.Second
	}
	return &SyncDebouncer{
		redis:    redisClient,
		duration: duration,
		local:    make(map[string]time.Time),
	}
}

func syncKey(accountID int64) string {
	return fmt.Sprintf("sync:debounce:%d", accountID)
}

// TryAcquire marks the account as syncing and returns true, or returns false
// when a sync for the account was started within the window.
func (d *SyncDebouncer) TryAcquire(ctx context.Context, accountID int64) bool {
	key := syncKey(accountID)

	if d.redis != nil {
		ok, err := d.redis.SetNX(ctx, key, "1", d.duration).Result()
		if err == nil {
			return ok
		}
		// Redis down: fall through to local map
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if last, exists := d.local[key]; exists && time.Since(last) < d.duration {
		return false
	}
	d.local[key] = time.Now()
	d.cleanupLocked()
	return true
}

// Release clears the suppression window early, after a sync finishes, so the
// next trigger is not held back for the remainder of the window.
func (d *SyncDebouncer) Release(ctx context.Context, accountID int64) {
	key := syncKey(accountID)

	if d.redis != nil {
		d.redis.Del(ctx, key)
	}

	d.mu.Lock()
	delete(d.local, key)
	d.mu.Unlock()
}

func (d *SyncDebouncer) cleanupLocked() {
	now := time.Now()
	for k, v := range d.local {
		if now.Sub(v) > d.duration*2 {
			delete(d.local, k)
		}
	}
}
