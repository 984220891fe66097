package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SweepLockKey builds redis keys guarding a daily batch sweep run.
func SweepLockKey(sweep string, day time.Time) string {
	return fmt.Sprintf("billing:sweep:%s:%s:lock", sweep, day.Format("2006-01-02"))
}

// SweepLocker acquires short-lived locks so a sweep scheduled by both the
// cron scheduler and an ad-hoc trigger runs at most once per day.
type SweepLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSweepLocker constructs a SweepLocker.
func NewSweepLocker(client *redis.Client, ttl time.Duration) *SweepLocker {
	if ttl <= 0 {
		ttl = 20 * time.Hour
	}
	return &SweepLocker{client: client, ttl: ttl}
}

// Acquire returns true when the caller holds the lock for the given sweep
// and day. A nil locker always grants the lock.
func (l *SweepLocker) Acquire(ctx context.Context, sweep string, day time.Time) (bool, error) {
	if l == nil || l.client == nil {
		return true, nil
	}
	return l.client.SetNX(ctx, SweepLockKey(sweep, day), "1", l.ttl).Result()
}

// Release drops the lock early, typically after a failed run so a retry
// can proceed the same day.
func (l *SweepLocker) Release(ctx context.Context, sweep string, day time.Time) error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Del(ctx, SweepLockKey(sweep, day)).Err()
}
