package shared

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestSweepLockerAcquireOncePerDay(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locker := NewSweepLocker(client, time.Hour)

	ctx := context.Background()
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	held, err := locker.Acquire(ctx, "recurring", day)
	require.NoError(t, err)
	require.True(t, held)

	held, err = locker.Acquire(ctx, "recurring", day)
	require.NoError(t, err)
	require.False(t, held)

	// A different sweep or a different day is an independent lock.
	held, err = locker.Acquire(ctx, "reminder", day)
	require.NoError(t, err)
	require.True(t, held)
	held, err = locker.Acquire(ctx, "recurring", day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.True(t, held)
}

func TestSweepLockerRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locker := NewSweepLocker(client, time.Hour)

	ctx := context.Background()
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	held, err := locker.Acquire(ctx, "latefee", day)
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, locker.Release(ctx, "latefee", day))

	held, err = locker.Acquire(ctx, "latefee", day)
	require.NoError(t, err)
	require.True(t, held)
}

func TestSweepLockerExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locker := NewSweepLocker(client, time.Minute)

	ctx := context.Background()
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	held, err := locker.Acquire(ctx, "overdue", day)
	require.NoError(t, err)
	require.True(t, held)

	mr.FastForward(2 * time.Minute)

	held, err = locker.Acquire(ctx, "overdue", day)
	require.NoError(t, err)
	require.True(t, held)
}

func TestNilSweepLockerAlwaysGrants(t *testing.T) {
	var locker *SweepLocker
	held, err := locker.Acquire(context.Background(), "recurring", time.Now())
	require.NoError(t, err)
	require.True(t, held)
	require.NoError(t, locker.Release(context.Background(), "recurring", time.Now()))
}
