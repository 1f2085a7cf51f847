package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestCheckAndRecord_ExactlyAtLimitAllows(t *testing.T) {
	l := New(NewMemoryStore())
	now := time.Now()
	for i := 0; i < 5; i++ {
		res, err := l.CheckAndRecord("k", time.Minute, 5, now.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d should be allowed", i)
	}
}

func TestCheckAndRecord_OverLimitDeniesWithRetryAfter(t *testing.T) {
	l := New(NewMemoryStore())
	now := time.Now()
	for i := 0; i < 5; i++ {
		_, err := l.CheckAndRecord("k", time.Minute, 5, now.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
	}
	res, err := l.CheckAndRecord("k", time.Minute, 5, now.Add(6*time.Millisecond))
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestCheckAndRecord_Unlimited(t *testing.T) {
	l := New(NewMemoryStore())
	now := time.Now()
	for i := 0; i < 1000; i++ {
		res, err := l.CheckAndRecord("k", time.Minute, Unlimited, now)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
}

func TestRollback_UndoesMostRecentRecord(t *testing.T) {
	l := New(NewMemoryStore())
	now := time.Now()
	for i := 0; i < 5; i++ {
		_, err := l.CheckAndRecord("k", time.Minute, 5, now.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
	}
	require.NoError(t, l.Rollback("k"))
	res, err := l.CheckAndRecord("k", time.Minute, 5, now.Add(6*time.Millisecond))
	require.NoError(t, err)
	require.True(t, res.Allowed, "rollback should have freed a slot")
}

func TestGateway_PlatformDenialRollsBackUserRecords(t *testing.T) {
	store := NewMemoryStore()
	l := New(store)
	gw := NewGateway(l)
	now := time.Now()

	userLimits := TierLimits{HourlyLimit: 10, DailyLimit: 100}
	platformLimits := PlatformLimits{HourlyLimit: 1, DailyLimit: 100}

	d1, err := gw.Check("u1", "linkedin", "free", userLimits, platformLimits, now)
	require.NoError(t, err)
	require.True(t, d1.Allowed)

	d2, err := gw.Check("u1", "linkedin", "free", userLimits, platformLimits, now.Add(time.Second))
	require.NoError(t, err)
	require.False(t, d2.Allowed, "platform hourly cap of 1 should deny the second request")

	count, err := store.Prune(UserKey("u1", windowHourly), now.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, count, "the second request's user-tier record must have been rolled back")
}

func TestGateway_EnterpriseShortCircuits(t *testing.T) {
	gw := NewGateway(New(NewMemoryStore()))
	d, err := gw.Check("u1", "linkedin", "enterprise", TierLimits{HourlyLimit: 0, DailyLimit: 0}, PlatformLimits{HourlyLimit: 0, DailyLimit: 0}, time.Now())
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestRedisStore_MatchesMemoryStoreSemantics(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := New(NewRedisStore(client))
	now := time.Now()

	for i := 0; i < 3; i++ {
		res, err := l.CheckAndRecord("k", time.Minute, 3, now.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := l.CheckAndRecord("k", time.Minute, 3, now.Add(4*time.Millisecond))
	require.NoError(t, err)
	require.False(t, res.Allowed)

	require.NoError(t, l.Rollback("k"))
	res, err = l.CheckAndRecord("k", time.Minute, 3, now.Add(5*time.Millisecond))
	require.NoError(t, err)
	require.True(t, res.Allowed)
}
