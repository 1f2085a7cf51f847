package app

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ghosthands/core/internal/dispatch"
	"github.com/ghosthands/core/internal/platform/config"
	"github.com/ghosthands/core/internal/platform/logger"
	"github.com/ghosthands/core/internal/ratelimit"
)

func TestBuildGateway_FallsBackToMemoryStoreWithoutRedis(t *testing.T) {
	gw := buildGateway(nil)
	require.NotNil(t, gw)

	limits := ratelimit.TierLimits{HourlyLimit: 1, DailyLimit: 10}
	platformLimits := ratelimit.PlatformLimits{HourlyLimit: 100, DailyLimit: 1000}
	now := time.Now()

	d1, err := gw.Check("user-1", "default", "free", limits, platformLimits, now)
	require.NoError(t, err)
	require.True(t, d1.Allowed)

	d2, err := gw.Check("user-1", "default", "free", limits, platformLimits, now)
	require.NoError(t, err)
	require.False(t, d2.Allowed, "second call within the same hour should exceed an hourly limit of 1")
}

func TestBuildGateway_UsesRedisStoreWhenClientProvided(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	gw := buildGateway(client)
	require.NotNil(t, gw)

	limits := ratelimit.TierLimits{HourlyLimit: 1, DailyLimit: 10}
	platformLimits := ratelimit.PlatformLimits{HourlyLimit: 100, DailyLimit: 1000}
	now := time.Now()

	d1, err := gw.Check("user-2", "default", "free", limits, platformLimits, now)
	require.NoError(t, err)
	require.True(t, d1.Allowed)

	d2, err := gw.Check("user-2", "default", "free", limits, platformLimits, now)
	require.NoError(t, err)
	require.False(t, d2.Allowed)
}

func TestBuildDispatch_QueueModeRequiresRedis(t *testing.T) {
	a := &App{Cfg: config.Config{DispatchMode: "queue", WorkerID: "worker-1", MaxConcurrent: 1}}
	_, _, err := a.buildDispatch(nil, nil, nil, nil, logger.NewNop())
	require.Error(t, err)
}

func TestBuildDispatch_QueueModeReturnsQueueDispatcher(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	a := &App{Cfg: config.Config{DispatchMode: "queue", WorkerID: "worker-1", MaxConcurrent: 1}}
	d, announcer, err := a.buildDispatch(nil, client, nil, nil, logger.NewNop())
	require.NoError(t, err)
	require.IsType(t, &dispatch.QueueDispatcher{}, d)
	require.IsType(t, &dispatch.QueueAnnouncer{}, announcer)
}

func TestBuildDispatch_UnknownModeErrors(t *testing.T) {
	a := &App{Cfg: config.Config{DispatchMode: "bogus"}}
	_, _, err := a.buildDispatch(nil, nil, nil, nil, logger.NewNop())
	require.Error(t, err)
}

func TestApp_CloseIsNilSafe(t *testing.T) {
	var a *App
	a.Close()
}
