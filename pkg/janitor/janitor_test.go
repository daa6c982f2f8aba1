package janitor

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-authgate/internal/testutil"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/ratelimit"
)

func quietJanitor() *Janitor {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestJanitor_RunNowSweepsCacheAndLimiter(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	key := testutil.GenerateRSAKey(t)

	cache := auth.NewKeyCache(time.Hour, auth.WithKeyCacheClock(clock))
	cache.Put("k1", &key.PublicKey)
	cache.Put("k2", &key.PublicKey)

	cfg := ratelimit.DefaultConfig()
	cfg.Window = time.Minute
	sw, err := ratelimit.NewSlidingWindow(cfg, ratelimit.WithClock(clock))
	require.NoError(t, err)
	sw.Allow("10.0.0.1")
	sw.Allow("10.0.0.2")
	sw.Allow("10.0.0.3")

	j := quietJanitor()
	require.NoError(t, j.AddKeyCache(DefaultKeyCacheSchedule, cache))
	require.NoError(t, j.AddLimiter(DefaultLimiterSchedule, sw))

	assert.Zero(t, j.RunNow(), "nothing is stale yet")

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 3, j.RunNow(), "limiter windows are empty, keys still fresh")
	assert.Equal(t, 2, cache.Len())
	assert.Zero(t, sw.Len())

	clock.Advance(time.Hour)
	assert.Equal(t, 2, j.RunNow())
	assert.Zero(t, cache.Len())
}

func TestJanitor_Lifecycle(t *testing.T) {
	t.Parallel()
	j := quietJanitor()
	ctx := context.Background()
	assert.Equal(t, StateIdle, j.State())

	require.NoError(t, j.Stop(ctx), "stopping an idle janitor is a no-op")
	assert.Equal(t, StateIdle, j.State())

	require.NoError(t, j.Start(ctx))
	assert.Equal(t, StateRunning, j.State())
	testutil.AssertErrorCode(t, j.Start(ctx), sserr.CodeInternal)
	testutil.AssertErrorCode(t, j.Add("late", "@every 1m", func() int { return 0 }), sserr.CodeInternal)

	require.NoError(t, j.Stop(ctx))
	assert.Equal(t, StateStopped, j.State())
	require.NoError(t, j.Stop(ctx))
	testutil.AssertErrorCode(t, j.Start(ctx), sserr.CodeInternal)
}

func TestJanitor_InvalidSchedule(t *testing.T) {
	t.Parallel()
	j := quietJanitor()
	err := j.Add("bad", "every now and then", func() int { return 0 })
	testutil.RequireErrorCode(t, err, sserr.CodeInternalConfiguration)
	assert.Zero(t, j.RunNow())
}

func TestJanitor_RunsOnSchedule(t *testing.T) {
	t.Parallel()
	var runs atomic.Int64
	j := quietJanitor()
	require.NoError(t, j.Add("counter", "@every 1s", func() int {
		runs.Add(1)
		return 0
	}))

	ctx := context.Background()
	require.NoError(t, j.Start(ctx))
	t.Cleanup(func() { _ = j.Stop(ctx) })

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
}
