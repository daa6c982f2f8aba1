package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-authgate/internal/testutil"
	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

func newTestWindow(t *testing.T, limit int, window time.Duration) (*SlidingWindow, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	cfg.Limit = limit
	cfg.Window = window
	sw, err := NewSlidingWindow(cfg, WithClock(clock))
	require.NoError(t, err)
	return sw, clock
}

func TestSlidingWindow_ExactlyNThenReject(t *testing.T) {
	t.Parallel()
	sw, _ := newTestWindow(t, 5, time.Minute)

	for i := 0; i < 5; i++ {
		assert.True(t, sw.Allow("10.0.0.1"), "request %d should be allowed", i+1)
	}
	assert.False(t, sw.Allow("10.0.0.1"), "request 6 should be rejected")
	assert.False(t, sw.Allow("10.0.0.1"), "rejections must not be recorded or reset anything")
}

func TestSlidingWindow_SlidesPastOldest(t *testing.T) {
	t.Parallel()
	sw, clock := newTestWindow(t, 3, time.Minute)

	require.True(t, sw.Allow("k")) // t=0
	clock.Advance(20 * time.Second)
	require.True(t, sw.Allow("k")) // t=20
	require.True(t, sw.Allow("k")) // t=20
	clock.Advance(30 * time.Second)

	d := sw.Check("k") // t=50
	require.False(t, d.Allowed)
	assert.Equal(t, 10*time.Second, d.RetryAfter)

	clock.Advance(10 * time.Second) // t=60, the t=0 hit leaves the window
	assert.True(t, sw.Allow("k"))
	assert.False(t, sw.Allow("k"))

	clock.Advance(20 * time.Second) // t=80, both t=20 hits leave
	assert.Equal(t, 2, sw.Remaining("k"))
}

func TestSlidingWindow_KeysAreIndependent(t *testing.T) {
	t.Parallel()
	sw, _ := newTestWindow(t, 1, time.Minute)

	assert.True(t, sw.Allow("a"))
	assert.False(t, sw.Allow("a"))
	assert.True(t, sw.Allow("b"))
}

func TestSlidingWindow_CheckReportsRemaining(t *testing.T) {
	t.Parallel()
	sw, _ := newTestWindow(t, 3, time.Minute)

	assert.Equal(t, 3, sw.Remaining("k"))
	d := sw.Check("k")
	assert.Equal(t, Decision{Allowed: true, Limit: 3, Remaining: 2}, d)
	assert.Equal(t, 2, sw.Remaining("k"), "Remaining must not record a request")

	d, err := sw.Take(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Remaining)
}

func TestSlidingWindow_Sweep(t *testing.T) {
	t.Parallel()
	sw, clock := newTestWindow(t, 5, time.Minute)

	for i := 0; i < 10; i++ {
		sw.Allow(fmt.Sprintf("one-off-%d", i))
	}
	clock.Advance(45 * time.Second)
	sw.Allow("regular")
	clock.Advance(30 * time.Second)

	assert.Equal(t, 11, sw.Len())
	assert.Equal(t, 10, sw.Sweep())
	assert.Equal(t, 1, sw.Len())
	assert.Equal(t, 4, sw.Remaining("regular"))
}

func TestSlidingWindow_MaxKeysEvictsLeastRecent(t *testing.T) {
	t.Parallel()
	cfg := Config{Limit: 1, Window: time.Minute, Shards: 1, MaxKeysPerShard: 2}
	sw, err := NewSlidingWindow(cfg, WithClock(clockwork.NewFakeClock()))
	require.NoError(t, err)

	sw.Allow("a")
	sw.Allow("b")
	sw.Allow("c")

	assert.Equal(t, 2, sw.Len())
	assert.True(t, sw.Allow("a"), "evicted key starts over")
}

func TestSlidingWindow_ConcurrentSameKeyNoLostUpdates(t *testing.T) {
	t.Parallel()
	sw, _ := newTestWindow(t, 100, time.Minute)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if sw.Allow("shared") {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(100), allowed.Load())
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero limit", func(c *Config) { c.Limit = 0 }},
		{"zero window", func(c *Config) { c.Window = 0 }},
		{"zero shards", func(c *Config) { c.Shards = 0 }},
		{"zero keys", func(c *Config) { c.MaxKeysPerShard = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := NewSlidingWindow(cfg)
			testutil.RequireErrorCode(t, err, sserr.CodeInternalConfiguration)
		})
	}
}
