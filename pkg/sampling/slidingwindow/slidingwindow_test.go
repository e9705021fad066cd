package slidingwindow

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/getsentry/sentry-sub078/pkg/sampling/kv"
)

func testStore(t *testing.T) kv.Store {
	t.Helper()
	s, err := kv.NewBadgerStore(log.NewNopLogger(), kv.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func Test_WindowSize_IdempotentRecompute(t *testing.T) {
	var calls atomic.Int64
	c, err := New(DefaultConfig(), testStore(t), func(context.Context, Key) (time.Duration, error) {
		calls.Inc()
		return 12 * time.Hour, nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	k := Key{Org: 1}

	first, err := c.WindowSize(ctx, k)
	require.NoError(t, err)
	second, err := c.WindowSize(ctx, k)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 12*time.Hour, first)
	assert.Equal(t, int64(1), calls.Load(), "expensive computation must run at most once within the TTL")
}

func Test_WindowSize_SharedStoreShortCircuits(t *testing.T) {
	store := testStore(t)
	var calls atomic.Int64
	sizeFn := func(context.Context, Key) (time.Duration, error) {
		calls.Inc()
		return 6 * time.Hour, nil
	}

	ctx := context.Background()
	k := Key{Org: 7, Project: 9}

	a, err := New(DefaultConfig(), store, sizeFn)
	require.NoError(t, err)
	size, err := a.WindowSize(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour, size)

	// A second calculator sharing the store (another process in
	// practice) reads the cached value and never recomputes.
	b, err := New(DefaultConfig(), store, sizeFn)
	require.NoError(t, err)
	size, err = b.WindowSize(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour, size)
	assert.Equal(t, int64(1), calls.Load())
}

func Test_WindowSize_ExecutedMarkerBlocksSecondRun(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	k := Key{Org: 3}

	// Another run claimed the period but has not stored a value yet.
	claimed, err := store.SetIfAbsent(ctx, k.cacheKey(kv.KindExecuted+":"+kv.KindWindowSize), []byte("1"), 0)
	require.NoError(t, err)
	require.True(t, claimed)

	c, err := New(DefaultConfig(), store, nil)
	require.NoError(t, err)
	_, err = c.WindowSize(ctx, k)
	assert.ErrorIs(t, err, ErrAlreadyExecuted)
}

func Test_WindowSize_DefaultSizeFunc(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 48 * time.Hour
	c, err := New(cfg, testStore(t), nil)
	require.NoError(t, err)

	size, err := c.WindowSize(context.Background(), Key{Org: 1})
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, size)
}

func Test_WindowSize_InvalidComputedSize(t *testing.T) {
	c, err := New(DefaultConfig(), testStore(t), func(context.Context, Key) (time.Duration, error) {
		return 0, nil
	})
	require.NoError(t, err)

	_, err = c.WindowSize(context.Background(), Key{Org: 1})
	assert.ErrorIs(t, err, ErrCalculation)
}

func Test_ExtrapolateMonthlyVolume(t *testing.T) {
	c, err := New(DefaultConfig(), testStore(t), nil)
	require.NoError(t, err)

	// 1000 events over 24h extrapolate to 30 days.
	v, err := c.ExtrapolateMonthlyVolume(1000, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, uint64(30000), v)

	// A full month maps onto itself.
	v, err = c.ExtrapolateMonthlyVolume(500, MonthHours*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), v)

	_, err = c.ExtrapolateMonthlyVolume(1000, 0)
	assert.ErrorIs(t, err, ErrCalculation)

	_, err = c.ExtrapolateMonthlyVolume(1000, -time.Hour)
	assert.ErrorIs(t, err, ErrCalculation)
}

func Test_SampleRate_Cache(t *testing.T) {
	store := testStore(t)
	c, err := New(DefaultConfig(), store, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := c.CachedSampleRate(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.StoreSampleRate(ctx, 1, 0.25))
	rate, ok, err := c.CachedSampleRate(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0.25, rate)
}

func Test_SampleRate_CorruptCachedValue(t *testing.T) {
	store := testStore(t)
	c, err := New(DefaultConfig(), store, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, kv.OrgKey(kv.KindSampleRate, 1), []byte("garbage"), 0))
	_, _, err = c.CachedSampleRate(ctx, 1)
	assert.ErrorIs(t, err, ErrCalculation)

	require.NoError(t, store.Set(ctx, kv.OrgKey(kv.KindSampleRate, 1), []byte("42"), 0))
	_, _, err = c.CachedSampleRate(ctx, 1)
	assert.ErrorIs(t, err, ErrCalculation)
}
