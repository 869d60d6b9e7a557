package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aigateway/internal/keystore"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func setup(t *testing.T, limit int64, start time.Time) (*Tracker, keystore.Store, string, *clock) {
	t.Helper()
	c := &clock{t: start}
	store := keystore.NewMemoryStore(keystore.WithClock(c.Now))
	rec, err := store.Create(context.Background(), "q", limit, 0, 365*24*time.Hour)
	require.NoError(t, err)
	return New(store, WithClock(c.Now)), store, rec.Key, c
}

func TestTryConsume_LimitReached(t *testing.T) {
	tr, store, token, _ := setup(t, 1, time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	g, err := tr.TryConsume(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, int64(1), g.Used)

	_, err = tr.TryConsume(ctx, token)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	rec, err := store.Get(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.DailyRequests)

	_, err = tr.TryConsume(ctx, "api_nope")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestTryConsume_BurstAcrossMidnight(t *testing.T) {
	tr, store, token, c := setup(t, 3, time.Date(2026, 4, 2, 23, 59, 0, 0, time.UTC))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := tr.TryConsume(ctx, token)
		require.NoError(t, err)
	}
	_, err := tr.TryConsume(ctx, token)
	require.ErrorIs(t, err, ErrQuotaExceeded)

	c.Set(time.Date(2026, 4, 3, 0, 0, 1, 0, time.UTC))
	for i := 0; i < 3; i++ {
		g, err := tr.TryConsume(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), g.Used)
		assert.Equal(t, time.Date(2026, 4, 3, 0, 0, 0, 0, time.UTC), g.Day)
	}
	_, err = tr.TryConsume(ctx, token)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	rec, err := store.Get(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.DailyRequests)
}

func TestTryConsume_ResetHappensOncePerDay(t *testing.T) {
	tr, store, token, c := setup(t, 10, time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()

	_, err := tr.TryConsume(ctx, token)
	require.NoError(t, err)

	c.Set(time.Date(2026, 4, 3, 1, 0, 0, 0, time.UTC))
	_, err = tr.TryConsume(ctx, token)
	require.NoError(t, err)
	c.Set(time.Date(2026, 4, 3, 22, 0, 0, 0, time.UTC))
	_, err = tr.TryConsume(ctx, token)
	require.NoError(t, err)

	rec, err := store.Get(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.DailyRequests)
	assert.Equal(t, time.Date(2026, 4, 3, 1, 0, 0, 0, time.UTC), rec.LastReset)
}

func TestTryConsume_BackwardsClockDoesNotReset(t *testing.T) {
	tr, store, token, c := setup(t, 5, time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()

	c.Set(time.Date(2026, 4, 3, 8, 0, 0, 0, time.UTC))
	_, err := tr.TryConsume(ctx, token)
	require.NoError(t, err)

	c.Set(time.Date(2026, 4, 2, 23, 0, 0, 0, time.UTC))
	_, err = tr.TryConsume(ctx, token)
	require.NoError(t, err)

	rec, err := store.Get(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.DailyRequests)
	assert.Equal(t, time.Date(2026, 4, 3, 8, 0, 0, 0, time.UTC), rec.LastReset)
}

func TestRelease(t *testing.T) {
	tr, store, token, c := setup(t, 1, time.Date(2026, 4, 2, 23, 0, 0, 0, time.UTC))
	ctx := context.Background()

	g, err := tr.TryConsume(ctx, token)
	require.NoError(t, err)
	require.NoError(t, tr.Release(ctx, g))

	rec, err := store.Get(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.DailyRequests)

	g, err = tr.TryConsume(ctx, token)
	require.NoError(t, err)

	c.Set(time.Date(2026, 4, 3, 0, 30, 0, 0, time.UTC))
	_, err = tr.TryConsume(ctx, token)
	require.NoError(t, err)

	// The stale grant belongs to the previous day and must not free today's slot.
	require.NoError(t, tr.Release(ctx, g))
	rec, err = store.Get(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.DailyRequests)
}

func TestReset(t *testing.T) {
	tr, store, token, _ := setup(t, 1, time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	_, err := tr.TryConsume(ctx, token)
	require.NoError(t, err)
	_, err = tr.Reset(ctx, token)
	require.NoError(t, err)
	_, err = tr.TryConsume(ctx, token)
	require.NoError(t, err)

	_, err = tr.Reset(ctx, "api_nope")
	assert.ErrorIs(t, err, ErrInvalidKey)

	rec, err := store.Get(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.DailyRequests)
}

func TestUsedView(t *testing.T) {
	tr, store, token, _ := setup(t, 4, time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	_, err := tr.TryConsume(ctx, token)
	require.NoError(t, err)
	rec, err := store.Get(ctx, token)
	require.NoError(t, err)

	assert.Equal(t, int64(1), Used(&rec, time.Date(2026, 4, 2, 18, 0, 0, 0, time.UTC)))
	assert.Equal(t, int64(3), Remaining(&rec, time.Date(2026, 4, 2, 18, 0, 0, 0, time.UTC)))
	assert.Equal(t, int64(0), Used(&rec, time.Date(2026, 4, 3, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, int64(4), Remaining(&rec, time.Date(2026, 4, 3, 0, 0, 0, 0, time.UTC)))
}

func TestTryConsume_Concurrent(t *testing.T) {
	tr, _, token, _ := setup(t, 25, time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.TryConsume(ctx, token); err == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(25), granted.Load())
}
