package keystore

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aigateway/internal/db"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, "api_"))
	assert.Len(t, a, 4+32)
	assert.NotEqual(t, a, b)
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s := NewMemoryStore(WithClock(fixedClock(now)))
	ctx := context.Background()

	rec, err := s.Create(ctx, "mobile", 30, 50, 365*24*time.Hour)
	require.NoError(t, err)
	assert.True(t, rec.Active)
	assert.Equal(t, int64(50), rec.Credits)
	assert.Equal(t, int64(30), rec.DailyLimit)
	assert.Equal(t, now, rec.CreatedAt)
	assert.Equal(t, now.AddDate(0, 0, 365), rec.ExpiresAt)
	assert.Nil(t, rec.LastUsedAt)

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = s.Get(ctx, "api_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_CollisionIsRetried(t *testing.T) {
	tokens := []string{"api_same", "api_same", "api_other"}
	var i int
	gen := func() (string, error) {
		tok := tokens[i]
		i++
		return tok, nil
	}
	s := NewMemoryStore(WithTokenGenerator(gen))
	ctx := context.Background()

	first, err := s.Create(ctx, "a", 1, 1, time.Hour)
	require.NoError(t, err)
	second, err := s.Create(ctx, "b", 1, 1, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, "api_same", first.Key)
	assert.Equal(t, "api_other", second.Key)
}

func TestMemoryStore_CollisionExhausted(t *testing.T) {
	s := NewMemoryStore(WithTokenGenerator(func() (string, error) { return "api_fixed", nil }))
	ctx := context.Background()

	_, err := s.Create(ctx, "a", 1, 1, time.Hour)
	require.NoError(t, err)
	_, err = s.Create(ctx, "b", 1, 1, time.Hour)
	assert.ErrorIs(t, err, ErrCollision)
}

func TestMemoryStore_UpdateErrorLeavesRecordUntouched(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec, err := s.Create(ctx, "a", 10, 5, time.Hour)
	require.NoError(t, err)

	_, err = s.Update(ctx, rec.Key, func(r *db.APIKey) error {
		r.Credits = 999
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Credits)
}

func TestMemoryStore_UpdateCannotChangeIdentity(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec, err := s.Create(ctx, "a", 10, 5, time.Hour)
	require.NoError(t, err)

	got, err := s.Update(ctx, rec.Key, func(r *db.APIKey) error {
		r.Key = "api_hijack"
		r.ID = 42
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, rec.Key, got.Key)
	assert.Equal(t, rec.ID, got.ID)
}

func TestMemoryStore_MutateCredits(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec, err := s.Create(ctx, "a", 10, 5, time.Hour)
	require.NoError(t, err)

	bal, err := s.MutateCredits(ctx, rec.Key, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(15), bal)

	bal, err = s.MutateCredits(ctx, rec.Key, -15)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)

	_, err = s.MutateCredits(ctx, rec.Key, -1)
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	_, err = s.MutateCredits(ctx, "api_missing", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_MutateCreditsOverflow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec, err := s.Create(ctx, "a", 10, 30, time.Hour)
	require.NoError(t, err)

	_, err = s.MutateCredits(ctx, rec.Key, math.MaxInt64)
	assert.ErrorIs(t, err, ErrOverflow)
	assert.NotErrorIs(t, err, ErrInsufficientCredits)

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(30), got.Credits)
}

func TestCheckedAdd(t *testing.T) {
	tests := []struct {
		a, b int64
		want int64
		ok   bool
	}{
		{a: 1, b: 2, want: 3, ok: true},
		{a: math.MaxInt64 - 1, b: 1, want: math.MaxInt64, ok: true},
		{a: math.MaxInt64, b: 1, ok: false},
		{a: 30, b: math.MaxInt64, ok: false},
		{a: 0, b: math.MinInt64, want: math.MinInt64, ok: true},
		{a: -1, b: math.MinInt64, ok: false},
		{a: math.MaxInt64, b: math.MinInt64, want: -1, ok: true},
	}
	for _, tt := range tests {
		got, ok := CheckedAdd(tt.a, tt.b)
		assert.Equal(t, tt.ok, ok, "%d + %d", tt.a, tt.b)
		if tt.ok {
			assert.Equal(t, tt.want, got, "%d + %d", tt.a, tt.b)
		}
	}
}

func TestMemoryStore_MutateField(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec, err := s.Create(ctx, "a", 10, 5, time.Hour)
	require.NoError(t, err)

	got, err := s.MutateField(ctx, rec.Key, FieldDailyLimit, int64(50))
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.DailyLimit)

	got, err = s.MutateField(ctx, rec.Key, FieldActive, false)
	require.NoError(t, err)
	assert.False(t, got.Active)

	got, err = s.MutateField(ctx, rec.Key, FieldName, "renamed")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	_, err = s.MutateField(ctx, rec.Key, FieldDailyLimit, "fifty")
	assert.ErrorIs(t, err, ErrInvalidField)
	_, err = s.MutateField(ctx, rec.Key, FieldDailyLimit, -1)
	assert.ErrorIs(t, err, ErrInvalidField)
	_, err = s.MutateField(ctx, rec.Key, Field("credits"), 100)
	assert.ErrorIs(t, err, ErrInvalidField)
}

func TestMemoryStore_DeleteAndList(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	now := base
	s := NewMemoryStore(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	var keys []string
	for i := 0; i < 3; i++ {
		now = base.Add(time.Duration(i) * time.Minute)
		rec, err := s.Create(ctx, "k", 1, 1, time.Hour)
		require.NoError(t, err)
		keys = append(keys, rec.Key)
	}

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, keys[2], list[0].Key, "newest first")
	assert.Equal(t, keys[0], list[2].Key)

	prior, err := s.Delete(ctx, keys[1])
	require.NoError(t, err)
	assert.Equal(t, keys[1], prior.Key)

	_, err = s.Delete(ctx, keys[1])
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Update(ctx, keys[1], func(*db.APIKey) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)

	list, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestMemoryStore_ConcurrentMutationsAreNotLost(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec, err := s.Create(ctx, "a", 10, 0, time.Hour)
	require.NoError(t, err)

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = s.MutateCredits(ctx, rec.Key, 3)
		}()
		go func() {
			defer wg.Done()
			_, _ = s.Update(ctx, rec.Key, func(r *db.APIKey) error {
				r.TotalRequests++
				return nil
			})
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(3*workers), got.Credits)
	assert.Equal(t, int64(workers), got.TotalRequests)
}

func TestMemoryStore_DistinctKeysDoNotBlock(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a, err := s.Create(ctx, "a", 1, 1, time.Hour)
	require.NoError(t, err)
	b, err := s.Create(ctx, "b", 1, 1, time.Hour)
	require.NoError(t, err)

	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = s.Update(ctx, a.Key, func(*db.APIKey) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	done := make(chan error, 1)
	go func() {
		_, err := s.MutateCredits(ctx, b.Key, 1)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("update on another key blocked behind a held record")
	}
	close(release)
}
