package admin

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aigateway/internal/db"
	"aigateway/internal/keystore"
	"aigateway/internal/quota"
	"aigateway/internal/usagelog"
)

type staticVerifier struct {
	user, pass string
	calls      int
}

func (v *staticVerifier) Verify(_ context.Context, u, p string) bool {
	v.calls++
	return u == v.user && p == v.pass
}

var (
	good = Credentials{Username: "root", Password: "s3cret"}
	bad  = Credentials{Username: "root", Password: "wrong"}
	now  = time.Date(2026, 9, 14, 15, 0, 0, 0, time.UTC)
)

type fixture struct {
	ctrl  *Controller
	keys  *keystore.MemoryStore
	usage *usagelog.MemoryLog
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clock := func() time.Time { return now }
	keys := keystore.NewMemoryStore(keystore.WithClock(clock))
	usage := usagelog.NewMemoryLog(0)
	ctrl := NewController(
		&staticVerifier{user: good.Username, pass: good.Password},
		keys, usage,
		quota.New(keys, quota.WithClock(clock)),
		WithClock(clock),
	)
	return fixture{ctrl: ctrl, keys: keys, usage: usage}
}

func (f fixture) issue(t *testing.T, credits int64) db.APIKey {
	t.Helper()
	rec, err := f.ctrl.IssueKey(context.Background(), good, IssueRequest{DailyLimit: 30, Credits: credits})
	require.NoError(t, err)
	return rec
}

func TestUnauthorizedTouchesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.issue(t, 10)

	_, err := f.ctrl.IssueKey(ctx, bad, IssueRequest{})
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.ctrl.ListKeys(ctx, bad)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.ctrl.AddCredits(ctx, bad, rec.Key, 100)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.ctrl.SetDailyLimit(ctx, bad, rec.Key, 1)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.ctrl.ResetQuota(ctx, bad, rec.Key)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.ctrl.SetActive(ctx, bad, rec.Key, false)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, _, err = f.ctrl.DeleteKey(ctx, bad, rec.Key)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.ctrl.Stats(ctx, bad)
	assert.ErrorIs(t, err, ErrUnauthorized)

	got, err := f.keys.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestIssueKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.ctrl.IssueKey(ctx, good, IssueRequest{DailyLimit: 5, Credits: 7})
	require.NoError(t, err)
	assert.Equal(t, DefaultKeyName, rec.Name)
	assert.Equal(t, int64(5), rec.DailyLimit)
	assert.Equal(t, int64(7), rec.Credits)
	assert.Equal(t, now.Add(DefaultKeyTTL), rec.ExpiresAt)

	_, err = f.ctrl.IssueKey(ctx, good, IssueRequest{Credits: -1})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestIssueKey_CustomTTL(t *testing.T) {
	keys := keystore.NewMemoryStore(keystore.WithClock(func() time.Time { return now }))
	ctrl := NewController(&staticVerifier{user: "a", pass: "b"}, keys, usagelog.NewMemoryLog(0),
		quota.New(keys), WithKeyTTL(48*time.Hour))

	rec, err := ctrl.IssueKey(context.Background(), Credentials{"a", "b"}, IssueRequest{Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, now.Add(48*time.Hour), rec.ExpiresAt)
}

func TestAddCredits_FloorsAtZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.issue(t, 10)

	adj, err := f.ctrl.AddCredits(ctx, good, rec.Key, 5)
	require.NoError(t, err)
	assert.Equal(t, CreditAdjustment{Previous: 10, Balance: 15, Applied: 5}, adj)
	assert.False(t, adj.Floored(5))

	adj, err = f.ctrl.AddCredits(ctx, good, rec.Key, -100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), adj.Balance)
	assert.Equal(t, int64(-15), adj.Applied)
	assert.True(t, adj.Floored(-100))

	_, err = f.ctrl.AddCredits(ctx, good, "api_missing", 1)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestAddCredits_RejectsOverflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.issue(t, 30)

	_, err := f.ctrl.AddCredits(ctx, good, rec.Key, math.MaxInt64)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	got, err := f.keys.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(30), got.Credits)

	adj, err := f.ctrl.AddCredits(ctx, good, rec.Key, math.MaxInt64-30)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), adj.Balance)

	adj, err = f.ctrl.AddCredits(ctx, good, rec.Key, math.MinInt64)
	require.NoError(t, err)
	assert.Equal(t, int64(0), adj.Balance)
}

func TestAddCredits_ConcurrentGrantsAreNotLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.issue(t, 0)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.keys.Update(ctx, rec.Key, func(r *db.APIKey) error {
				r.Credits += 2
				return nil
			})
		}()
	}
	wg.Wait()

	got, err := f.keys.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(80), got.Credits)
}

func TestSetDailyLimitAndActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.issue(t, 1)

	got, err := f.ctrl.SetDailyLimit(ctx, good, rec.Key, 99)
	require.NoError(t, err)
	assert.Equal(t, int64(99), got.DailyLimit)

	_, err = f.ctrl.SetDailyLimit(ctx, good, rec.Key, -3)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	got, err = f.ctrl.SetActive(ctx, good, rec.Key, false)
	require.NoError(t, err)
	assert.False(t, got.Active)

	_, err = f.ctrl.SetDailyLimit(ctx, good, "api_missing", 1)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestResetQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.issue(t, 1)

	_, err := f.keys.Update(ctx, rec.Key, func(r *db.APIKey) error {
		r.DailyRequests = 30
		return nil
	})
	require.NoError(t, err)

	at, err := f.ctrl.ResetQuota(ctx, good, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, now, at)

	got, err := f.keys.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.DailyRequests)

	_, err = f.ctrl.ResetQuota(ctx, good, "api_missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestDeleteKey_PurgesLogThenRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	keep := f.issue(t, 1)
	gone := f.issue(t, 1)

	for _, k := range []string{keep.Key, gone.Key, gone.Key} {
		require.NoError(t, f.usage.Append(ctx, db.UsageEntry{APIKey: k, CreatedAt: now}))
	}

	prior, purged, err := f.ctrl.DeleteKey(ctx, good, gone.Key)
	require.NoError(t, err)
	assert.Equal(t, gone.Key, prior.Key)
	assert.Equal(t, int64(2), purged)
	assert.Equal(t, 1, f.usage.Len())

	_, err = f.keys.Get(ctx, gone.Key)
	assert.ErrorIs(t, err, keystore.ErrNotFound)

	_, _, err = f.ctrl.DeleteKey(ctx, good, gone.Key)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestDeleteKey_TombstonesBeforePurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.issue(t, 1)

	var seen db.APIKey
	f.ctrl.usage = purgeHook{Log: f.usage, after: func() {
		seen, _ = f.keys.Get(ctx, rec.Key)
	}}

	prior, _, err := f.ctrl.DeleteKey(ctx, good, rec.Key)
	require.NoError(t, err)
	assert.True(t, seen.Deleting, "record is tombstoned while its entries are purged")
	assert.True(t, prior.Deleting)
}

type purgeHook struct {
	usagelog.Log
	after func()
}

func (h purgeHook) PurgeKey(ctx context.Context, token string) (int64, error) {
	n, err := h.Log.PurgeKey(ctx, token)
	h.after()
	return n, err
}

func TestListKeysAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.issue(t, 10)
	b := f.issue(t, 10)

	_, err := f.keys.Update(ctx, a.Key, func(r *db.APIKey) error {
		r.TotalRequests = 3
		r.DailyRequests = 3
		r.CreditsSpent = 7
		return nil
	})
	require.NoError(t, err)
	_, err = f.keys.Update(ctx, b.Key, func(r *db.APIKey) error {
		r.TotalRequests = 1
		r.Active = false
		return nil
	})
	require.NoError(t, err)

	yesterday := now.Add(-24 * time.Hour)
	require.NoError(t, f.usage.Append(ctx, db.UsageEntry{APIKey: b.Key, CreatedAt: yesterday}))
	require.NoError(t, f.usage.Append(ctx, db.UsageEntry{APIKey: b.Key, CreatedAt: now}))
	for i := 0; i < 3; i++ {
		require.NoError(t, f.usage.Append(ctx, db.UsageEntry{APIKey: a.Key, CreditsUsed: 2, CreatedAt: now}))
	}

	list, err := f.ctrl.ListKeys(ctx, good)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.Key, list[0].Record.Key)
	assert.Equal(t, int64(3), list[1].DailyUsed)
	assert.Equal(t, int64(7), list[1].CreditsUsed)
	assert.Equal(t, int64(6), list[1].LoggedCredits)

	s, err := f.ctrl.Stats(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.TotalKeys)
	assert.Equal(t, int64(1), s.ActiveKeys)
	assert.Equal(t, int64(4), s.TotalRequests)
	assert.Equal(t, int64(7), s.TotalCreditsUsed)
	assert.Equal(t, int64(4), s.RequestsToday)
	assert.Equal(t, []usagelog.KeyCount{
		{APIKey: a.Key, Requests: 3},
		{APIKey: b.Key, Requests: 1},
	}, s.TopUsersToday)
}
