// Package quota enforces the per-key daily request ceiling. Counters reset
// lazily on the first access after UTC midnight.
package quota

import (
	"context"
	"errors"
	"time"

	"aigateway/internal/db"
	"aigateway/internal/keystore"
)

var (
	ErrQuotaExceeded = errors.New("quota: daily limit reached")
	ErrInvalidKey    = errors.New("quota: invalid api key")
)

// Grant is one consumed request slot.
type Grant struct {
	Token string
	Day   time.Time // UTC midnight of the day the slot was counted against
	Used  int64     // daily count including this request
	Limit int64
}

// Tracker consumes and resets daily slots through a keystore.Store.
type Tracker struct {
	store keystore.Store
	now   func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the time source used to decide the current UTC day.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(store keystore.Store, opts ...Option) *Tracker {
	t := &Tracker{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// dayStart truncates t to UTC midnight.
func dayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// needsReset reports whether now falls on a later UTC day than the last
// reset. A clock that moved backwards never triggers a reset.
func needsReset(rec *db.APIKey, now time.Time) bool {
	return dayStart(now).After(dayStart(rec.LastReset))
}

// Used is the request count for the UTC day containing now, as it would be
// seen after a lazy reset.
func Used(rec *db.APIKey, now time.Time) int64 {
	if needsReset(rec, now) {
		return 0
	}
	return rec.DailyRequests
}

// Remaining is how many requests rec may still make on the day of now.
func Remaining(rec *db.APIKey, now time.Time) int64 {
	return max(0, rec.DailyLimit-Used(rec, now))
}

// TryConsume resets the counter if a new UTC day has begun, then takes one
// slot if the limit allows it.
func (t *Tracker) TryConsume(ctx context.Context, token string) (Grant, error) {
	now := t.now()
	var g Grant
	_, err := t.store.Update(ctx, token, func(rec *db.APIKey) error {
		if needsReset(rec, now) {
			rec.DailyRequests = 0
			rec.LastReset = now
		}
		if rec.DailyRequests >= rec.DailyLimit {
			return ErrQuotaExceeded
		}
		rec.DailyRequests++
		g = Grant{
			Token: token,
			Day:   dayStart(rec.LastReset),
			Used:  rec.DailyRequests,
			Limit: rec.DailyLimit,
		}
		return nil
	})
	if err != nil {
		return Grant{}, mapStoreErr(err)
	}
	return g, nil
}

// Release gives back a slot that was consumed by a request denied further
// down the pipeline. It does nothing once the counter has been reset for a
// later day.
func (t *Tracker) Release(ctx context.Context, g Grant) error {
	_, err := t.store.Update(ctx, g.Token, func(rec *db.APIKey) error {
		if dayStart(rec.LastReset).Equal(g.Day) && rec.DailyRequests > 0 {
			rec.DailyRequests--
		}
		return nil
	})
	return mapStoreErr(err)
}

// Reset zeroes the daily counter regardless of elapsed time.
func (t *Tracker) Reset(ctx context.Context, token string) (time.Time, error) {
	now := t.now()
	_, err := t.store.Update(ctx, token, func(rec *db.APIKey) error {
		rec.DailyRequests = 0
		rec.LastReset = now
		return nil
	})
	if err != nil {
		return time.Time{}, mapStoreErr(err)
	}
	return now, nil
}

func mapStoreErr(err error) error {
	if errors.Is(err, keystore.ErrNotFound) {
		return ErrInvalidKey
	}
	return err
}
