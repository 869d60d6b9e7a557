// Package admin implements the privileged operations on keys: issuing,
// listing, adjusting balances and limits, deleting, and reporting.
// Every operation checks the caller's credentials before anything else.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aigateway/internal/db"
	"aigateway/internal/keystore"
	"aigateway/internal/quota"
	"aigateway/internal/usagelog"
)

var (
	ErrUnauthorized    = errors.New("admin: invalid admin credentials")
	ErrKeyNotFound     = errors.New("admin: api key not found")
	ErrInvalidArgument = errors.New("admin: invalid argument")
)

// Defaults applied when issuing a key without explicit values.
const (
	DefaultKeyName    = "User Key"
	DefaultDailyLimit = 30
	DefaultCredits    = 30
	DefaultKeyTTL     = 365 * 24 * time.Hour

	topUsersLimit = 5
)

// Credentials identify the admin making a call.
type Credentials struct {
	Username string
	Password string
}

// IssueRequest describes a key to create.
type IssueRequest struct {
	Name       string
	DailyLimit int64
	Credits    int64
}

// KeySummary is a key record joined with its usage aggregates.
type KeySummary struct {
	Record db.APIKey

	DailyUsed int64
	// CreditsUsed is the lifetime committed spend kept on the record.
	CreditsUsed int64
	// LoggedCredits is the spend visible in the usage log window.
	LoggedCredits int64
}

// Stats is the global report.
type Stats struct {
	TotalKeys        int64
	ActiveKeys       int64
	TotalRequests    int64
	TotalCreditsUsed int64
	RequestsToday    int64
	TopUsersToday    []usagelog.KeyCount
}

// Controller performs admin operations. Mutations go through the same
// keystore.Store as the request path, so they serialize with spends.
type Controller struct {
	verifier Verifier
	keys     keystore.Store
	usage    usagelog.Log
	quota    *quota.Tracker
	keyTTL   time.Duration
	now      func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithKeyTTL sets the lifetime of newly issued keys.
func WithKeyTTL(ttl time.Duration) Option {
	return func(c *Controller) {
		if ttl > 0 {
			c.keyTTL = ttl
		}
	}
}

// WithClock sets the time source used for "today" boundaries.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func NewController(v Verifier, keys keystore.Store, usage usagelog.Log, q *quota.Tracker, opts ...Option) *Controller {
	c := &Controller{
		verifier: v,
		keys:     keys,
		usage:    usage,
		quota:    q,
		keyTTL:   DefaultKeyTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authorize checks credentials without performing any operation.
func (c *Controller) Authorize(ctx context.Context, cred Credentials) error {
	if !c.verifier.Verify(ctx, cred.Username, cred.Password) {
		return ErrUnauthorized
	}
	return nil
}

func (c *Controller) IssueKey(ctx context.Context, cred Credentials, req IssueRequest) (db.APIKey, error) {
	if err := c.Authorize(ctx, cred); err != nil {
		return db.APIKey{}, err
	}
	if req.DailyLimit < 0 || req.Credits < 0 {
		return db.APIKey{}, fmt.Errorf("%w: daily limit and credits must not be negative", ErrInvalidArgument)
	}
	if req.Name == "" {
		req.Name = DefaultKeyName
	}
	return c.keys.Create(ctx, req.Name, req.DailyLimit, req.Credits, c.keyTTL)
}

func (c *Controller) ListKeys(ctx context.Context, cred Credentials) ([]KeySummary, error) {
	if err := c.Authorize(ctx, cred); err != nil {
		return nil, err
	}

	recs, err := c.keys.List(ctx)
	if err != nil {
		return nil, err
	}

	now := c.now()
	out := make([]KeySummary, 0, len(recs))
	for _, rec := range recs {
		logged, err := c.usage.SumCreditsUsed(ctx, rec.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, KeySummary{
			Record:        rec,
			DailyUsed:     quota.Used(&rec, now),
			CreditsUsed:   rec.CreditsSpent,
			LoggedCredits: logged,
		})
	}
	return out, nil
}

func (c *Controller) SetDailyLimit(ctx context.Context, cred Credentials, token string, limit int64) (db.APIKey, error) {
	if err := c.Authorize(ctx, cred); err != nil {
		return db.APIKey{}, err
	}
	if limit < 0 {
		return db.APIKey{}, fmt.Errorf("%w: daily limit must not be negative", ErrInvalidArgument)
	}
	rec, err := c.keys.MutateField(ctx, token, keystore.FieldDailyLimit, limit)
	return rec, mapErr(err)
}

// CreditAdjustment is the outcome of AddCredits. Applied differs from the
// requested delta when a subtraction was stopped at zero.
type CreditAdjustment struct {
	Previous int64
	Balance  int64
	Applied  int64
}

// Floored reports whether the balance was clamped at zero.
func (a CreditAdjustment) Floored(delta int64) bool {
	return a.Applied != delta
}

// AddCredits adjusts the balance by delta. A negative delta subtracts, and
// the balance stops at zero rather than failing. A grant that would not fit
// in the balance is rejected.
func (c *Controller) AddCredits(ctx context.Context, cred Credentials, token string, delta int64) (CreditAdjustment, error) {
	if err := c.Authorize(ctx, cred); err != nil {
		return CreditAdjustment{}, err
	}
	var prev int64
	rec, err := c.keys.Update(ctx, token, func(rec *db.APIKey) error {
		next, ok := keystore.CheckedAdd(rec.Credits, delta)
		if !ok {
			return fmt.Errorf("%w: adding %d credits overflows the balance", ErrInvalidArgument, delta)
		}
		prev = rec.Credits
		rec.Credits = max(0, next)
		return nil
	})
	if err != nil {
		return CreditAdjustment{}, mapErr(err)
	}
	return CreditAdjustment{Previous: prev, Balance: rec.Credits, Applied: rec.Credits - prev}, nil
}

func (c *Controller) ResetQuota(ctx context.Context, cred Credentials, token string) (time.Time, error) {
	if err := c.Authorize(ctx, cred); err != nil {
		return time.Time{}, err
	}
	at, err := c.quota.Reset(ctx, token)
	return at, mapErr(err)
}

func (c *Controller) SetActive(ctx context.Context, cred Credentials, token string, active bool) (db.APIKey, error) {
	if err := c.Authorize(ctx, cred); err != nil {
		return db.APIKey{}, err
	}
	rec, err := c.keys.MutateField(ctx, token, keystore.FieldActive, active)
	return rec, mapErr(err)
}

// DeleteKey tombstones the record, purges its usage entries and then removes
// the record. Requests still in flight when the tombstone lands finish
// without writing to the log, so nothing outlives the record.
func (c *Controller) DeleteKey(ctx context.Context, cred Credentials, token string) (db.APIKey, int64, error) {
	if err := c.Authorize(ctx, cred); err != nil {
		return db.APIKey{}, 0, err
	}
	if _, err := c.keys.Update(ctx, token, func(rec *db.APIKey) error {
		rec.Deleting = true
		return nil
	}); err != nil {
		return db.APIKey{}, 0, mapErr(err)
	}

	purged, err := c.usage.PurgeKey(ctx, token)
	if err != nil {
		return db.APIKey{}, 0, fmt.Errorf("admin: purge usage: %w", err)
	}

	prior, err := c.keys.Delete(ctx, token)
	if err != nil {
		return db.APIKey{}, purged, mapErr(err)
	}
	return prior, purged, nil
}

func (c *Controller) Stats(ctx context.Context, cred Credentials) (Stats, error) {
	if err := c.Authorize(ctx, cred); err != nil {
		return Stats{}, err
	}

	recs, err := c.keys.List(ctx)
	if err != nil {
		return Stats{}, err
	}

	var s Stats
	for _, rec := range recs {
		s.TotalKeys++
		if rec.Active {
			s.ActiveKeys++
		}
		s.TotalRequests += rec.TotalRequests
		s.TotalCreditsUsed += rec.CreditsSpent
	}

	today := startOfDay(c.now())
	if s.RequestsToday, err = c.usage.CountSince(ctx, today); err != nil {
		return Stats{}, err
	}
	if s.TopUsersToday, err = c.usage.TopKSince(ctx, today, topUsersLimit); err != nil {
		return Stats{}, err
	}
	return s, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, keystore.ErrNotFound), errors.Is(err, quota.ErrInvalidKey):
		return ErrKeyNotFound
	case errors.Is(err, keystore.ErrInvalidField), errors.Is(err, keystore.ErrOverflow):
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	default:
		return err
	}
}
