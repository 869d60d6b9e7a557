// Package keystore owns the API key records and their metering state.
//
// Every mutation of a record goes through Update, which runs the caller's
// mutator inside a per-record exclusive section. Mutations of different
// records never wait on each other.
package keystore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"time"

	"aigateway/internal/db"
)

// Sentinel errors.
var (
	ErrNotFound            = errors.New("keystore: key not found")
	ErrCollision           = errors.New("keystore: token collision")
	ErrInsufficientCredits = errors.New("keystore: balance would go negative")
	ErrInvalidField        = errors.New("keystore: invalid field update")
	ErrOverflow            = errors.New("keystore: balance out of range")
	ErrDeleting            = errors.New("keystore: key is being deleted")
)

// maxCreateAttempts bounds token regeneration after a collision.
const maxCreateAttempts = 5

// Mutator edits a private copy of a record. Returning an error discards the
// copy, leaving the stored record untouched.
type Mutator func(rec *db.APIKey) error

// Field names an administratively editable attribute.
type Field string

const (
	FieldName       Field = "name"
	FieldDailyLimit Field = "daily_limit"
	FieldActive     Field = "active"
)

// Store is the accessor/mutator contract for key records.
type Store interface {
	// Create issues a new key with a fresh random token.
	Create(ctx context.Context, name string, dailyLimit, initialCredits int64, ttl time.Duration) (db.APIKey, error)

	// Get returns a snapshot of the record.
	Get(ctx context.Context, token string) (db.APIKey, error)

	// Update applies fn atomically with respect to every other mutation of
	// the same record and returns the stored result.
	Update(ctx context.Context, token string, fn Mutator) (db.APIKey, error)

	// MutateCredits adds delta to the balance and returns the new balance.
	MutateCredits(ctx context.Context, token string, delta int64) (int64, error)

	// MutateField sets a single administrative field.
	MutateField(ctx context.Context, token string, field Field, value any) (db.APIKey, error)

	// Delete removes the record and returns its last state.
	Delete(ctx context.Context, token string) (db.APIKey, error)

	// List returns all records, newest first.
	List(ctx context.Context) ([]db.APIKey, error)
}

// Option configures a store backend.
type Option func(*options)

type options struct {
	now      func() time.Time
	newToken func() (string, error)
}

// WithClock sets the time source used for creation and expiry stamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTokenGenerator replaces the random token source.
func WithTokenGenerator(fn func() (string, error)) Option {
	return func(o *options) { o.newToken = fn }
}

func buildOptions(opts []Option) options {
	o := options{
		now:      func() time.Time { return time.Now().UTC() },
		newToken: GenerateToken,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// GenerateToken returns a new bearer token drawn from crypto/rand.
func GenerateToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("keystore: generate token: %w", err)
	}
	return "api_" + base64.RawURLEncoding.EncodeToString(b), nil
}

func newRecord(token, name string, dailyLimit, credits int64, ttl time.Duration, now time.Time) db.APIKey {
	return db.APIKey{
		Key:        token,
		Name:       name,
		Active:     true,
		Credits:    credits,
		DailyLimit: dailyLimit,
		LastReset:  now,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
}

// CheckedAdd returns a+b, or false when the sum does not fit in an int64.
func CheckedAdd(a, b int64) (int64, bool) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, false
	}
	return a + b, true
}

// creditsMutator adjusts the balance by delta, refusing to go below zero.
func creditsMutator(delta int64) Mutator {
	return func(rec *db.APIKey) error {
		next, ok := CheckedAdd(rec.Credits, delta)
		if !ok {
			return ErrOverflow
		}
		if next < 0 {
			return ErrInsufficientCredits
		}
		rec.Credits = next
		return nil
	}
}

// fieldMutator validates and applies a single administrative field update.
func fieldMutator(field Field, value any) (Mutator, error) {
	switch field {
	case FieldName:
		name, ok := value.(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: name must be a non-empty string", ErrInvalidField)
		}
		return func(rec *db.APIKey) error { rec.Name = name; return nil }, nil
	case FieldDailyLimit:
		limit, ok := toInt64(value)
		if !ok || limit < 0 {
			return nil, fmt.Errorf("%w: daily_limit must be a non-negative integer", ErrInvalidField)
		}
		return func(rec *db.APIKey) error { rec.DailyLimit = limit; return nil }, nil
	case FieldActive:
		active, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: active must be a bool", ErrInvalidField)
		}
		return func(rec *db.APIKey) error { rec.Active = active; return nil }, nil
	default:
		return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidField, field)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func cloneRecord(rec db.APIKey) db.APIKey {
	if rec.LastUsedAt != nil {
		t := *rec.LastUsedAt
		rec.LastUsedAt = &t
	}
	return rec
}
