// Package ledger implements the credit spend protocol on top of a
// keystore.Store: the balance check and the deduction happen in one
// exclusive section, and a granted spend can be refunded exactly once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"aigateway/internal/db"
	"aigateway/internal/keystore"
)

// Denials. None of them leave a mutation behind.
var (
	ErrInvalidKey          = errors.New("ledger: invalid api key")
	ErrInactive            = errors.New("ledger: api key is inactive")
	ErrExpired             = errors.New("ledger: api key has expired")
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	ErrNegativeCost        = errors.New("ledger: cost must not be negative")
)

// Spend is a granted deduction. It is owned by the request that obtained
// it and must be refunded if the paid-for work does not complete.
type Spend struct {
	ID        string
	Token     string
	Cost      int64
	Balance   int64 // balance right after the deduction
	GrantedAt time.Time

	refunded atomic.Bool
}

// Refunded reports whether the spend has been reversed.
func (s *Spend) Refunded() bool {
	return s.refunded.Load()
}

// Ledger grants and reverses spends.
type Ledger struct {
	store keystore.Store
	now   func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(store keystore.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Usable reports why rec may not be used at now, or nil when it may.
func Usable(rec *db.APIKey, now time.Time) error {
	if rec.Deleting {
		return ErrInvalidKey
	}
	if !rec.Active {
		return ErrInactive
	}
	if rec.Expired(now) {
		return ErrExpired
	}
	return nil
}

// Authenticate resolves token to a usable record without touching it.
func (l *Ledger) Authenticate(ctx context.Context, token string) (db.APIKey, error) {
	rec, err := l.store.Get(ctx, token)
	if err != nil {
		return db.APIKey{}, mapStoreErr(err)
	}
	if err := Usable(&rec, l.now()); err != nil {
		return db.APIKey{}, err
	}
	return rec, nil
}

// TrySpend checks existence, active flag, expiry and balance, then deducts
// cost, all within the record's exclusive section. A zero cost still
// validates the key.
func (l *Ledger) TrySpend(ctx context.Context, token string, cost int64) (*Spend, error) {
	if cost < 0 {
		return nil, ErrNegativeCost
	}

	now := l.now()
	rec, err := l.store.Update(ctx, token, func(rec *db.APIKey) error {
		if err := Usable(rec, now); err != nil {
			return err
		}
		if rec.Credits < cost {
			return ErrInsufficientCredits
		}
		rec.Credits -= cost
		rec.CreditsSpent += cost
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}

	return &Spend{
		ID:        uuid.New().String(),
		Token:     token,
		Cost:      cost,
		Balance:   rec.Credits,
		GrantedAt: now,
	}, nil
}

// Refund reverses s. Calling it again after a successful refund is a no-op.
func (l *Ledger) Refund(ctx context.Context, s *Spend) error {
	if s == nil || !s.refunded.CompareAndSwap(false, true) {
		return nil
	}
	if s.Cost == 0 {
		return nil
	}

	_, err := l.store.Update(ctx, s.Token, func(rec *db.APIKey) error {
		next, ok := keystore.CheckedAdd(rec.Credits, s.Cost)
		if !ok {
			return keystore.ErrOverflow
		}
		rec.Credits = next
		rec.CreditsSpent -= s.Cost
		if rec.CreditsSpent < 0 {
			rec.CreditsSpent = 0
		}
		return nil
	})
	if err != nil {
		// Leave the spend refundable so the caller can retry.
		s.refunded.Store(false)
		return fmt.Errorf("ledger: refund %s: %w", s.ID, mapStoreErr(err))
	}
	return nil
}

func mapStoreErr(err error) error {
	if errors.Is(err, keystore.ErrNotFound) {
		return ErrInvalidKey
	}
	return err
}
