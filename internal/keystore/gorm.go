package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"aigateway/internal/db"
)

// GormStore keeps key records in PostgreSQL. Update holds a row lock
// (SELECT ... FOR UPDATE) for the duration of the mutator, so writers on one
// key are serialized while other rows stay available.
type GormStore struct {
	db   *gorm.DB
	opts options
}

var _ Store = (*GormStore)(nil)

// NewGormStore creates a store over an already migrated connection.
func NewGormStore(conn *gorm.DB, opts ...Option) *GormStore {
	return &GormStore{db: conn, opts: buildOptions(opts)}
}

func (s *GormStore) Create(ctx context.Context, name string, dailyLimit, initialCredits int64, ttl time.Duration) (db.APIKey, error) {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		token, err := s.opts.newToken()
		if err != nil {
			return db.APIKey{}, err
		}

		rec := newRecord(token, name, dailyLimit, initialCredits, ttl, s.opts.now())
		err = s.db.WithContext(ctx).Create(&rec).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			continue
		}
		if err != nil {
			return db.APIKey{}, fmt.Errorf("keystore: create: %w", err)
		}
		return rec, nil
	}
	return db.APIKey{}, fmt.Errorf("%w after %d attempts", ErrCollision, maxCreateAttempts)
}

func (s *GormStore) Get(ctx context.Context, token string) (db.APIKey, error) {
	var rec db.APIKey
	err := s.db.WithContext(ctx).Where("key = ?", token).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.APIKey{}, ErrNotFound
	}
	if err != nil {
		return db.APIKey{}, fmt.Errorf("keystore: get: %w", err)
	}
	return rec, nil
}

func (s *GormStore) Update(ctx context.Context, token string, fn Mutator) (db.APIKey, error) {
	var out db.APIKey
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec db.APIKey
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("key = ?", token).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("keystore: lock: %w", err)
		}

		id, key := rec.ID, rec.Key
		if err := fn(&rec); err != nil {
			return err
		}
		rec.ID, rec.Key = id, key

		if err := tx.Save(&rec).Error; err != nil {
			return fmt.Errorf("keystore: save: %w", err)
		}
		out = rec
		return nil
	})
	if err != nil {
		return db.APIKey{}, err
	}
	return out, nil
}

func (s *GormStore) MutateCredits(ctx context.Context, token string, delta int64) (int64, error) {
	rec, err := s.Update(ctx, token, creditsMutator(delta))
	if err != nil {
		return 0, err
	}
	return rec.Credits, nil
}

func (s *GormStore) MutateField(ctx context.Context, token string, field Field, value any) (db.APIKey, error) {
	fn, err := fieldMutator(field, value)
	if err != nil {
		return db.APIKey{}, err
	}
	return s.Update(ctx, token, fn)
}

func (s *GormStore) Delete(ctx context.Context, token string) (db.APIKey, error) {
	var prior db.APIKey
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("key = ?", token).First(&prior).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("keystore: lock: %w", err)
		}
		if err := tx.Delete(&prior).Error; err != nil {
			return fmt.Errorf("keystore: delete: %w", err)
		}
		return nil
	})
	if err != nil {
		return db.APIKey{}, err
	}
	return prior, nil
}

func (s *GormStore) List(ctx context.Context) ([]db.APIKey, error) {
	var recs []db.APIKey
	if err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("keystore: list: %w", err)
	}
	return recs, nil
}
