package keystore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"aigateway/internal/db"
)

// MemoryStore is an in-process Store. The map lock only guards membership;
// each record carries its own mutex for mutation.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memRecord
	seq     uint
	opts    options
}

type memRecord struct {
	mu      sync.Mutex
	key     db.APIKey
	deleted bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*memRecord),
		opts:    buildOptions(opts),
	}
}

func (s *MemoryStore) Create(_ context.Context, name string, dailyLimit, initialCredits int64, ttl time.Duration) (db.APIKey, error) {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		token, err := s.opts.newToken()
		if err != nil {
			return db.APIKey{}, err
		}

		s.mu.Lock()
		if _, exists := s.records[token]; exists {
			s.mu.Unlock()
			continue
		}
		s.seq++
		rec := newRecord(token, name, dailyLimit, initialCredits, ttl, s.opts.now())
		rec.ID = s.seq
		s.records[token] = &memRecord{key: rec}
		s.mu.Unlock()

		return cloneRecord(rec), nil
	}
	return db.APIKey{}, fmt.Errorf("%w after %d attempts", ErrCollision, maxCreateAttempts)
}

func (s *MemoryStore) lookup(token string) *memRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[token]
}

func (s *MemoryStore) Get(_ context.Context, token string) (db.APIKey, error) {
	r := s.lookup(token)
	if r == nil {
		return db.APIKey{}, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted {
		return db.APIKey{}, ErrNotFound
	}
	return cloneRecord(r.key), nil
}

func (s *MemoryStore) Update(_ context.Context, token string, fn Mutator) (db.APIKey, error) {
	r := s.lookup(token)
	if r == nil {
		return db.APIKey{}, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted {
		return db.APIKey{}, ErrNotFound
	}

	next := cloneRecord(r.key)
	if err := fn(&next); err != nil {
		return db.APIKey{}, err
	}
	// Identity is immutable.
	next.ID, next.Key = r.key.ID, r.key.Key
	r.key = next
	return cloneRecord(next), nil
}

func (s *MemoryStore) MutateCredits(ctx context.Context, token string, delta int64) (int64, error) {
	rec, err := s.Update(ctx, token, creditsMutator(delta))
	if err != nil {
		return 0, err
	}
	return rec.Credits, nil
}

func (s *MemoryStore) MutateField(ctx context.Context, token string, field Field, value any) (db.APIKey, error) {
	fn, err := fieldMutator(field, value)
	if err != nil {
		return db.APIKey{}, err
	}
	return s.Update(ctx, token, fn)
}

func (s *MemoryStore) Delete(_ context.Context, token string) (db.APIKey, error) {
	s.mu.Lock()
	r, ok := s.records[token]
	if ok {
		delete(s.records, token)
	}
	s.mu.Unlock()
	if !ok {
		return db.APIKey{}, ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = true
	return cloneRecord(r.key), nil
}

func (s *MemoryStore) List(_ context.Context) ([]db.APIKey, error) {
	s.mu.RLock()
	recs := make([]*memRecord, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	s.mu.RUnlock()

	out := make([]db.APIKey, 0, len(recs))
	for _, r := range recs {
		r.mu.Lock()
		if !r.deleted {
			out = append(out, cloneRecord(r.key))
		}
		r.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}
