package usagelog

import (
	"context"
	"sort"
	"sync"
	"time"

	"aigateway/internal/db"
)

// MemoryLog keeps entries in a ring. Once full, each append evicts the
// oldest entry, so the log is a recent-activity window and the counters on
// the key records remain the source of truth.
type MemoryLog struct {
	mu       sync.Mutex
	capacity int
	entries  []db.UsageEntry
	head     int // index of the oldest entry once the ring is full
	seq      uint
}

var _ Log = (*MemoryLog)(nil)

// NewMemoryLog returns a log holding at most capacity entries. A capacity
// of zero or less keeps everything.
func NewMemoryLog(capacity int) *MemoryLog {
	l := &MemoryLog{capacity: capacity}
	if capacity > 0 {
		l.entries = make([]db.UsageEntry, 0, capacity)
	}
	return l
}

func (l *MemoryLog) Append(_ context.Context, entry db.UsageEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	entry.ID = l.seq
	if l.capacity <= 0 || len(l.entries) < l.capacity {
		l.entries = append(l.entries, entry)
		return nil
	}
	l.entries[l.head] = entry
	l.head = (l.head + 1) % l.capacity
	return nil
}

// snapshot copies the entries out in arrival order.
func (l *MemoryLog) snapshot() []db.UsageEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]db.UsageEntry, 0, len(l.entries))
	out = append(out, l.entries[l.head:]...)
	out = append(out, l.entries[:l.head]...)
	return out
}

func (l *MemoryLog) QueryByKey(_ context.Context, token string, since time.Time) ([]db.UsageEntry, error) {
	var out []db.UsageEntry
	for _, e := range l.snapshot() {
		if e.APIKey == token && !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *MemoryLog) QueryAll(_ context.Context, since time.Time) ([]db.UsageEntry, error) {
	var out []db.UsageEntry
	for _, e := range l.snapshot() {
		if !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *MemoryLog) SumCreditsUsed(_ context.Context, token string) (int64, error) {
	var sum int64
	for _, e := range l.snapshot() {
		if e.APIKey == token {
			sum += e.CreditsUsed
		}
	}
	return sum, nil
}

func (l *MemoryLog) TopKSince(_ context.Context, since time.Time, k int) ([]KeyCount, error) {
	if k <= 0 {
		return nil, nil
	}

	counts := make(map[string]int)
	var ranked []KeyCount
	for _, e := range l.snapshot() {
		if e.CreatedAt.Before(since) {
			continue
		}
		i, seen := counts[e.APIKey]
		if !seen {
			i = len(ranked)
			counts[e.APIKey] = i
			ranked = append(ranked, KeyCount{APIKey: e.APIKey})
		}
		ranked[i].Requests++
	}

	// ranked is in first-seen order, so a stable sort keeps that as the
	// tie-break.
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Requests > ranked[j].Requests
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked, nil
}

func (l *MemoryLog) CountSince(_ context.Context, since time.Time) (int64, error) {
	var n int64
	for _, e := range l.snapshot() {
		if !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (l *MemoryLog) PurgeKey(_ context.Context, token string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ordered := make([]db.UsageEntry, 0, len(l.entries))
	ordered = append(ordered, l.entries[l.head:]...)
	ordered = append(ordered, l.entries[:l.head]...)

	kept := ordered[:0]
	var purged int64
	for _, e := range ordered {
		if e.APIKey == token {
			purged++
			continue
		}
		kept = append(kept, e)
	}

	if l.capacity > 0 {
		l.entries = make([]db.UsageEntry, len(kept), l.capacity)
		copy(l.entries, kept)
	} else {
		l.entries = kept
	}
	l.head = 0
	return purged, nil
}

// Len reports how many entries are currently held.
func (l *MemoryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
