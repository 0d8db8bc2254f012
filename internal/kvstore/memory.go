package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type record struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (r record) expired(now time.Time) bool {
	return !r.expiresAt.IsZero() && !now.Before(r.expiresAt)
}

// MemoryStore is an in-process Store. Expired records are dropped
// lazily on access; there is no background sweeper, so memory held by
// never-touched expired records is reclaimed on the next scan of their
// prefix.
type MemoryStore struct {
	clock Clock

	mu sync.Mutex
	m  map[string]record
}

// NewMemoryStore returns an empty store. A nil clock defaults to the
// system clock.
func NewMemoryStore(clock Clock) *MemoryStore {
	if clock == nil {
		clock = SystemClock{}
	}
	return &MemoryStore{
		clock: clock,
		m:     make(map[string]record),
	}
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	rec := record{value: append([]byte(nil), value...)}
	if ttl > 0 {
		rec.expiresAt = s.clock.Now().Add(ttl)
	}
	s.mu.Lock()
	s.m[key] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.m[key]
	if !ok {
		return nil, false, nil
	}
	if rec.expired(s.clock.Now()) {
		delete(s.m, key)
		return nil, false, nil
	}
	return append([]byte(nil), rec.value...), true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ClaimPair(_ context.Context, key1, key2 string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	rec1, ok1 := s.m[key1]
	rec2, ok2 := s.m[key2]
	if !ok1 || !ok2 || rec1.expired(now) || rec2.expired(now) {
		return false, nil
	}
	delete(s.m, key1)
	delete(s.m, key2)
	return true, nil
}

func (s *MemoryStore) ScanPrefix(_ context.Context, prefix string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var entries []Entry
	for key, rec := range s.m {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if rec.expired(now) {
			delete(s.m, key)
			continue
		}
		entries = append(entries, Entry{Key: key, Value: append([]byte(nil), rec.value...)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Len reports the number of records, expired or not. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
