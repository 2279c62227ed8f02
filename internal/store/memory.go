package store

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and by single-node
// development runs without a shared store.
type MemoryStore struct {
	mu   sync.Mutex
	vals map[string]memEntry
	sets map[string]memSet
	now  func() time.Time
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

type memSet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		vals: make(map[string]memEntry),
		sets: make(map[string]memSet),
		now:  time.Now,
	}
}

// SetClock overrides the store clock, for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) expired(at time.Time) bool {
	return !at.IsZero() && !s.now().Before(at)
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.vals[key]
	if !ok || s.expired(e.expiresAt) {
		delete(s.vals, key)
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	s.vals[key] = memEntry{value: value, expiresAt: exp}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vals, key)
	delete(s.sets, key)
	return nil
}

func (s *MemoryStore) Incr(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.vals[key]
	var cur int64
	if ok && !s.expired(e.expiresAt) {
		cur, _ = strconv.ParseInt(e.value, 10, 64)
	}
	cur += delta
	s.vals[key] = memEntry{value: strconv.FormatInt(cur, 10), expiresAt: e.expiresAt}
	return cur, nil
}

func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k, e := range s.vals {
		if s.expired(e.expiresAt) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	for k, set := range s.sets {
		if s.expired(set.expiresAt) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) SetAdd(_ context.Context, key, member string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok || s.expired(set.expiresAt) {
		set = memSet{members: make(map[string]struct{})}
	}
	set.members[member] = struct{}{}
	if ttl > 0 {
		set.expiresAt = s.now().Add(ttl)
	}
	s.sets[key] = set
	return nil
}

func (s *MemoryStore) SetRemove(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.sets[key]; ok {
		delete(set.members, member)
	}
	return nil
}

func (s *MemoryStore) SetMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok || s.expired(set.expiresAt) {
		return nil, nil
	}
	members := make([]string, 0, len(set.members))
	for m := range set.members {
		members = append(members, m)
	}
	return members, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
