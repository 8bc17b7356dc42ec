package ephemeral

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryValue struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

type memoryList struct {
	Items     []string  `json:"items"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

type memorySnapshot struct {
	Values map[string]memoryValue `json:"values"`
	Lists  map[string]memoryList  `json:"lists"`
}

type MemoryOptions struct {
	Now func() time.Time
}

// MemoryStore keeps everything in process. It is the default backend, the
// fallback used while a shared backend is unreachable, and the core of the
// file backend.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	values  map[string]memoryValue
	lists   map[string]memoryList
	persist func(memorySnapshot) error
	backend string
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithOptions(MemoryOptions{})
}

func NewMemoryStoreWithOptions(opts MemoryOptions) *MemoryStore {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:     now,
		values:  map[string]memoryValue{},
		lists:   map[string]memoryList{},
		backend: "memory",
	}
}

func (s *MemoryStore) Backend() string {
	return s.backend
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveValueLocked(key)
	if !ok {
		return "", ErrNotFound
	}
	return entry.Value, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = memoryValue{Value: value, ExpiresAt: s.expiry(ttl)}
	return s.persistLocked()
}

func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.values, key)
		delete(s.lists, key)
	}
	return s.persistLocked()
}

func (s *MemoryStore) SetIfAbsentOrEqual(ctx context.Context, key, value string, ttl time.Duration) (bool, string, error) {
	if strings.TrimSpace(key) == "" || value == "" {
		return false, "", ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.liveValueLocked(key); ok && entry.Value != value {
		return false, entry.Value, nil
	}
	s.values[key] = memoryValue{Value: value, ExpiresAt: s.expiry(ttl)}
	if err := s.persistLocked(); err != nil {
		return false, "", err
	}
	return true, value, nil
}

func (s *MemoryStore) DeleteIfEqual(ctx context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveValueLocked(key)
	if !ok || entry.Value != value {
		return false, nil
	}
	delete(s.values, key)
	return true, s.persistLocked()
}

func (s *MemoryStore) ListPush(ctx context.Context, key, value string, maxLen int, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list, _ := s.liveListLocked(key)
	items := make([]string, 0, len(list.Items)+1)
	items = append(items, value)
	items = append(items, list.Items...)
	if maxLen > 0 && len(items) > maxLen {
		items = items[:maxLen]
	}
	expiresAt := list.ExpiresAt
	if ttl > 0 {
		expiresAt = s.expiry(ttl)
	}
	s.lists[key] = memoryList{Items: items, ExpiresAt: expiresAt}
	return s.persistLocked()
}

func (s *MemoryStore) ListRange(ctx context.Context, key string, start, stop int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.liveListLocked(key)
	if !ok {
		return []string{}, nil
	}
	lo, hi, ok := listBounds(len(list.Items), start, stop)
	if !ok {
		return []string{}, nil
	}
	return append([]string(nil), list.Items[lo:hi]...), nil
}

func (s *MemoryStore) ListReplace(ctx context.Context, key string, values []string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(values) == 0 {
		delete(s.lists, key)
		return s.persistLocked()
	}
	s.lists[key] = memoryList{Items: append([]string(nil), values...), ExpiresAt: s.expiry(ttl)}
	return s.persistLocked()
}

func (s *MemoryStore) DeletePattern(ctx context.Context, pattern string) (int, error) {
	if strings.TrimSpace(pattern) == "" {
		return 0, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for key := range s.values {
		if globMatch(pattern, key) {
			delete(s.values, key)
			deleted++
		}
	}
	for key := range s.lists {
		if globMatch(pattern, key) {
			delete(s.lists, key)
			deleted++
		}
	}
	if deleted == 0 {
		return 0, nil
	}
	return deleted, s.persistLocked()
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	return nil
}

// Sweep drops expired keys and lists.
func (s *MemoryStore) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for key, entry := range s.values {
		if expired(entry.ExpiresAt, now) {
			delete(s.values, key)
			removed++
		}
	}
	for key, list := range s.lists {
		if expired(list.ExpiresAt, now) {
			delete(s.lists, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.persistLocked()
}

func (s *MemoryStore) liveValueLocked(key string) (memoryValue, bool) {
	entry, ok := s.values[key]
	if !ok {
		return memoryValue{}, false
	}
	if expired(entry.ExpiresAt, s.now()) {
		delete(s.values, key)
		return memoryValue{}, false
	}
	return entry, true
}

func (s *MemoryStore) liveListLocked(key string) (memoryList, bool) {
	list, ok := s.lists[key]
	if !ok {
		return memoryList{}, false
	}
	if expired(list.ExpiresAt, s.now()) {
		delete(s.lists, key)
		return memoryList{}, false
	}
	return list, true
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) snapshotLocked() memorySnapshot {
	snapshot := memorySnapshot{
		Values: make(map[string]memoryValue, len(s.values)),
		Lists:  make(map[string]memoryList, len(s.lists)),
	}
	for key, entry := range s.values {
		snapshot.Values[key] = entry
	}
	for key, list := range s.lists {
		snapshot.Lists[key] = memoryList{Items: append([]string(nil), list.Items...), ExpiresAt: list.ExpiresAt}
	}
	return snapshot
}

func (s *MemoryStore) persistLocked() error {
	if s.persist == nil {
		return nil
	}
	return s.persist(s.snapshotLocked())
}

func expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}
