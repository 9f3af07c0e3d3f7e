package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

type memoryList struct {
	members   []string
	expiresAt time.Time
}

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
	lists   map[string]memoryList
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore builds an empty store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:     now,
		entries: make(map[string]memoryEntry),
		lists:   make(map[string]memoryList),
	}
}

func (m *MemoryStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.liveEntry(key)
	if !ok {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	delete(m.lists, key)
	return nil
}

func (m *MemoryStore) GetList(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list, ok := m.liveList(key)
	if !ok {
		return []string{}, nil
	}
	out := make([]string, len(list.members))
	copy(out, list.members)
	return out, nil
}

func (m *MemoryStore) AppendToList(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list, _ := m.liveList(key)
	if !contains(list.members, value) {
		list.members = append(list.members, value)
	}
	list.expiresAt = m.now().Add(ttl)
	m.lists[key] = list
	return nil
}

func (m *MemoryStore) RemoveFromList(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list, ok := m.liveList(key)
	if !ok {
		return nil
	}
	kept := list.members[:0]
	for _, member := range list.members {
		if member != value {
			kept = append(kept, member)
		}
	}
	if len(kept) == 0 {
		delete(m.lists, key)
		return nil
	}
	list.members = kept
	m.lists[key] = list
	return nil
}

func (m *MemoryStore) DeleteIfEquals(ctx context.Context, key, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.liveEntry(key)
	if !ok || entry.value != expected {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// liveEntry must be called with mu held. Expired entries are evicted lazily.
func (m *MemoryStore) liveEntry(key string) (memoryEntry, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !m.now().Before(entry.expiresAt) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

// liveList must be called with mu held.
func (m *MemoryStore) liveList(key string) (memoryList, bool) {
	list, ok := m.lists[key]
	if !ok {
		return memoryList{}, false
	}
	if !m.now().Before(list.expiresAt) {
		delete(m.lists, key)
		return memoryList{}, false
	}
	return list, true
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
