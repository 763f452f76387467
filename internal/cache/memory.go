package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryEntryStore is an EntryStore for single-process deployments and tests.
type MemoryEntryStore struct {
	mu      sync.Mutex
	entries map[Key]Entry
}

// NewMemoryEntryStore returns an empty MemoryEntryStore.
func NewMemoryEntryStore() *MemoryEntryStore {
	return &MemoryEntryStore{entries: make(map[Key]Entry)}
}

func (s *MemoryEntryStore) Get(_ context.Context, key Key) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok, nil
}

func (s *MemoryEntryStore) CreateLocked(_ context.Context, e Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.Key]; ok {
		return false, nil
	}
	s.entries[e.Key] = e
	return true, nil
}

func (s *MemoryEntryStore) Reclaim(_ context.Context, prevState EntryState, prevOwner string, e Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[e.Key]
	if !ok || cur.State != prevState || cur.Owner != prevOwner {
		return false, nil
	}
	s.entries[e.Key] = e
	return true, nil
}

func (s *MemoryEntryStore) RenewLease(_ context.Context, key Key, owner string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[key]
	if !ok || cur.State != StateLocked || cur.Owner != owner {
		return ErrLockLost
	}
	cur.LeaseExpiresAt = until
	s.entries[key] = cur
	return nil
}

func (s *MemoryEntryStore) MarkReady(_ context.Context, key Key, owner, payloadRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[key]
	if !ok || cur.State != StateLocked || cur.Owner != owner {
		return ErrLockLost
	}
	cur.State = StateReady
	cur.PayloadRef = payloadRef
	s.entries[key] = cur
	return nil
}

func (s *MemoryEntryStore) Delete(_ context.Context, key Key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[key]
	if !ok {
		return nil
	}
	if owner != "" && cur.Owner != owner {
		return nil
	}
	delete(s.entries, key)
	return nil
}

// MemoryPayloadStore is a PayloadStore backed by a map.
type MemoryPayloadStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryPayloadStore returns an empty MemoryPayloadStore.
func NewMemoryPayloadStore() *MemoryPayloadStore {
	return &MemoryPayloadStore{data: make(map[string][]byte)}
}

func (s *MemoryPayloadStore) Put(_ context.Context, key Key, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[string(key)] = append([]byte(nil), data...)
	return string(key), nil
}

func (s *MemoryPayloadStore) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[ref]
	if !ok {
		return nil, ErrPayloadNotFound
	}
	return append([]byte(nil), d...), nil
}

func (s *MemoryPayloadStore) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, ref)
	return nil
}
