package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/couchcryptid/risk-attribution-service/internal/domain"
	"github.com/google/uuid"
)

// Store persists job records. Results are not stored here; they live in the
// result cache keyed by job id.
type Store interface {
	Create(ctx context.Context, rec domain.JobRecord) error
	// Get returns domain.ErrJobNotFound for unknown ids.
	Get(ctx context.Context, id uuid.UUID) (domain.JobRecord, error)
	// Complete moves a Pending record to rec's terminal status and reports
	// whether it did. Terminal records are never changed.
	Complete(ctx context.Context, rec domain.JobRecord) (bool, error)
	// DeleteExpired removes terminal records that expired before now.
	DeleteExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// MemoryStore is a Store for single-process deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]domain.JobRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID]domain.JobRecord)}
}

func (s *MemoryStore) Create(_ context.Context, rec domain.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Result = nil
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (domain.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.JobRecord{}, domain.ErrJobNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Complete(_ context.Context, rec domain.JobRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[rec.ID]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	if cur.Status.Terminal() {
		return false, nil
	}
	cur.Status = rec.Status
	cur.CompletedAt = rec.CompletedAt
	cur.ExpiresAt = rec.ExpiresAt
	cur.Message = rec.Message
	s.records[rec.ID] = cur
	return true, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, rec := range s.records {
		if rec.Status.Terminal() && rec.ExpiresAt != nil && rec.ExpiresAt.Before(now) {
			delete(s.records, id)
			ids = append(ids, id)
		}
	}
	return ids, nil
}
