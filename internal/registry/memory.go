package registry

import (
	"context"
	"sync"
	"time"

	"github.com/chunkflow/coordinator/internal/coordinator"
	"github.com/chunkflow/coordinator/internal/models"
)

// MemoryStore is the default Registry backend: an in-process map guarded by
// per-handle locks. It is crash-unsafe by construction (sessions do not
// survive a process restart) and is the development/single-instance choice;
// RedisStore is the production, restart-safe alternative.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*models.Record
	locks   map[string]*sync.Mutex
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*models.Record),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (m *MemoryStore) handleLock(handle string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[handle]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[handle] = lock
	}
	return lock
}

func (m *MemoryStore) Create(_ context.Context, rec *models.Record) error {
	lock := m.handleLock(rec.Handle)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	_, exists := m.records[rec.Handle]
	if !exists {
		m.records[rec.Handle] = rec.Clone()
	}
	m.mu.Unlock()

	if exists {
		return coordinator.New(coordinator.KindConflict, "session handle already exists")
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, handle string) (*models.Record, error) {
	m.mu.Lock()
	rec, ok := m.records[handle]
	m.mu.Unlock()
	if !ok {
		return nil, coordinator.New(coordinator.KindNotFound, "unknown upload session")
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, handle string, mutate func(*models.Record) error) (*models.Record, error) {
	lock := m.handleLock(handle)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	rec, ok := m.records[handle]
	m.mu.Unlock()
	if !ok {
		return nil, coordinator.New(coordinator.KindNotFound, "unknown upload session")
	}

	working := rec.Clone()
	if err := mutate(working); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.records[handle] = working
	m.mu.Unlock()

	return working.Clone(), nil
}

func (m *MemoryStore) ScanByLastActivityBefore(_ context.Context, before time.Time, statuses []models.Status) ([]*models.Record, error) {
	wanted := make(map[models.Status]struct{}, len(statuses))
	for _, s := range statuses {
		wanted[s] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Record
	for _, rec := range m.records {
		if _, ok := wanted[rec.Status]; !ok {
			continue
		}
		if rec.LastActivityAt.Before(before) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) ScanCompletedBefore(_ context.Context, before time.Time) ([]*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Record
	for _, rec := range m.records {
		if rec.Status == models.StatusCompleted && rec.CompletedAt.Before(before) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, handle string) error {
	m.mu.Lock()
	delete(m.records, handle)
	delete(m.locks, handle)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats
	for _, rec := range m.records {
		s.TotalUploads++
		s.TotalSize += rec.BytesReceived
		switch rec.Status {
		case models.StatusFailed:
			s.FailedUploads++
		case models.StatusCompleted, models.StatusAborted:
		default:
			s.ActiveUploads++
		}
	}
	return s, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
