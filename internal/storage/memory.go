package storage

import (
	"context"
	"strings"
	"sync"

	"github.com/example/medtransport-dispatch/internal/models"
)

// MemoryStore backs all four store interfaces with in-process maps. Used in
// tests and for local runs without Postgres.
type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]*models.Ride
	drivers map[string]models.Driver
	order   []string // driver insertion order, ListDrivers must be stable
	jobs    map[string]*models.OptimizationJob
	audits  map[string]*models.AssignmentAudit
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]*models.Ride),
		drivers: make(map[string]models.Driver),
		jobs:    make(map[string]*models.OptimizationJob),
		audits:  make(map[string]*models.AssignmentAudit),
	}
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) SaveRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) UnassignedForDate(ctx context.Context, date string) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Ride
	for _, r := range m.rides {
		if r.PickupDriverID != "" {
			continue
		}
		if r.Status != models.RideRequested && r.Status != models.RideScheduled {
			continue
		}
		if strings.HasPrefix(r.PickupTime.Format("2006-01-02"), date) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MemoryStore) RidesByIDs(ctx context.Context, ids []string) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Ride, 0, len(ids))
	for _, id := range ids {
		if r, ok := m.rides[id]; ok {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MemoryStore) ApplyAssignment(ctx context.Context, r *models.Ride, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	cp := *r
	cp.Version = expectedVersion + 1
	m.rides[r.ID] = &cp
	r.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListDrivers(ctx context.Context) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Driver, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.drivers[id])
	}
	return out, nil
}

func (m *MemoryStore) UpsertDriver(ctx context.Context, d models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.drivers[d.ID]; !seen {
		m.order = append(m.order, d.ID)
	}
	m.drivers[d.ID] = d
	return nil
}

func (m *MemoryStore) CreateJob(ctx context.Context, j *models.OptimizationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*models.OptimizationJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) UpdateJob(ctx context.Context, j *models.OptimizationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *MemoryStore) SaveAudit(ctx context.Context, a *models.AssignmentAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.audits[a.BatchID] = &cp
	return nil
}

func (m *MemoryStore) GetAudit(ctx context.Context, batchID string) (*models.AssignmentAudit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.audits[batchID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}
