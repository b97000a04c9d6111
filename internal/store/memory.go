package store

import (
	"context"
	"sort"
	"sync"

	"github.com/anthropics/callscore-engine/internal/domain"
)

// Memory is an in-process Store guarded by a single mutex. All returned
// records are copies; callers never share memory with the table.
type Memory struct {
	mu    sync.Mutex
	units map[string]domain.WorkUnit
	jobs  map[string]domain.Job
	// order preserves insertion order for stable listings.
	unitOrder []string
	jobOrder  []string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		units: make(map[string]domain.WorkUnit),
		jobs:  make(map[string]domain.Job),
	}
}

// PutUnit inserts or replaces a unit record.
func (m *Memory) PutUnit(_ context.Context, u domain.WorkUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.units[u.ID]; !ok {
		m.unitOrder = append(m.unitOrder, u.ID)
	}
	u.InputFiles = append([]string(nil), u.InputFiles...)
	m.units[u.ID] = u
	return nil
}

// GetUnit retrieves a unit by id.
func (m *Memory) GetUnit(_ context.Context, id string) (*domain.WorkUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	if !ok {
		return nil, domain.ErrUnitNotFound
	}
	u.InputFiles = append([]string(nil), u.InputFiles...)
	return &u, nil
}

// ListUnits returns all units in insertion order.
func (m *Memory) ListUnits(_ context.Context) ([]domain.WorkUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.WorkUnit, 0, len(m.unitOrder))
	for _, id := range m.unitOrder {
		u := m.units[id]
		u.InputFiles = append([]string(nil), u.InputFiles...)
		out = append(out, u)
	}
	return out, nil
}

// PutJob inserts a new job record at state version 1.
func (m *Memory) PutJob(_ context.Context, j domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		m.jobOrder = append(m.jobOrder, j.ID)
	}
	j.StateVersion = 1
	m.jobs[j.ID] = j
	return nil
}

// UpdateJob replaces an existing job record using optimistic locking. The
// write only succeeds when the caller's StateVersion matches the stored
// one; the stored version then advances by one.
func (m *Memory) UpdateJob(_ context.Context, j domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[j.ID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if cur.StateVersion != j.StateVersion {
		return domain.ErrOptimisticLock
	}
	j.StateVersion++
	m.jobs[j.ID] = j
	return nil
}

// GetJob retrieves a job by id.
func (m *Memory) GetJob(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return &j, nil
}

// ListJobsByState returns jobs whose state matches any of the given states,
// in insertion order.
func (m *Memory) ListJobsByState(_ context.Context, states ...domain.JobState) ([]domain.Job, error) {
	want := make(map[domain.JobState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, id := range m.jobOrder {
		if j := m.jobs[id]; want[j.State] {
			out = append(out, j)
		}
	}
	return out, nil
}

// ListJobsByUnit returns all attempts for a unit, oldest attempt first.
func (m *Memory) ListJobsByUnit(_ context.Context, unitID string) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, id := range m.jobOrder {
		if j := m.jobs[id]; j.UnitID == unitID {
			out = append(out, j)
		}
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].Attempt < out[k].Attempt })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }
