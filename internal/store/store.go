// Package store persists work units and jobs behind a narrow interface,
// with an in-memory implementation for tests and short runs and a
// SQLite-backed one for runs that must survive coordinator restarts.
package store

import (
	"context"

	"github.com/anthropics/callscore-engine/internal/domain"
)

// Store is the job-state table. It holds raw records only; transition
// legality is enforced by the tracker. Job updates carry optimistic
// locking so a poll cycle and an operator cancel cannot silently overwrite
// each other.
type Store interface {
	PutUnit(ctx context.Context, u domain.WorkUnit) error
	GetUnit(ctx context.Context, id string) (*domain.WorkUnit, error)
	ListUnits(ctx context.Context) ([]domain.WorkUnit, error)

	// PutJob inserts a job at StateVersion 1.
	PutJob(ctx context.Context, j domain.Job) error
	// UpdateJob replaces a job if the caller's StateVersion matches the
	// stored one, then advances it; otherwise it returns
	// domain.ErrOptimisticLock and leaves the record untouched.
	UpdateJob(ctx context.Context, j domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobsByState(ctx context.Context, states ...domain.JobState) ([]domain.Job, error)
	ListJobsByUnit(ctx context.Context, unitID string) ([]domain.Job, error)

	Close() error
}
