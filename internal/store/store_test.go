package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthropics/callscore-engine/internal/domain"
)

// storeFor runs the shared conformance suite against both implementations.
func storesFor(t *testing.T) map[string]Store {
	t.Helper()

	sq, err := NewSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func testUnit(id string) domain.WorkUnit {
	return domain.WorkUnit{
		ID:         id,
		Dir:        "/data/" + id,
		InputFiles: []string{"/data/" + id + "/a.mp3", "/data/" + id + "/b.mp3"},
		Status:     domain.UnitDiscovered,
		OutputRoot: "/data/" + id,
	}
}

func testJob(id, unitID string, attempt int) domain.Job {
	return domain.Job{
		ID:           id,
		UnitID:       unitID,
		State:        domain.JobPending,
		StateVersion: 1,
		Attempt:      attempt,
		SubmittedAt:  time.Unix(1700000000, 0),
	}
}

func TestUnitRoundTrip(t *testing.T) {
	for name, st := range storesFor(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := testUnit("alice")
			require.NoError(t, st.PutUnit(ctx, want))

			got, err := st.GetUnit(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, want, *got)

			// Upsert replaces.
			want.Status = domain.UnitClassified
			want.StatusReason = "done"
			require.NoError(t, st.PutUnit(ctx, want))
			got, err = st.GetUnit(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, domain.UnitClassified, got.Status)
			assert.Equal(t, "done", got.StatusReason)
		})
	}
}

func TestGetUnitNotFound(t *testing.T) {
	for name, st := range storesFor(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.GetUnit(context.Background(), "ghost")
			require.ErrorIs(t, err, domain.ErrUnitNotFound)
		})
	}
}

func TestListUnitsInsertionOrder(t *testing.T) {
	for name, st := range storesFor(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.PutUnit(ctx, testUnit("zeta")))
			require.NoError(t, st.PutUnit(ctx, testUnit("alpha")))

			units, err := st.ListUnits(ctx)
			require.NoError(t, err)
			require.Len(t, units, 2)
			assert.Equal(t, "zeta", units[0].ID)
			assert.Equal(t, "alpha", units[1].ID)
		})
	}
}

func TestJobRoundTrip(t *testing.T) {
	for name, st := range storesFor(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := testJob("alice-a1", "alice", 1)
			require.NoError(t, st.PutJob(ctx, want))

			got, err := st.GetJob(ctx, "alice-a1")
			require.NoError(t, err)
			assert.Equal(t, want, *got)

			want.State = domain.JobFailed
			want.FailureKind = domain.FailureTransient
			want.Reason = "NODE_FAIL"
			want.ExitCode = 1
			want.FinishedAt = time.Unix(1700000300, 0)
			require.NoError(t, st.UpdateJob(ctx, want))
			want.StateVersion++

			got, err = st.GetJob(ctx, "alice-a1")
			require.NoError(t, err)
			assert.Equal(t, want, *got)
		})
	}
}

func TestUpdateMissingJob(t *testing.T) {
	for name, st := range storesFor(t) {
		t.Run(name, func(t *testing.T) {
			err := st.UpdateJob(context.Background(), testJob("ghost-a1", "ghost", 1))
			require.ErrorIs(t, err, domain.ErrJobNotFound)
		})
	}
}

func TestUpdateJobOptimisticLock(t *testing.T) {
	for name, st := range storesFor(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.PutJob(ctx, testJob("alice-a1", "alice", 1)))

			// Two actors read the same version.
			first, err := st.GetJob(ctx, "alice-a1")
			require.NoError(t, err)
			second, err := st.GetJob(ctx, "alice-a1")
			require.NoError(t, err)

			first.State = domain.JobCancelled
			require.NoError(t, st.UpdateJob(ctx, *first))

			// The slower writer holds a stale version and is rejected.
			second.State = domain.JobRunning
			err = st.UpdateJob(ctx, *second)
			require.ErrorIs(t, err, domain.ErrOptimisticLock)

			got, err := st.GetJob(ctx, "alice-a1")
			require.NoError(t, err)
			assert.Equal(t, domain.JobCancelled, got.State)
			assert.Equal(t, int64(2), got.StateVersion)
		})
	}
}

func TestListJobsByState(t *testing.T) {
	for name, st := range storesFor(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			j1 := testJob("a-a1", "a", 1)
			j2 := testJob("b-a1", "b", 1)
			j2.State = domain.JobRunning
			j3 := testJob("c-a1", "c", 1)
			j3.State = domain.JobFailed
			for _, j := range []domain.Job{j1, j2, j3} {
				require.NoError(t, st.PutJob(ctx, j))
			}

			jobs, err := st.ListJobsByState(ctx, domain.JobPending, domain.JobRunning)
			require.NoError(t, err)
			require.Len(t, jobs, 2)
			assert.Equal(t, "a-a1", jobs[0].ID)
			assert.Equal(t, "b-a1", jobs[1].ID)

			jobs, err = st.ListJobsByState(ctx, domain.JobSucceeded)
			require.NoError(t, err)
			assert.Empty(t, jobs)
		})
	}
}

func TestListJobsByUnitOrdersAttempts(t *testing.T) {
	for name, st := range storesFor(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.PutJob(ctx, testJob("alice-a2", "alice", 2)))
			require.NoError(t, st.PutJob(ctx, testJob("alice-a1", "alice", 1)))
			require.NoError(t, st.PutJob(ctx, testJob("bob-a1", "bob", 1)))

			jobs, err := st.ListJobsByUnit(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, jobs, 2)
			assert.Equal(t, 1, jobs[0].Attempt)
			assert.Equal(t, 2, jobs[1].Attempt)
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	st, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, st.PutUnit(ctx, testUnit("alice")))
	j := testJob("alice-a1", "alice", 1)
	j.State = domain.JobRunning
	j.Handle = "12345"
	require.NoError(t, st.PutJob(ctx, j))
	require.NoError(t, st.Close())

	st, err = NewSQLite(path)
	require.NoError(t, err)
	defer st.Close()

	got, err := st.GetJob(ctx, "alice-a1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, got.State)
	assert.Equal(t, "12345", got.Handle)

	// New inserts keep extending the listing order after resume.
	require.NoError(t, st.PutUnit(ctx, testUnit("bob")))
	units, err := st.ListUnits(ctx)
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "alice", units[0].ID)
	assert.Equal(t, "bob", units[1].ID)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	u := testUnit("alice")
	require.NoError(t, m.PutUnit(ctx, u))

	got, err := m.GetUnit(ctx, "alice")
	require.NoError(t, err)
	got.InputFiles[0] = "mutated"

	again, err := m.GetUnit(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, u.InputFiles[0], again.InputFiles[0])
}
