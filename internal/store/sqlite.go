package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/anthropics/callscore-engine/internal/domain"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS units (
	unit_id       TEXT PRIMARY KEY,
	dir           TEXT NOT NULL,
	input_files   TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'discovered',
	status_reason TEXT NOT NULL DEFAULT '',
	output_root   TEXT NOT NULL DEFAULT '',
	completed     INTEGER NOT NULL DEFAULT 0,
	seq           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	job_id         TEXT PRIMARY KEY,
	unit_id        TEXT NOT NULL,
	handle         TEXT NOT NULL DEFAULT '',
	state          TEXT NOT NULL DEFAULT 'pending',
	state_version  INTEGER NOT NULL DEFAULT 1,
	attempt        INTEGER NOT NULL DEFAULT 1,
	failure_kind   TEXT NOT NULL DEFAULT '',
	reason         TEXT NOT NULL DEFAULT '',
	exit_code      INTEGER NOT NULL DEFAULT 0,
	submitted_at   INTEGER NOT NULL DEFAULT 0,
	last_polled_at INTEGER NOT NULL DEFAULT 0,
	finished_at    INTEGER NOT NULL DEFAULT 0,
	seq            INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_unit ON jobs(unit_id, attempt);
`

// SQLite is the persisted Store. A run may be resumed after a coordinator
// restart: non-terminal jobs are re-polled against their saved handles.
type SQLite struct {
	db  *sql.DB
	seq int64
}

// NewSQLite opens (or creates) the state database at the given path with
// recommended pragmas and runs the V1 schema migration.
func NewSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, domain.WrapPipelineError(domain.ErrStoreInit.Code, "open database", err)
	}

	// WAL allows concurrent reads but a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), schemaV1); err != nil {
		db.Close()
		return nil, domain.WrapPipelineError(domain.ErrSchemaMigration.Code, "migrate schema", err)
	}

	s := &SQLite{db: db}
	// Continue the insertion sequence of a resumed run.
	row := db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM (SELECT seq FROM units UNION ALL SELECT seq FROM jobs)`)
	_ = row.Scan(&s.seq)
	return s, nil
}

func (s *SQLite) nextSeq() int64 {
	s.seq++
	return s.seq
}

// PutUnit inserts or replaces a unit record.
func (s *SQLite) PutUnit(ctx context.Context, u domain.WorkUnit) error {
	const q = `INSERT INTO units (unit_id, dir, input_files, status, status_reason, output_root, completed, seq)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(unit_id) DO UPDATE SET
	dir = excluded.dir,
	input_files = excluded.input_files,
	status = excluded.status,
	status_reason = excluded.status_reason,
	output_root = excluded.output_root,
	completed = excluded.completed`
	completed := 0
	if u.Completed {
		completed = 1
	}
	_, err := s.db.ExecContext(ctx, q,
		u.ID, u.Dir, strings.Join(u.InputFiles, "\n"), string(u.Status),
		u.StatusReason, u.OutputRoot, completed, s.nextSeq())
	if err != nil {
		return domain.WrapPipelineError(domain.ErrStoreWrite.Code, "put unit", err)
	}
	return nil
}

// GetUnit retrieves a unit by id.
func (s *SQLite) GetUnit(ctx context.Context, id string) (*domain.WorkUnit, error) {
	const q = `SELECT unit_id, dir, input_files, status, status_reason, output_root, completed
FROM units WHERE unit_id = ?`
	return scanUnit(s.db.QueryRowContext(ctx, q, id))
}

// ListUnits returns all units in insertion order.
func (s *SQLite) ListUnits(ctx context.Context) ([]domain.WorkUnit, error) {
	const q = `SELECT unit_id, dir, input_files, status, status_reason, output_root, completed
FROM units ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, domain.WrapPipelineError(domain.ErrStoreQuery.Code, "list units", err)
	}
	defer rows.Close()

	var out []domain.WorkUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row rowScanner) (*domain.WorkUnit, error) {
	var u domain.WorkUnit
	var status, inputs string
	var completed int
	err := row.Scan(&u.ID, &u.Dir, &inputs, &status, &u.StatusReason, &u.OutputRoot, &completed)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrUnitNotFound
		}
		return nil, domain.WrapPipelineError(domain.ErrStoreQuery.Code, "scan unit", err)
	}
	u.Status = domain.UnitStatus(status)
	u.Completed = completed != 0
	if inputs != "" {
		u.InputFiles = strings.Split(inputs, "\n")
	}
	return &u, nil
}

// PutJob inserts a new job record at state version 1.
func (s *SQLite) PutJob(ctx context.Context, j domain.Job) error {
	const q = `INSERT INTO jobs (job_id, unit_id, handle, state, state_version, attempt, failure_kind, reason, exit_code, submitted_at, last_polled_at, finished_at, seq)
VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		j.ID, j.UnitID, j.Handle, string(j.State), j.Attempt, string(j.FailureKind),
		j.Reason, j.ExitCode, unix(j.SubmittedAt), unix(j.LastPolledAt), unix(j.FinishedAt), s.nextSeq())
	if err != nil {
		return domain.WrapPipelineError(domain.ErrStoreWrite.Code, "put job", err)
	}
	return nil
}

// UpdateJob replaces an existing job record using optimistic locking: the
// update only lands if the stored state_version still matches the caller's,
// and then advances it by one.
func (s *SQLite) UpdateJob(ctx context.Context, j domain.Job) error {
	const q = `UPDATE jobs SET
	handle = ?, state = ?, state_version = state_version + 1, attempt = ?,
	failure_kind = ?, reason = ?, exit_code = ?, submitted_at = ?,
	last_polled_at = ?, finished_at = ?
WHERE job_id = ? AND state_version = ?`
	res, err := s.db.ExecContext(ctx, q,
		j.Handle, string(j.State), j.Attempt, string(j.FailureKind), j.Reason,
		j.ExitCode, unix(j.SubmittedAt), unix(j.LastPolledAt), unix(j.FinishedAt),
		j.ID, j.StateVersion)
	if err != nil {
		return domain.WrapPipelineError(domain.ErrStoreWrite.Code, "update job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.WrapPipelineError(domain.ErrStoreWrite.Code, "check rows affected", err)
	}
	if n == 0 {
		// Distinguish a missing row from a concurrent writer winning.
		if _, gerr := s.GetJob(ctx, j.ID); gerr != nil {
			return gerr
		}
		return domain.ErrOptimisticLock
	}
	return nil
}

const jobCols = `job_id, unit_id, handle, state, state_version, attempt, failure_kind, reason, exit_code, submitted_at, last_polled_at, finished_at`

// GetJob retrieves a job by id.
func (s *SQLite) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	q := `SELECT ` + jobCols + ` FROM jobs WHERE job_id = ?`
	return scanJob(s.db.QueryRowContext(ctx, q, id))
}

// ListJobsByState returns jobs in any of the given states, in insertion order.
func (s *SQLite) ListJobsByState(ctx context.Context, states ...domain.JobState) ([]domain.Job, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	q := `SELECT ` + jobCols + ` FROM jobs WHERE state IN (` + placeholders + `) ORDER BY seq`
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	return s.queryJobs(ctx, q, args...)
}

// ListJobsByUnit returns all attempts for a unit, oldest attempt first.
func (s *SQLite) ListJobsByUnit(ctx context.Context, unitID string) ([]domain.Job, error) {
	q := `SELECT ` + jobCols + ` FROM jobs WHERE unit_id = ? ORDER BY attempt`
	return s.queryJobs(ctx, q, unitID)
}

func (s *SQLite) queryJobs(ctx context.Context, q string, args ...any) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, domain.WrapPipelineError(domain.ErrStoreQuery.Code, "list jobs", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	var state, kind string
	var submitted, polled, finished int64
	err := row.Scan(&j.ID, &j.UnitID, &j.Handle, &state, &j.StateVersion, &j.Attempt,
		&kind, &j.Reason, &j.ExitCode, &submitted, &polled, &finished)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, domain.WrapPipelineError(domain.ErrStoreQuery.Code, "scan job", err)
	}
	j.State = domain.JobState(state)
	j.FailureKind = domain.FailureKind(kind)
	j.SubmittedAt = fromUnix(submitted)
	j.LastPolledAt = fromUnix(polled)
	j.FinishedAt = fromUnix(finished)
	return &j, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error { return s.db.Close() }

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
