// Package tracker owns the authoritative lifecycle of every submitted job.
// A single coordinating loop polls the scheduler on a fixed interval and
// advances each job through the state machine. Operator cancels run on
// other goroutines; store-level optimistic locking keeps the two writers
// from overwriting each other, and a cancel always wins.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/anthropics/callscore-engine/internal/domain"
	"github.com/anthropics/callscore-engine/internal/metrics"
	"github.com/anthropics/callscore-engine/internal/sched"
	"github.com/anthropics/callscore-engine/internal/store"
)

// SpecBuilder produces the (deterministic) job spec for a unit. The tracker
// rebuilds specs on retry instead of persisting them.
type SpecBuilder interface {
	Build(unit domain.WorkUnit) (domain.JobSpec, error)
	ShouldSkip(unit domain.WorkUnit) bool
}

// Classifier is invoked synchronously the moment a unit's job succeeds.
type Classifier interface {
	ClassifyUnit(ctx context.Context, unit domain.WorkUnit) error
}

// Config holds the tracker's tunable parameters.
type Config struct {
	PollInterval time.Duration
	// Staleness is how long a non-terminal job may go unpolled (because the
	// scheduler is unreachable) before it is escalated to failed.
	Staleness   time.Duration
	MaxAttempts int
	MaxInFlight int
}

// Tracker drives jobs from submission to a terminal state.
type Tracker struct {
	store      store.Store
	client     sched.Client
	builder    SpecBuilder
	classifier Classifier
	clock      Clock
	cfg        Config
	metrics    *metrics.Metrics
	logger     *log.Logger
}

// New creates a Tracker. A nil clock selects the system clock; a nil logger
// selects the default logger.
func New(st store.Store, client sched.Client, b SpecBuilder, cl Classifier, m *metrics.Metrics, cfg Config, clock Clock, logger *log.Logger) *Tracker {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 3 * time.Minute
	}
	if cfg.Staleness == 0 {
		cfg.Staleness = 5 * cfg.PollInterval
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = 8
	}
	return &Tracker{
		store:      st,
		client:     client,
		builder:    b,
		classifier: cl,
		clock:      clock,
		cfg:        cfg,
		metrics:    m,
		logger:     logger,
	}
}

func jobID(unitID string, attempt int) string {
	return fmt.Sprintf("%s-a%d", unitID, attempt)
}

// SubmitAll creates the first job for every discovered unit and submits
// them. Submissions are independent per unit and run in parallel, bounded
// by MaxInFlight; the store serializes writes.
func (t *Tracker) SubmitAll(ctx context.Context) error {
	units, err := t.store.ListUnits(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, t.cfg.MaxInFlight)
	for _, unit := range units {
		if unit.Status != domain.UnitDiscovered {
			continue
		}
		if t.builder.ShouldSkip(unit) {
			t.logger.Printf("unit %s: already classified, skipping", unit.ID)
			if err := t.setUnitStatus(ctx, unit.ID, domain.UnitSkipped, "fully classified by a prior run"); err != nil {
				return err
			}
			continue
		}

		job := domain.Job{
			ID:           jobID(unit.ID, 1),
			UnitID:       unit.ID,
			State:        domain.JobPending,
			StateVersion: 1,
			Attempt:      1,
			LastPolledAt: t.clock.Now(),
		}
		if err := t.store.PutJob(ctx, job); err != nil {
			return err
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(j domain.Job, u domain.WorkUnit) {
			defer wg.Done()
			defer func() { <-sem }()
			t.submitJob(ctx, j, u)
		}(job, unit)
	}
	wg.Wait()
	return nil
}

// submitJob attempts one submission. A transient scheduler outage leaves
// the job pending for the next poll cycle; a rejection is fatal for the
// job and never retried.
func (t *Tracker) submitJob(ctx context.Context, job domain.Job, unit domain.WorkUnit) {
	spec, err := t.builder.Build(unit)
	if err != nil {
		t.logger.Printf("unit %s: spec build failed: %v", unit.ID, err)
		t.failJob(ctx, job, domain.FailureRejected, fmt.Sprintf("spec build failed: %v", err), 0)
		return
	}

	handle, err := t.client.Submit(ctx, sched.SubmitSpec{
		Name:       spec.Name,
		Script:     spec.Script,
		ScriptPath: spec.ScriptPath,
	})
	switch {
	case err == nil:
		now := t.clock.Now()
		job.Handle = handle
		job.SubmittedAt = now
		job.LastPolledAt = now
		if err := transition(&job, domain.JobSubmitted); err != nil {
			t.logger.Printf("job %s: %v", job.ID, err)
			return
		}
		if err := t.store.UpdateJob(ctx, job); err != nil {
			t.logger.Printf("job %s: persist submit: %v", job.ID, err)
			return
		}
		t.metrics.JobSubmitted()
		t.logger.Printf("unit %s: submitted job %s (attempt %d)", unit.ID, handle, job.Attempt)
		_ = t.setUnitStatus(ctx, unit.ID, domain.UnitSubmitted, "")

	case errors.Is(err, domain.ErrSchedulerUnavailable):
		// Stay pending; the poll loop retries. Staleness still applies.
		t.metrics.PollError()
		t.logger.Printf("unit %s: scheduler unavailable at submit: %v", unit.ID, err)

	default:
		t.logger.Printf("unit %s: submission rejected: %v", unit.ID, err)
		t.failJob(ctx, job, domain.FailureRejected, err.Error(), 0)
	}
}

// Run drives the poll loop until every unit is terminal or the context is
// cancelled. The ticker is the only suspension point; between wakeups the
// tracker performs no blocking work.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		done, err := t.Done(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.PollOnce(ctx); err != nil {
				return err
			}
		}
	}
}

// PollOnce performs exactly one tracking cycle: resubmit pending jobs,
// query every non-terminal job, and advance states. Exported so tests can
// drive cycles deterministically.
func (t *Tracker) PollOnce(ctx context.Context) error {
	// Jobs whose submission hit a scheduler outage.
	pending, err := t.store.ListJobsByState(ctx, domain.JobPending)
	if err != nil {
		return err
	}
	for _, job := range pending {
		if t.escalateIfStale(ctx, job) {
			continue
		}
		unit, err := t.store.GetUnit(ctx, job.UnitID)
		if err != nil {
			return err
		}
		t.submitJob(ctx, job, *unit)
	}

	inFlight, err := t.store.ListJobsByState(ctx, domain.JobSubmitted, domain.JobRunning)
	if err != nil {
		return err
	}
	for _, job := range inFlight {
		if err := t.pollJob(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// pollJob queries one job and advances its state. A failed query never
// changes job state and never aborts the cycle; it only counts toward
// staleness, so one job's broken accounting cannot stall everyone else.
func (t *Tracker) pollJob(ctx context.Context, job domain.Job) error {
	status, err := t.client.Query(ctx, job.Handle)
	if err != nil {
		t.metrics.PollError()
		t.logger.Printf("job %s: poll failed, keeping state %s: %v", job.ID, job.State, err)
		t.escalateIfStale(ctx, job)
		return nil
	}

	job.LastPolledAt = t.clock.Now()

	switch status.State {
	case sched.StateQueued:
		return t.dropOnConflict(job.ID, t.store.UpdateJob(ctx, job))

	case sched.StateRunning:
		if job.State == domain.JobSubmitted {
			if err := transition(&job, domain.JobRunning); err != nil {
				return err
			}
			if err := t.store.UpdateJob(ctx, job); err != nil {
				return t.dropOnConflict(job.ID, err)
			}
			return t.setUnitStatus(ctx, job.UnitID, domain.UnitRunning, "")
		}
		return t.dropOnConflict(job.ID, t.store.UpdateJob(ctx, job))

	case sched.StateCompleted:
		return t.completeJob(ctx, job)

	case sched.StateCancelled:
		// Cancelled on the scheduler side without an operator request:
		// treat like preemption and let the retry policy decide.
		kind, reason := classifyFailure("CANCELLED", status.ExitCode)
		return t.handleFailure(ctx, job, kind, reason, status.ExitCode)

	case sched.StateFailed:
		kind, reason := classifyFailure(status.RawState, status.ExitCode)
		return t.handleFailure(ctx, job, kind, reason, status.ExitCode)
	}
	return nil
}

// dropOnConflict swallows an optimistic lock conflict: another actor
// (typically an operator cancel) finalized the job while this cycle held a
// stale copy, and that write wins.
func (t *Tracker) dropOnConflict(jobID string, err error) error {
	if errors.Is(err, domain.ErrOptimisticLock) {
		t.logger.Printf("job %s: state changed concurrently, dropping poll result", jobID)
		return nil
	}
	return err
}

// completeJob marks the job succeeded and synchronously classifies the
// unit's results. A classification failure downgrades the unit to
// unclassified rather than silently passing it off as done.
func (t *Tracker) completeJob(ctx context.Context, job domain.Job) error {
	job.FinishedAt = t.clock.Now()
	if err := transition(&job, domain.JobSucceeded); err != nil {
		return err
	}
	if err := t.store.UpdateJob(ctx, job); err != nil {
		return t.dropOnConflict(job.ID, err)
	}
	t.metrics.JobSucceeded()
	t.logger.Printf("unit %s: job %s succeeded (attempt %d)", job.UnitID, job.Handle, job.Attempt)

	if err := t.setUnitStatus(ctx, job.UnitID, domain.UnitSucceeded, ""); err != nil {
		return err
	}

	unit, err := t.store.GetUnit(ctx, job.UnitID)
	if err != nil {
		return err
	}
	if err := t.classifier.ClassifyUnit(ctx, *unit); err != nil {
		t.logger.Printf("unit %s: classification failed: %v", unit.ID, err)
		return t.setUnitStatus(ctx, unit.ID, domain.UnitUnclassified, err.Error())
	}
	return t.setUnitStatus(ctx, unit.ID, domain.UnitClassified, "")
}

// handleFailure finalizes a failed attempt and applies the retry policy:
// only transient failures retry, up to the attempt ceiling, and each retry
// is a brand-new job bound to the same unit.
func (t *Tracker) handleFailure(ctx context.Context, job domain.Job, kind domain.FailureKind, reason string, exitCode int) error {
	job.FinishedAt = t.clock.Now()
	job.FailureKind = kind
	job.Reason = reason
	job.ExitCode = exitCode
	if err := transition(&job, domain.JobFailed); err != nil {
		return err
	}
	if err := t.store.UpdateJob(ctx, job); err != nil {
		return t.dropOnConflict(job.ID, err)
	}
	t.metrics.JobFailed(string(kind))

	if kind.Retryable() && job.Attempt < t.cfg.MaxAttempts {
		retry := domain.Job{
			ID:           jobID(job.UnitID, job.Attempt+1),
			UnitID:       job.UnitID,
			State:        domain.JobPending,
			StateVersion: 1,
			Attempt:      job.Attempt + 1,
			LastPolledAt: t.clock.Now(),
		}
		if err := t.store.PutJob(ctx, retry); err != nil {
			return err
		}
		t.metrics.JobRetried()
		t.logger.Printf("unit %s: attempt %d failed (%s), retrying as attempt %d",
			job.UnitID, job.Attempt, reason, retry.Attempt)

		unit, err := t.store.GetUnit(ctx, job.UnitID)
		if err != nil {
			return err
		}
		t.submitJob(ctx, retry, *unit)
		return nil
	}

	t.logger.Printf("unit %s: failed permanently after attempt %d: %s", job.UnitID, job.Attempt, reason)
	return t.setUnitStatus(ctx, job.UnitID, domain.UnitFailed,
		fmt.Sprintf("%s (attempt %d, %s)", reason, job.Attempt, kind))
}

// failJob finalizes a job that never reached the scheduler.
func (t *Tracker) failJob(ctx context.Context, job domain.Job, kind domain.FailureKind, reason string, exitCode int) {
	job.FinishedAt = t.clock.Now()
	job.FailureKind = kind
	job.Reason = reason
	job.ExitCode = exitCode
	if err := transition(&job, domain.JobFailed); err != nil {
		t.logger.Printf("job %s: %v", job.ID, err)
		return
	}
	if err := t.store.UpdateJob(ctx, job); err != nil {
		t.logger.Printf("job %s: persist failure: %v", job.ID, err)
		return
	}
	t.metrics.JobFailed(string(kind))
	_ = t.setUnitStatus(ctx, job.UnitID, domain.UnitFailed,
		fmt.Sprintf("%s (attempt %d, %s)", reason, job.Attempt, kind))
}

// escalateIfStale fails a job whose last successful poll is older than the
// staleness limit. The distinct "unreachable" kind separates scheduler
// outages from the job's own failures in the final report. Returns true if
// the job was escalated.
func (t *Tracker) escalateIfStale(ctx context.Context, job domain.Job) bool {
	age := t.clock.Now().Sub(job.LastPolledAt)
	if age <= t.cfg.Staleness {
		return false
	}
	reason := fmt.Sprintf("scheduler unreachable for %s", age.Round(time.Second))
	job.FinishedAt = t.clock.Now()
	job.FailureKind = domain.FailureUnreachable
	job.Reason = reason
	if err := transition(&job, domain.JobFailed); err != nil {
		t.logger.Printf("job %s: %v", job.ID, err)
		return false
	}
	if err := t.store.UpdateJob(ctx, job); err != nil {
		if !errors.Is(err, domain.ErrOptimisticLock) {
			t.logger.Printf("job %s: persist escalation: %v", job.ID, err)
		}
		return false
	}
	t.metrics.JobFailed(string(domain.FailureUnreachable))
	t.logger.Printf("unit %s: escalated to failed: %s", job.UnitID, reason)
	_ = t.setUnitStatus(ctx, job.UnitID, domain.UnitFailed,
		fmt.Sprintf("%s (attempt %d, %s)", reason, job.Attempt, domain.FailureUnreachable))
	return true
}

// CancelUnit cancels a unit's non-terminal job on operator request. The
// scheduler cancel is best-effort; partial artifacts are left in place so
// diagnostic logs survive.
func (t *Tracker) CancelUnit(ctx context.Context, unitID string) error {
	if _, err := t.store.GetUnit(ctx, unitID); err != nil {
		return err
	}
	jobs, err := t.store.ListJobsByUnit(ctx, unitID)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.State.IsTerminal() {
			continue
		}
		if err := t.cancelJob(ctx, job); err != nil {
			return err
		}
	}
	return t.setUnitStatus(ctx, unitID, domain.UnitCancelled, "cancelled by operator")
}

// CancelAll cancels every non-terminal job, typically on shutdown.
func (t *Tracker) CancelAll(ctx context.Context) error {
	jobs, err := t.store.ListJobsByState(ctx, domain.JobPending, domain.JobSubmitted, domain.JobRunning)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := t.cancelJob(ctx, job); err != nil {
			return err
		}
		if err := t.setUnitStatus(ctx, job.UnitID, domain.UnitCancelled, "cancelled by operator"); err != nil {
			return err
		}
	}
	return nil
}

// cancelJob finalizes one job as cancelled. When a concurrent poll write
// bumps the version first, the cancel re-reads and reapplies: cancellation
// must win over any non-terminal state the poll recorded.
func (t *Tracker) cancelJob(ctx context.Context, job domain.Job) error {
	if job.Handle != "" {
		if err := t.client.Cancel(ctx, job.Handle); err != nil {
			t.logger.Printf("job %s: best-effort cancel failed: %v", job.ID, err)
		}
	}
	for {
		job.FinishedAt = t.clock.Now()
		job.FailureKind = domain.FailureCancelled
		job.Reason = "cancelled by operator"
		if err := transition(&job, domain.JobCancelled); err != nil {
			return err
		}
		err := t.store.UpdateJob(ctx, job)
		if !errors.Is(err, domain.ErrOptimisticLock) {
			return err
		}
		fresh, gerr := t.store.GetJob(ctx, job.ID)
		if gerr != nil {
			return gerr
		}
		if fresh.State.IsTerminal() {
			return nil
		}
		job = *fresh
	}
}

// Done reports whether every unit has reached a terminal status.
func (t *Tracker) Done(ctx context.Context) (bool, error) {
	units, err := t.store.ListUnits(ctx)
	if err != nil {
		return false, err
	}
	for _, u := range units {
		if !u.Status.IsTerminal() {
			return false, nil
		}
	}
	return true, nil
}

func (t *Tracker) setUnitStatus(ctx context.Context, unitID string, status domain.UnitStatus, reason string) error {
	unit, err := t.store.GetUnit(ctx, unitID)
	if err != nil {
		return err
	}
	unit.Status = status
	unit.StatusReason = reason
	return t.store.PutUnit(ctx, *unit)
}
