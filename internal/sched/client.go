// Package sched talks to the remote cluster scheduler. The client is a
// thin boundary: submit a spec, query a handle, cancel a handle. It never
// interprets job output, only scheduler-level lifecycle.
package sched

import "context"

// State is the scheduler-reported lifecycle of a job handle.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Status is the result of one query. RawState preserves the scheduler's own
// state word (PREEMPTED, OUT_OF_MEMORY, ...) for failure classification.
type Status struct {
	State    State
	ExitCode int
	RawState string
}

// Terminal reports whether the status needs no further polling.
func (s Status) Terminal() bool {
	switch s.State {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Client is the scheduler boundary. All three operations may fail with
// domain.ErrSchedulerUnavailable (transient, control plane unreachable) as
// opposed to domain.ErrSchedulerRejected (the submitted script was invalid).
// Queries are idempotent reads; at-least-once delivery is assumed.
type Client interface {
	Submit(ctx context.Context, spec SubmitSpec) (handle string, err error)
	Query(ctx context.Context, handle string) (Status, error)
	Cancel(ctx context.Context, handle string) error
}

// SubmitSpec is what the client needs to place one job: the rendered batch
// script and where to write it.
type SubmitSpec struct {
	Name       string
	Script     string
	ScriptPath string
}
