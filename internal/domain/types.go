// Package domain defines the core types for the call-analysis pipeline.
package domain

import "time"

// UnitStatus represents the lifecycle state of a work unit (one agent's
// folder of call recordings).
type UnitStatus string

const (
	UnitDiscovered UnitStatus = "discovered"
	UnitSkipped    UnitStatus = "skipped"
	UnitSubmitted  UnitStatus = "submitted"
	UnitRunning    UnitStatus = "running"
	UnitSucceeded  UnitStatus = "succeeded"
	// UnitUnclassified marks a unit whose pipeline job succeeded but whose
	// result classification failed. It is terminal and surfaced in the final
	// report, never folded into plain success or failure.
	UnitUnclassified UnitStatus = "unclassified"
	UnitClassified   UnitStatus = "classified"
	UnitFailed       UnitStatus = "failed"
	UnitCancelled    UnitStatus = "cancelled"
)

// IsTerminal reports whether a unit needs no further tracking.
func (s UnitStatus) IsTerminal() bool {
	switch s {
	case UnitSkipped, UnitUnclassified, UnitClassified, UnitFailed, UnitCancelled:
		return true
	default:
		return false
	}
}

// WorkUnit is one agent's body of work: a directory of call recordings and
// everything derived from them. Units are discovered, never destroyed.
type WorkUnit struct {
	ID           string
	Dir          string
	InputFiles   []string // loose audio, excluding bucket subtrees; immutable after submit
	Status       UnitStatus
	StatusReason string
	OutputRoot   string
	// Completed is set by discovery when the unit already carries fully
	// classified results from a prior run.
	Completed bool
}

// JobState represents the scheduler-visible lifecycle of one execution attempt.
type JobState string

const (
	JobPending   JobState = "pending"
	JobSubmitted JobState = "submitted"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// IsTerminal reports whether the state is final for this attempt.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// FailureKind classifies why a job failed, so the report can tell a
// scheduler outage from the work's own logic failing.
type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailureTransient     FailureKind = "transient"
	FailureDeterministic FailureKind = "deterministic"
	FailureUnreachable   FailureKind = "unreachable"
	FailureRejected      FailureKind = "rejected"
	FailureCancelled     FailureKind = "cancelled"
)

// Retryable reports whether a failure of this kind may be retried.
func (k FailureKind) Retryable() bool {
	return k == FailureTransient
}

// Job is one scheduler-tracked execution attempt bound to a WorkUnit.
// Transitions are owned exclusively by the tracker; a retry creates a new
// Job with Attempt+1 rather than rewinding this one.
type Job struct {
	ID     string
	UnitID string
	Handle string // opaque scheduler job id, empty until submitted
	State  JobState
	// StateVersion guards concurrent writers. Every successful update
	// increments it; an update carrying a stale version is rejected with
	// ErrOptimisticLock.
	StateVersion int64
	Attempt      int // 1-based
	FailureKind  FailureKind
	Reason       string
	ExitCode     int
	SubmittedAt  time.Time
	LastPolledAt time.Time
	FinishedAt   time.Time
}

// ResourceSpec is the allocation requested for one job. Fixed at submission.
type ResourceSpec struct {
	CPUs      int
	GPUs      int
	MemGB     int
	TimeLimit string // HH:MM:SS wall clock
	Partition string
	Account   string
	QOS       string
}

// JobSpec is a self-contained description of one unit's two-stage pipeline
// job. It is immutable once built; the scheduler client performs the only
// I/O (writing Script to ScriptPath at submission time).
type JobSpec struct {
	Name       string
	UnitID     string
	Script     string
	ScriptPath string
	StdoutLog  string
	StderrLog  string
	Resources  ResourceSpec
}

// Criterion is one named scoring rubric entry with its point ceiling.
type Criterion struct {
	Name string
	Max  int
}

// Criteria lists the scoring rubric in report order.
var Criteria = []Criterion{
	{Name: "netid", Max: 10},
	{Name: "resolution", Max: 15},
	{Name: "instruction", Max: 15},
	{Name: "zoom", Max: 5},
	{Name: "confidentiality", Max: 7},
	{Name: "tech_quality", Max: 48},
}

// MaxScore is the rubric ceiling (sum of all criterion maxima).
const MaxScore = 100

// CallResult is the structured score record for one recording, as parsed
// from the scoring stage's result set.
type CallResult struct {
	CallID         string
	AudioFile      string
	TranscriptFile string
	// ComponentScores holds awarded points keyed by criterion name.
	ComponentScores map[string]int
	// ReportedTotal is the scoring engine's own total_score field. It is
	// never trusted: Score below is the canonical recomputed sum.
	ReportedTotal int
	Score         int
	// Inconsistent is set when ReportedTotal != Score.
	Inconsistent bool
	Reasoning    string
	Preview      string
}

// Bucket is a classification outcome.
type Bucket string

const (
	BucketReviewed       Bucket = "reviewed"
	BucketNeedsAttention Bucket = "needs_further_attention"
)

// ClassifyScore maps a canonical score to its bucket. The boundary is
// exact: score == threshold lands in needs_further_attention.
func ClassifyScore(score, threshold int) Bucket {
	if score > threshold {
		return BucketReviewed
	}
	return BucketNeedsAttention
}
