package domain

import "fmt"

// PipelineError is the unified error type for the pipeline.
// Each error has a numeric code and human-readable message.
type PipelineError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline error %d: %s", e.Code, e.Message)
}

// Is makes sentinel comparison work through fmt.Errorf wrapping: two
// PipelineErrors match when their codes match.
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	return ok && t.Code == e.Code
}

// NewPipelineError creates a new PipelineError.
func NewPipelineError(code int, msg string) *PipelineError {
	return &PipelineError{Code: code, Message: msg}
}

// WrapPipelineError creates a PipelineError that includes a cause.
func WrapPipelineError(code int, msg string, cause error) *PipelineError {
	return &PipelineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// ---- Discovery / Config errors (-32010 to -32039) ----

var (
	ErrDiscovery       = &PipelineError{Code: -32010, Message: "unit discovery failed"}
	ErrUnitCollision   = &PipelineError{Code: -32011, Message: "two units derive the same output path"}
	ErrConfig          = &PipelineError{Code: -32012, Message: "invalid configuration"}
	ErrImageNotFound   = &PipelineError{Code: -32013, Message: "container image path does not exist"}
	ErrUnitNotFound    = &PipelineError{Code: -32014, Message: "work unit not found"}
	ErrInputRootBroken = &PipelineError{Code: -32015, Message: "input root missing or not a directory"}
)

// ---- Scheduler errors (-32040 to -32069) ----

var (
	// ErrSchedulerUnavailable means the scheduler control plane could not be
	// reached. Transient: the next poll cycle retries.
	ErrSchedulerUnavailable = &PipelineError{Code: -32040, Message: "scheduler unavailable"}
	// ErrSchedulerRejected means the scheduler refused the submitted script.
	// Fatal for that job; never retried.
	ErrSchedulerRejected = &PipelineError{Code: -32041, Message: "scheduler rejected job spec"}
	ErrUnknownHandle     = &PipelineError{Code: -32042, Message: "scheduler does not know this job handle"}
)

// ---- Tracker errors (-32070 to -32099) ----

var (
	ErrInvalidTransition = &PipelineError{Code: -32070, Message: "invalid job state transition"}
	ErrJobNotFound       = &PipelineError{Code: -32071, Message: "job not found"}
	ErrJobTerminal       = &PipelineError{Code: -32072, Message: "job is already in a terminal state"}
	ErrAttemptsExhausted = &PipelineError{Code: -32073, Message: "retry attempt ceiling reached"}
	ErrOptimisticLock    = &PipelineError{Code: -32074, Message: "optimistic lock conflict: job was modified concurrently"}
)

// ---- Classification errors (-32100 to -32129) ----

var (
	ErrClassification  = &PipelineError{Code: -32100, Message: "call classification failed"}
	ErrResultSetAbsent = &PipelineError{Code: -32101, Message: "unit has no analysis result set"}
	ErrResultMalformed = &PipelineError{Code: -32102, Message: "scoring engine emitted a malformed result"}
)

// ---- Store errors (-32130 to -32159) ----

var (
	ErrStoreInit       = &PipelineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery      = &PipelineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite      = &PipelineError{Code: -32132, Message: "store write failed"}
	ErrSchemaMigration = &PipelineError{Code: -32133, Message: "schema migration failed"}
)
