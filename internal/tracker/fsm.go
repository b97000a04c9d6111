package tracker

import (
	"fmt"

	"github.com/anthropics/callscore-engine/internal/domain"
)

// validTransitions defines the legal job state transitions. Terminal states
// have no outgoing edges; a retry creates a new job instead of rewinding.
var validTransitions = map[domain.JobState]map[domain.JobState]bool{
	domain.JobPending: {
		domain.JobSubmitted: true,
		domain.JobFailed:    true, // fatal submit rejection
		domain.JobCancelled: true,
	},
	domain.JobSubmitted: {
		domain.JobRunning:   true,
		domain.JobSucceeded: true, // terminal reported before RUNNING was observed
		domain.JobFailed:    true,
		domain.JobCancelled: true,
	},
	domain.JobRunning: {
		domain.JobSucceeded: true,
		domain.JobFailed:    true,
		domain.JobCancelled: true,
	},
}

// IsValidTransition checks if a job state transition is legal.
func IsValidTransition(from, to domain.JobState) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// transition mutates the job's state after validating the edge. All state
// changes in the tracker go through here.
func transition(j *domain.Job, to domain.JobState) error {
	if !IsValidTransition(j.State, to) {
		return domain.NewPipelineError(domain.ErrInvalidTransition.Code,
			fmt.Sprintf("job %s: illegal transition %s -> %s", j.ID, j.State, to))
	}
	j.State = to
	return nil
}
