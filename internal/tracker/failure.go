package tracker

import (
	"fmt"

	"github.com/anthropics/callscore-engine/internal/domain"
)

// Exit codes carrying a fatal signal: 128+SIGKILL is the cgroup OOM killer,
// 128+SIGTERM is how Slurm stops a job it preempts.
const (
	exitOOMKilled = 137
	exitSigTermed = 143
)

// classifyFailure decides whether a terminal failure is worth retrying.
// Preemption, OOM, node failure, and scheduler-side cancellation are
// transient: a fresh allocation may simply succeed. A plain non-zero exit
// is the work itself failing deterministically (for example a malformed
// recording); retrying would only mask the data problem.
func classifyFailure(rawState string, exitCode int) (domain.FailureKind, string) {
	switch rawState {
	case "PREEMPTED":
		return domain.FailureTransient, "preempted by the scheduler"
	case "NODE_FAIL", "BOOT_FAIL":
		return domain.FailureTransient, "compute node failed"
	case "OUT_OF_MEMORY":
		return domain.FailureTransient, "out of memory"
	case "CANCELLED", "REVOKED":
		return domain.FailureTransient, "cancelled by the scheduler"
	case "TIMEOUT", "DEADLINE":
		// A rerun gets the same wall-clock limit and the same input; this
		// is the job being too slow, not the cluster being unlucky.
		return domain.FailureDeterministic, "wall-clock limit exceeded"
	}

	switch exitCode {
	case exitOOMKilled:
		return domain.FailureTransient, "killed by the OOM killer"
	case exitSigTermed:
		return domain.FailureTransient, "terminated by the scheduler"
	default:
		return domain.FailureDeterministic, fmt.Sprintf("stage exited with code %d", exitCode)
	}
}
