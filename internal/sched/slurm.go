package sched

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/anthropics/callscore-engine/internal/domain"
)

// Runner executes a scheduler CLI command. Injectable so tests can drive
// the client without a cluster.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, stderr string, err error)
}

// ExecRunner runs real commands.
type ExecRunner struct{}

// Run executes the command and captures both streams.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &errb
	err := cmd.Run()
	return out.String(), errb.String(), err
}

// Slurm submits, queries, and cancels jobs through the sbatch/squeue/sacct/
// scancel command surface.
type Slurm struct {
	runner Runner
}

// NewSlurm creates a Slurm client with the given runner (nil picks the real
// ExecRunner).
func NewSlurm(r Runner) *Slurm {
	if r == nil {
		r = ExecRunner{}
	}
	return &Slurm{runner: r}
}

// Submit writes the batch script and sbatches it, returning the job id.
func (s *Slurm) Submit(ctx context.Context, spec SubmitSpec) (string, error) {
	if err := os.MkdirAll(filepath.Dir(spec.ScriptPath), 0o755); err != nil {
		return "", fmt.Errorf("create script dir: %w", err)
	}
	if err := os.WriteFile(spec.ScriptPath, []byte(spec.Script), 0o755); err != nil {
		return "", fmt.Errorf("write job script: %w", err)
	}

	stdout, stderr, err := s.runner.Run(ctx, "sbatch", "--parsable", spec.ScriptPath)
	if err != nil {
		if unreachable(err, stderr) {
			return "", domain.WrapPipelineError(domain.ErrSchedulerUnavailable.Code,
				fmt.Sprintf("sbatch %s", spec.Name), err)
		}
		return "", domain.NewPipelineError(domain.ErrSchedulerRejected.Code,
			fmt.Sprintf("sbatch %s: %s", spec.Name, firstLine(stderr)))
	}

	// --parsable prints "jobid" or "jobid;cluster".
	handle := strings.SplitN(strings.TrimSpace(stdout), ";", 2)[0]
	if handle == "" {
		return "", domain.NewPipelineError(domain.ErrSchedulerRejected.Code,
			fmt.Sprintf("sbatch %s: no job id in output %q", spec.Name, stdout))
	}
	return handle, nil
}

// Query asks squeue first (cheap, covers queued/running) and falls back to
// sacct once the job has left the queue. Reads are idempotent.
func (s *Slurm) Query(ctx context.Context, handle string) (Status, error) {
	stdout, stderr, err := s.runner.Run(ctx, "squeue", "-j", handle, "--noheader", "-o", "%T")
	if err != nil && unreachable(err, stderr) {
		return Status{}, domain.WrapPipelineError(domain.ErrSchedulerUnavailable.Code,
			fmt.Sprintf("squeue %s", handle), err)
	}
	// squeue errors on unknown ids once they age out; fall through to sacct.
	if err == nil {
		if raw := firstLine(stdout); raw != "" {
			return mapState(raw, 0), nil
		}
	}

	stdout, stderr, err = s.runner.Run(ctx, "sacct", "-j", handle, "-X", "--noheader", "--parsable2", "--format=State,ExitCode")
	if err != nil {
		if unreachable(err, stderr) {
			return Status{}, domain.WrapPipelineError(domain.ErrSchedulerUnavailable.Code,
				fmt.Sprintf("sacct %s", handle), err)
		}
		return Status{}, fmt.Errorf("sacct %s: %s", handle, firstLine(stderr))
	}

	line := firstLine(stdout)
	if line == "" {
		// Accounting lag right after submission, or a handle the scheduler
		// never knew. Either way the tracker keeps the last known state.
		return Status{}, domain.NewPipelineError(domain.ErrUnknownHandle.Code,
			fmt.Sprintf("job %s not known to squeue or sacct", handle))
	}

	fields := strings.SplitN(line, "|", 2)
	raw := strings.TrimSpace(fields[0])
	exitCode := 0
	if len(fields) == 2 {
		// ExitCode is "rc:signal".
		if rc := strings.SplitN(fields[1], ":", 2); len(rc) > 0 {
			exitCode, _ = strconv.Atoi(strings.TrimSpace(rc[0]))
		}
	}
	return mapState(raw, exitCode), nil
}

// Cancel issues a best-effort scancel.
func (s *Slurm) Cancel(ctx context.Context, handle string) error {
	_, stderr, err := s.runner.Run(ctx, "scancel", handle)
	if err != nil {
		if unreachable(err, stderr) {
			return domain.WrapPipelineError(domain.ErrSchedulerUnavailable.Code,
				fmt.Sprintf("scancel %s", handle), err)
		}
		return fmt.Errorf("scancel %s: %s", handle, firstLine(stderr))
	}
	return nil
}

// mapState folds Slurm's state vocabulary into the boundary's five states.
func mapState(raw string, exitCode int) Status {
	// Slurm may append qualifiers, e.g. "CANCELLED by 1234". An empty
	// state field (accounting lag) keeps the job polling.
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return Status{ExitCode: exitCode, State: StateRunning}
	}
	word := fields[0]
	st := Status{RawState: word, ExitCode: exitCode}
	switch word {
	case "PENDING", "CONFIGURING", "REQUEUED", "SUSPENDED":
		st.State = StateQueued
	case "RUNNING", "COMPLETING", "STAGE_OUT":
		st.State = StateRunning
	case "COMPLETED":
		st.State = StateCompleted
	case "CANCELLED", "REVOKED":
		st.State = StateCancelled
	case "FAILED", "TIMEOUT", "OUT_OF_MEMORY", "NODE_FAIL", "PREEMPTED", "BOOT_FAIL", "DEADLINE":
		st.State = StateFailed
	default:
		// Conservatively keep polling anything unrecognized.
		st.State = StateRunning
	}
	return st
}

// unreachable decides whether a command failure means the scheduler control
// plane could not be contacted (transient) rather than the request being
// bad (fatal).
func unreachable(err error, stderr string) bool {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(stderr)
	for _, marker := range []string{
		"unable to contact slurm controller",
		"connection refused",
		"connection timed out",
		"timed out",
		"socket timed out",
		"slurm_load_jobs error",
		"communication connection failure",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
