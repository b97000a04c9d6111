package sched

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthropics/callscore-engine/internal/domain"
)

// fakeRunner replays canned responses per command name.
type fakeRunner struct {
	responses map[string]cmdResult
	calls     []string
}

type cmdResult struct {
	stdout string
	stderr string
	err    error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, string, error) {
	f.calls = append(f.calls, name)
	r, ok := f.responses[name]
	if !ok {
		return "", "", errors.New("unexpected command " + name)
	}
	return r.stdout, r.stderr, r.err
}

func testSpec(t *testing.T) SubmitSpec {
	t.Helper()
	return SubmitSpec{
		Name:       "alice_pipeline",
		Script:     "#!/bin/bash\necho hi\n",
		ScriptPath: filepath.Join(t.TempDir(), "logs", "alice_pipeline.slurm"),
	}
}

func TestSubmitParsesHandle(t *testing.T) {
	r := &fakeRunner{responses: map[string]cmdResult{
		"sbatch": {stdout: "12345;cluster1\n"},
	}}
	s := NewSlurm(r)

	handle, err := s.Submit(context.Background(), testSpec(t))
	require.NoError(t, err)
	assert.Equal(t, "12345", handle)
}

func TestSubmitWritesScript(t *testing.T) {
	r := &fakeRunner{responses: map[string]cmdResult{
		"sbatch": {stdout: "7\n"},
	}}
	spec := testSpec(t)

	_, err := NewSlurm(r).Submit(context.Background(), spec)
	require.NoError(t, err)

	data, err := os.ReadFile(spec.ScriptPath)
	require.NoError(t, err)
	assert.Equal(t, spec.Script, string(data))
}

func TestSubmitRejected(t *testing.T) {
	r := &fakeRunner{responses: map[string]cmdResult{
		"sbatch": {stderr: "sbatch: error: invalid partition specified\n", err: errors.New("exit status 1")},
	}}

	_, err := NewSlurm(r).Submit(context.Background(), testSpec(t))
	require.ErrorIs(t, err, domain.ErrSchedulerRejected)
	assert.Contains(t, err.Error(), "invalid partition")
}

func TestSubmitUnavailable(t *testing.T) {
	r := &fakeRunner{responses: map[string]cmdResult{
		"sbatch": {stderr: "sbatch: error: Unable to contact slurm controller (connect failure)\n", err: errors.New("exit status 1")},
	}}

	_, err := NewSlurm(r).Submit(context.Background(), testSpec(t))
	require.ErrorIs(t, err, domain.ErrSchedulerUnavailable)
}

func TestQueryViaSqueue(t *testing.T) {
	r := &fakeRunner{responses: map[string]cmdResult{
		"squeue": {stdout: "RUNNING\n"},
	}}

	st, err := NewSlurm(r).Query(context.Background(), "12345")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, "RUNNING", st.RawState)
	assert.Equal(t, []string{"squeue"}, r.calls)
}

func TestQueryFallsBackToSacct(t *testing.T) {
	r := &fakeRunner{responses: map[string]cmdResult{
		"squeue": {stdout: ""},
		"sacct":  {stdout: "FAILED|137:0\n"},
	}}

	st, err := NewSlurm(r).Query(context.Background(), "12345")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, "FAILED", st.RawState)
	assert.Equal(t, 137, st.ExitCode)
	assert.Equal(t, []string{"squeue", "sacct"}, r.calls)
}

func TestQueryCancelledWithQualifier(t *testing.T) {
	r := &fakeRunner{responses: map[string]cmdResult{
		"squeue": {stdout: ""},
		"sacct":  {stdout: "CANCELLED by 1234|0:0\n"},
	}}

	st, err := NewSlurm(r).Query(context.Background(), "12345")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, st.State)
	assert.Equal(t, "CANCELLED", st.RawState)
}

func TestQueryEmptyStateField(t *testing.T) {
	// sacct can emit a row with an empty State column during accounting lag.
	r := &fakeRunner{responses: map[string]cmdResult{
		"squeue": {stdout: ""},
		"sacct":  {stdout: "|0:0\n"},
	}}

	st, err := NewSlurm(r).Query(context.Background(), "12345")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)
}

func TestQueryUnknownHandle(t *testing.T) {
	r := &fakeRunner{responses: map[string]cmdResult{
		"squeue": {stdout: ""},
		"sacct":  {stdout: "\n"},
	}}

	_, err := NewSlurm(r).Query(context.Background(), "99999")
	require.ErrorIs(t, err, domain.ErrUnknownHandle)
}

func TestQueryUnavailable(t *testing.T) {
	r := &fakeRunner{responses: map[string]cmdResult{
		"squeue": {stderr: "slurm_load_jobs error: Socket timed out on send/recv operation\n", err: errors.New("exit status 1")},
	}}

	_, err := NewSlurm(r).Query(context.Background(), "12345")
	require.ErrorIs(t, err, domain.ErrSchedulerUnavailable)
}

func TestCancel(t *testing.T) {
	r := &fakeRunner{responses: map[string]cmdResult{
		"scancel": {},
	}}
	require.NoError(t, NewSlurm(r).Cancel(context.Background(), "12345"))

	r = &fakeRunner{responses: map[string]cmdResult{
		"scancel": {stderr: "scancel: error: Connection refused\n", err: errors.New("exit status 1")},
	}}
	err := NewSlurm(r).Cancel(context.Background(), "12345")
	require.ErrorIs(t, err, domain.ErrSchedulerUnavailable)
}

func TestMapState(t *testing.T) {
	tests := []struct {
		raw  string
		want State
	}{
		{"PENDING", StateQueued},
		{"CONFIGURING", StateQueued},
		{"SUSPENDED", StateQueued},
		{"RUNNING", StateRunning},
		{"COMPLETING", StateRunning},
		{"COMPLETED", StateCompleted},
		{"CANCELLED", StateCancelled},
		{"FAILED", StateFailed},
		{"TIMEOUT", StateFailed},
		{"OUT_OF_MEMORY", StateFailed},
		{"NODE_FAIL", StateFailed},
		{"PREEMPTED", StateFailed},
		{"SOME_FUTURE_STATE", StateRunning},
		{"", StateRunning},
		{"   ", StateRunning},
	}
	for _, tt := range tests {
		got := mapState(tt.raw, 0)
		assert.Equal(t, tt.want, got.State, "raw %s", tt.raw)
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, Status{State: StateQueued}.Terminal())
	assert.False(t, Status{State: StateRunning}.Terminal())
	assert.True(t, Status{State: StateCompleted}.Terminal())
	assert.True(t, Status{State: StateFailed}.Terminal())
	assert.True(t, Status{State: StateCancelled}.Terminal())
}
