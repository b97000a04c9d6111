package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyScoreBoundary(t *testing.T) {
	tests := []struct {
		score     int
		threshold int
		want      Bucket
	}{
		{score: 74, threshold: 75, want: BucketNeedsAttention},
		{score: 75, threshold: 75, want: BucketNeedsAttention},
		{score: 76, threshold: 75, want: BucketReviewed},
		{score: 100, threshold: 75, want: BucketReviewed},
		{score: 0, threshold: 0, want: BucketNeedsAttention},
		{score: 1, threshold: 0, want: BucketReviewed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyScore(tt.score, tt.threshold),
			"score=%d threshold=%d", tt.score, tt.threshold)
	}
}

func TestCriteriaSumToMaxScore(t *testing.T) {
	sum := 0
	for _, c := range Criteria {
		sum += c.Max
	}
	require.Equal(t, MaxScore, sum)
}

func TestFailureKindRetryable(t *testing.T) {
	assert.True(t, FailureTransient.Retryable())
	assert.False(t, FailureDeterministic.Retryable())
	assert.False(t, FailureUnreachable.Retryable())
	assert.False(t, FailureRejected.Retryable())
	assert.False(t, FailureCancelled.Retryable())
}

func TestUnitStatusIsTerminal(t *testing.T) {
	terminal := []UnitStatus{UnitSkipped, UnitUnclassified, UnitClassified, UnitFailed, UnitCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "status %s", s)
	}
	live := []UnitStatus{UnitDiscovered, UnitSubmitted, UnitRunning, UnitSucceeded}
	for _, s := range live {
		assert.False(t, s.IsTerminal(), "status %s", s)
	}
}

func TestJobStateIsTerminal(t *testing.T) {
	assert.False(t, JobPending.IsTerminal())
	assert.False(t, JobSubmitted.IsTerminal())
	assert.False(t, JobRunning.IsTerminal())
	assert.True(t, JobSucceeded.IsTerminal())
	assert.True(t, JobFailed.IsTerminal())
	assert.True(t, JobCancelled.IsTerminal())
}

func TestPipelineErrorIs(t *testing.T) {
	err := WrapPipelineError(ErrStoreQuery.Code, "load unit", errors.New("disk gone"))
	require.ErrorIs(t, err, ErrStoreQuery)
	require.NotErrorIs(t, err, ErrStoreWrite)
	assert.Contains(t, err.Error(), "load unit")
	assert.Contains(t, err.Error(), "disk gone")
}
