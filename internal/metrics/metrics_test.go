package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	m := New()
	m.JobSubmitted()
	m.JobSubmitted()
	m.JobSucceeded()
	m.JobFailed("transient")
	m.JobFailed("transient")
	m.JobFailed("deterministic")
	m.JobRetried()
	m.PollError()
	m.CallClassified("reviewed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsSucceeded))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobsFailed.WithLabelValues("transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsFailed.WithLabelValues("deterministic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsClassified.WithLabelValues("reviewed")))
}

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics
	m.JobSubmitted()
	m.JobSucceeded()
	m.JobFailed("transient")
	m.JobRetried()
	m.PollError()
	m.CallClassified("reviewed")
	require.NotNil(t, m.Registry())
}
