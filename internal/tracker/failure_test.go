package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/anthropics/callscore-engine/internal/domain"
)

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name     string
		rawState string
		exitCode int
		want     domain.FailureKind
	}{
		{"preempted", "PREEMPTED", 0, domain.FailureTransient},
		{"node fail", "NODE_FAIL", 0, domain.FailureTransient},
		{"boot fail", "BOOT_FAIL", 0, domain.FailureTransient},
		{"oom state", "OUT_OF_MEMORY", 0, domain.FailureTransient},
		{"scheduler cancel", "CANCELLED", 0, domain.FailureTransient},
		{"revoked", "REVOKED", 0, domain.FailureTransient},
		{"timeout", "TIMEOUT", 0, domain.FailureDeterministic},
		{"deadline", "DEADLINE", 0, domain.FailureDeterministic},
		{"oom kill exit", "FAILED", 137, domain.FailureTransient},
		{"sigterm exit", "FAILED", 143, domain.FailureTransient},
		{"plain failure", "FAILED", 1, domain.FailureDeterministic},
		{"script error", "FAILED", 2, domain.FailureDeterministic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, reason := classifyFailure(tt.rawState, tt.exitCode)
			assert.Equal(t, tt.want, kind)
			assert.NotEmpty(t, reason)
		})
	}
}
