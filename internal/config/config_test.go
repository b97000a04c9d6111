package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthropics/callscore-engine/internal/domain"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

const minimalYAML = `
input_root: /data/calls
whisperx_image: /images/whisperx.sif
ollama_image: /images/ollama.sif
tools_dir: /opt/tools
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "/data/calls", cfg.InputRoot)
	assert.Equal(t, DefaultThreshold, cfg.Threshold)
	assert.Equal(t, DefaultPartition, cfg.Partition)
	assert.Equal(t, 4, cfg.CPUs)
	assert.Equal(t, 1, cfg.GPUs)
	assert.Equal(t, 81, cfg.MemGB)
	assert.Equal(t, DefaultTimeLimit, cfg.TimeLimit)
	assert.Equal(t, DefaultModel, cfg.OllamaModel)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval.Std())
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 8, cfg.MaxInFlight)
	assert.Equal(t, 15*time.Minute, cfg.Staleness())
}

func TestLoadExplicitValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`
threshold: 60
partition: gpu-a40
account: acct1
poll_interval: 30s
max_attempts: 5
state_db: /var/lib/callscore/state.db
listen_addr: ":8700"
`))
	require.NoError(t, err)

	assert.Equal(t, 60, cfg.Threshold)
	assert.Equal(t, "gpu-a40", cfg.Partition)
	assert.Equal(t, 30*time.Second, cfg.PollInterval.Std())
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, "/var/lib/callscore/state.db", cfg.StateDB)
	assert.Equal(t, ":8700", cfg.ListenAddr)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CALLSCORE_THRESHOLD", "80")
	t.Setenv("OLLAMA_MODEL", "llama3:70b")
	t.Setenv("SLURM_ACCOUNT", "teamx")
	t.Setenv("HF_TOKEN", "hf_secret")

	cfg, err := Load(writeConfig(t, minimalYAML+"threshold: 60\n"))
	require.NoError(t, err)

	assert.Equal(t, 80, cfg.Threshold)
	assert.Equal(t, "llama3:70b", cfg.OllamaModel)
	assert.Equal(t, "teamx", cfg.Account)
	assert.Equal(t, "hf_secret", cfg.HFToken)
}

func TestDeriveQOS(t *testing.T) {
	t.Setenv("SLURM_ACCOUNT", "uwit")

	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, "uwit-gpu-rtx6k", cfg.QOS)

	// Explicit QOS wins over the convention.
	cfg, err = Load(writeConfig(t, minimalYAML+"qos: custom-qos\n"))
	require.NoError(t, err)
	assert.Equal(t, "custom-qos", cfg.QOS)
}

func TestDeriveQOSNonGPUPartition(t *testing.T) {
	t.Setenv("SLURM_ACCOUNT", "uwit")

	cfg, err := Load(writeConfig(t, minimalYAML+"partition: compute\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.QOS)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing input root", "whisperx_image: a\nollama_image: b\ntools_dir: c\n"},
		{"missing images", "input_root: /data\ntools_dir: c\n"},
		{"threshold out of range", minimalYAML + "threshold: 101\n"},
		{"poll interval too small", minimalYAML + "poll_interval: 100ms\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.ErrorIs(t, err, domain.ErrConfig)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestResources(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+"account: acct1\n"))
	require.NoError(t, err)

	rs := cfg.Resources()
	assert.Equal(t, 4, rs.CPUs)
	assert.Equal(t, 1, rs.GPUs)
	assert.Equal(t, 81, rs.MemGB)
	assert.Equal(t, "acct1", rs.Account)
	assert.Equal(t, "acct1-gpu-rtx6k", rs.QOS)
}
