// Package config loads the run configuration for the pipeline.
//
// Resolution order: a .env file supplies secrets (the diarization token) and
// may set CALLSCORE_* overrides; the YAML file supplies everything else;
// environment variables win over YAML. The whole configuration is immutable
// for the run's duration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/anthropics/callscore-engine/internal/domain"
)

const (
	DefaultThreshold    = 75
	DefaultPartition    = "gpu-rtx6k"
	DefaultTimeLimit    = "02:00:00"
	DefaultModel        = "deepseek-r1:32b"
	DefaultPollInterval = 3 * time.Minute
)

// Duration decodes YAML durations written either as Go duration strings
// ("3m", "45s") or as integer seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return domain.WrapPipelineError(domain.ErrConfig.Code, fmt.Sprintf("duration %q", s), perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the pipeline's runtime configuration.
type Config struct {
	// InputRoot contains one subdirectory per agent.
	InputRoot string `yaml:"input_root"`
	// Threshold separates reviewed from needs_further_attention.
	Threshold int `yaml:"threshold"`

	// Container images and the scoring model.
	WhisperXImage string `yaml:"whisperx_image"`
	OllamaImage   string `yaml:"ollama_image"`
	OllamaModel   string `yaml:"ollama_model"`

	// ToolsDir holds the stage entry points (transcribe_calls.py,
	// analyze_with_ollama.py) bind-mounted into both containers.
	ToolsDir string `yaml:"tools_dir"`

	// HFToken authenticates the diarization model download. Loaded from the
	// environment (HF_TOKEN), never from YAML.
	HFToken string `yaml:"-"`

	// Scheduler resource parameters.
	Partition string `yaml:"partition"`
	Account   string `yaml:"account"`
	QOS       string `yaml:"qos"`
	CPUs      int    `yaml:"cpus"`
	GPUs      int    `yaml:"gpus"`
	MemGB     int    `yaml:"mem_gb"`
	TimeLimit string `yaml:"time_limit"`

	// Tracker tuning.
	PollInterval    Duration `yaml:"poll_interval"`
	StalenessCycles int      `yaml:"staleness_cycles"`
	MaxAttempts     int      `yaml:"max_attempts"`
	MaxInFlight     int      `yaml:"max_in_flight"`

	// SkipCompleted makes the script builder skip units whose output buckets
	// already hold fully classified results from a prior run.
	SkipCompleted bool `yaml:"skip_completed"`

	// StateDB is the sqlite path for the persisted job-state store.
	// Empty selects the in-memory store.
	StateDB string `yaml:"state_db"`

	// ListenAddr serves the status API and metrics. Empty disables it.
	ListenAddr string `yaml:"listen_addr"`
}

// Load reads the YAML config file, merges .env and environment overrides,
// applies defaults, and validates.
func Load(path string) (*Config, error) {
	// Secrets and overrides may live next to the binary in a .env file.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, domain.WrapPipelineError(domain.ErrConfig.Code, "parse config YAML", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Resources returns the scheduler resource request derived from the config.
func (c *Config) Resources() domain.ResourceSpec {
	return domain.ResourceSpec{
		CPUs:      c.CPUs,
		GPUs:      c.GPUs,
		MemGB:     c.MemGB,
		TimeLimit: c.TimeLimit,
		Partition: c.Partition,
		Account:   c.Account,
		QOS:       c.QOS,
	}
}

// Staleness is the age beyond which an unpolled job counts as unreachable.
func (c *Config) Staleness() time.Duration {
	return time.Duration(c.StalenessCycles) * c.PollInterval.Std()
}

func (c *Config) applyEnv() {
	c.HFToken = os.Getenv("HF_TOKEN")

	if v := os.Getenv("CALLSCORE_INPUT_ROOT"); v != "" {
		c.InputRoot = v
	}
	if v := os.Getenv("CALLSCORE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Threshold = n
		}
	}
	if v := os.Getenv("WHISPERX_IMAGE"); v != "" {
		c.WhisperXImage = v
	}
	if v := os.Getenv("OLLAMA_IMAGE"); v != "" {
		c.OllamaImage = v
	}
	if v := os.Getenv("OLLAMA_MODEL"); v != "" {
		c.OllamaModel = v
	}
	if v := os.Getenv("SLURM_ACCOUNT"); v != "" {
		c.Account = v
	}
}

func (c *Config) applyDefaults() {
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Partition == "" {
		c.Partition = DefaultPartition
	}
	if c.CPUs == 0 {
		c.CPUs = 4
	}
	if c.GPUs == 0 {
		c.GPUs = 1
	}
	if c.MemGB == 0 {
		c.MemGB = 81
	}
	if c.TimeLimit == "" {
		c.TimeLimit = DefaultTimeLimit
	}
	if c.OllamaModel == "" {
		c.OllamaModel = DefaultModel
	}
	if c.PollInterval == 0 {
		c.PollInterval = Duration(DefaultPollInterval)
	}
	if c.StalenessCycles == 0 {
		c.StalenessCycles = 5
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = 8
	}
	if c.QOS == "" {
		c.QOS = deriveQOS(c.Account, c.Partition)
	}
}

// deriveQOS applies the cluster convention {account}-gpu-{gpu_type} when an
// account is set and the partition is a GPU partition.
func deriveQOS(account, partition string) string {
	if account == "" || len(partition) < 5 || partition[:4] != "gpu-" {
		return ""
	}
	return fmt.Sprintf("%s-gpu-%s", account, partition[4:])
}

func (c *Config) validate() error {
	var problems []string

	if c.InputRoot == "" {
		problems = append(problems, "input_root is required")
	}
	if c.WhisperXImage == "" {
		problems = append(problems, "whisperx_image is required")
	}
	if c.OllamaImage == "" {
		problems = append(problems, "ollama_image is required")
	}
	if c.ToolsDir == "" {
		problems = append(problems, "tools_dir is required")
	}
	if c.Threshold < 0 || c.Threshold > domain.MaxScore {
		problems = append(problems, fmt.Sprintf("threshold %d out of range [0, %d]", c.Threshold, domain.MaxScore))
	}
	if c.PollInterval.Std() < time.Second {
		problems = append(problems, "poll_interval must be at least 1s")
	}
	if c.MaxAttempts < 1 {
		problems = append(problems, "max_attempts must be at least 1")
	}

	if len(problems) > 0 {
		return &domain.PipelineError{
			Code:    domain.ErrConfig.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfig.Message, problems),
		}
	}
	return nil
}
