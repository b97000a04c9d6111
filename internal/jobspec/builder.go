// Package jobspec builds the per-unit batch job description: resource
// request, container invocations for both pipeline stages, and the
// deterministic output and log paths derived from the unit id.
package jobspec

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/anthropics/callscore-engine/internal/config"
	"github.com/anthropics/callscore-engine/internal/domain"
)

// Builder turns work units into immutable job specs. Build performs no I/O
// beyond path computation and the container image existence gate.
type Builder struct {
	cfg     *config.Config
	logsDir string
}

// NewBuilder creates a Builder. Validate should be called once before the
// first Build so a broken configuration fails before any submission.
func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{
		cfg:     cfg,
		logsDir: filepath.Join(cfg.InputRoot, "logs"),
	}
}

// Validate checks that both container image paths resolve to existing
// files. This is the fast pre-submission gate: a missing image would waste
// scheduler queue time on every unit.
func (b *Builder) Validate() error {
	for _, img := range []string{b.cfg.WhisperXImage, b.cfg.OllamaImage} {
		info, err := os.Stat(img)
		if err != nil || info.IsDir() {
			return domain.NewPipelineError(domain.ErrImageNotFound.Code,
				fmt.Sprintf("container image %q does not resolve to a file", img))
		}
	}
	return nil
}

// ShouldSkip reports whether the skip-completed policy excludes this unit
// from submission. Reprocessing an archived unit is the most expensive
// mistake the pipeline can make, so the check is policy-gated but cheap.
func (b *Builder) ShouldSkip(unit domain.WorkUnit) bool {
	return b.cfg.SkipCompleted && unit.Completed
}

// LogsDir is the run-level directory collecting scheduler stdout/stderr.
func (b *Builder) LogsDir() string { return b.logsDir }

// Build renders the two-stage job spec for one unit. All derived paths are
// pure functions of the unit id, so a rerun overwrites the previous
// script and logs instead of scattering new ones.
func (b *Builder) Build(unit domain.WorkUnit) (domain.JobSpec, error) {
	if err := b.Validate(); err != nil {
		return domain.JobSpec{}, err
	}

	name := unit.ID + "_pipeline"
	spec := domain.JobSpec{
		Name:       name,
		UnitID:     unit.ID,
		ScriptPath: filepath.Join(b.logsDir, name+".slurm"),
		StdoutLog:  filepath.Join(b.logsDir, name+".out"),
		StderrLog:  filepath.Join(b.logsDir, name+".err"),
		Resources:  b.cfg.Resources(),
	}

	script, err := b.renderScript(unit, spec)
	if err != nil {
		return domain.JobSpec{}, domain.WrapPipelineError(domain.ErrConfig.Code, "render job script", err)
	}
	spec.Script = script
	return spec, nil
}

func (b *Builder) renderScript(unit domain.WorkUnit, spec domain.JobSpec) (string, error) {
	data := scriptData{
		JobName:   spec.Name,
		Res:       spec.Resources,
		StdoutLog: spec.StdoutLog,
		StderrLog: spec.StderrLog,
		BaseDir:   b.cfg.InputRoot,
		UnitDir:   unit.Dir,
		ToolsDir:  b.cfg.ToolsDir,
		WhisperX:  b.cfg.WhisperXImage,
		Ollama:    b.cfg.OllamaImage,
		Model:     b.cfg.OllamaModel,
		HFToken:   b.cfg.HFToken,
	}
	var buf bytes.Buffer
	if err := scriptTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

type scriptData struct {
	JobName   string
	Res       domain.ResourceSpec
	StdoutLog string
	StderrLog string
	BaseDir   string
	UnitDir   string
	ToolsDir  string
	WhisperX  string
	Ollama    string
	Model     string
	HFToken   string
}

// scriptTmpl chains stage 1 (transcription) and stage 2 (scoring) inside a
// single allocation. Stage 2 never races stage 1: they are sequential
// steps of the same job, with set -e aborting on a stage-1 failure.
var scriptTmpl = template.Must(template.New("slurm").Parse(`#!/bin/bash
#SBATCH --job-name={{.JobName}}
#SBATCH --partition={{.Res.Partition}}
#SBATCH --nodes=1
#SBATCH --cpus-per-task={{.Res.CPUs}}
#SBATCH --gpus={{.Res.GPUs}}
#SBATCH --mem={{.Res.MemGB}}G
#SBATCH --time={{.Res.TimeLimit}}
#SBATCH --output={{.StdoutLog}}
#SBATCH --error={{.StderrLog}}
{{- if .Res.Account}}
#SBATCH --account={{.Res.Account}}
{{- end}}
{{- if .Res.QOS}}
#SBATCH --qos={{.Res.QOS}}
{{- end}}

set -euo pipefail

module load apptainer

export HF_TOKEN="{{.HFToken}}"
export PYTHONUNBUFFERED=1

TOOLS_DIR="{{.ToolsDir}}"
BASE_DIR="{{.BaseDir}}"
UNIT_DIR="{{.UnitDir}}"

# Stage 1: transcription with diarization.
apptainer exec --nv \
  --env LD_LIBRARY_PATH=/usr/local/lib/python3.10/dist-packages/nvidia/cudnn/lib \
  --bind "$TOOLS_DIR:$TOOLS_DIR" \
  --bind "$BASE_DIR:$BASE_DIR" \
  "{{.WhisperX}}" \
  python3 "$TOOLS_DIR/transcribe_calls.py" "$UNIT_DIR" --device cuda

# Stage 2: scoring over the full transcript set.
apptainer exec --nv \
  --bind "$TOOLS_DIR:$TOOLS_DIR" \
  --bind "$BASE_DIR:$BASE_DIR" \
  --bind "$HOME/.ollama:$HOME/.ollama" \
  "{{.Ollama}}" \
  bash <<'ANALYZE'
set -eo pipefail
export OLLAMA_HOST="127.0.0.1:11434"
export no_proxy="localhost,127.0.0.1"
export NO_PROXY="localhost,127.0.0.1"
unset http_proxy https_proxy HTTP_PROXY HTTPS_PROXY

ollama serve >/tmp/ollama.log 2>&1 &
OLLAMA_PID=$!
if ! kill -0 "$OLLAMA_PID" 2>/dev/null; then
    echo "failed to start ollama server" >&2
    exit 1
fi
trap 'kill $OLLAMA_PID 2>/dev/null || true' EXIT

for i in {1..12}; do
    if curl -s http://127.0.0.1:11434/api/tags >/dev/null 2>&1; then
        break
    fi
    sleep 5
done

if ! ollama list | grep -q "{{.Model}}"; then
    ollama pull "{{.Model}}"
fi

python3 "{{.ToolsDir}}/analyze_with_ollama.py" "{{.UnitDir}}" --model "{{.Model}}"
ANALYZE

echo "pipeline completed for {{.JobName}}"
`))
