// Package classifier partitions a unit's scored calls into the reviewed
// and needs_further_attention buckets once the scoring stage has written
// its result set.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/anthropics/callscore-engine/internal/domain"
	"github.com/anthropics/callscore-engine/internal/metrics"
	"github.com/anthropics/callscore-engine/internal/report"
)

// transcriptSuffixes are the stage-1 outputs that travel with a call.
var transcriptSuffixes = []string{".vtt", ".srt", ".txt", ".json"}

// Classifier reorganizes unit output by score threshold. Classification is
// idempotent: re-running on an already classified unit is a no-op, or a
// safe re-sort if a call's bucket changed.
type Classifier struct {
	threshold int
	metrics   *metrics.Metrics
	logger    *log.Logger
}

// New creates a Classifier for the run's threshold.
func New(threshold int, m *metrics.Metrics, logger *log.Logger) *Classifier {
	if logger == nil {
		logger = log.Default()
	}
	return &Classifier{threshold: threshold, metrics: m, logger: logger}
}

// ClassifyUnit loads the unit's result set, moves each call's artifacts
// into its bucket, and regenerates the unit summary. Failures are scoped
// per call; siblings always classify.
func (c *Classifier) ClassifyUnit(ctx context.Context, unit domain.WorkUnit) error {
	results, callErrs, err := LoadResults(unit.Dir)
	if err != nil {
		return err
	}

	for _, res := range results {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.classifyCall(unit, res); err != nil {
			callErrs = append(callErrs, CallError{Key: res.CallID, Err: err})
		}
	}

	if err := report.WriteUnitSummary(unit.Dir, unit.ID, results, c.threshold); err != nil {
		return fmt.Errorf("write unit summary: %w", err)
	}

	if len(callErrs) > 0 {
		for _, ce := range callErrs {
			c.logger.Printf("unit %s: %v", unit.ID, ce)
		}
		return domain.NewPipelineError(domain.ErrClassification.Code,
			fmt.Sprintf("unit %s: %d of %d calls failed classification (first: %v)",
				unit.ID, len(callErrs), len(callErrs)+len(results), callErrs[0]))
	}
	return nil
}

// classifyCall moves one call's audio, transcript, and result artifacts
// into its bucket. The move is atomic per call: everything is staged into
// a temp directory first and a single rename puts it in place, so an
// interruption never leaves a half-moved call in a bucket.
func (c *Classifier) classifyCall(unit domain.WorkUnit, res domain.CallResult) error {
	bucket := domain.ClassifyScore(res.Score, c.threshold)
	if res.Inconsistent {
		c.logger.Printf("unit %s: call %s reported total %d but components sum to %d; using recomputed score",
			unit.ID, res.CallID, res.ReportedTotal, res.Score)
	}

	dest := filepath.Join(unit.OutputRoot, string(bucket), res.CallID)
	other := filepath.Join(unit.OutputRoot, string(otherBucket(bucket)), res.CallID)

	if _, err := os.Stat(dest); err == nil {
		return nil // already classified
	}
	if _, err := os.Stat(other); err == nil {
		// Same result set, different threshold outcome: re-sort the whole
		// call directory in one rename.
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		c.logger.Printf("unit %s: call %s re-sorted to %s", unit.ID, res.CallID, bucket)
		return os.Rename(other, dest)
	}

	staging := filepath.Join(unit.OutputRoot, string(bucket), ".staging-"+res.CallID)
	if err := c.recoverStaging(unit.Dir, staging); err != nil {
		return err
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return err
	}

	var moved []string // staged names, for rollback
	rollback := func() {
		for _, name := range moved {
			_ = os.Rename(filepath.Join(staging, name), filepath.Join(unit.Dir, name))
		}
		_ = os.RemoveAll(staging)
	}

	for _, name := range callArtifacts(res) {
		src := filepath.Join(unit.Dir, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, filepath.Join(staging, name)); err != nil {
			rollback()
			return fmt.Errorf("stage %s: %w", name, err)
		}
		moved = append(moved, name)
	}

	record, err := renderCallRecord(res)
	if err != nil {
		rollback()
		return err
	}
	if err := os.WriteFile(filepath.Join(staging, "analysis_results.json"), record, 0o644); err != nil {
		rollback()
		return err
	}

	if err := os.Rename(staging, dest); err != nil {
		rollback()
		return err
	}
	c.metrics.CallClassified(string(bucket))
	return nil
}

// recoverStaging returns a crashed run's staged artifacts to the unit
// directory so this run can stage them afresh.
func (c *Classifier) recoverStaging(unitDir, staging string) error {
	entries, err := os.ReadDir(staging)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.Name() == "analysis_results.json" {
			continue
		}
		if err := os.Rename(filepath.Join(staging, e.Name()), filepath.Join(unitDir, e.Name())); err != nil {
			return fmt.Errorf("recover staged %s: %w", e.Name(), err)
		}
	}
	return os.RemoveAll(staging)
}

// callArtifacts lists the file names belonging to one call, relative to
// the unit directory.
func callArtifacts(res domain.CallResult) []string {
	names := []string{res.AudioFile}
	for _, suffix := range transcriptSuffixes {
		names = append(names, res.CallID+suffix)
	}
	return names
}

func otherBucket(b domain.Bucket) domain.Bucket {
	if b == domain.BucketReviewed {
		return domain.BucketNeedsAttention
	}
	return domain.BucketReviewed
}

// renderCallRecord serializes the per-call result file placed next to the
// moved artifacts. The canonical recomputed score is authoritative; the
// engine's reported total is preserved for audit.
func renderCallRecord(res domain.CallResult) ([]byte, error) {
	record := map[string]any{
		res.TranscriptFile: map[string]any{
			"audio_file":            res.AudioFile,
			"transcription_file":    res.TranscriptFile,
			"score_netid":           res.ComponentScores["netid"],
			"score_resolution":      res.ComponentScores["resolution"],
			"score_instruction":     res.ComponentScores["instruction"],
			"score_zoom":            res.ComponentScores["zoom"],
			"score_confidentiality": res.ComponentScores["confidentiality"],
			"score_tech_quality":    res.ComponentScores["tech_quality"],
			"total_score":           res.ReportedTotal,
			"score":                 res.Score,
			"score_inconsistent":    res.Inconsistent,
			"reasoning":             res.Reasoning,
			"transcription_preview": res.Preview,
		},
	}
	return json.MarshalIndent(record, "", "  ")
}
