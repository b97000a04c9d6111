package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/anthropics/callscore-engine/internal/domain"
)

// UnitOutcome is everything the aggregator needs about one terminal unit.
type UnitOutcome struct {
	Unit    domain.WorkUnit
	Jobs    []domain.Job // all attempts, oldest first
	Results []domain.CallResult
}

// ScoreStats summarizes a unit's score distribution.
type ScoreStats struct {
	Calls int     `json:"calls"`
	Min   int     `json:"min"`
	Max   int     `json:"max"`
	Mean  float64 `json:"mean"`
}

// UnitReport is the run report's view of one unit.
type UnitReport struct {
	ID       string     `json:"id"`
	Status   string     `json:"status"`
	Reason   string     `json:"reason,omitempty"`
	Attempts int        `json:"attempts"`
	Handle   string     `json:"handle,omitempty"`
	Scores   ScoreStats `json:"scores"`
	Reviewed int        `json:"reviewed"`
	Needs    int        `json:"needs_further_attention"`
	Summary  string     `json:"summary,omitempty"` // path to the unit report
}

// RunReport is the run-level rollup of every unit's terminal state.
type RunReport struct {
	GeneratedAt  time.Time    `json:"generated_at"`
	Threshold    int          `json:"threshold"`
	Classified   int          `json:"classified_units"`
	Unclassified int          `json:"unclassified_units"`
	Failed       int          `json:"failed_units"`
	Cancelled    int          `json:"cancelled_units"`
	Skipped      int          `json:"skipped_units"`
	Reviewed     int          `json:"reviewed_calls"`
	Needs        int          `json:"needs_further_attention_calls"`
	Units        []UnitReport `json:"units"`
}

// Aggregate rolls terminal unit outcomes into the run report. Pure.
func Aggregate(outcomes []UnitOutcome, threshold int, now time.Time) RunReport {
	rpt := RunReport{GeneratedAt: now, Threshold: threshold}
	for _, o := range outcomes {
		ur := UnitReport{
			ID:     o.Unit.ID,
			Status: string(o.Unit.Status),
			Reason: o.Unit.StatusReason,
		}
		if n := len(o.Jobs); n > 0 {
			last := o.Jobs[n-1]
			ur.Attempts = last.Attempt
			ur.Handle = last.Handle
		}
		for _, res := range o.Results {
			if domain.ClassifyScore(res.Score, threshold) == domain.BucketReviewed {
				ur.Reviewed++
			} else {
				ur.Needs++
			}
		}
		ur.Scores = stats(o.Results)
		if o.Unit.Status == domain.UnitClassified || o.Unit.Status == domain.UnitSkipped {
			ur.Summary = filepath.Join(o.Unit.Dir, UnitSummaryFile)
		}

		switch o.Unit.Status {
		case domain.UnitClassified:
			rpt.Classified++
		case domain.UnitUnclassified:
			rpt.Unclassified++
		case domain.UnitFailed:
			rpt.Failed++
		case domain.UnitCancelled:
			rpt.Cancelled++
		case domain.UnitSkipped:
			rpt.Skipped++
		}
		rpt.Reviewed += ur.Reviewed
		rpt.Needs += ur.Needs
		rpt.Units = append(rpt.Units, ur)
	}
	return rpt
}

func stats(results []domain.CallResult) ScoreStats {
	s := ScoreStats{Calls: len(results)}
	if len(results) == 0 {
		return s
	}
	s.Min = results[0].Score
	s.Max = results[0].Score
	sum := 0
	for _, res := range results {
		if res.Score < s.Min {
			s.Min = res.Score
		}
		if res.Score > s.Max {
			s.Max = res.Score
		}
		sum += res.Score
	}
	s.Mean = float64(sum) / float64(len(results))
	return s
}

// WriteRunReport writes both renderings of the run report into dir:
// run_report.md for humans and run_report.json for machines.
func WriteRunReport(dir string, rpt RunReport) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "run_report.md"), []byte(RenderRunReport(rpt)), 0o644); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rpt, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "run_report.json"), data, 0o644)
}

// RenderRunReport builds the run-level Markdown text.
func RenderRunReport(rpt RunReport) string {
	var b strings.Builder
	b.WriteString("# Pipeline Run Report\n\n")
	fmt.Fprintf(&b, "**Date:** %s\n", rpt.GeneratedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "**Score Threshold:** %d\n\n", rpt.Threshold)

	b.WriteString("## Units\n\n")
	fmt.Fprintf(&b, "- Classified: %d\n", rpt.Classified)
	fmt.Fprintf(&b, "- Succeeded but unclassified: %d\n", rpt.Unclassified)
	fmt.Fprintf(&b, "- Failed: %d\n", rpt.Failed)
	fmt.Fprintf(&b, "- Cancelled: %d\n", rpt.Cancelled)
	fmt.Fprintf(&b, "- Skipped (already classified): %d\n\n", rpt.Skipped)

	b.WriteString("## Calls\n\n")
	fmt.Fprintf(&b, "- Reviewed: %d\n", rpt.Reviewed)
	fmt.Fprintf(&b, "- Needs further attention: %d\n\n", rpt.Needs)

	b.WriteString("## Per-Unit Detail\n\n")
	b.WriteString("| Unit | Status | Attempts | Calls | Min | Mean | Max | Detail |\n")
	b.WriteString("|---|---|---|---|---|---|---|---|\n")
	for _, u := range rpt.Units {
		detail := u.Summary
		if detail == "" {
			detail = "-"
		}
		mean := "-"
		if u.Scores.Calls > 0 {
			mean = fmt.Sprintf("%.1f", u.Scores.Mean)
		}
		fmt.Fprintf(&b, "| %s | %s | %d | %d | %d | %s | %d | %s |\n",
			u.ID, u.Status, u.Attempts, u.Scores.Calls, u.Scores.Min, mean, u.Scores.Max, detail)
	}

	var failed []UnitReport
	for _, u := range rpt.Units {
		if u.Status == string(domain.UnitFailed) || u.Status == string(domain.UnitUnclassified) {
			failed = append(failed, u)
		}
	}
	if len(failed) > 0 {
		b.WriteString("\n## Failures\n\n")
		for _, u := range failed {
			handle := u.Handle
			if handle == "" {
				handle = "never submitted"
			}
			fmt.Fprintf(&b, "- **%s** (%s, job %s, attempt %d): %s\n",
				u.ID, u.Status, handle, u.Attempts, u.Reason)
		}
	}
	return b.String()
}
