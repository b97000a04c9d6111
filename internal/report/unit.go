// Package report renders the human-readable summaries: one per unit after
// classification and one for the whole run once every unit is terminal.
// Rendering is a pure function of terminal state; writing the artifact is
// the only side effect.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/anthropics/callscore-engine/internal/domain"
)

// UnitSummaryFile is the per-unit Markdown report name.
const UnitSummaryFile = "analysis_report.md"

// WriteUnitSummary regenerates the unit's Markdown report from its parsed
// result set.
func WriteUnitSummary(unitDir, unitID string, results []domain.CallResult, threshold int) error {
	content := RenderUnitSummary(unitID, results, threshold, time.Now())
	return os.WriteFile(filepath.Join(unitDir, UnitSummaryFile), []byte(content), 0o644)
}

// RenderUnitSummary builds the per-unit report text.
func RenderUnitSummary(unitID string, results []domain.CallResult, threshold int, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Call Analysis Report: %s\n\n", unitID)
	fmt.Fprintf(&b, "**Date:** %s\n", now.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "**Total Calls Analyzed:** %d\n", len(results))
	fmt.Fprintf(&b, "**Score Threshold:** %d\n\n", threshold)

	b.WriteString("## Summary Table\n\n")
	b.WriteString("| Call | Score | Bucket | Reasoning |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, res := range results {
		bucket := domain.ClassifyScore(res.Score, threshold)
		fmt.Fprintf(&b, "| %s | %d | %s | %s |\n",
			res.CallID, res.Score, bucket, truncate(flatten(res.Reasoning), 100))
	}

	b.WriteString("\n## Detailed Analysis\n")
	for _, res := range results {
		fmt.Fprintf(&b, "\n### %s\n\n", res.CallID)
		fmt.Fprintf(&b, "**Audio Source:** `%s`\n", res.AudioFile)
		fmt.Fprintf(&b, "**Total Score:** %d / %d\n", res.Score, domain.MaxScore)
		if res.Inconsistent {
			fmt.Fprintf(&b, "**Note:** engine reported total %d; components sum to %d, recomputed total used\n",
				res.ReportedTotal, res.Score)
		}
		b.WriteString("\n**Score Breakdown:**\n")
		for _, c := range domain.Criteria {
			fmt.Fprintf(&b, "- %s: %d/%d\n", criterionLabel(c.Name), res.ComponentScores[c.Name], c.Max)
		}
		b.WriteString("\n**Reasoning:**\n")
		if res.Reasoning != "" {
			b.WriteString(res.Reasoning)
		} else {
			b.WriteString("No reasoning provided")
		}
		b.WriteString("\n\n---\n")
	}
	return b.String()
}

var criterionLabels = map[string]string{
	"netid":           "NetID Acquisition",
	"resolution":      "Issue Resolution",
	"instruction":     "Instructions",
	"zoom":            "Zoom Usage",
	"confidentiality": "Confidentiality",
	"tech_quality":    "Technical Quality",
}

func criterionLabel(name string) string {
	if label, ok := criterionLabels[name]; ok {
		return label
	}
	return name
}

func flatten(s string) string {
	return strings.ReplaceAll(s, "\n", " ")
}

// truncate cuts s to at most max bytes on a rune boundary, so a split
// multi-byte character never leaks invalid UTF-8 into the report.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
