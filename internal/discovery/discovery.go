// Package discovery scans the input root for work units: one subdirectory
// per agent, each holding that agent's call recordings.
package discovery

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/anthropics/callscore-engine/internal/domain"
)

// AudioExtensions lists the recognized recording formats.
var AudioExtensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".m4a":  true,
	".flac": true,
	".ogg":  true,
	".wmv":  true,
	".avi":  true,
	".mp4":  true,
}

// reservedNames are directory names that can never be units: the run log
// directory and the bucket directories a prior classification created.
var reservedNames = map[string]bool{
	"logs":                              true,
	string(domain.BucketReviewed):       true,
	string(domain.BucketNeedsAttention): true,
}

// ResultSetFile is the scoring stage's consolidated output inside a unit.
const ResultSetFile = "analysis_results.json"

// Scan returns the ordered set of work units directly under root. The scan
// is read-only and idempotent: the same unchanged root yields the identical
// ordered set. Two units whose sanitized IDs collide fail the whole scan
// rather than silently merging their outputs.
func Scan(root string) ([]domain.WorkUnit, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, domain.WrapPipelineError(domain.ErrInputRootBroken.Code,
			fmt.Sprintf("input root %q", root), err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, domain.WrapPipelineError(domain.ErrDiscovery.Code, "read input root", err)
	}

	var units []domain.WorkUnit
	seen := make(map[string]string) // sanitized id -> original dir name
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") || reservedNames[name] {
			continue
		}

		dir := filepath.Join(root, name)
		loose, bucketed, err := findAudio(dir)
		if err != nil {
			return nil, domain.WrapPipelineError(domain.ErrDiscovery.Code,
				fmt.Sprintf("scan unit %q", name), err)
		}
		if len(loose) == 0 && len(bucketed) == 0 {
			continue
		}

		id := SanitizeID(name)
		if prev, ok := seen[id]; ok {
			return nil, domain.NewPipelineError(domain.ErrUnitCollision.Code,
				fmt.Sprintf("units %q and %q both derive output id %q", prev, name, id))
		}
		seen[id] = name

		units = append(units, domain.WorkUnit{
			ID:         id,
			Dir:        dir,
			InputFiles: loose,
			Status:     domain.UnitDiscovered,
			OutputRoot: dir,
			Completed:  isCompleted(dir, loose, bucketed),
		})
	}

	sort.Slice(units, func(i, k int) bool { return units[i].ID < units[k].ID })
	return units, nil
}

// findAudio walks a unit directory and splits recognized audio files into
// loose ones (still awaiting processing) and ones already moved into a
// classification bucket.
func findAudio(dir string) (loose, bucketed []string, err error) {
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !AudioExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		top := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
		if top == string(domain.BucketReviewed) || top == string(domain.BucketNeedsAttention) {
			bucketed = append(bucketed, path)
		} else {
			loose = append(loose, path)
		}
		return nil
	})
	sort.Strings(loose)
	sort.Strings(bucketed)
	return loose, bucketed, err
}

// isCompleted reports whether a unit already carries a fully classified
// result set: no loose audio remains, buckets are populated, and the
// consolidated result file exists.
func isCompleted(dir string, loose, bucketed []string) bool {
	if len(loose) != 0 || len(bucketed) == 0 {
		return false
	}
	_, err := os.Stat(filepath.Join(dir, ResultSetFile))
	return err == nil
}

// SanitizeID derives a scheduler- and filesystem-safe unit id from a
// directory name. Distinct names may collapse to the same id; Scan treats
// that as a fatal collision.
func SanitizeID(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
