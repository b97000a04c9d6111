package classifier

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/anthropics/callscore-engine/internal/discovery"
	"github.com/anthropics/callscore-engine/internal/domain"
	"github.com/anthropics/callscore-engine/internal/vtt"
)

// CallError is a classification failure scoped to a single call. One
// malformed result never blocks its siblings.
type CallError struct {
	Key string
	Err error
}

func (e CallError) Error() string {
	return fmt.Sprintf("call %s: %v", e.Key, e.Err)
}

func (e CallError) Unwrap() error { return e.Err }

// rawResult mirrors one record of the scoring engine's consolidated
// output, keyed in the file by transcript filename.
type rawResult struct {
	AudioFile         string          `json:"audio_file"`
	TranscriptionFile string          `json:"transcription_file"`
	ScoreNetID        int             `json:"score_netid"`
	ScoreResolution   int             `json:"score_resolution"`
	ScoreInstruction  int             `json:"score_instruction"`
	ScoreZoom         int             `json:"score_zoom"`
	ScoreConfid       int             `json:"score_confidentiality"`
	ScoreTechQuality  int             `json:"score_tech_quality"`
	TotalScore        int             `json:"total_score"`
	Reasoning         json.RawMessage `json:"reasoning"`
	Preview           string          `json:"transcription_preview"`
}

// LoadResults parses a unit's consolidated result set. Records that cannot
// be parsed come back as per-call errors; only a missing or unreadable
// result file fails the unit as a whole.
func LoadResults(unitDir string) ([]domain.CallResult, []CallError, error) {
	path := filepath.Join(unitDir, discovery.ResultSetFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, domain.WrapPipelineError(domain.ErrResultSetAbsent.Code,
			fmt.Sprintf("unit result set %q", path), err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, domain.WrapPipelineError(domain.ErrResultMalformed.Code,
			fmt.Sprintf("unit result set %q", path), err)
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var results []domain.CallResult
	var callErrs []CallError
	for _, key := range keys {
		res, err := parseResult(key, raw[key], unitDir)
		if err != nil {
			callErrs = append(callErrs, CallError{Key: key, Err: err})
			continue
		}
		results = append(results, res)
	}
	return results, callErrs, nil
}

// parseResult converts one raw record into a CallResult with the canonical
// recomputed score. The engine's own total is recorded but never trusted.
func parseResult(key string, data []byte, unitDir string) (domain.CallResult, error) {
	var r rawResult
	if err := json.Unmarshal(data, &r); err != nil {
		return domain.CallResult{}, domain.WrapPipelineError(domain.ErrResultMalformed.Code, "parse result record", err)
	}

	transcript := r.TranscriptionFile
	if transcript == "" {
		transcript = key
	}
	audio := r.AudioFile
	if audio == "" {
		audio = strings.TrimSuffix(transcript, filepath.Ext(transcript))
	}
	callID := strings.TrimSuffix(audio, filepath.Ext(audio))
	if callID == "" {
		return domain.CallResult{}, domain.NewPipelineError(domain.ErrResultMalformed.Code,
			fmt.Sprintf("record %q has no derivable call id", key))
	}

	components := map[string]int{
		"netid":           r.ScoreNetID,
		"resolution":      r.ScoreResolution,
		"instruction":     r.ScoreInstruction,
		"zoom":            r.ScoreZoom,
		"confidentiality": r.ScoreConfid,
		"tech_quality":    r.ScoreTechQuality,
	}
	for _, c := range domain.Criteria {
		got := components[c.Name]
		if got < 0 || got > c.Max {
			return domain.CallResult{}, domain.NewPipelineError(domain.ErrResultMalformed.Code,
				fmt.Sprintf("record %q: %s score %d out of range [0, %d]", key, c.Name, got, c.Max))
		}
	}

	canonical := 0
	for _, v := range components {
		canonical += v
	}

	// Some engine replies nest reasoning inside an object; flatten to text.
	var reasoning string
	if len(r.Reasoning) > 0 {
		if err := json.Unmarshal(r.Reasoning, &reasoning); err != nil {
			reasoning = string(r.Reasoning)
		}
	}

	res := domain.CallResult{
		CallID:          callID,
		AudioFile:       audio,
		TranscriptFile:  transcript,
		ComponentScores: components,
		ReportedTotal:   r.TotalScore,
		Score:           canonical,
		Inconsistent:    r.TotalScore != canonical,
		Reasoning:       reasoning,
		Preview:         r.Preview,
	}
	if res.Preview == "" {
		res.Preview = previewFromTranscript(filepath.Join(unitDir, transcript))
	}
	return res, nil
}

// previewFromTranscript derives a short preview from the caption track when
// the scoring engine omitted one. Best effort; an unreadable transcript
// just leaves the preview empty.
func previewFromTranscript(path string) string {
	cues, err := vtt.ParseFile(path)
	if err != nil {
		return ""
	}
	return vtt.Preview(vtt.PlainText(cues), 200)
}
