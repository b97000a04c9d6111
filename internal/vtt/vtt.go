// Package vtt reads the WebVTT caption tracks produced by the transcription
// stage and carries the speaker-label fallback heuristic used when a cue
// arrives without a diarization label.
package vtt

import (
	"bufio"
	"os"
	"strings"
	"unicode/utf8"
)

// Cue is one timestamped utterance.
type Cue struct {
	Start   string
	End     string
	Speaker string // empty when diarization produced no label
	Text    string
}

// ParseFile reads a .vtt file into cues.
func ParseFile(path string) ([]Cue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cues []Cue
	var cur *Cue
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "" || strings.HasPrefix(line, "WEBVTT") || strings.HasPrefix(line, "NOTE"):
			cur = nil
		case strings.Contains(line, "-->"):
			parts := strings.SplitN(line, "-->", 2)
			cues = append(cues, Cue{
				Start: strings.TrimSpace(parts[0]),
				End:   strings.TrimSpace(parts[1]),
			})
			cur = &cues[len(cues)-1]
		case cur != nil:
			text := line
			// WhisperX emits "[SPEAKER_00]: text" when diarization ran.
			if strings.HasPrefix(text, "[") {
				if end := strings.Index(text, "]:"); end > 0 {
					cur.Speaker = text[1:end]
					text = strings.TrimSpace(text[end+2:])
				}
			}
			if cur.Text != "" {
				cur.Text += " "
			}
			cur.Text += text
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cues, nil
}

// PlainText flattens cues into a single transcript string with timestamps
// and headers stripped, the form fed to the scoring prompt and previews.
func PlainText(cues []Cue) string {
	var parts []string
	for _, c := range cues {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, " ")
}

// Preview truncates a transcript for report display. The cut lands on a
// rune boundary so the preview stays valid UTF-8.
func Preview(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

// Role is the closed set of fallback speaker labels.
type Role string

const (
	RoleAgent   Role = "agent"
	RoleUser    Role = "user"
	RoleUnknown Role = "unknown"
)

// userPhrases are explicit caller-side phrases. Highest precedence.
var userPhrases = []string{
	"my netid is",
	"i'll open zoom",
	"that worked",
	"no that's it",
	"take care",
}

// agentKeywords mark service-desk vocabulary. Checked after user phrases.
var agentKeywords = []string{
	"service",
	"support",
	"help",
	"assistance",
	"technical",
	"customer",
	"agent",
	"representative",
	"specialist",
	"advisor",
	"consultant",
	"uw",
	"service center",
	"help desk",
	"net id",
	"netid",
	"recovery code",
	"verify",
	"zoom",
	"meeting",
	"identity",
	"thank you",
	"have a good",
}

// shortResponses are terse acknowledgements typical of the caller.
var shortResponses = []string{
	"yes",
	"no",
	"ok",
	"okay",
	"yeah",
	"sure",
	"right",
	"i can",
	"i will",
	"i have",
	"i do",
	"i am",
	"that's right",
	"exactly",
	"correct",
	"true",
	"false",
}

// LabelSpeaker assigns a fallback role to an unlabeled utterance. Pure
// function; rules apply in fixed precedence: explicit user phrase, then
// agent vocabulary, then the short-response heuristic, then unknown.
func LabelSpeaker(text string) Role {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return RoleUnknown
	}
	for _, p := range userPhrases {
		if strings.Contains(t, p) {
			return RoleUser
		}
	}
	for _, k := range agentKeywords {
		if strings.Contains(t, k) {
			return RoleAgent
		}
	}
	if len(strings.Fields(t)) <= 4 {
		trimmed := strings.Trim(t, ".,!?")
		for _, s := range shortResponses {
			if trimmed == s || strings.HasPrefix(trimmed, s+" ") {
				return RoleUser
			}
		}
	}
	return RoleUnknown
}

// LabelCues fills in missing speaker labels using LabelSpeaker, leaving
// diarization-provided labels untouched.
func LabelCues(cues []Cue) []Cue {
	out := make([]Cue, len(cues))
	for i, c := range cues {
		if c.Speaker == "" {
			c.Speaker = string(LabelSpeaker(c.Text))
		}
		out[i] = c
	}
	return out
}
