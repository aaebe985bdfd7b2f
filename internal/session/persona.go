package session

import (
	"fmt"
	"strings"
)

// Tone selects the behavioral stance interpolated into a persona template.
// The interpolation happens exactly once, when the session opens; changing
// tone afterwards requires a new session.
type Tone string

const (
	ToneCritical    Tone = "critical"
	ToneEncouraging Tone = "encouraging"
	ToneAnalytical  Tone = "analytical"
	ToneObjective   Tone = "objective"
)

var toneClauses = map[Tone]string{
	ToneCritical:    "Be direct and critical: name weaknesses plainly and do not soften verdicts.",
	ToneEncouraging: "Be encouraging: lead with what works and frame problems as next steps.",
	ToneAnalytical:  "Be analytical: break observations down into structure, pacing, and delivery.",
	ToneObjective:   "Be objective: describe what is on screen without aesthetic judgment.",
}

func ValidTone(tone Tone) bool {
	_, ok := toneClauses[tone]
	return ok
}

// RenderPersona fills a feature's persona template with the tone clause.
// Templates mark the insertion point with the %s verb.
func RenderPersona(template string, tone Tone) (string, error) {
	clause, ok := toneClauses[tone]
	if !ok {
		return "", fmt.Errorf("unknown tone %q", tone)
	}
	if !strings.Contains(template, "%s") {
		return strings.TrimSpace(template), nil
	}
	return strings.TrimSpace(fmt.Sprintf(template, clause)), nil
}
