package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"clipstudio/engine/internal/llm"
	"clipstudio/engine/internal/logging"
)

// Idea is one short-video idea produced by a grounded topic lookup.
type Idea struct {
	Title     string         `json:"title"`
	Angle     string         `json:"angle"`
	Citations []llm.Citation `json:"citations,omitempty"`
}

// TopicIdeas runs a one-shot grounded call and parses the response into
// ideas. A response that fails to parse degrades to an empty list — the
// caller decides whether empty means "show nothing" or "offer a retry";
// it is never an error that crosses this boundary.
func TopicIdeas(ctx context.Context, provider llm.Provider, topic string, logger *slog.Logger) ([]Idea, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	prompt := fmt.Sprintf(
		`Research current short-video trends for the topic %q. Respond with a JSON array only; each element has "title" and "angle" string fields.`,
		topic,
	)
	completion, err := provider.Complete(ctx, llm.CompleteOptions{
		Prompt:          prompt,
		SearchGrounding: true,
	})
	if err != nil {
		return nil, err
	}
	ideas, ok := ParseIdeas(completion.Text)
	if !ok {
		logger.Warn("research.malformed_response", "topic", topic, "length", len(completion.Text))
		return []Idea{}, nil
	}
	AssignCitations(ideas, completion.Citations)
	return ideas, nil
}

// ParseIdeas extracts a JSON array of ideas from model text, tolerating
// code fences and prose around the array. ok is false when nothing
// parseable was found.
func ParseIdeas(text string) ([]Idea, bool) {
	raw := extractArray(text)
	if raw == "" {
		return nil, false
	}
	var parsed []struct {
		Title string `json:"title"`
		Angle string `json:"angle"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, false
	}
	ideas := make([]Idea, 0, len(parsed))
	for _, p := range parsed {
		title := strings.TrimSpace(p.Title)
		if title == "" {
			continue
		}
		ideas = append(ideas, Idea{Title: title, Angle: strings.TrimSpace(p.Angle)})
	}
	return ideas, true
}

// AssignCitations distributes citations across ideas round-robin. The
// provider does not say which idea a citation supports, so the mapping is
// best-effort; nothing downstream may rely on its exact distribution.
func AssignCitations(ideas []Idea, citations []llm.Citation) {
	if len(ideas) == 0 {
		return
	}
	for i, c := range citations {
		idx := i % len(ideas)
		ideas[idx].Citations = append(ideas[idx].Citations, c)
	}
}

func extractArray(text string) string {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		if idx := strings.LastIndex(cleaned, "```"); idx >= 0 {
			cleaned = cleaned[:idx]
		}
		cleaned = strings.TrimSpace(cleaned)
	}
	start := strings.Index(cleaned, "[")
	end := strings.LastIndex(cleaned, "]")
	if start < 0 || end <= start {
		return ""
	}
	return cleaned[start : end+1]
}
