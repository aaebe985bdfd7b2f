package engine

import (
	"context"
	"strings"
	"sync"

	"clipstudio/engine/internal/llm"
)

// fakeProvider serves canned responses so the host UI can be developed and
// demoed without an API key (CLIPSTUDIO_FAKE_PROVIDER=true).
type fakeProvider struct{}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{}
}

const fakeAnalysis = "The reference opens on the payoff, holds shots under two seconds, " +
	"and restates the hook at the midpoint to reset attention."

func (f *fakeProvider) Open(_ context.Context, opts llm.OpenOptions) (llm.Session, error) {
	return &fakeSession{persona: opts.Persona}, nil
}

func (f *fakeProvider) Complete(_ context.Context, opts llm.CompleteOptions) (llm.Completion, error) {
	if strings.Contains(opts.Prompt, "JSON array") {
		return llm.Completion{
			Text: `[{"title":"Three takes, one shot","angle":"show failed takes before the winner"},` +
				`{"title":"Silent tutorial","angle":"no voiceover, captions only"}]`,
			Citations: []llm.Citation{{Title: "ClipStudio samples", URL: "https://example.com/trends"}},
		}, nil
	}
	return llm.Completion{Text: fakeAnalysis}, nil
}

func (f *fakeProvider) GenerateMedia(_ context.Context, req llm.MediaRequest) (llm.Part, error) {
	if req.Kind == llm.MediaVideo {
		return llm.MediaPart("video/mp4", "ZmFrZS12aWRlbw=="), nil
	}
	// 1x1 transparent PNG.
	return llm.MediaPart("image/png",
		"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="), nil
}

type fakeSession struct {
	persona string
	mu      sync.Mutex
	turns   int
}

func (s *fakeSession) Send(_ context.Context, turn llm.Turn, onDelta func(string)) (string, error) {
	s.mu.Lock()
	s.turns++
	s.mu.Unlock()
	reply := "Noted. " + lastText(turn) + " — here is how the reference handles that."
	var builder strings.Builder
	for _, word := range strings.SplitAfter(reply, " ") {
		builder.WriteString(word)
		if onDelta != nil {
			onDelta(word)
		}
	}
	return builder.String(), nil
}

func lastText(turn llm.Turn) string {
	for i := len(turn) - 1; i >= 0; i-- {
		if turn[i].Kind == llm.PartText {
			return turn[i].Text
		}
	}
	return "your question"
}
