// Package llmtest provides an in-memory Provider for tests.
package llmtest

import (
	"context"
	"strings"
	"sync"

	"clipstudio/engine/internal/llm"
)

// ReplyFunc scripts one session send: it returns the fragments to stream
// and an optional error delivered after the fragments (a mid-stream
// failure when fragments were already emitted).
type ReplyFunc func(persona string, turn llm.Turn) ([]string, error)

// Provider is a scriptable llm.Provider.
type Provider struct {
	mu sync.Mutex

	OpenErr     error
	Reply       ReplyFunc
	CompleteFn  func(opts llm.CompleteOptions) (llm.Completion, error)
	MediaFn     func(req llm.MediaRequest) (llm.Part, error)
	OpenedCount int
	Sessions    []*Session
}

func NewProvider() *Provider {
	return &Provider{}
}

func (p *Provider) Open(_ context.Context, opts llm.OpenOptions) (llm.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	p.OpenedCount++
	s := &Session{
		Persona: opts.Persona,
		Seed:    append([]llm.Message(nil), opts.SeedHistory...),
		reply:   p.Reply,
	}
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

func (p *Provider) Complete(_ context.Context, opts llm.CompleteOptions) (llm.Completion, error) {
	if p.CompleteFn != nil {
		return p.CompleteFn(opts)
	}
	return llm.Completion{Text: "analysis of the reference"}, nil
}

func (p *Provider) GenerateMedia(_ context.Context, req llm.MediaRequest) (llm.Part, error) {
	if p.MediaFn != nil {
		return p.MediaFn(req)
	}
	mimeType := "image/png"
	if req.Kind == llm.MediaVideo {
		mimeType = "video/mp4"
	}
	return llm.MediaPart(mimeType, "ZmFrZS1tZWRpYQ=="), nil
}

// Session records every turn it receives; history accumulation stands in
// for the provider-side state a real handle maintains.
type Session struct {
	mu      sync.Mutex
	Persona string
	Seed    []llm.Message
	Turns   []llm.Turn
	Replies []string
	reply   ReplyFunc
}

func (s *Session) Send(_ context.Context, turn llm.Turn, onDelta func(string)) (string, error) {
	s.mu.Lock()
	s.Turns = append(s.Turns, turn)
	reply := s.reply
	persona := s.Persona
	s.mu.Unlock()

	fragments := []string{"ok"}
	var replyErr error
	if reply != nil {
		fragments, replyErr = reply(persona, turn)
	}
	var builder strings.Builder
	for _, f := range fragments {
		builder.WriteString(f)
		if onDelta != nil {
			onDelta(f)
		}
	}
	full := builder.String()
	if replyErr != nil {
		return "", replyErr
	}
	s.mu.Lock()
	s.Replies = append(s.Replies, full)
	s.mu.Unlock()
	return full, nil
}

// TurnCount reports how many turns this handle has absorbed.
func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Turns)
}
