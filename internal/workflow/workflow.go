// Package workflow drives the Benchmark Studio state machine: the user
// supplies a reference clip, discusses its analysis, writes a brief, and
// receives an imitation guide in an open-ended chat.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"clipstudio/engine/internal/llm"
	"clipstudio/engine/internal/logging"
	"clipstudio/engine/internal/resume"
	"clipstudio/engine/internal/session"
	"clipstudio/engine/internal/stream"
)

type Phase string

const (
	PhaseInput               Phase = "input"
	PhaseInteractiveAnalysis Phase = "interactive_analysis"
	PhaseUserBrief           Phase = "user_brief"
	PhaseImitationGuide      Phase = "imitation_guide"
)

// SessionFreeFallback maps each phase that needs a live provider session to
// the nearest phase that does not. Provider handles cannot outlive the
// process, so a restored workflow lands on the fallback instead.
var SessionFreeFallback = map[string]string{
	string(PhaseInteractiveAnalysis): string(PhaseInput),
	string(PhaseImitationGuide):      string(PhaseUserBrief),
}

// ErrPhaseMismatch means the requested action is not valid in the current
// phase.
var ErrPhaseMismatch = errors.New("action not available in current phase")

// ErrEmptyAnalysis means the one-shot reference analysis came back blank, so
// there is nothing to discuss and the workflow stays at input.
var ErrEmptyAnalysis = errors.New("reference analysis returned no text")

const (
	analysisPersona = "You are a short-video benchmark analyst. Break down why the reference performs: hook, pacing, structure, audio, and retention devices. %s"
	guidePersona    = "You are a short-video creation coach. Using the reference analysis and the creator's brief, guide them step by step toward their own version. %s"
)

const (
	fieldReferenceLink  = "reference_link"
	fieldAnalysisText   = "analysis_text"
	fieldBrief          = "brief"
	listAnalysisRemarks = "analysis_remarks"
)

// Config sets per-workflow knobs at construction time.
type Config struct {
	Tone session.Tone
}

// Benchmark is one Benchmark Studio workflow instance. All phase-local state
// lives here; resetting drops it wholesale.
type Benchmark struct {
	ID string

	provider llm.Provider
	logger   *slog.Logger
	tone     session.Tone

	mu            sync.Mutex
	phase         Phase
	referenceLink string
	analysisText  string
	brief         string
	remarks       []string
	analysis      *session.Conversation
	guide         *session.Conversation
	observer      stream.UpdateFunc
}

func NewBenchmark(provider llm.Provider, cfg Config, logger *slog.Logger) *Benchmark {
	if logger == nil {
		logger = logging.Nop()
	}
	tone := cfg.Tone
	if tone == "" {
		tone = session.ToneAnalytical
	}
	return &Benchmark{
		ID:       uuid.NewString(),
		provider: provider,
		logger:   logger,
		tone:     tone,
		phase:    PhaseInput,
	}
}

func (b *Benchmark) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

// SetObserver registers a message-snapshot callback applied to the live
// conversation of whichever phase is active.
func (b *Benchmark) SetObserver(fn stream.UpdateFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = fn
	if b.analysis != nil {
		b.analysis.SetObserver(fn)
	}
	if b.guide != nil {
		b.guide.SetObserver(fn)
	}
}

// SubmitInput runs the one-shot analysis of the reference material and, if
// it yields text and a discussion session opens, advances to interactive
// analysis. Any failure leaves the workflow at input with nothing opened.
func (b *Benchmark) SubmitInput(ctx context.Context, turn llm.Turn, link string) (string, error) {
	b.mu.Lock()
	if b.phase != PhaseInput {
		b.mu.Unlock()
		return "", ErrPhaseMismatch
	}
	b.mu.Unlock()

	completion, err := b.provider.Complete(ctx, llm.CompleteOptions{
		Prompt: "Analyze this reference short-video for a creator who wants to learn from it. Cover the hook, structure, pacing, and what makes it retain viewers.",
		Turn:   turn,
	})
	if err != nil {
		return "", err
	}
	analysisText := strings.TrimSpace(completion.Text)
	if analysisText == "" {
		return "", ErrEmptyAnalysis
	}

	conv, err := session.Open(ctx, b.provider, session.Options{
		PersonaTemplate: analysisPersona,
		Tone:            b.tone,
		SeedHistory:     []llm.Message{{Role: llm.RoleModel, Content: analysisText}},
	}, b.logger)
	if err != nil {
		return "", err
	}
	conv.AppendModelMessage(analysisText)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase != PhaseInput {
		return "", ErrPhaseMismatch
	}
	if b.observer != nil {
		conv.SetObserver(b.observer)
	}
	b.analysis = conv
	b.analysisText = analysisText
	b.referenceLink = link
	b.phase = PhaseInteractiveAnalysis
	b.logger.Info("workflow.phase_changed", "workflow_id", b.ID, "phase", b.phase)
	return analysisText, nil
}

// SendTurn forwards one user turn to the live conversation of the current
// phase. A stream error is terminal for the turn only.
func (b *Benchmark) SendTurn(ctx context.Context, turn llm.Turn, onDelta func(messageID, delta string)) (stream.Message, error) {
	b.mu.Lock()
	conv := b.liveConversation()
	b.mu.Unlock()
	if conv == nil {
		return stream.Message{}, ErrPhaseMismatch
	}
	return conv.Send(ctx, turn, onDelta)
}

// AdvanceToBrief is the manual move out of interactive analysis. It is never
// gated on how much discussion happened.
func (b *Benchmark) AdvanceToBrief() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase != PhaseInteractiveAnalysis {
		return ErrPhaseMismatch
	}
	if b.analysis != nil {
		b.remarks = b.analysis.UserRemarks()
	}
	b.phase = PhaseUserBrief
	b.logger.Info("workflow.phase_changed", "workflow_id", b.ID, "phase", b.phase)
	return nil
}

// CreateGuide opens the imitation-guide session seeded with the reference
// analysis and a digest of what the user asked during the discussion, then
// advances to the terminal phase. Open failure keeps the workflow at the
// brief phase.
func (b *Benchmark) CreateGuide(ctx context.Context, brief string) error {
	b.mu.Lock()
	if b.phase != PhaseUserBrief {
		b.mu.Unlock()
		return ErrPhaseMismatch
	}
	seed := guideSeed(b.analysisText, b.remarks, brief)
	b.mu.Unlock()

	conv, err := session.Open(ctx, b.provider, session.Options{
		PersonaTemplate: guidePersona,
		Tone:            b.tone,
		SeedHistory:     seed,
	}, b.logger)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase != PhaseUserBrief {
		return ErrPhaseMismatch
	}
	if b.observer != nil {
		conv.SetObserver(b.observer)
	}
	b.guide = conv
	b.brief = brief
	b.phase = PhaseImitationGuide
	b.logger.Info("workflow.phase_changed", "workflow_id", b.ID, "phase", b.phase)
	return nil
}

// GenerateMedia runs an on-demand image or video generation and appends the
// result to the guide transcript as a media message.
func (b *Benchmark) GenerateMedia(ctx context.Context, kind, prompt string) (stream.Message, error) {
	b.mu.Lock()
	if b.phase != PhaseImitationGuide || b.guide == nil {
		b.mu.Unlock()
		return stream.Message{}, ErrPhaseMismatch
	}
	conv := b.guide
	b.mu.Unlock()

	part, err := b.provider.GenerateMedia(ctx, llm.MediaRequest{Kind: kind, Prompt: prompt})
	if err != nil {
		return stream.Message{}, err
	}
	return conv.AppendModelMessage("", part), nil
}

// Reset returns to input from any phase. Provider handles are dropped, never
// closed; they cannot be reused anyway.
func (b *Benchmark) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phase = PhaseInput
	b.analysis = nil
	b.guide = nil
	b.referenceLink = ""
	b.analysisText = ""
	b.brief = ""
	b.remarks = nil
	b.logger.Info("workflow.reset", "workflow_id", b.ID)
}

// Messages returns the transcript of the active conversation, or nil when no
// session is live.
func (b *Benchmark) Messages() []stream.Message {
	b.mu.Lock()
	conv := b.liveConversation()
	b.mu.Unlock()
	if conv == nil {
		return nil
	}
	return conv.Messages()
}

func (b *Benchmark) AnalysisText() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.analysisText
}

func (b *Benchmark) Brief() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.brief
}

func (b *Benchmark) ReferenceLink() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.referenceLink
}

// Snapshot captures the durable subset of this workflow: phase and plain
// string fields. Live sessions and in-flight streams are never serialized.
func (b *Benchmark) Snapshot() resume.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	remarks := b.remarks
	if b.phase == PhaseInteractiveAnalysis && b.analysis != nil {
		remarks = b.analysis.UserRemarks()
	}
	snap := resume.Snapshot{
		Phase:  string(b.phase),
		Fields: map[string]string{},
		Lists:  map[string][]string{},
	}
	if b.referenceLink != "" {
		snap.Fields[fieldReferenceLink] = b.referenceLink
	}
	if b.analysisText != "" {
		snap.Fields[fieldAnalysisText] = b.analysisText
	}
	if b.brief != "" {
		snap.Fields[fieldBrief] = b.brief
	}
	if len(remarks) > 0 {
		snap.Lists[listAnalysisRemarks] = remarks
	}
	return snap
}

// ApplySnapshot loads previously persisted state. The snapshot's phase must
// already be session-free; restoring into a phase that needs a live session
// is a programming error surfaced as ErrPhaseMismatch.
func (b *Benchmark) ApplySnapshot(snap resume.Snapshot) error {
	phase := Phase(snap.Phase)
	switch phase {
	case PhaseInput, PhaseUserBrief:
	case "":
		phase = PhaseInput
	default:
		return fmt.Errorf("%w: phase %q needs a live session", ErrPhaseMismatch, snap.Phase)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phase = phase
	b.analysis = nil
	b.guide = nil
	b.referenceLink = snap.Fields[fieldReferenceLink]
	b.analysisText = snap.Fields[fieldAnalysisText]
	b.brief = snap.Fields[fieldBrief]
	b.remarks = append([]string(nil), snap.Lists[listAnalysisRemarks]...)
	return nil
}

// liveConversation must be called with b.mu held.
func (b *Benchmark) liveConversation() *session.Conversation {
	switch b.phase {
	case PhaseInteractiveAnalysis:
		return b.analysis
	case PhaseImitationGuide:
		return b.guide
	default:
		return nil
	}
}

func guideSeed(analysis string, remarks []string, brief string) []llm.Message {
	var builder strings.Builder
	builder.WriteString("Reference analysis:\n")
	builder.WriteString(analysis)
	if len(remarks) > 0 {
		builder.WriteString("\n\nQuestions the creator raised while studying the reference:\n")
		for _, r := range remarks {
			builder.WriteString("- ")
			builder.WriteString(r)
			builder.WriteString("\n")
		}
	}
	seed := []llm.Message{{Role: llm.RoleModel, Content: builder.String()}}
	if strings.TrimSpace(brief) != "" {
		seed = append(seed, llm.Message{Role: llm.RoleUser, Content: "My brief for the new video: " + brief})
	}
	return seed
}
