package session

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"clipstudio/engine/internal/llm"
	"clipstudio/engine/internal/logging"
	"clipstudio/engine/internal/stream"
)

// ErrSendInFlight means a turn was submitted while the previous one was
// still streaming. Turns within one conversation are strictly ordered; the
// caller must wait for completion or error before sending again.
var ErrSendInFlight = errors.New("a turn is already in flight")

// Options configures a conversation at open time.
type Options struct {
	PersonaTemplate string
	Tone            Tone
	SeedHistory     []llm.Message
	SearchGrounding bool
}

// Conversation wraps a provider-side session handle together with its
// transcript. The handle is a logical continuation: the provider conditions
// every send on all prior turns, so the conversation never replays history
// itself. Handles cannot outlive the process and are simply dropped on
// reset, never closed gracefully.
type Conversation struct {
	ID string

	mu       sync.Mutex
	inFlight bool
	handle   llm.Session
	messages []stream.Message
	entropy  *ulid.MonotonicEntropy
	logger   *slog.Logger
	onUpdate stream.UpdateFunc
}

// Open renders the persona once and opens a provider session seeded with
// history. Independent conversations share nothing; callers may hold
// several at once.
func Open(ctx context.Context, provider llm.Provider, opts Options, logger *slog.Logger) (*Conversation, error) {
	persona, err := RenderPersona(opts.PersonaTemplate, opts.Tone)
	if err != nil {
		return nil, err
	}
	handle, err := provider.Open(ctx, llm.OpenOptions{
		Persona:         persona,
		SeedHistory:     opts.SeedHistory,
		SearchGrounding: opts.SearchGrounding,
	})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Conversation{
		ID:      uuid.NewString(),
		handle:  handle,
		entropy: ulid.Monotonic(rand.Reader, 0),
		logger:  logger,
	}, nil
}

// SetObserver registers a callback invoked with message snapshots as the
// in-flight model message grows and when it seals.
func (c *Conversation) SetObserver(fn stream.UpdateFunc) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

// Send submits one turn and streams the reply into the transcript. The user
// message is appended first, then the model message it provokes; both carry
// non-decreasing timestamps. On a stream error the partial model content is
// kept in the transcript and the error is returned; the handle stays open
// and usable for the next turn.
func (c *Conversation) Send(ctx context.Context, turn llm.Turn, onDelta func(messageID, delta string)) (stream.Message, error) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return stream.Message{}, ErrSendInFlight
	}
	c.inFlight = true
	userMsg := stream.Message{
		ID:        c.newMessageID(),
		Role:      llm.RoleUser,
		Content:   turnText(turn),
		CreatedAt: time.Now().UTC(),
		Media:     turnMedia(turn),
	}
	c.messages = append(c.messages, userMsg)
	modelID := c.newMessageID()
	update := c.onUpdate
	c.mu.Unlock()

	assembler := stream.NewAssembler(modelID, update)
	_, sendErr := c.handle.Send(ctx, turn, func(delta string) {
		assembler.Append(delta)
		if onDelta != nil {
			onDelta(modelID, delta)
		}
	})
	var final stream.Message
	if sendErr != nil {
		final = assembler.Fail(sendErr)
		c.logger.Warn("session.stream_failed", "conversation_id", c.ID, "message_id", modelID, "error", sendErr.Error())
	} else {
		final = assembler.Seal()
	}

	c.mu.Lock()
	c.messages = append(c.messages, final)
	c.inFlight = false
	c.mu.Unlock()
	return final, sendErr
}

// AppendModelMessage records a model-role entry produced outside the
// streaming path, such as a seeded one-shot analysis or generated media.
func (c *Conversation) AppendModelMessage(content string, media ...llm.Part) stream.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := stream.Message{
		ID:        c.newMessageID(),
		Role:      llm.RoleModel,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		Media:     media,
	}
	c.messages = append(c.messages, msg)
	return msg
}

// Messages returns a snapshot copy of the transcript.
func (c *Conversation) Messages() []stream.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]stream.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// UserRemarks returns the content of every user-role message in order.
func (c *Conversation) UserRemarks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var remarks []string
	for _, msg := range c.messages {
		if msg.Role == llm.RoleUser && msg.Content != "" {
			remarks = append(remarks, msg.Content)
		}
	}
	return remarks
}

// newMessageID must be called with c.mu held; monotonic ULIDs keep message
// IDs sortable in creation order.
func (c *Conversation) newMessageID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), c.entropy).String()
}

func turnText(turn llm.Turn) string {
	for i := len(turn) - 1; i >= 0; i-- {
		if turn[i].Kind == llm.PartText {
			return turn[i].Text
		}
	}
	return ""
}

func turnMedia(turn llm.Turn) []llm.Part {
	var media []llm.Part
	for _, part := range turn {
		if part.Kind == llm.PartMedia {
			media = append(media, part)
		}
	}
	return media
}
