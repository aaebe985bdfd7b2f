package stream

import (
	"strings"
	"sync"
	"time"

	"clipstudio/engine/internal/llm"
)

// Message is one transcript entry. A model message is mutated in place by
// its assembler while Streaming is true and is immutable once sealed.
// Callers only ever see value snapshots, never the live struct.
type Message struct {
	ID        string     `json:"id"`
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	Media     []llm.Part `json:"media,omitempty"`
	Streaming bool       `json:"streaming"`
}

// UpdateFunc observes a snapshot after every append and at seal time.
type UpdateFunc func(Message)

// Assembler consumes incremental text fragments and grows a single model
// message. It is a single-writer accumulator: fragments are applied in
// arrival order, and the terminal state (sealed) is reached exactly once,
// through Seal or Fail.
type Assembler struct {
	mu       sync.Mutex
	builder  strings.Builder
	msg      Message
	sealed   bool
	err      error
	onUpdate UpdateFunc
}

func NewAssembler(id string, onUpdate UpdateFunc) *Assembler {
	return &Assembler{
		msg: Message{
			ID:        id,
			Role:      llm.RoleModel,
			CreatedAt: time.Now().UTC(),
			Streaming: true,
		},
		onUpdate: onUpdate,
	}
}

// Append applies one arriving fragment. Appends after sealing are dropped.
func (a *Assembler) Append(fragment string) {
	a.mu.Lock()
	if a.sealed {
		a.mu.Unlock()
		return
	}
	a.builder.WriteString(fragment)
	a.msg.Content = a.builder.String()
	snapshot := a.msg
	update := a.onUpdate
	a.mu.Unlock()
	if update != nil {
		update(snapshot)
	}
}

// Seal marks the stream complete and returns the final message. A stream
// that produced zero fragments seals into an empty-content message rather
// than hanging its consumer.
func (a *Assembler) Seal() Message {
	return a.finish(nil)
}

// Fail seals the message at its last known content. Partial output is
// preserved, never discarded: a half-written critique is still useful.
// The error is reported to the caller through the return path only, so it
// surfaces exactly once.
func (a *Assembler) Fail(err error) Message {
	return a.finish(err)
}

func (a *Assembler) finish(err error) Message {
	a.mu.Lock()
	if a.sealed {
		snapshot := a.msg
		a.mu.Unlock()
		return snapshot
	}
	a.sealed = true
	a.err = err
	a.msg.Streaming = false
	snapshot := a.msg
	update := a.onUpdate
	a.mu.Unlock()
	if update != nil {
		update(snapshot)
	}
	return snapshot
}

// Snapshot returns an immutable copy of the message as currently assembled.
func (a *Assembler) Snapshot() Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.msg
}

// Err returns the stream error recorded at Fail time, if any.
func (a *Assembler) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}
