package llm

import "context"

const (
	PartText  = "text"
	PartMedia = "media"
)

// Part is one element of an outbound turn. Text parts carry Text; media
// parts carry a mime type and a base64 payload in Data.
type Part struct {
	Kind     string `json:"kind"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"`
}

// Turn is an ordered sequence of parts sent to a session in one call.
// Ordering is significant and must be preserved end to end.
type Turn []Part

func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

func MediaPart(mimeType, data string) Part {
	return Part{Kind: PartMedia, MimeType: mimeType, Data: data}
}

const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Message is a seed-history or transcript entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Citation is an auxiliary source reference returned by grounded calls.
type Citation struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

const (
	MediaImage = "image"
	MediaVideo = "video"
)

// OpenOptions configures a new stateful session.
type OpenOptions struct {
	Persona         string
	SeedHistory     []Message
	SearchGrounding bool
}

// CompleteOptions configures a one-shot, non-conversational call.
type CompleteOptions struct {
	Prompt          string
	Turn            Turn
	SearchGrounding bool
}

// Completion is the result of a one-shot call. Citations is empty when the
// provider returned no grounding metadata.
type Completion struct {
	Text      string
	Citations []Citation
}

// MediaRequest asks the provider to synthesize an image or a short video.
type MediaRequest struct {
	Kind   string
	Prompt string
}

// Session is a provider-maintained conversational context. Every Send is
// implicitly conditioned on all prior turns and responses within the handle;
// callers must never reconstruct or replay history themselves. A handle is
// bound to the process and cannot be serialized.
type Session interface {
	Send(ctx context.Context, turn Turn, onDelta func(string)) (string, error)
}

// Provider is the generative session provider collaborator.
type Provider interface {
	Open(ctx context.Context, opts OpenOptions) (Session, error)
	Complete(ctx context.Context, opts CompleteOptions) (Completion, error)
	GenerateMedia(ctx context.Context, req MediaRequest) (Part, error)
}
