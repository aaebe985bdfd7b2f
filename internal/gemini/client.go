package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"clipstudio/engine/internal/llm"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Config selects the models used for each capability.
type Config struct {
	APIKey     string
	ChatModel  string
	ImageModel string
	VideoModel string
}

// Client implements llm.Provider on the Gemini generateContent API.
type Client struct {
	baseURL string
	cfg     Config
	client  *http.Client
}

func NewClient(cfg Config) *Client {
	return &Client{
		baseURL: defaultBaseURL,
		cfg:     cfg,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

// Open creates a stateful chat handle. The handle owns the accumulated
// contents: callers send only the new turn and the handle carries
// everything prior, so history is never replayed by the caller.
func (c *Client) Open(_ context.Context, opts llm.OpenOptions) (llm.Session, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, llm.ErrUnauthorized
	}
	return &Session{
		client:    c,
		persona:   opts.Persona,
		grounding: opts.SearchGrounding,
		contents:  toContents(opts.SeedHistory),
	}, nil
}

// Session is the opaque provider handle. It is bound to the process and is
// dropped, not closed, when its workflow resets.
type Session struct {
	client    *Client
	persona   string
	grounding bool
	mu        sync.Mutex
	contents  []content
}

// Send streams one turn. The user turn and the model reply join the
// handle's history only after the stream completes, so a failed turn
// leaves the handle consistent with what the provider saw.
func (s *Session) Send(ctx context.Context, turn llm.Turn, onDelta func(string)) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userContent := content{Role: "user", Parts: toParts(turn)}
	payload := request{
		Contents: append(append([]content(nil), s.contents...), userContent),
	}
	if s.persona != "" {
		payload.SystemInstruction = &content{Parts: []part{{Text: s.persona}}}
	}
	if s.grounding {
		payload.Tools = []tool{{GoogleSearch: &struct{}{}}}
	}
	text, _, err := s.client.streamGenerate(ctx, s.client.cfg.ChatModel, payload, onDelta)
	if err != nil {
		return "", err
	}
	s.contents = append(s.contents, userContent, content{Role: "model", Parts: []part{{Text: text}}})
	return text, nil
}

// Complete issues a one-shot, non-conversational call. With SearchGrounding
// set the google_search tool is attached and any grounding chunks come back
// as citations; a response without grounding metadata degrades to an empty
// citation list.
func (c *Client) Complete(ctx context.Context, opts llm.CompleteOptions) (llm.Completion, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return llm.Completion{}, llm.ErrUnauthorized
	}
	parts := toParts(opts.Turn)
	if strings.TrimSpace(opts.Prompt) != "" {
		parts = append(parts, part{Text: opts.Prompt})
	}
	if len(parts) == 0 {
		return llm.Completion{}, errors.New("empty completion request")
	}
	payload := request{Contents: []content{{Role: "user", Parts: parts}}}
	if opts.SearchGrounding {
		payload.Tools = []tool{{GoogleSearch: &struct{}{}}}
	}
	resp, err := c.generate(ctx, c.cfg.ChatModel, payload)
	if err != nil {
		return llm.Completion{}, err
	}
	if len(resp.Candidates) == 0 {
		return llm.Completion{}, llm.ErrEmptyResponse
	}
	candidate := resp.Candidates[0]
	text := joinText(candidate.Content.Parts)
	if text == "" {
		return llm.Completion{}, llm.ErrEmptyResponse
	}
	return llm.Completion{Text: text, Citations: toCitations(candidate.GroundingMetadata)}, nil
}

// GenerateMedia synthesizes an image or a short video and returns it as a
// media part ready to attach to a transcript message.
func (c *Client) GenerateMedia(ctx context.Context, req llm.MediaRequest) (llm.Part, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return llm.Part{}, llm.ErrUnauthorized
	}
	model := c.cfg.ImageModel
	if req.Kind == llm.MediaVideo {
		model = c.cfg.VideoModel
	}
	payload := request{
		Contents:         []content{{Role: "user", Parts: []part{{Text: req.Prompt}}}},
		GenerationConfig: &generationConfig{ResponseModalities: mediaModalities(req.Kind)},
	}
	resp, err := c.generate(ctx, model, payload)
	if err != nil {
		return llm.Part{}, err
	}
	for _, candidate := range resp.Candidates {
		for _, p := range candidate.Content.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				return llm.MediaPart(p.InlineData.MimeType, p.InlineData.Data), nil
			}
		}
	}
	return llm.Part{}, llm.ErrEmptyResponse
}

func (c *Client) generate(ctx context.Context, model string, payload request) (*response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		c.baseURL, model, url.QueryEscape(c.cfg.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return nil, err
	}
	var parsed response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

func (c *Client) streamGenerate(ctx context.Context, model string, payload request, onDelta func(string)) (string, []llm.Citation, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, err
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
		c.baseURL, model, url.QueryEscape(c.cfg.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("content-type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return "", nil, err
	}

	var builder strings.Builder
	var citations []llm.Citation
	scanner := bufio.NewScanner(resp.Body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 2*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		var chunk response
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		for _, candidate := range chunk.Candidates {
			if delta := joinText(candidate.Content.Parts); delta != "" {
				builder.WriteString(delta)
				if onDelta != nil {
					onDelta(delta)
				}
			}
			if cs := toCitations(candidate.GroundingMetadata); len(cs) > 0 {
				citations = append(citations, cs...)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", nil, err
	}
	return builder.String(), citations, nil
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return llm.ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return llm.ErrRateLimited
	case resp.StatusCode >= 500:
		return llm.ErrUnavailable
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		errorBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gemini error: %s - %s", resp.Status, string(errorBody))
	}
	return nil
}

type request struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Tools             []tool            `json:"tools,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type tool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type response struct {
	Candidates []candidate `json:"candidates"`
}

type candidate struct {
	Content           content            `json:"content"`
	GroundingMetadata *groundingMetadata `json:"groundingMetadata,omitempty"`
}

type groundingMetadata struct {
	GroundingChunks []groundingChunk `json:"groundingChunks"`
}

type groundingChunk struct {
	Web *webSource `json:"web,omitempty"`
}

type webSource struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

func toParts(turn llm.Turn) []part {
	parts := make([]part, 0, len(turn))
	for _, p := range turn {
		switch p.Kind {
		case llm.PartMedia:
			parts = append(parts, part{InlineData: &inlineData{MimeType: p.MimeType, Data: p.Data}})
		default:
			if p.Text != "" {
				parts = append(parts, part{Text: p.Text})
			}
		}
	}
	return parts
}

func toContents(history []llm.Message) []content {
	var result []content
	for _, msg := range history {
		result = append(result, content{Role: mapRole(msg.Role), Parts: []part{{Text: msg.Content}}})
	}
	return result
}

func mapRole(role string) string {
	switch role {
	case "assistant", llm.RoleModel:
		return "model"
	default:
		return "user"
	}
}

func joinText(parts []part) string {
	var buf bytes.Buffer
	for _, p := range parts {
		if p.Text != "" {
			buf.WriteString(p.Text)
		}
	}
	return buf.String()
}

func toCitations(meta *groundingMetadata) []llm.Citation {
	if meta == nil {
		return nil
	}
	var citations []llm.Citation
	for _, chunk := range meta.GroundingChunks {
		if chunk.Web == nil || chunk.Web.URI == "" {
			continue
		}
		citations = append(citations, llm.Citation{Title: chunk.Web.Title, URL: chunk.Web.URI})
	}
	return citations
}

func mediaModalities(kind string) []string {
	if kind == llm.MediaVideo {
		return []string{"VIDEO"}
	}
	return []string{"TEXT", "IMAGE"}
}
