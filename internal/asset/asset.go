package asset

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"clipstudio/engine/internal/logging"
)

// MaxBytes is the hard ceiling for a single ingested file. Files above it
// are rejected before any encoding work starts.
const MaxBytes = 20 * 1024 * 1024

const (
	StatusPending  = "pending"
	StatusEncoding = "encoding"
	StatusReady    = "ready"
	StatusFailed   = "failed"
)

var (
	ErrTooLarge = errors.New("file exceeds size ceiling")
	ErrNotFound = errors.New("asset not found")
)

// Source yields the raw bytes of a user-selected file. Callers must not
// assume the bytes are synchronously available; Open may block.
type Source interface {
	Name() string
	Size() int64
	MimeType() string
	Open() (io.ReadCloser, error)
}

// Asset is the validated, encoded form of a user-supplied file.
// Payload is standard base64 and is non-empty exactly when Status is ready.
// Once ready the payload is read-only and may back any number of turns
// without re-encoding.
type Asset struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	ByteSize    int64  `json:"byte_size"`
	MimeType    string `json:"mime_type"`
	Payload     string `json:"payload,omitempty"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	FailReason  string `json:"fail_reason,omitempty"`
}

// ProgressFunc observes asset snapshots as encoding advances. Progress is
// monotonically non-decreasing per asset, ending at 100 for ready assets.
type ProgressFunc func(snapshot Asset)

type entry struct {
	asset     Asset
	done      chan struct{}
	closeDone sync.Once
}

func (e *entry) seal() {
	e.closeDone.Do(func() { close(e.done) })
}

type Pipeline struct {
	mu         sync.Mutex
	entries    map[string]*entry
	onProgress ProgressFunc
	logger     *slog.Logger
	entropy    *ulid.MonotonicEntropy
	chunkSize  int
}

type Option func(*Pipeline)

func WithProgress(fn ProgressFunc) Option {
	return func(p *Pipeline) { p.onProgress = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewPipeline(opts ...Option) *Pipeline {
	p := &Pipeline{
		entries:   make(map[string]*entry),
		logger:    logging.Nop(),
		entropy:   ulid.Monotonic(rand.Reader, 0),
		chunkSize: 256 * 1024,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest validates src and starts encoding it in the background. The size
// ceiling is enforced here, synchronously, so an oversized file never
// produces encoding side effects. Multiple files ingest concurrently and
// independently.
func (p *Pipeline) Ingest(src Source) (Asset, error) {
	if src.Size() > MaxBytes {
		return Asset{}, fmt.Errorf("%s is %d bytes: %w", src.Name(), src.Size(), ErrTooLarge)
	}
	p.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), p.entropy).String()
	e := &entry{
		asset: Asset{
			ID:          id,
			DisplayName: src.Name(),
			ByteSize:    src.Size(),
			MimeType:    NormalizeMime(src.Name(), src.MimeType()),
			Status:      StatusPending,
		},
		done: make(chan struct{}),
	}
	p.entries[id] = e
	snapshot := e.asset
	p.mu.Unlock()
	p.logger.Debug("asset.ingest", "asset_id", id, "name", src.Name(), "bytes", src.Size())
	go p.encode(id, src)
	return snapshot, nil
}

func (p *Pipeline) encode(id string, src Source) {
	p.update(id, func(a *Asset) {
		a.Status = StatusEncoding
	})
	reader, err := src.Open()
	if err != nil {
		p.fail(id, err)
		return
	}
	defer reader.Close()

	var builder strings.Builder
	encoder := base64.NewEncoder(base64.StdEncoding, &builder)
	buf := make([]byte, p.chunkSize)
	var read int64
	total := src.Size()
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if _, werr := encoder.Write(buf[:n]); werr != nil {
				p.fail(id, werr)
				return
			}
			read += int64(n)
			p.update(id, func(a *Asset) {
				a.Progress = clampProgress(read, total, a.Progress)
			})
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			p.fail(id, err)
			return
		}
	}
	if err := encoder.Close(); err != nil {
		p.fail(id, err)
		return
	}
	payload := builder.String()
	p.update(id, func(a *Asset) {
		a.Payload = payload
		a.ByteSize = read
		a.Status = StatusReady
		a.Progress = 100
	})
	p.finish(id)
	p.logger.Debug("asset.ready", "asset_id", id, "bytes", read)
}

func (p *Pipeline) fail(id string, cause error) {
	p.update(id, func(a *Asset) {
		a.Status = StatusFailed
		a.FailReason = cause.Error()
		a.Payload = ""
	})
	p.finish(id)
	p.logger.Warn("asset.encode_failed", "asset_id", id, "error", cause.Error())
}

func (p *Pipeline) finish(id string) {
	p.mu.Lock()
	e, ok := p.entries[id]
	p.mu.Unlock()
	if ok {
		e.seal()
	}
}

func (p *Pipeline) update(id string, fn func(*Asset)) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		// Removed mid-encode; drop the result silently.
		p.mu.Unlock()
		return
	}
	fn(&e.asset)
	snapshot := e.asset
	p.mu.Unlock()
	if p.onProgress != nil {
		p.onProgress(snapshot)
	}
}

// Get returns an immutable snapshot of the asset.
func (p *Pipeline) Get(id string) (Asset, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return Asset{}, false
	}
	return e.asset, true
}

// Await blocks until the asset reaches a terminal status (ready or failed).
func (p *Pipeline) Await(id string) (Asset, error) {
	p.mu.Lock()
	e, ok := p.entries[id]
	p.mu.Unlock()
	if !ok {
		return Asset{}, ErrNotFound
	}
	<-e.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return e.asset, nil
}

// Remove drops the asset. Encoding in flight for it is abandoned.
func (p *Pipeline) Remove(id string) {
	p.mu.Lock()
	e, ok := p.entries[id]
	delete(p.entries, id)
	p.mu.Unlock()
	if ok {
		e.seal()
	}
}

// RemoveAll drops every asset, used when an owning workflow phase resets.
func (p *Pipeline) RemoveAll() {
	p.mu.Lock()
	old := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()
	for _, e := range old {
		e.seal()
	}
}

func clampProgress(read, total int64, prev int) int {
	if total <= 0 {
		return prev
	}
	pct := int(read * 100 / total)
	if pct > 100 {
		pct = 100
	}
	if pct < prev {
		return prev
	}
	return pct
}

// mimeFallbacks covers extensions whose platform-reported type is commonly
// empty or wrong, documents in particular.
var mimeFallbacks = map[string]string{
	".md":   "text/markdown",
	".csv":  "text/csv",
	".srt":  "application/x-subrip",
	".txt":  "text/plain",
	".json": "application/json",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".pdf":  "application/pdf",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
}

// NormalizeMime assigns a canonical mime type before payload use. The
// declared type wins unless it is missing or the generic octet-stream.
func NormalizeMime(name, declared string) string {
	declared = strings.TrimSpace(declared)
	if idx := strings.Index(declared, ";"); idx >= 0 {
		declared = strings.TrimSpace(declared[:idx])
	}
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return "application/octet-stream"
	}
	if fallback, ok := mimeFallbacks[ext]; ok {
		return fallback
	}
	if byExt := mime.TypeByExtension(ext); byExt != "" {
		if idx := strings.Index(byExt, ";"); idx >= 0 {
			byExt = strings.TrimSpace(byExt[:idx])
		}
		return byExt
	}
	return "application/octet-stream"
}
