// Package engine owns all core state and exposes it to the host UI as RPC
// handlers: asset ingestion, the benchmark workflow, topic research, and
// script comparison.
package engine

import (
	"log/slog"
	"os"
	"sync"

	"clipstudio/engine/internal/appdirs"
	"clipstudio/engine/internal/asset"
	"clipstudio/engine/internal/config"
	"clipstudio/engine/internal/gemini"
	"clipstudio/engine/internal/llm"
	"clipstudio/engine/internal/logging"
	"clipstudio/engine/internal/resume"
	"clipstudio/engine/internal/store"
	"clipstudio/engine/internal/stream"
	"clipstudio/engine/internal/workflow"
)

const EngineVersion = "0.1.0"

// benchmarkStateKey is the KV key holding the benchmark workflow snapshot.
const benchmarkStateKey = "workflow:benchmark"

// Notifier pushes a server-initiated event to the host.
type Notifier func(method string, params any)

type Engine struct {
	cfg       *config.Config
	provider  llm.Provider
	assets    *asset.Pipeline
	kv        store.KV
	snapshots *resume.Layer
	benchmark *workflow.Benchmark
	logger    *slog.Logger

	notifyMu sync.Mutex
	notify   Notifier
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithProvider injects the session provider, replacing the one built from
// configuration.
func WithProvider(provider llm.Provider) Option {
	return func(e *Engine) {
		if provider != nil {
			e.provider = provider
		}
	}
}

// WithStore injects the durable KV store, replacing the SQLite one opened
// under the data directory.
func WithStore(kv store.KV) Option {
	return func(e *Engine) {
		if kv != nil {
			e.kv = kv
		}
	}
}

func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{cfg: cfg, logger: logging.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	if e.provider == nil {
		switch {
		case cfg.FakeProvider:
			e.provider = newFakeProvider()
		case cfg.GeminiAPIKey != "":
			e.provider = gemini.NewClient(gemini.Config{
				APIKey:     cfg.GeminiAPIKey,
				ChatModel:  cfg.ChatModel,
				ImageModel: cfg.ImageModel,
				VideoModel: cfg.VideoModel,
			})
		}
	}
	if e.kv == nil {
		dataDir := cfg.DataDir
		if dataDir == "" {
			resolved, err := appdirs.DataDir()
			if err != nil {
				return nil, err
			}
			dataDir = resolved
		}
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, err
		}
		kv, err := store.Open(appdirs.StateDir(dataDir))
		if err != nil {
			return nil, err
		}
		e.kv = kv
	}
	e.snapshots = resume.New(e.kv, e.logger)
	e.assets = asset.NewPipeline(
		asset.WithLogger(e.logger.With("component", "asset")),
		asset.WithProgress(e.emitAssetProgress),
	)
	e.benchmark = workflow.NewBenchmark(e.provider, workflow.Config{}, e.logger.With("component", "workflow"))
	e.benchmark.SetObserver(e.onMessageUpdate)
	e.restoreBenchmark()
	e.logger.Debug("engine.init",
		"provider_configured", e.provider != nil,
		"fake_provider", cfg.FakeProvider,
	)
	return e, nil
}

func (e *Engine) SetNotifier(notify Notifier) {
	e.notifyMu.Lock()
	e.notify = notify
	e.notifyMu.Unlock()
}

// Close releases the durable store. Provider handles are not closed; they
// are process-bound and simply dropped.
func (e *Engine) Close() error {
	if e.kv == nil {
		return nil
	}
	return e.kv.Close()
}

func (e *Engine) emit(method string, params any) {
	e.notifyMu.Lock()
	notify := e.notify
	e.notifyMu.Unlock()
	if notify != nil {
		notify(method, params)
	}
}

func (e *Engine) emitAssetProgress(snapshot asset.Asset) {
	e.emit("AssetProgress", assetViewOf(snapshot))
}

// onMessageUpdate fires on every assembler snapshot; only sealed messages
// become completion events. Deltas travel separately through the send path.
func (e *Engine) onMessageUpdate(msg stream.Message) {
	if msg.Streaming {
		return
	}
	e.emit("BenchmarkMessageComplete", map[string]any{
		"workflow_id": e.benchmark.ID,
		"message":     msg,
	})
}

// restoreBenchmark loads the persisted workflow snapshot, downgrading any
// phase that would need a live provider session.
func (e *Engine) restoreBenchmark() {
	snap, ok, err := e.snapshots.Restore(benchmarkStateKey, workflow.SessionFreeFallback)
	if err != nil {
		e.logger.Warn("engine.restore_failed", "error", err.Error())
		return
	}
	if !ok {
		return
	}
	if err := e.benchmark.ApplySnapshot(snap); err != nil {
		e.logger.Warn("engine.restore_rejected", "phase", snap.Phase, "error", err.Error())
		return
	}
	e.logger.Info("engine.restored", "phase", snap.Phase)
}

// saveBenchmark persists the current workflow snapshot. Persistence failure
// never fails the user action that triggered it.
func (e *Engine) saveBenchmark() {
	if err := e.snapshots.Save(benchmarkStateKey, e.benchmark.Snapshot()); err != nil {
		e.logger.Warn("engine.snapshot_failed", "error", err.Error())
	}
}
