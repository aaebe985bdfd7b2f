package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"clipstudio/engine/internal/asset"
	"clipstudio/engine/internal/compose"
	"clipstudio/engine/internal/errinfo"
	"clipstudio/engine/internal/llm"
	"clipstudio/engine/internal/research"
	"clipstudio/engine/internal/scriptdiff"
	"clipstudio/engine/internal/session"
	"clipstudio/engine/internal/stream"
	"clipstudio/engine/internal/workflow"
)

// assetView is the asset snapshot sent to the host: everything but the
// encoded payload, which never leaves the engine through status responses.
type assetView struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	ByteSize    int64  `json:"byte_size"`
	MimeType    string `json:"mime_type"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	FailReason  string `json:"fail_reason,omitempty"`
}

func assetViewOf(a asset.Asset) assetView {
	return assetView{
		ID:          a.ID,
		DisplayName: a.DisplayName,
		ByteSize:    a.ByteSize,
		MimeType:    a.MimeType,
		Status:      a.Status,
		Progress:    a.Progress,
		FailReason:  a.FailReason,
	}
}

func parseParams(params json.RawMessage, v any, phase string) *errinfo.ErrorInfo {
	if len(params) == 0 {
		return errinfo.ValidationFailed(phase, "missing params")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return errinfo.ValidationFailed(phase, "invalid params: "+err.Error())
	}
	return nil
}

func (e *Engine) requireProvider(phase string) *errinfo.ErrorInfo {
	if e.provider == nil {
		return errinfo.ProviderNotConfigured(phase)
	}
	return nil
}

func (e *Engine) EngineGetInfo(_ context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	return map[string]any{
		"engine_version":      EngineVersion,
		"provider_configured": e.provider != nil,
		"chat_model":          e.cfg.ChatModel,
	}, nil
}

// fileSource adapts a host-supplied path to the pipeline's file source. The
// host passes files by path, never by value.
type fileSource struct {
	path     string
	name     string
	size     int64
	mimeType string
}

func (s *fileSource) Name() string     { return s.name }
func (s *fileSource) Size() int64      { return s.size }
func (s *fileSource) MimeType() string { return s.mimeType }

func (s *fileSource) Open() (io.ReadCloser, error) { return os.Open(s.path) }

func (e *Engine) AssetIngest(_ context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p struct {
		Path        string `json:"path"`
		DisplayName string `json:"display_name,omitempty"`
		MimeType    string `json:"mime_type,omitempty"`
	}
	if errInfo := parseParams(params, &p, errinfo.PhaseIngest); errInfo != nil {
		return nil, errInfo
	}
	if strings.TrimSpace(p.Path) == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseIngest, "path is required")
	}
	info, err := os.Stat(p.Path)
	if err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseIngest, err.Error())
	}
	name := p.DisplayName
	if name == "" {
		name = filepath.Base(p.Path)
	}
	src := &fileSource{path: p.Path, name: name, size: info.Size(), mimeType: p.MimeType}
	snapshot, err := e.assets.Ingest(src)
	if err != nil {
		if errors.Is(err, asset.ErrTooLarge) {
			return nil, errinfo.AssetTooLarge("", err.Error())
		}
		return nil, errinfo.AssetEncodeFailed("", err.Error())
	}
	return assetViewOf(snapshot), nil
}

func (e *Engine) AssetGetStatus(_ context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p struct {
		AssetID string `json:"asset_id"`
	}
	if errInfo := parseParams(params, &p, errinfo.PhaseIngest); errInfo != nil {
		return nil, errInfo
	}
	snapshot, ok := e.assets.Get(p.AssetID)
	if !ok {
		return nil, errinfo.ValidationFailed(errinfo.PhaseIngest, "unknown asset: "+p.AssetID)
	}
	return assetViewOf(snapshot), nil
}

func (e *Engine) AssetRemove(_ context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p struct {
		AssetID string `json:"asset_id"`
	}
	if errInfo := parseParams(params, &p, errinfo.PhaseIngest); errInfo != nil {
		return nil, errInfo
	}
	e.assets.Remove(p.AssetID)
	return map[string]bool{"removed": true}, nil
}

func (e *Engine) benchmarkState() map[string]any {
	return map[string]any{
		"workflow_id":    e.benchmark.ID,
		"phase":          string(e.benchmark.Phase()),
		"reference_link": e.benchmark.ReferenceLink(),
		"analysis_text":  e.benchmark.AnalysisText(),
		"brief":          e.benchmark.Brief(),
		"messages":       e.benchmark.Messages(),
	}
}

func (e *Engine) BenchmarkGetState(_ context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	return e.benchmarkState(), nil
}

// collectGroups resolves asset IDs into role-tagged groups for the builder.
func (e *Engine) collectGroups(groups map[compose.Role][]string) ([]compose.Group, *errinfo.ErrorInfo) {
	var out []compose.Group
	for role, ids := range groups {
		if len(ids) == 0 {
			continue
		}
		g := compose.Group{Role: role}
		for _, id := range ids {
			snapshot, ok := e.assets.Get(id)
			if !ok {
				return nil, &errinfo.ErrorInfo{
					ErrorCode: errinfo.CodeValidationFailed,
					Phase:     errinfo.PhaseCompose,
					AssetID:   id,
					Detail:    "unknown asset",
				}
			}
			g.Assets = append(g.Assets, snapshot)
		}
		out = append(out, g)
	}
	return out, nil
}

func (e *Engine) buildTurn(in compose.Inputs) (llm.Turn, *errinfo.ErrorInfo) {
	turn, err := compose.Build(in)
	if err != nil {
		if errors.Is(err, compose.ErrAssetNotReady) {
			return nil, errinfo.AssetNotReady(errinfo.PhaseCompose, firstNotReady(in.Groups))
		}
		return nil, errinfo.ValidationFailed(errinfo.PhaseCompose, err.Error())
	}
	return turn, nil
}

func firstNotReady(groups []compose.Group) string {
	for _, g := range groups {
		for _, a := range g.Assets {
			if a.Status != asset.StatusReady {
				return a.ID
			}
		}
	}
	return ""
}

func (e *Engine) BenchmarkSubmitInput(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	if errInfo := e.requireProvider(errinfo.PhaseBenchmark); errInfo != nil {
		return nil, errInfo
	}
	var p struct {
		AssetIDs    []string `json:"asset_ids,omitempty"`
		Link        string   `json:"link,omitempty"`
		Instruction string   `json:"instruction,omitempty"`
	}
	if errInfo := parseParams(params, &p, errinfo.PhaseBenchmark); errInfo != nil {
		return nil, errInfo
	}
	if len(p.AssetIDs) == 0 && strings.TrimSpace(p.Link) == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseBenchmark, "a reference file or link is required")
	}
	groups, errInfo := e.collectGroups(map[compose.Role][]string{
		compose.RoleContentReference: p.AssetIDs,
	})
	if errInfo != nil {
		return nil, errInfo
	}
	inputs := compose.Inputs{Groups: groups, Instruction: p.Instruction}
	if link := strings.TrimSpace(p.Link); link != "" {
		inputs.Links = []string{link}
	}
	turn, errInfo := e.buildTurn(inputs)
	if errInfo != nil {
		return nil, errInfo
	}
	if _, err := e.benchmark.SubmitInput(ctx, turn, strings.TrimSpace(p.Link)); err != nil {
		return nil, e.mapWorkflowError(err)
	}
	e.saveBenchmark()
	return e.benchmarkState(), nil
}

func (e *Engine) BenchmarkSendTurn(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	if errInfo := e.requireProvider(errinfo.PhaseBenchmark); errInfo != nil {
		return nil, errInfo
	}
	var p struct {
		Text            string   `json:"text"`
		AssetIDs        []string `json:"asset_ids,omitempty"`
		StyleAssetIDs   []string `json:"style_asset_ids,omitempty"`
		HistoryAssetIDs []string `json:"history_asset_ids,omitempty"`
	}
	if errInfo := parseParams(params, &p, errinfo.PhaseBenchmark); errInfo != nil {
		return nil, errInfo
	}
	groups, errInfo := e.collectGroups(map[compose.Role][]string{
		compose.RoleBenchmarkStyle: p.StyleAssetIDs,
		compose.RoleHistoryVersion: p.HistoryAssetIDs,
		compose.RoleCurrentVersion: p.AssetIDs,
	})
	if errInfo != nil {
		return nil, errInfo
	}
	turn, errInfo := e.buildTurn(compose.Inputs{Groups: groups, Instruction: p.Text})
	if errInfo != nil {
		return nil, errInfo
	}
	final, err := e.benchmark.SendTurn(ctx, turn, func(messageID, delta string) {
		e.emit("BenchmarkStreamDelta", map[string]string{
			"workflow_id": e.benchmark.ID,
			"message_id":  messageID,
			"token_delta": delta,
		})
	})
	e.saveBenchmark()
	if err != nil {
		if errors.Is(err, workflow.ErrPhaseMismatch) || errors.Is(err, session.ErrSendInFlight) {
			return nil, e.mapWorkflowError(err)
		}
		// Partial content is already frozen into the transcript and the
		// completion notification carried it; report the failure once here.
		return nil, errinfo.StreamError(errinfo.PhaseBenchmark, final.ID, err.Error())
	}
	return map[string]stream.Message{"message": final}, nil
}

func (e *Engine) BenchmarkAdvanceToBrief(_ context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	if err := e.benchmark.AdvanceToBrief(); err != nil {
		return nil, e.mapWorkflowError(err)
	}
	e.saveBenchmark()
	return e.benchmarkState(), nil
}

func (e *Engine) BenchmarkCreateGuide(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	if errInfo := e.requireProvider(errinfo.PhaseBenchmark); errInfo != nil {
		return nil, errInfo
	}
	var p struct {
		Brief string `json:"brief"`
	}
	if errInfo := parseParams(params, &p, errinfo.PhaseBenchmark); errInfo != nil {
		return nil, errInfo
	}
	if strings.TrimSpace(p.Brief) == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseBenchmark, "brief is required")
	}
	if err := e.benchmark.CreateGuide(ctx, p.Brief); err != nil {
		return nil, e.mapWorkflowError(err)
	}
	e.saveBenchmark()
	return e.benchmarkState(), nil
}

func (e *Engine) BenchmarkGenerateMedia(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	if errInfo := e.requireProvider(errinfo.PhaseBenchmark); errInfo != nil {
		return nil, errInfo
	}
	var p struct {
		Kind   string `json:"kind"`
		Prompt string `json:"prompt"`
	}
	if errInfo := parseParams(params, &p, errinfo.PhaseBenchmark); errInfo != nil {
		return nil, errInfo
	}
	if p.Kind != llm.MediaImage && p.Kind != llm.MediaVideo {
		return nil, errinfo.ValidationFailed(errinfo.PhaseBenchmark, "kind must be image or video")
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseBenchmark, "prompt is required")
	}
	msg, err := e.benchmark.GenerateMedia(ctx, p.Kind, p.Prompt)
	if err != nil {
		return nil, e.mapWorkflowError(err)
	}
	return map[string]stream.Message{"message": msg}, nil
}

func (e *Engine) BenchmarkReset(_ context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	e.benchmark.Reset()
	e.assets.RemoveAll()
	if err := e.snapshots.Clear(benchmarkStateKey); err != nil {
		e.logger.Warn("engine.snapshot_clear_failed", "error", err.Error())
	}
	return e.benchmarkState(), nil
}

func (e *Engine) TopicResearch(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	if errInfo := e.requireProvider(errinfo.PhaseResearch); errInfo != nil {
		return nil, errInfo
	}
	var p struct {
		Topic string `json:"topic"`
	}
	if errInfo := parseParams(params, &p, errinfo.PhaseResearch); errInfo != nil {
		return nil, errInfo
	}
	if strings.TrimSpace(p.Topic) == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseResearch, "topic is required")
	}
	ideas, err := research.TopicIdeas(ctx, e.provider, p.Topic, e.logger)
	if err != nil {
		return nil, e.mapProviderError(errinfo.PhaseResearch, err)
	}
	return map[string]any{"ideas": ideas}, nil
}

func (e *Engine) ScriptCompare(_ context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p struct {
		Previous string `json:"previous"`
		Current  string `json:"current"`
	}
	if errInfo := parseParams(params, &p, errinfo.PhaseScript); errInfo != nil {
		return nil, errInfo
	}
	return scriptdiff.Compare(p.Previous, p.Current), nil
}

func (e *Engine) mapWorkflowError(err error) *errinfo.ErrorInfo {
	switch {
	case errors.Is(err, workflow.ErrPhaseMismatch):
		return errinfo.PhaseMismatch(errinfo.PhaseBenchmark, err.Error())
	case errors.Is(err, session.ErrSendInFlight):
		return &errinfo.ErrorInfo{
			ErrorCode: errinfo.CodeValidationFailed,
			Phase:     errinfo.PhaseBenchmark,
			Retryable: true,
			Detail:    err.Error(),
		}
	case errors.Is(err, workflow.ErrEmptyAnalysis):
		return errinfo.MalformedStructured(errinfo.PhaseBenchmark, err.Error())
	default:
		return e.mapProviderError(errinfo.PhaseBenchmark, err)
	}
}

func (e *Engine) mapProviderError(phase string, err error) *errinfo.ErrorInfo {
	switch {
	case errors.Is(err, llm.ErrUnauthorized):
		return errinfo.ProviderNotConfigured(phase)
	default:
		return errinfo.SessionOpenFailed(phase, err.Error())
	}
}
