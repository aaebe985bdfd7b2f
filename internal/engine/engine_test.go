package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clipstudio/engine/internal/config"
	"clipstudio/engine/internal/errinfo"
	"clipstudio/engine/internal/llm"
	"clipstudio/engine/internal/llm/llmtest"
	"clipstudio/engine/internal/scriptdiff"
	"clipstudio/engine/internal/store"
	"clipstudio/engine/internal/stream"
)

type notification struct {
	Method string
	Params any
}

type recorder struct {
	mu     sync.Mutex
	events []notification
}

func (r *recorder) notify(method string, params any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, notification{Method: method, Params: params})
}

func (r *recorder) byMethod(method string) []notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notification
	for _, n := range r.events {
		if n.Method == method {
			out = append(out, n)
		}
	}
	return out
}

func newTestEngine(t *testing.T, provider llm.Provider) (*Engine, *recorder) {
	t.Helper()
	kv, err := store.Open(t.TempDir())
	require.NoError(t, err)
	eng, err := New(&config.Config{ChatModel: "test-model"}, WithProvider(provider), WithStore(kv))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	rec := &recorder{}
	eng.SetNotifier(rec.notify)
	return eng, rec
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func ingestReady(t *testing.T, eng *Engine, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	result, errInfo := eng.AssetIngest(context.Background(), raw(t, map[string]string{"path": path}))
	require.Nil(t, errInfo)
	id := result.(assetView).ID
	require.Eventually(t, func() bool {
		status, errInfo := eng.AssetGetStatus(context.Background(), raw(t, map[string]string{"asset_id": id}))
		require.Nil(t, errInfo)
		return status.(assetView).Status == "ready"
	}, time.Second, 5*time.Millisecond)
	return id
}

func TestEngineGetInfo(t *testing.T) {
	eng, _ := newTestEngine(t, llmtest.NewProvider())
	result, errInfo := eng.EngineGetInfo(context.Background(), nil)
	require.Nil(t, errInfo)
	info := result.(map[string]any)
	require.Equal(t, EngineVersion, info["engine_version"])
	require.Equal(t, true, info["provider_configured"])
}

func TestAssetIngestLifecycle(t *testing.T) {
	eng, rec := newTestEngine(t, llmtest.NewProvider())
	id := ingestReady(t, eng, "clip.mp4", "frame data")

	status, errInfo := eng.AssetGetStatus(context.Background(), raw(t, map[string]string{"asset_id": id}))
	require.Nil(t, errInfo)
	view := status.(assetView)
	require.Equal(t, "video/mp4", view.MimeType)
	require.Equal(t, 100, view.Progress)

	require.NotEmpty(t, rec.byMethod("AssetProgress"))

	_, errInfo = eng.AssetRemove(context.Background(), raw(t, map[string]string{"asset_id": id}))
	require.Nil(t, errInfo)
	_, errInfo = eng.AssetGetStatus(context.Background(), raw(t, map[string]string{"asset_id": id}))
	require.NotNil(t, errInfo)
	require.Equal(t, errinfo.CodeValidationFailed, errInfo.ErrorCode)
}

func TestAssetIngestRejectsOversize(t *testing.T) {
	eng, _ := newTestEngine(t, llmtest.NewProvider())
	path := filepath.Join(t.TempDir(), "huge.mp4")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(21*1024*1024))
	require.NoError(t, f.Close())

	_, errInfo := eng.AssetIngest(context.Background(), raw(t, map[string]string{"path": path}))
	require.NotNil(t, errInfo)
	require.Equal(t, errinfo.CodeAssetTooLarge, errInfo.ErrorCode)
}

func TestBenchmarkFullFlow(t *testing.T) {
	provider := llmtest.NewProvider()
	provider.Reply = func(_ string, turn llm.Turn) ([]string, error) {
		return []string{"two ", "deltas"}, nil
	}
	eng, rec := newTestEngine(t, provider)
	id := ingestReady(t, eng, "reference.mp4", "reference frames")

	result, errInfo := eng.BenchmarkSubmitInput(context.Background(), raw(t, map[string]any{
		"asset_ids": []string{id},
		"link":      "https://clips.example/ref",
	}))
	require.Nil(t, errInfo)
	state := result.(map[string]any)
	require.Equal(t, "interactive_analysis", state["phase"])
	require.NotEmpty(t, state["analysis_text"])

	result, errInfo = eng.BenchmarkSendTurn(context.Background(), raw(t, map[string]any{
		"text": "what makes the hook work?",
	}))
	require.Nil(t, errInfo)
	final := result.(map[string]stream.Message)["message"]
	require.Equal(t, "two deltas", final.Content)

	deltas := rec.byMethod("BenchmarkStreamDelta")
	require.Len(t, deltas, 2)
	first := deltas[0].Params.(map[string]string)
	require.Equal(t, "two ", first["token_delta"])
	require.Equal(t, final.ID, first["message_id"])
	require.NotEmpty(t, rec.byMethod("BenchmarkMessageComplete"))

	_, errInfo = eng.BenchmarkAdvanceToBrief(context.Background(), nil)
	require.Nil(t, errInfo)
	result, errInfo = eng.BenchmarkCreateGuide(context.Background(), raw(t, map[string]string{
		"brief": "same pacing, cooking niche",
	}))
	require.Nil(t, errInfo)
	require.Equal(t, "imitation_guide", result.(map[string]any)["phase"])

	result, errInfo = eng.BenchmarkGenerateMedia(context.Background(), raw(t, map[string]string{
		"kind":   llm.MediaImage,
		"prompt": "storyboard frame",
	}))
	require.Nil(t, errInfo)
	require.Len(t, result.(map[string]stream.Message)["message"].Media, 1)
}

func TestBenchmarkSubmitInputRequiresReference(t *testing.T) {
	eng, _ := newTestEngine(t, llmtest.NewProvider())
	_, errInfo := eng.BenchmarkSubmitInput(context.Background(), raw(t, map[string]any{}))
	require.NotNil(t, errInfo)
	require.Equal(t, errinfo.CodeValidationFailed, errInfo.ErrorCode)
}

func TestBenchmarkSubmitInputUnknownAsset(t *testing.T) {
	eng, _ := newTestEngine(t, llmtest.NewProvider())
	// Unknown asset id surfaces before composing.
	_, errInfo := eng.BenchmarkSubmitInput(context.Background(), raw(t, map[string]any{
		"asset_ids": []string{"01MISSING"},
	}))
	require.NotNil(t, errInfo)
	require.Equal(t, errinfo.CodeValidationFailed, errInfo.ErrorCode)
	require.Equal(t, "01MISSING", errInfo.AssetID)
}

func TestProviderNotConfigured(t *testing.T) {
	kv, err := store.Open(t.TempDir())
	require.NoError(t, err)
	eng, err := New(&config.Config{}, WithStore(kv))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	_, errInfo := eng.TopicResearch(context.Background(), raw(t, map[string]string{"topic": "cooking"}))
	require.NotNil(t, errInfo)
	require.Equal(t, errinfo.CodeProviderNotConfigured, errInfo.ErrorCode)
}

func TestStreamErrorKeepsPartialInTranscript(t *testing.T) {
	provider := llmtest.NewProvider()
	calls := 0
	provider.Reply = func(string, llm.Turn) ([]string, error) {
		calls++
		if calls == 1 {
			return []string{"half a "}, context.DeadlineExceeded
		}
		return []string{"full answer"}, nil
	}
	eng, _ := newTestEngine(t, provider)
	id := ingestReady(t, eng, "ref.mp4", "frames")
	_, errInfo := eng.BenchmarkSubmitInput(context.Background(), raw(t, map[string]any{"asset_ids": []string{id}}))
	require.Nil(t, errInfo)

	_, errInfo = eng.BenchmarkSendTurn(context.Background(), raw(t, map[string]any{"text": "first"}))
	require.NotNil(t, errInfo)
	require.Equal(t, errinfo.CodeStreamError, errInfo.ErrorCode)
	require.NotEmpty(t, errInfo.MessageID)

	state, getErr := eng.BenchmarkGetState(context.Background(), nil)
	require.Nil(t, getErr)
	messages := state.(map[string]any)["messages"].([]stream.Message)
	last := messages[len(messages)-1]
	require.Equal(t, "half a ", last.Content)
	require.False(t, last.Streaming)

	// The session survives; the next turn succeeds.
	_, errInfo = eng.BenchmarkSendTurn(context.Background(), raw(t, map[string]any{"text": "again"}))
	require.Nil(t, errInfo)
}

func TestResetClearsEverything(t *testing.T) {
	eng, _ := newTestEngine(t, llmtest.NewProvider())
	id := ingestReady(t, eng, "ref.mp4", "frames")
	_, errInfo := eng.BenchmarkSubmitInput(context.Background(), raw(t, map[string]any{"asset_ids": []string{id}}))
	require.Nil(t, errInfo)

	result, errInfo := eng.BenchmarkReset(context.Background(), nil)
	require.Nil(t, errInfo)
	require.Equal(t, "input", result.(map[string]any)["phase"])
	_, errInfo = eng.AssetGetStatus(context.Background(), raw(t, map[string]string{"asset_id": id}))
	require.NotNil(t, errInfo)
}

func TestRestoreAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	provider := llmtest.NewProvider()

	kv, err := store.Open(dir)
	require.NoError(t, err)
	eng, err := New(&config.Config{}, WithProvider(provider), WithStore(kv))
	require.NoError(t, err)
	id := ingestReady(t, eng, "ref.mp4", "frames")
	_, errInfo := eng.BenchmarkSubmitInput(context.Background(), raw(t, map[string]any{
		"asset_ids": []string{id},
		"link":      "https://clips.example/ref",
	}))
	require.Nil(t, errInfo)
	_, errInfo = eng.BenchmarkAdvanceToBrief(context.Background(), nil)
	require.Nil(t, errInfo)
	require.NoError(t, eng.Close())

	// user_brief needs no live session, so it restores exactly.
	kv, err = store.Open(dir)
	require.NoError(t, err)
	restarted, err := New(&config.Config{}, WithProvider(provider), WithStore(kv))
	require.NoError(t, err)
	t.Cleanup(func() { _ = restarted.Close() })
	state, errInfo := restarted.BenchmarkGetState(context.Background(), nil)
	require.Nil(t, errInfo)
	require.Equal(t, "user_brief", state.(map[string]any)["phase"])
	require.Equal(t, "https://clips.example/ref", state.(map[string]any)["reference_link"])
}

func TestRestoreDowngradesLivePhase(t *testing.T) {
	dir := t.TempDir()
	provider := llmtest.NewProvider()

	kv, err := store.Open(dir)
	require.NoError(t, err)
	eng, err := New(&config.Config{}, WithProvider(provider), WithStore(kv))
	require.NoError(t, err)
	id := ingestReady(t, eng, "ref.mp4", "frames")
	_, errInfo := eng.BenchmarkSubmitInput(context.Background(), raw(t, map[string]any{"asset_ids": []string{id}}))
	require.Nil(t, errInfo)
	require.NoError(t, eng.Close())

	// interactive_analysis needs a session that cannot be reconstructed.
	kv, err = store.Open(dir)
	require.NoError(t, err)
	restarted, err := New(&config.Config{}, WithProvider(provider), WithStore(kv))
	require.NoError(t, err)
	t.Cleanup(func() { _ = restarted.Close() })
	state, errInfo := restarted.BenchmarkGetState(context.Background(), nil)
	require.Nil(t, errInfo)
	require.Equal(t, "input", state.(map[string]any)["phase"])
}

func TestTopicResearchDegradesOnMalformedResponse(t *testing.T) {
	provider := llmtest.NewProvider()
	provider.CompleteFn = func(llm.CompleteOptions) (llm.Completion, error) {
		return llm.Completion{Text: "not json"}, nil
	}
	eng, _ := newTestEngine(t, provider)
	result, errInfo := eng.TopicResearch(context.Background(), raw(t, map[string]string{"topic": "travel"}))
	require.Nil(t, errInfo)
	require.Empty(t, result.(map[string]any)["ideas"])
}

func TestScriptCompareHandler(t *testing.T) {
	eng, _ := newTestEngine(t, llmtest.NewProvider())
	result, errInfo := eng.ScriptCompare(context.Background(), raw(t, map[string]string{
		"previous": "HOOK: old\nBODY: same\n",
		"current":  "HOOK: new\nBODY: same\n",
	}))
	require.Nil(t, errInfo)
	diff := result.(scriptdiff.Result)
	require.True(t, diff.Changed())
	require.Equal(t, 1, diff.Added)
	require.Equal(t, 1, diff.Removed)
}

func TestFakeProviderDrivesFullFlow(t *testing.T) {
	kv, err := store.Open(t.TempDir())
	require.NoError(t, err)
	eng, err := New(&config.Config{FakeProvider: true}, WithStore(kv))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	eng.SetNotifier(func(string, any) {})

	id := ingestReady(t, eng, "ref.mp4", "frames")
	_, errInfo := eng.BenchmarkSubmitInput(context.Background(), raw(t, map[string]any{"asset_ids": []string{id}}))
	require.Nil(t, errInfo)

	result, errInfo := eng.TopicResearch(context.Background(), raw(t, map[string]string{"topic": "cooking"}))
	require.Nil(t, errInfo)
	require.NotEmpty(t, result.(map[string]any)["ideas"])
}
