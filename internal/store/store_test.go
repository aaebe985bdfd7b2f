package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetGetRemove(t *testing.T) {
	kv, err := Open(t.TempDir())
	require.NoError(t, err)
	defer kv.Close()

	_, ok, err := kv.Get("missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, kv.Set("workflow.benchmark", `{"phase":"input"}`))
	value, ok, err := kv.Get("workflow.benchmark")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"phase":"input"}`, value)

	require.NoError(t, kv.Set("workflow.benchmark", `{"phase":"user_brief"}`))
	value, ok, err = kv.Get("workflow.benchmark")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"phase":"user_brief"}`, value)

	require.NoError(t, kv.Remove("workflow.benchmark"))
	_, ok, err = kv.Get("workflow.benchmark")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRemoveMissingKeyIsNoop(t *testing.T) {
	kv, err := Open(t.TempDir())
	require.NoError(t, err)
	defer kv.Close()

	require.NoError(t, kv.Remove("never-set"))
}

func TestReopenKeepsValues(t *testing.T) {
	dir := t.TempDir()
	kv, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, kv.Set("k", "v"))
	require.NoError(t, kv.Close())

	kv, err = Open(dir)
	require.NoError(t, err)
	defer kv.Close()
	value, ok, err := kv.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", value)
}
