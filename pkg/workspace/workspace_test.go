package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCreatesDirAndFlowFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tmp")
	ws := New(dir, "flows.json")

	result, err := ws.Ensure()
	require.NoError(t, err)
	assert.True(t, result.CreatedDir)
	assert.True(t, result.CreatedFlowFile)

	data, err := os.ReadFile(filepath.Join(dir, "flows.json"))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	flows, err := ws.Flows()
	require.NoError(t, err)
	assert.Empty(t, flows)
}

func TestEnsureIsIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tmp")
	ws := New(dir, "flows.json")

	_, err := ws.Ensure()
	require.NoError(t, err)

	// Backdate the file so a rewrite would be visible
	path := ws.FlowFilePath()
	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(path, past, past))

	result, err := ws.Ensure()
	require.NoError(t, err)
	assert.False(t, result.Wrote())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(past))
}

func TestEnsureKeepsExistingFlows(t *testing.T) {
	dir := t.TempDir()
	ws := New(dir, "flows.json")
	existing := `[{"id":"f1","type":"tab"}]`
	require.NoError(t, os.WriteFile(ws.FlowFilePath(), []byte(existing), 0644))

	result, err := ws.Ensure()
	require.NoError(t, err)
	assert.False(t, result.CreatedDir)
	assert.False(t, result.CreatedFlowFile)

	flows, err := ws.Flows()
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.JSONEq(t, `{"id":"f1","type":"tab"}`, string(flows[0]))
}

func TestEnsureCreatesFileInExistingDir(t *testing.T) {
	ws := New(t.TempDir(), "flows.json")

	result, err := ws.Ensure()
	require.NoError(t, err)
	assert.False(t, result.CreatedDir)
	assert.True(t, result.CreatedFlowFile)
}

func TestEnsureRejectsFilePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	_, err := New(path, "flows.json").Ensure()
	assert.Error(t, err)
}

func TestRemove(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tmp")
	ws := New(dir, "flows.json")
	_, err := ws.Ensure()
	require.NoError(t, err)

	require.NoError(t, ws.Remove())
	assert.NoDirExists(t, dir)

	// Removing twice is fine
	require.NoError(t, ws.Remove())
}

func TestAccessors(t *testing.T) {
	ws := New("tmp", "flows.json")
	assert.Equal(t, "tmp", ws.Dir())
	assert.Equal(t, "flows.json", ws.FlowFile())
	assert.Equal(t, filepath.Join("tmp", "flows.json"), ws.FlowFilePath())
}
