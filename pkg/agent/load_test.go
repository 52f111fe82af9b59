package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoclaw/mongoclaw/pkg/types"
)

const singleAgentYAML = `
id: order-enricher
watch:
  database: shop
  collection: orders
  operations: [insert]
ai:
  model: claude-sonnet-4-5
  prompt: "Summarize the order: {{ json .document }}"
write:
  strategy: nested
  path: enrichment.summary
execution:
  max_retries: 5
  timeout: 120
  priority: 7
`

func TestLoadBytesSingle(t *testing.T) {
	configs, err := LoadBytes([]byte(singleAgentYAML))
	require.NoError(t, err)
	require.Len(t, configs, 1)

	cfg := configs[0]
	assert.Equal(t, "order-enricher", cfg.ID)
	assert.Equal(t, []types.Operation{types.OperationInsert}, cfg.Watch.Operations)
	assert.Equal(t, types.WriteNested, cfg.Write.Strategy)
	assert.Equal(t, "enrichment.summary", cfg.Write.Path)
	assert.Equal(t, 5, cfg.Execution.MaxRetries)
	assert.Equal(t, 7, cfg.Execution.Priority)

	// defaults survive the overlay
	assert.True(t, cfg.IsEnabled())
	assert.Equal(t, 2048, cfg.AI.MaxTokens)
	assert.InDelta(t, 0.7, cfg.Temperature(), 1e-9)
	assert.Equal(t, types.ConsistencyEventual, cfg.Execution.Consistency)
}

func TestLoadBytesList(t *testing.T) {
	data := []byte(`
agents:
  - id: first-agent
    watch: {database: app, collection: a}
    ai: {prompt: "p1"}
  - id: second-agent
    watch: {database: app, collection: b}
    ai: {prompt: "p2"}
    enabled: false
`)
	configs, err := LoadBytes(data)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "first-agent", configs[0].ID)
	assert.True(t, configs[0].IsEnabled())
	assert.False(t, configs[1].IsEnabled())
}

func TestLoadBytesRejectsInvalid(t *testing.T) {
	_, err := LoadBytes([]byte("id: Bad-ID\nwatch: {database: d, collection: c}\nai: {prompt: p}\n"))
	assert.Error(t, err)

	_, err = LoadBytes([]byte("id: ok-id\nwatch: {database: d, collection: c}\n"))
	assert.Error(t, err, "missing prompt must fail")

	_, err = LoadBytes([]byte("{{{{not yaml"))
	assert.Error(t, err)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()

	write := func(name, id, coll string) {
		data := "id: " + id + "\nwatch: {database: app, collection: " + coll + "}\nai: {prompt: p}\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(data), 0o644))
	}

	write("b.yaml", "bravo", "b")
	write("a.yml", "alpha", "a")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "_draft.yaml"), []byte("ignored: too"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.yaml"), []byte("ignored: too"), 0o644))

	configs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "alpha", configs[0].ID)
	assert.Equal(t, "bravo", configs[1].ID)
}

func TestLoadDirRejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	data := "id: dupe\nwatch: {database: app, collection: c}\nai: {prompt: p}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.yaml"), []byte(data), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two.yaml"), []byte(data), 0o644))

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dupe")
}
