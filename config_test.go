package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func Test_readConfig_Defaults(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "google-key")

	cfg, err := readConfig(writeConfig(t, "snapshot_path: /var/lib/calendar\n"))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/calendar", cfg.SnapshotPath)
	assert.Equal(t, 1000, cfg.ChunkSize)
	assert.Equal(t, 200, *cfg.ChunkOverlap)
	assert.Equal(t, 4, cfg.Results)
	assert.Equal(t, 0.7, *cfg.Generation.Temperature)
	assert.Equal(t, 500, cfg.Generation.MaxTokens)
	require.NotNil(t, cfg.Embeddings.Gemini)
	assert.Equal(t, "google-key", cfg.Embeddings.Gemini.ApiKey)
	require.NotNil(t, cfg.Generation.Gemini)
	assert.Equal(t, "gemini-2.5-flash", cfg.Generation.Gemini.Model)
	assert.Equal(t, "google-key", cfg.Generation.Gemini.ApiKey)
}

func Test_readConfig_Explicit(t *testing.T) {
	cfg, err := readConfig(writeConfig(t, `
log: /tmp/calendar.log
chunk_size: 500
chunk_overlap: 0
results: 6
inbox:
  dir: /srv/inbox
  ocr: true
  write_debounce_ms: 250
embeddings:
  open_ai:
    model: text-embedding-3-small
    api_key: sk-embed
generation:
  temperature: 0
  open_ai:
    model: gpt-4o
    api_key: sk-chat
`))
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.ChunkSize)
	assert.Equal(t, 0, *cfg.ChunkOverlap)
	assert.Equal(t, 6, cfg.Results)
	assert.Equal(t, "/srv/inbox", cfg.Inbox.Dir)
	assert.True(t, cfg.Inbox.OCR)
	assert.Equal(t, 250, cfg.Inbox.MergeEventsMs)
	assert.Equal(t, 0.0, *cfg.Generation.Temperature)
	assert.Nil(t, cfg.Embeddings.Gemini)
	assert.Equal(t, "sk-embed", cfg.Embeddings.OpenAI.ApiKey)
	assert.Equal(t, "gpt-4o", cfg.Generation.OpenAI.Model)
}

func Test_readConfig_Invalid(t *testing.T) {
	_, err := readConfig(writeConfig(t, `
chunk_size: 100
chunk_overlap: 100
results: -1
embeddings:
  open_ai: {}
  gemini: {}
`))
	require.Error(t, err)
	assert.ErrorContains(t, err, "chunk_overlap")
	assert.ErrorContains(t, err, "results")
	assert.ErrorContains(t, err, "exactly one embeddings provider")
}

func Test_readConfig_Missing(t *testing.T) {
	_, err := readConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
