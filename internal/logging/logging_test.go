package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TS01: File Logging Writes JSON Records
func TestSetup_FileOutput(t *testing.T) {
	// Given: a config pointing at a file in a nested directory
	path := filepath.Join(t.TempDir(), "logs", "kestrel.log")
	logger, cleanup, err := Setup(Config{Level: "info", FilePath: path})
	require.NoError(t, err)

	// When: logging a record and flushing
	logger.Info("index built", "chunks", 42)
	cleanup()

	// Then: the file holds a parseable JSON line with the fields
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var record map[string]any
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, "index built", record["msg"])
	assert.Equal(t, float64(42), record["chunks"])
	assert.Equal(t, "INFO", record["level"])
}

// TS02: Level Filtering
func TestSetup_LevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.log")
	logger, cleanup, err := Setup(Config{Level: "warn", FilePath: path})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept")
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}

// TS03: Level Parsing
func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.input), "level %q", tt.input)
	}
}

// TS04: Discard Logger Is Safe to Use
func TestDiscard(t *testing.T) {
	logger := Discard()
	assert.NotPanics(t, func() {
		logger.Info("nothing to see", "key", "value")
	})
}
