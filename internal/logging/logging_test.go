package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestSetupWithWritersFansOut(t *testing.T) {
	var text, js bytes.Buffer
	logger := SetupWithWriters(&text, &js, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("harvest complete", "added", 3)

	assert.NotContains(t, text.String(), "hidden")
	assert.Contains(t, text.String(), "harvest complete")
	assert.Contains(t, text.String(), "added=3")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &rec))
	assert.Equal(t, "harvest complete", rec["msg"])
	assert.Equal(t, float64(3), rec["added"])
}

func TestSetupWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "harvester.log")

	logger, cleanup := Setup(path, slog.LevelInfo)
	logger.Info("started")
	require.NoError(t, cleanup())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"started"`)
}

func TestSetupWithoutFile(t *testing.T) {
	logger, cleanup := Setup("", slog.LevelWarn)
	require.NotNil(t, logger)
	assert.NoError(t, cleanup())
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
}
