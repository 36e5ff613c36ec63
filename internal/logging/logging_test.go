package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/occupancy-tracker/internal/config"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("camera connection failed", "camera", "hall")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "camera connection failed", line["msg"])
	assert.Equal(t, "hall", line["camera"])
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LogConfig{Level: "DEBUG"}, &buf)
	require.NoError(t, err)

	logger.Debug("track resolved", "track_id", 7)
	assert.Contains(t, buf.String(), "track_id=7")
}

func TestNewRejectsBadConfig(t *testing.T) {
	var cfgErr *config.Error

	_, err := New(config.LogConfig{Level: "verbose"}, &bytes.Buffer{})
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "LOG_LEVEL", cfgErr.Key)

	_, err = New(config.LogConfig{Level: "info", Format: "xml"}, &bytes.Buffer{})
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "LOG_FORMAT", cfgErr.Key)
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("error")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelError, level)
}
