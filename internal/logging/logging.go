// Package logging builds the process logger from configuration.
package logging

import (
	"io"
	"log/slog"
	"strings"

	"github.com/kozaktomas/occupancy-tracker/internal/config"
)

// ParseLevel maps a level name to a slog level. Unknown names are an error.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return slog.LevelInfo, &config.Error{Key: "LOG_LEVEL", Value: name, Reason: "must be debug, info, warn or error"}
	}
	return level, nil
}

// New creates a text or JSON logger writing to w.
func New(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, &config.Error{Key: "LOG_FORMAT", Value: cfg.Format, Reason: "must be text or json"}
	}
	return slog.New(handler), nil
}
