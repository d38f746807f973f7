// Package logging installs the process-wide structured logger.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Configure installs a process-wide slog default logger writing
// text-formatted records to stderr.
func Configure(level string) error {
	parsed, err := parseLevel(level)
	if err != nil {
		return err
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parsed})
	slog.SetDefault(slog.New(h))
	return nil
}

// ConfigureFromEnv reads LOG_LEVEL (falling back to "info") and
// configures the logger, returning the resolved level string for
// startup diagnostics.
func ConfigureFromEnv() (string, error) {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = LevelInfo
	}
	return level, Configure(level)
}

// Component returns a logger annotated with a component field.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", LevelInfo:
		return slog.LevelInfo, nil
	case LevelDebug:
		return slog.LevelDebug, nil
	case LevelWarn:
		return slog.LevelWarn, nil
	case LevelError:
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", level)
	}
}
