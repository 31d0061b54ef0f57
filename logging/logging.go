package logging

import (
	"fmt"
	"log/slog"
	"strings"
)

var globalLevel = &slog.LevelVar{}

func SetLevel(level slog.Level) {
	globalLevel.Set(level)
}

// ParseLevel reads a level name like "debug" or "WARN".
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}
