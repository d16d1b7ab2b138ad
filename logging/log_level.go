package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// ParseLevel parses debug, info, warn (or warning) and error, case-insensitively.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q (want debug, info, warn or error)", s)
	}
}

// ParseLevelOrDefault is ParseLevel with a fallback for unknown values.
func ParseLevelOrDefault(s string, fallback zapcore.Level) zapcore.Level {
	level, err := ParseLevel(s)
	if err != nil || strings.TrimSpace(s) == "" {
		return fallback
	}
	return level
}
