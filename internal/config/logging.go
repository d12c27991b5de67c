package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and carries raw vendor MQTT
// payloads and REST bodies.
const LevelTrace = slog.Level(-8)

// ParseLogLevel accepts trace, debug, info (or empty), warn/warning and
// error, case-insensitively.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
}

// secretKeys are attribute keys whose values never reach a log line.
var secretKeys = map[string]bool{
	"password":      true,
	"access_token":  true,
	"accesstoken":   true,
	"token":         true,
	"authorization": true,
}

// ReplaceAttr is the [slog.HandlerOptions.ReplaceAttr] for every
// bridge logger. It names [LevelTrace] "TRACE" and masks credentials.
func ReplaceAttr(groups []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.LevelKey:
		if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	case secretKeys[strings.ToLower(a.Key)]:
		if a.Value.String() != "" {
			a.Value = slog.StringValue("[redacted]")
		}
	}
	return a
}
