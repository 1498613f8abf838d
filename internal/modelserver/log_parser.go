package modelserver

import (
	"log/slog"
	"strings"
)

// ParseLogLine maps a line of server output to a log level. Python's
// logging.basicConfig prints "LEVEL:logger:message"; the level prefix is
// stripped and the logger name kept. Tracebacks and exception lines are
// errors, everything else info.
func ParseLogLine(line string) (slog.Level, string) {
	if prefix, rest, ok := strings.Cut(line, ":"); ok {
		if level, known := pythonLevel(prefix); known {
			return level, rest
		}
	}

	trimmed := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(trimmed, "Traceback"):
		return slog.LevelError, line
	case isExceptionLine(trimmed):
		return slog.LevelError, line
	}
	return slog.LevelInfo, line
}

func pythonLevel(s string) (slog.Level, bool) {
	switch s {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO":
		return slog.LevelInfo, true
	case "WARNING":
		return slog.LevelWarn, true
	case "ERROR", "CRITICAL":
		return slog.LevelError, true
	}
	return 0, false
}

// isExceptionLine matches "ValueError: ..." and "module.SomeError: ...".
func isExceptionLine(s string) bool {
	name, _, ok := strings.Cut(s, ": ")
	if !ok || strings.ContainsAny(name, " \t") {
		return false
	}
	return strings.HasSuffix(name, "Error") || strings.HasSuffix(name, "Exception")
}
