package logging

import (
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
)

const defaultBufferSize = 1000

// Config represents logging configuration.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
}

var (
	mutex           sync.RWMutex
	initialized     bool
	globalConfig    Config
	globalLevelVar  = &slog.LevelVar{}
	moduleLoggers   = make(map[string]*slog.Logger)
	moduleLevelVars = make(map[string]*slog.LevelVar)
	logBuffer       = NewRingBuffer(defaultBufferSize)
	logCallback     LogCallback
)

// Initialize configures levels and output format. Loggers handed out before
// the call are rebuilt so they write to the full sink chain.
func Initialize(config Config) {
	mutex.Lock()
	defer mutex.Unlock()

	globalConfig = config
	initialized = true
	globalLevelVar.Set(levelOrDefault(config.Level, slog.LevelInfo))

	for module, levelVar := range moduleLevelVars {
		levelVar.Set(moduleLevel(module))
		moduleLoggers[module] = slog.New(createHandler(config.Format, levelVar)).With("module", module)
	}

	slog.SetDefault(slog.New(createHandler(config.Format, globalLevelVar)))
}

// GetLogger returns the logger for module, creating it on first use.
func GetLogger(module string) *slog.Logger {
	mutex.RLock()
	logger, ok := moduleLoggers[module]
	mutex.RUnlock()
	if ok {
		return logger
	}

	mutex.Lock()
	defer mutex.Unlock()

	if logger, ok := moduleLoggers[module]; ok {
		return logger
	}

	levelVar := &slog.LevelVar{}
	format := "text"
	if initialized {
		levelVar.Set(moduleLevel(module))
		format = globalConfig.Format
	}

	logger = slog.New(createHandler(format, levelVar)).With("module", module)
	moduleLoggers[module] = logger
	moduleLevelVars[module] = levelVar
	return logger
}

// SetModuleLevel changes the level of one module at runtime. It reports
// false when level is not a recognised level name.
func SetModuleLevel(module, level string) bool {
	parsed, ok := parseLevel(level)
	if !ok {
		return false
	}

	GetLogger(module)

	mutex.Lock()
	defer mutex.Unlock()
	moduleLevelVars[module].Set(parsed)
	return true
}

// Modules lists every module that has requested a logger, sorted.
func Modules() []string {
	mutex.RLock()
	defer mutex.RUnlock()

	names := make([]string, 0, len(moduleLevelVars))
	for name := range moduleLevelVars {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// GetBuffer returns the ring of recent log entries.
func GetBuffer() *RingBuffer {
	mutex.RLock()
	defer mutex.RUnlock()
	return logBuffer
}

// SetLogCallback registers a function invoked for every buffered entry.
// The API uses it to push log lines to SSE subscribers.
func SetLogCallback(callback LogCallback) {
	mutex.Lock()
	defer mutex.Unlock()
	logCallback = callback
}

func currentCallback() LogCallback {
	mutex.RLock()
	defer mutex.RUnlock()
	return logCallback
}

// moduleLevel must be called with mutex held.
func moduleLevel(module string) slog.Level {
	level := levelOrDefault(globalConfig.Level, slog.LevelInfo)
	if override, ok := globalConfig.Modules[module]; ok {
		level = levelOrDefault(override, level)
	}
	return level
}

func createHandler(format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	handlers := []slog.Handler{NewBufferHandler(logBuffer, level)}

	if stdoutAvailable() {
		if format == "json" {
			handlers = append(handlers, slog.NewJSONHandler(os.Stdout, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stdout, opts))
		}
	}

	if IsJournalAvailable() {
		handlers = append(handlers, NewJournalHandler(level))
	}

	if len(handlers) == 1 {
		return handlers[0]
	}
	return NewMultiHandler(handlers...)
}

// stdoutAvailable is false when stdout is closed or points at /dev/null,
// which is how the desktop shell launches the binary.
func stdoutAvailable() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	return mode&os.ModeCharDevice != 0 || mode&os.ModeNamedPipe != 0 || mode&os.ModeSocket != 0 || mode.IsRegular()
}

func levelOrDefault(level string, fallback slog.Level) slog.Level {
	if parsed, ok := parseLevel(level); ok {
		return parsed
	}
	return fallback
}

func parseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
