package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func resetState(t *testing.T) {
	t.Helper()
	mutex.Lock()
	moduleLoggers = make(map[string]*slog.Logger)
	moduleLevelVars = make(map[string]*slog.LevelVar)
	initialized = false
	globalConfig = Config{}
	logCallback = nil
	mutex.Unlock()
}

func TestModuleLevelOverride(t *testing.T) {
	resetState(t)

	Initialize(Config{
		Level:  "info",
		Format: "text",
		Modules: map[string]string{
			"orchestrator": "debug",
			"api":          "warn",
		},
	})

	tests := []struct {
		module    string
		wantDebug bool
		wantInfo  bool
		wantWarn  bool
	}{
		{"orchestrator", true, true, true},
		{"api", false, false, true},
		{"setup", false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.module, func(t *testing.T) {
			h := GetLogger(tt.module).Handler()
			ctx := context.Background()

			if got := h.Enabled(ctx, slog.LevelDebug); got != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
			if got := h.Enabled(ctx, slog.LevelInfo); got != tt.wantInfo {
				t.Errorf("info enabled = %v, want %v", got, tt.wantInfo)
			}
			if got := h.Enabled(ctx, slog.LevelWarn); got != tt.wantWarn {
				t.Errorf("warn enabled = %v, want %v", got, tt.wantWarn)
			}
		})
	}
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	resetState(t)

	before := GetLogger("modelserver")
	if before.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("logger created before Initialize should default to info")
	}

	Initialize(Config{Level: "info", Modules: map[string]string{"modelserver": "debug"}})

	if GetLogger("modelserver") == before {
		t.Fatal("Initialize should rebuild cached loggers with the full handler chain")
	}
	if !before.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("level var shared with the old logger should be raised to debug")
	}
}

func TestSetModuleLevel(t *testing.T) {
	resetState(t)
	Initialize(Config{Level: "warn"})

	logger := GetLogger("readiness")
	if logger.Handler().Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info should be disabled at warn level")
	}

	if !SetModuleLevel("readiness", "debug") {
		t.Fatal("SetModuleLevel rejected a valid level")
	}
	if !logger.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should be enabled after SetModuleLevel")
	}
	if SetModuleLevel("readiness", "loud") {
		t.Error("SetModuleLevel accepted an invalid level")
	}
}

func TestBufferHandlerCallback(t *testing.T) {
	resetState(t)

	var got []LogEntry
	SetLogCallback(func(entry LogEntry) { got = append(got, entry) })

	buf := NewRingBuffer(4)
	logger := slog.New(NewBufferHandler(buf, slog.LevelDebug)).With("module", "setup")
	logger.WithGroup("step").Info("step finished", "id", "pip", "took", 2*time.Second)

	if len(got) != 1 {
		t.Fatalf("callback invoked %d times, want 1", len(got))
	}
	entry := got[0]
	if entry.Module != "setup" {
		t.Errorf("module = %q, want setup", entry.Module)
	}
	if entry.Attributes["step.id"] != "pip" {
		t.Errorf("step.id = %v, want pip", entry.Attributes["step.id"])
	}
	if entry.Attributes["step.took"] != "2s" {
		t.Errorf("step.took = %v, want 2s", entry.Attributes["step.took"])
	}
	if buf.Count() != 1 {
		t.Errorf("buffer count = %d, want 1", buf.Count())
	}
}

func TestRingBufferTail(t *testing.T) {
	rb := NewRingBuffer(3)
	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		rb.Write(LogEntry{Message: msg})
	}

	all := rb.ReadAll()
	if len(all) != 3 || all[0].Message != "c" || all[2].Message != "e" {
		t.Fatalf("ReadAll = %v, want c..e", all)
	}

	tail := rb.Tail(2)
	if len(tail) != 2 || tail[0].Message != "d" || tail[1].Message != "e" {
		t.Fatalf("Tail(2) = %v, want d,e", tail)
	}
}

func TestMultiHandlerDeliversOnce(t *testing.T) {
	var buf bytes.Buffer
	debug := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	info := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})

	slog.New(NewMultiHandler(debug, info)).Debug("debug only message")

	if n := strings.Count(buf.String(), "debug only message"); n != 1 {
		t.Errorf("message written %d times, want 1", n)
	}
}

func TestFormatLogLine(t *testing.T) {
	entry := LogEntry{
		Timestamp:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:      "warn",
		Module:     "readiness",
		Message:    "probe failed",
		Attributes: map[string]any{"status": 500, "attempt": 3},
	}

	want := "2024-01-02T03:04:05Z [WARN] [readiness] probe failed attempt=3 status=500"
	if got := FormatLogLine(entry); got != want {
		t.Errorf("FormatLogLine = %q, want %q", got, want)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
		ok    bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{"warning", slog.LevelWarn, true},
		{" error ", slog.LevelError, true},
		{"verbose", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := parseLevel(tt.input)
			if got != tt.want || ok != tt.ok {
				t.Errorf("parseLevel(%q) = %v,%v want %v,%v", tt.input, got, ok, tt.want, tt.ok)
			}
		})
	}
}
