package config

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// offer never blocks the watcher loop, even when a test stops reading.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func startTuningWatcher(t *testing.T, path string, opts ...WatcherOption[Tuning]) *Watcher[Tuning] {
	t.Helper()
	opts = append([]WatcherOption[Tuning]{WithDebounce[Tuning](50 * time.Millisecond)}, opts...)
	w := NewWatcher(path, LoadTuning, quietLogger(), opts...)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if err := w.Stop(); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return w
}

func TestWatcherReloadsTuning(t *testing.T) {
	path := writeConfig(t, "[warmup]\nmax_attempts = 60\n")

	received := make(chan Tuning, 1)
	w := startTuningWatcher(t, path)
	w.OnReload(func(tu Tuning) { offer(received, tu) })

	if err := os.WriteFile(path, []byte("[warmup]\nmax_attempts = 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case tu := <-received:
		if tu.WarmupMaxAttempts != 3 {
			t.Errorf("WarmupMaxAttempts = %d, want 3", tu.WarmupMaxAttempts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload")
	}
}

func TestWatcherSeesRenameReplace(t *testing.T) {
	path := writeConfig(t, "[warmup]\ninterval = \"5s\"\n")

	received := make(chan Tuning, 4)
	w := startTuningWatcher(t, path)
	w.OnReload(func(tu Tuning) { offer(received, tu) })

	tmp := filepath.Join(filepath.Dir(path), ".config.toml.swp")
	if err := os.WriteFile(tmp, []byte("[warmup]\ninterval = \"1s\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	select {
	case tu := <-received:
		if tu.WarmupInterval != time.Second {
			t.Errorf("WarmupInterval = %v, want 1s", tu.WarmupInterval)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload after rename")
	}
}

func TestWatcherDebounce(t *testing.T) {
	path := writeConfig(t, "[warmup]\nmax_attempts = 1\n")

	var calls, last atomic.Int32
	w := startTuningWatcher(t, path, WithDebounce[Tuning](200*time.Millisecond))
	w.OnReload(func(tu Tuning) {
		calls.Add(1)
		last.Store(int32(tu.WarmupMaxAttempts))
	})

	for i := 2; i <= 5; i++ {
		content := []byte("[warmup]\nmax_attempts = " + string(rune('0'+i)) + "\n")
		if err := os.WriteFile(path, content, 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(30 * time.Millisecond)
	}
	time.Sleep(500 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Errorf("reloads = %d, want 1", got)
	}
	if got := last.Load(); got != 5 {
		t.Errorf("last value = %d, want 5", got)
	}
}

func TestWatcherErrorKeepsHandlersQuiet(t *testing.T) {
	path := writeConfig(t, "[warmup]\nmax_attempts = 1\n")

	errs := make(chan error, 1)
	configs := make(chan Tuning, 1)
	w := startTuningWatcher(t, path, WithErrorHandler[Tuning](func(err error) { offer(errs, err) }))
	w.OnReload(func(tu Tuning) { offer(configs, tu) })

	if err := os.WriteFile(path, []byte("[warmup]\ninterval = \"whenever\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errs:
		if err == nil || errors.Is(err, os.ErrNotExist) {
			t.Errorf("unexpected error: %v", err)
		}
	case <-configs:
		t.Fatal("handler called for invalid config")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for error")
	}
}

func TestWatcherUnsubscribe(t *testing.T) {
	path := writeConfig(t, "[warmup]\nmax_attempts = 1\n")

	var kept, dropped atomic.Int32
	w := startTuningWatcher(t, path)
	w.OnReload(func(Tuning) { kept.Add(1) })
	unsub := w.OnReload(func(Tuning) { dropped.Add(1) })
	unsub()

	if err := os.WriteFile(path, []byte("[warmup]\nmax_attempts = 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)

	if kept.Load() != 1 {
		t.Errorf("kept handler calls = %d, want 1", kept.Load())
	}
	if dropped.Load() != 0 {
		t.Errorf("unsubscribed handler calls = %d, want 0", dropped.Load())
	}
}

func TestWatcherStopIsFinal(t *testing.T) {
	path := writeConfig(t, "[warmup]\nmax_attempts = 1\n")

	var calls atomic.Int32
	w := NewWatcher(path, LoadTuning, quietLogger(), WithDebounce[Tuning](20*time.Millisecond))
	w.OnReload(func(Tuning) { calls.Add(1) })
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if err := os.WriteFile(path, []byte("[warmup]\nmax_attempts = 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	if calls.Load() != 0 {
		t.Errorf("calls after Stop = %d, want 0", calls.Load())
	}
}

func TestWatcherReloadKeepsEnvOverride(t *testing.T) {
	t.Setenv(EnvPrefix+"WARMUP_INTERVAL", "1s")
	path := writeConfig(t, "[shutdown]\ngraceful_timeout = \"5s\"\n")
	cmd := reloadCommand()

	base := &reloadOptions{Config: path, WarmupInterval: "5s", WarmupMaxAttempts: 60, ShutdownGracefulTimeout: "5s"}
	if err := LoadConfig(base, cmd); err != nil {
		t.Fatal(err)
	}

	loader := func(string) (reloadOptions, error) { return ReloadConfig(*base, cmd) }
	w := NewWatcher(path, loader, quietLogger(), WithDebounce[reloadOptions](50*time.Millisecond))
	received := make(chan reloadOptions, 1)
	w.OnReload(func(o reloadOptions) { offer(received, o) })
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = w.Stop() })

	if err := os.WriteFile(path, []byte("[shutdown]\ngraceful_timeout = \"8s\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case o := <-received:
		if o.WarmupInterval != "1s" {
			t.Errorf("WarmupInterval = %q, want env value 1s to survive the edit", o.WarmupInterval)
		}
		if o.ShutdownGracefulTimeout != "8s" {
			t.Errorf("ShutdownGracefulTimeout = %q, want 8s", o.ShutdownGracefulTimeout)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload")
	}
}
