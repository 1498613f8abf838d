package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/spf13/cobra"
)

type testOptions struct {
	Config string `help:"Config file path"`

	ServerPort        string   `toml:"server.port" env:"SERVER_PORT"`
	BackendMode       string   `toml:"backend.mode" env:"BACKEND_MODE"`
	WarmupMaxAttempts int      `toml:"warmup.max_attempts" env:"WARMUP_MAX_ATTEMPTS"`
	SetupSkip         []string `toml:"setup.skip" env:"SETUP_SKIP"`
	AuthEnabled       bool     `toml:"auth.enabled" env:"AUTH_ENABLED"`
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleTOML = `
[server]
port = ":9000"

[backend]
mode = "openai"

[warmup]
max_attempts = 12

[setup]
skip = ["emotion-model", "embedding-model"]

[auth]
enabled = true
`

func TestLoadConfigFromTOML(t *testing.T) {
	opts := &testOptions{Config: writeConfig(t, sampleTOML), ServerPort: ":8091"}

	if err := LoadConfig(opts, nil); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if opts.ServerPort != ":9000" {
		t.Errorf("ServerPort = %q, want :9000", opts.ServerPort)
	}
	if opts.BackendMode != "openai" {
		t.Errorf("BackendMode = %q, want openai", opts.BackendMode)
	}
	if opts.WarmupMaxAttempts != 12 {
		t.Errorf("WarmupMaxAttempts = %d, want 12", opts.WarmupMaxAttempts)
	}
	if want := []string{"emotion-model", "embedding-model"}; !reflect.DeepEqual(opts.SetupSkip, want) {
		t.Errorf("SetupSkip = %v, want %v", opts.SetupSkip, want)
	}
	if !opts.AuthEnabled {
		t.Error("AuthEnabled = false, want true")
	}
}

func TestLoadConfigEnvOverridesTOML(t *testing.T) {
	t.Setenv("ALTEREGO_BACKEND_MODE", "ollama")
	t.Setenv("ALTEREGO_SETUP_SKIP", " pip , requirements ,")

	opts := &testOptions{Config: writeConfig(t, sampleTOML)}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if opts.BackendMode != "ollama" {
		t.Errorf("BackendMode = %q, want env value ollama", opts.BackendMode)
	}
	if want := []string{"pip", "requirements"}; !reflect.DeepEqual(opts.SetupSkip, want) {
		t.Errorf("SetupSkip = %v, want %v", opts.SetupSkip, want)
	}
	if opts.WarmupMaxAttempts != 12 {
		t.Errorf("WarmupMaxAttempts = %d, want TOML value 12", opts.WarmupMaxAttempts)
	}
}

func TestLoadConfigFlagWins(t *testing.T) {
	t.Setenv("ALTEREGO_SERVER_PORT", ":7000")

	opts := &testOptions{Config: writeConfig(t, sampleTOML)}
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().StringVar(&opts.ServerPort, "server-port", ":8091", "")
	if err := cmd.Flags().Set("server-port", ":6000"); err != nil {
		t.Fatal(err)
	}

	if err := LoadConfig(opts, cmd); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if opts.ServerPort != ":6000" {
		t.Errorf("ServerPort = %q, want flag value :6000", opts.ServerPort)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	opts := &testOptions{Config: filepath.Join(t.TempDir(), "absent.toml"), BackendMode: "ollama"}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
	if opts.BackendMode != "ollama" {
		t.Errorf("default overwritten: %q", opts.BackendMode)
	}
}

func TestLoadConfigInvalidTOML(t *testing.T) {
	opts := &testOptions{Config: writeConfig(t, "[server\nport = ")}
	if err := LoadConfig(opts, nil); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadConfigRejectsNonPointer(t *testing.T) {
	if err := LoadConfig(testOptions{}, nil); err == nil {
		t.Fatal("expected error for non-pointer")
	}
}

func TestFieldNameToFlag(t *testing.T) {
	tests := map[string]string{
		"Port":              "port",
		"WarmupMaxAttempts": "warmup-max-attempts",
		"LoggingLevel":      "logging-level",
		"ModelserverURL":    "modelserver-url",
		"SetupHFCache":      "setup-hf-cache",
	}
	for in, want := range tests {
		if got := fieldNameToFlag(in); got != want {
			t.Errorf("fieldNameToFlag(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGetNestedValue(t *testing.T) {
	data := map[string]any{
		"warmup": map[string]any{"interval": "5s"},
		"root":   "value",
	}

	tests := []struct {
		path string
		want any
	}{
		{"root", "value"},
		{"warmup.interval", "5s"},
		{"warmup.missing", nil},
		{"root.child", nil},
	}
	for _, tt := range tests {
		if got := getNestedValue(data, tt.path); got != tt.want {
			t.Errorf("getNestedValue(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestLoadLoggingConfig(t *testing.T) {
	path := writeConfig(t, `
[logging]
level = "debug"
format = "json"
api = "warn"

[logging.modules]
orchestrator = "error"
`)

	cfg := LoadLoggingConfig(path)
	if cfg.Level != "debug" || cfg.Format != "json" {
		t.Errorf("level/format = %s/%s, want debug/json", cfg.Level, cfg.Format)
	}
	if cfg.Modules["api"] != "warn" {
		t.Errorf("api = %q, want warn", cfg.Modules["api"])
	}
	if cfg.Modules["orchestrator"] != "error" {
		t.Errorf("orchestrator = %q, want error", cfg.Modules["orchestrator"])
	}

	if def := LoadLoggingConfig(""); def.Level != "info" {
		t.Errorf("default level = %q, want info", def.Level)
	}
}

func TestLoadConfigArrayIntoStringOption(t *testing.T) {
	var opts struct {
		Config    string
		SetupSkip string `toml:"setup.skip"`
	}
	opts.Config = writeConfig(t, sampleTOML)
	if err := LoadConfig(&opts, nil); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if opts.SetupSkip != "emotion-model,embedding-model" {
		t.Errorf("SetupSkip = %q", opts.SetupSkip)
	}
}

type reloadOptions struct {
	Config string

	WarmupInterval          string `toml:"warmup.interval" env:"WARMUP_INTERVAL"`
	WarmupMaxAttempts       int    `toml:"warmup.max_attempts" env:"WARMUP_MAX_ATTEMPTS"`
	ShutdownGracefulTimeout string `toml:"shutdown.graceful_timeout" env:"SHUTDOWN_GRACEFUL_TIMEOUT"`
}

func reloadCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.PersistentFlags().String("warmup-interval", "5s", "")
	cmd.PersistentFlags().Int("warmup-max-attempts", 60, "")
	cmd.PersistentFlags().String("shutdown-graceful-timeout", "5s", "")
	return cmd
}

func TestReloadConfigKeepsEnvOverride(t *testing.T) {
	t.Setenv(EnvPrefix+"WARMUP_INTERVAL", "1s")
	path := writeConfig(t, "[shutdown]\ngraceful_timeout = \"5s\"\n")
	cmd := reloadCommand()

	opts := &reloadOptions{Config: path, WarmupInterval: "5s", WarmupMaxAttempts: 60, ShutdownGracefulTimeout: "5s"}
	if err := LoadConfig(opts, cmd); err != nil {
		t.Fatal(err)
	}
	if opts.WarmupInterval != "1s" {
		t.Fatalf("startup WarmupInterval = %q, want 1s", opts.WarmupInterval)
	}

	if err := os.WriteFile(path, []byte("[shutdown]\ngraceful_timeout = \"9s\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := ReloadConfig(*opts, cmd)
	if err != nil {
		t.Fatal(err)
	}
	if got.WarmupInterval != "1s" {
		t.Errorf("reloaded WarmupInterval = %q, want env value 1s", got.WarmupInterval)
	}
	if got.ShutdownGracefulTimeout != "9s" {
		t.Errorf("reloaded ShutdownGracefulTimeout = %q, want 9s", got.ShutdownGracefulTimeout)
	}
}

func TestReloadConfigFlagWinsAndRemovedKeyResets(t *testing.T) {
	path := writeConfig(t, "[warmup]\ninterval = \"2s\"\nmax_attempts = 10\n")
	cmd := reloadCommand()
	if err := cmd.PersistentFlags().Set("warmup-interval", "7s"); err != nil {
		t.Fatal(err)
	}

	opts := &reloadOptions{Config: path, WarmupInterval: "7s", WarmupMaxAttempts: 60, ShutdownGracefulTimeout: "5s"}
	if err := LoadConfig(opts, cmd); err != nil {
		t.Fatal(err)
	}
	if opts.WarmupMaxAttempts != 10 {
		t.Fatalf("startup WarmupMaxAttempts = %d, want 10", opts.WarmupMaxAttempts)
	}

	if err := os.WriteFile(path, []byte("[warmup]\ninterval = \"3s\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := ReloadConfig(*opts, cmd)
	if err != nil {
		t.Fatal(err)
	}
	if got.WarmupInterval != "7s" {
		t.Errorf("WarmupInterval = %q, want flag value 7s", got.WarmupInterval)
	}
	if got.WarmupMaxAttempts != 60 {
		t.Errorf("WarmupMaxAttempts = %d, want default 60 after key removal", got.WarmupMaxAttempts)
	}
}

func TestReloadConfigInvalidFileKeepsBase(t *testing.T) {
	path := writeConfig(t, "[warmup]\ninterval = \"2s\"\n")
	base := reloadOptions{Config: path, WarmupInterval: "2s"}
	if err := os.WriteFile(path, []byte("[warmup\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := ReloadConfig(base, reloadCommand())
	if err == nil {
		t.Fatal("expected parse error")
	}
	if got != base {
		t.Errorf("got %+v, want base unchanged", got)
	}
}
