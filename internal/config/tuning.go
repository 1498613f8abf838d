package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Tuning holds the warm-up and shutdown numbers that can change while the
// application runs. A reload applies from the next orchestration run.
type Tuning struct {
	WarmupInterval    time.Duration
	WarmupMaxAttempts int
	ProbeTimeout      time.Duration
	StartupDeadline   time.Duration
	GracefulTimeout   time.Duration
	KillTimeout       time.Duration
}

// DefaultTuning polls every 5s for up to 60 attempts inside a 10 minute
// startup ceiling.
func DefaultTuning() Tuning {
	return Tuning{
		WarmupInterval:    5 * time.Second,
		WarmupMaxAttempts: 60,
		ProbeTimeout:      3 * time.Second,
		StartupDeadline:   10 * time.Minute,
		GracefulTimeout:   5 * time.Second,
		KillTimeout:       5 * time.Second,
	}
}

type tuningFile struct {
	Warmup struct {
		Interval        string `toml:"interval"`
		MaxAttempts     int    `toml:"max_attempts"`
		ProbeTimeout    string `toml:"probe_timeout"`
		StartupDeadline string `toml:"startup_deadline"`
	} `toml:"warmup"`
	Shutdown struct {
		GracefulTimeout string `toml:"graceful_timeout"`
		KillTimeout     string `toml:"kill_timeout"`
	} `toml:"shutdown"`
}

// LoadTuning reads the [warmup] and [shutdown] tables of path. Absent keys
// keep their defaults; malformed values fail the whole load so a half-edited
// file never reaches the orchestrator.
func LoadTuning(path string) (Tuning, error) {
	t := DefaultTuning()

	data, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}

	var raw tuningFile
	if err := toml.Unmarshal(data, &raw); err != nil {
		return t, fmt.Errorf("parse %s: %w", path, err)
	}

	errs := []error{
		parseInto(&t.WarmupInterval, "warmup.interval", raw.Warmup.Interval),
		parseInto(&t.ProbeTimeout, "warmup.probe_timeout", raw.Warmup.ProbeTimeout),
		parseInto(&t.StartupDeadline, "warmup.startup_deadline", raw.Warmup.StartupDeadline),
		parseInto(&t.GracefulTimeout, "shutdown.graceful_timeout", raw.Shutdown.GracefulTimeout),
		parseInto(&t.KillTimeout, "shutdown.kill_timeout", raw.Shutdown.KillTimeout),
	}
	if raw.Warmup.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("warmup.max_attempts: must be positive, got %d", raw.Warmup.MaxAttempts))
	} else if raw.Warmup.MaxAttempts > 0 {
		t.WarmupMaxAttempts = raw.Warmup.MaxAttempts
	}

	if err := errors.Join(errs...); err != nil {
		return DefaultTuning(), err
	}
	return t, nil
}

func parseInto(dst *time.Duration, key, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return fmt.Errorf("%s: negative duration %s", key, value)
	}
	*dst = d
	return nil
}

// ParseDuration parses a flag or env value, returning fallback for empty
// or invalid input.
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
