package setup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/smazurov/alterego/internal/ollama"
	"github.com/smazurov/alterego/internal/process"
	"github.com/smazurov/alterego/internal/readiness"
)

// Step IDs, usable in setup.skip.
const (
	StepPythonRuntime  = "python-runtime"
	StepPip            = "pip"
	StepRequirements   = "requirements"
	StepOllamaRuntime  = "ollama-runtime"
	StepOllamaModel    = "ollama-model"
	StepEmotionModel   = "emotion-model"
	StepEmbeddingModel = "embedding-model"
)

const (
	StrategySystem   = "system"
	StrategyEmbedded = "embedded"

	BackendOllama = "ollama"
)

const (
	emotionModelDir   = "models--SamLowe--roberta-base-go_emotions"
	embeddingModelDir = "models--sentence-transformers--all-MiniLM-L6-v2"
)

// Config selects and parameterizes the steps.
type Config struct {
	Backend         string
	RuntimeStrategy string
	EmbeddedPython  string
	Requirements    string
	InstallDir      string
	HFCache         string
	OllamaPath      string
	OllamaModel     string
}

// OllamaAPI is the part of the Ollama client the model step needs.
type OllamaAPI interface {
	CheckRunning(ctx context.Context) error
	HasModel(ctx context.Context, name string) (bool, error)
	Prober() readiness.Prober
}

// ServiceStarter brings up an installed Ollama service.
type ServiceStarter interface {
	EnsureActive(ctx context.Context, unit string) error
}

// OllamaUnit is the unit the Ollama Linux installer registers.
const OllamaUnit = "ollama.service"

// Builder produces the step list for a Config and remembers the Python
// interpreter the runtime step resolved, which later steps and the model
// server launch use.
type Builder struct {
	cfg     Config
	exec    Executor
	ollama  OllamaAPI
	locator *ollama.Locator
	service ServiceStarter
	logger  *slog.Logger

	lookPath func(string) (string, error)
	stat     func(string) (os.FileInfo, error)
	goos     string
	home     string

	// serverPolicy bounds the wait for a temporary `ollama serve`.
	serverPolicy readiness.Policy

	mu     sync.Mutex
	python string
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithBuilderLogger sets the logger used by the steps.
func WithBuilderLogger(l *slog.Logger) BuilderOption { return func(b *Builder) { b.logger = l } }

// WithOS overrides the filesystem and platform probes.
func WithOS(lookPath func(string) (string, error), stat func(string) (os.FileInfo, error), goos, home string) BuilderOption {
	return func(b *Builder) {
		b.lookPath, b.stat, b.goos, b.home = lookPath, stat, goos, home
	}
}

// WithLocator overrides how the Ollama executable and models are found.
func WithLocator(l *ollama.Locator) BuilderOption { return func(b *Builder) { b.locator = l } }

// WithServiceStarter makes the model step try the system service before
// spawning a temporary server.
func WithServiceStarter(s ServiceStarter) BuilderOption { return func(b *Builder) { b.service = s } }

// WithServerPolicy sets the wait for a temporary Ollama server.
func WithServerPolicy(p readiness.Policy) BuilderOption {
	return func(b *Builder) { b.serverPolicy = p }
}

// NewBuilder creates a step builder for cfg.
func NewBuilder(cfg Config, executor Executor, api OllamaAPI, opts ...BuilderOption) *Builder {
	home, _ := os.UserHomeDir()
	b := &Builder{
		cfg:          cfg,
		exec:         executor,
		ollama:       api,
		logger:       slog.Default(),
		lookPath:     exec.LookPath,
		stat:         os.Stat,
		goos:         runtime.GOOS,
		home:         home,
		serverPolicy: readiness.Policy{Interval: 500 * time.Millisecond, MaxAttempts: 60},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.locator == nil {
		b.locator = ollama.NewLocator()
		b.locator.LookPath, b.locator.Stat, b.locator.GOOS, b.locator.Home = b.lookPath, b.stat, b.goos, b.home
	}
	return b
}

// Steps returns the ordered steps for the configured runtime and backend.
func (b *Builder) Steps() []Step {
	steps := []Step{b.pythonRuntime(), b.pip()}
	if b.cfg.RuntimeStrategy != StrategyEmbedded {
		steps = append(steps, b.requirements())
	}
	if b.cfg.Backend == "" || b.cfg.Backend == BackendOllama {
		steps = append(steps, b.ollamaRuntime(), b.ollamaModel())
	}
	return append(steps,
		b.hfModel(StepEmotionModel, "Emotion model (roberta-base-go_emotions)", emotionModelDir, "emotionpipe.py"),
		b.hfModel(StepEmbeddingModel, "Embedding model (all-MiniLM-L6-v2)", embeddingModelDir, "mempipe.py"),
	)
}

// Python is the interpreter to run the model server with. Before the
// runtime step has run it falls back to the configured or usual name.
func (b *Builder) Python() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.python != "" {
		return b.python
	}
	if b.cfg.RuntimeStrategy == StrategyEmbedded {
		return b.cfg.EmbeddedPython
	}
	if b.goos == "windows" {
		return "python"
	}
	return "python3"
}

func (b *Builder) setPython(p string) {
	b.mu.Lock()
	b.python = p
	b.mu.Unlock()
}

func (b *Builder) pythonRuntime() Step {
	if b.cfg.RuntimeStrategy == StrategyEmbedded {
		return Step{
			ID:   StepPythonRuntime,
			Name: "Embedded Python",
			Check: func(context.Context) (bool, error) {
				if _, err := b.stat(b.cfg.EmbeddedPython); err != nil {
					return false, fmt.Errorf("embedded Python not found at %s: %w", b.cfg.EmbeddedPython, err)
				}
				b.setPython(b.cfg.EmbeddedPython)
				return true, nil
			},
		}
	}

	return Step{
		ID:   StepPythonRuntime,
		Name: "Python",
		Check: func(context.Context) (bool, error) {
			for _, name := range []string{"python", "python3"} {
				if path, err := b.lookPath(name); err == nil {
					b.setPython(path)
					return true, nil
				}
			}
			return false, errors.New("neither python nor python3 found in PATH")
		},
		Remediate: func(ctx context.Context) error {
			return b.install(ctx, StepPythonRuntime, "Python", pythonInstallers)
		},
	}
}

func (b *Builder) pip() Step {
	return Step{
		ID:   StepPip,
		Name: "pip",
		Check: func(ctx context.Context) (bool, error) {
			err := b.exec.Run(ctx, Command{Step: StepPip, Name: b.Python(), Args: []string{"-m", "pip", "--version"}})
			return err == nil, err
		},
		Remediate: func(ctx context.Context) error {
			return b.exec.Run(ctx, Command{Step: StepPip, Name: b.Python(), Args: []string{"-m", "ensurepip", "--upgrade"}})
		},
	}
}

// requirements is satisfied when the file is absent or unchanged since the
// last successful install, recorded as a SHA-256 stamp next to it.
func (b *Builder) requirements() Step {
	path := b.cfg.Requirements
	stamp := filepath.Join(filepath.Dir(path), ".requirements.sha256")

	return Step{
		ID:   StepRequirements,
		Name: "Python dependencies",
		Check: func(context.Context) (bool, error) {
			sum, err := fileDigest(path)
			if errors.Is(err, os.ErrNotExist) {
				b.logger.Info("No requirements file, skipping", "path", path)
				return true, nil
			}
			if err != nil {
				return false, err
			}
			recorded, err := os.ReadFile(stamp)
			if err != nil {
				return false, nil
			}
			return strings.TrimSpace(string(recorded)) == sum, nil
		},
		Remediate: func(ctx context.Context) error {
			err := b.exec.Run(ctx, Command{
				Step: StepRequirements,
				Name: b.Python(),
				Args: []string{"-m", "pip", "install", "--upgrade", "-r", path},
			})
			if err != nil {
				return fmt.Errorf("pip install failed: %w", err)
			}
			sum, err := fileDigest(path)
			if err != nil {
				return err
			}
			return os.WriteFile(stamp, []byte(sum+"\n"), 0o644)
		},
	}
}

func (b *Builder) ollamaRuntime() Step {
	return Step{
		ID:   StepOllamaRuntime,
		Name: "Ollama runtime",
		Check: func(context.Context) (bool, error) {
			_, err := b.locator.Find(b.cfg.OllamaPath)
			return err == nil, err
		},
		Remediate: func(ctx context.Context) error {
			if b.cfg.OllamaPath != "" {
				return fmt.Errorf("configured ollama executable %s is missing", b.cfg.OllamaPath)
			}
			return b.install(ctx, StepOllamaRuntime, "Ollama", ollamaInstallers)
		},
	}
}

// ollamaModel pulls the base model. Pulling needs a running server, so one
// is started for the duration of the pull when none answers, and stopped
// afterwards so no orphan remains.
func (b *Builder) ollamaModel() Step {
	model := b.cfg.OllamaModel

	return Step{
		ID:       StepOllamaModel,
		Name:     "Base language model (" + model + ")",
		NonFatal: true,
		Check: func(ctx context.Context) (bool, error) {
			if b.locator.HasManifest(model) {
				return true, nil
			}
			return b.ollama.HasModel(ctx, model)
		},
		Remediate: func(ctx context.Context) error {
			exe, err := b.locator.Find(b.cfg.OllamaPath)
			if err != nil {
				return err
			}

			if err := b.ollama.CheckRunning(ctx); err != nil && !b.startService(ctx) {
				h, err := b.startOllama(ctx, exe)
				if err != nil {
					return err
				}
				defer func() {
					b.logger.Info("Stopping temporary Ollama server", "pid", h.PID())
					b.exec.Stop(h)
				}()
			}

			b.logger.Info("Pulling base language model, this may take a few minutes", "model", model)
			return b.exec.Run(ctx, Command{Step: StepOllamaModel, Name: exe, Args: []string{"pull", model}})
		},
	}
}

// startService reports whether the Ollama service was started and answers.
// The service is left running afterwards.
func (b *Builder) startService(ctx context.Context) bool {
	if b.service == nil {
		return false
	}
	if err := b.service.EnsureActive(ctx, OllamaUnit); err != nil {
		b.logger.Debug("Ollama service unavailable", "unit", OllamaUnit, "error", err)
		return false
	}
	res := readiness.NewPoller(b.ollama.Prober(), b.serverPolicy, readiness.WithLogger(b.logger)).Poll(ctx, nil).Wait()
	if !res.Ready {
		b.logger.Warn("Ollama service started but does not answer", "unit", OllamaUnit, "error", res.Err)
		return false
	}
	b.logger.Info("Started Ollama service", "unit", OllamaUnit)
	return true
}

func (b *Builder) startOllama(ctx context.Context, exe string) (*process.Handle, error) {
	b.logger.Info("Starting Ollama server to download the base model", "executable", exe)
	h, err := b.exec.Start(Command{Step: StepOllamaModel, Name: exe, Args: []string{"serve"}})
	if err != nil {
		return nil, err
	}

	poll := readiness.NewPoller(b.ollama.Prober(), b.serverPolicy,
		readiness.WithLogger(b.logger),
		readiness.WithDiagnostics(h.Output().String),
	).Poll(ctx, nil)

	select {
	case <-poll.Done():
	case <-h.Done():
		poll.Cancel()
		status, _ := h.Exited()
		return nil, &CommandError{Command: exe + " serve", Status: status, Output: h.Output().String()}
	}

	if res := poll.Result(); !res.Ready {
		b.exec.Stop(h)
		return nil, fmt.Errorf("ollama server did not become ready: %w", res.Err)
	}
	return h, nil
}

// hfModel checks the Hugging Face cache for a model directory and runs the
// bundled download script when it is missing.
func (b *Builder) hfModel(id, name, dir, script string) Step {
	return Step{
		ID:   id,
		Name: name,
		Check: func(context.Context) (bool, error) {
			info, err := b.stat(filepath.Join(b.hfCache(), dir))
			if err != nil {
				return false, nil
			}
			return info.IsDir(), nil
		},
		Remediate: func(ctx context.Context) error {
			return b.exec.Run(ctx, Command{
				Step: id,
				Name: b.Python(),
				Args: []string{filepath.Join(b.cfg.InstallDir, script)},
			})
		},
	}
}

func (b *Builder) hfCache() string {
	return ExpandHome(b.cfg.HFCache, b.home)
}

// ExpandHome replaces a leading "~" with home.
func ExpandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		return filepath.Join(home, path[2:])
	}
	return path
}

func fileDigest(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
