package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/spf13/cobra"

	"github.com/smazurov/alterego/cmd"
	"github.com/smazurov/alterego/internal/api"
	"github.com/smazurov/alterego/internal/chat"
	"github.com/smazurov/alterego/internal/config"
	"github.com/smazurov/alterego/internal/events"
	"github.com/smazurov/alterego/internal/history"
	"github.com/smazurov/alterego/internal/logging"
	"github.com/smazurov/alterego/internal/metrics"
	"github.com/smazurov/alterego/internal/metrics/exporters"
	"github.com/smazurov/alterego/internal/modelserver"
	"github.com/smazurov/alterego/internal/ollama"
	"github.com/smazurov/alterego/internal/orchestrator"
	"github.com/smazurov/alterego/internal/persona"
	"github.com/smazurov/alterego/internal/process"
	"github.com/smazurov/alterego/internal/readiness"
	"github.com/smazurov/alterego/internal/setup"
	"github.com/smazurov/alterego/internal/systemd"
	"github.com/smazurov/alterego/internal/version"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port        string `help:"Address to listen on" short:"p" default:":8091" toml:"server.port" env:"SERVER_PORT"`
	AllowOrigin string `help:"CORS allowed origin" default:"*" toml:"server.allow_origin" env:"SERVER_ALLOW_ORIGIN"`
	AutoStart   bool   `help:"Start the model server when the app starts" default:"true" toml:"server.auto_start" env:"SERVER_AUTO_START"`

	// Auth settings; empty disables auth
	AuthUsername string `help:"Basic auth username" default:"" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Model server
	BackendMode           string `help:"Model backend exported as MODEL_BACKEND (ollama, openai)" default:"ollama" toml:"backend.mode" env:"BACKEND_MODE"`
	RuntimeStrategy       string `help:"Python runtime (system, embedded)" default:"system" toml:"runtime.strategy" env:"RUNTIME_STRATEGY"`
	RuntimeEmbeddedPython string `help:"Interpreter for the embedded runtime" default:"Python/embedded/python.exe" toml:"runtime.embedded_python" env:"RUNTIME_EMBEDDED_PYTHON"`
	ModelserverScript     string `help:"Model server entry point" default:"api/server.py" toml:"modelserver.script" env:"MODELSERVER_SCRIPT"`
	ModelserverWorkdir    string `help:"Model server working directory" default:"api" toml:"modelserver.workdir" env:"MODELSERVER_WORKDIR"`
	ModelserverCommand    string `help:"Full launch command line, overrides runtime and script" default:"" toml:"modelserver.command" env:"MODELSERVER_COMMAND"`
	ModelserverURL        string `help:"Model server base URL" default:"http://127.0.0.1:5000" toml:"modelserver.url" env:"MODELSERVER_URL"`
	ModelserverHealthPath string `help:"Readiness endpoint path" default:"/status" toml:"modelserver.health_path" env:"MODELSERVER_HEALTH_PATH"`
	ModelserverTimeout    string `help:"Query timeout" default:"5m" toml:"modelserver.query_timeout" env:"MODELSERVER_QUERY_TIMEOUT"`

	// Warm-up and shutdown, reloaded from the config file at runtime
	WarmupInterval          string `help:"Readiness poll interval" default:"5s" toml:"warmup.interval" env:"WARMUP_INTERVAL"`
	WarmupMaxAttempts       int    `help:"Readiness attempt ceiling" default:"60" toml:"warmup.max_attempts" env:"WARMUP_MAX_ATTEMPTS"`
	WarmupProbeTimeout      string `help:"Per-probe timeout" default:"3s" toml:"warmup.probe_timeout" env:"WARMUP_PROBE_TIMEOUT"`
	WarmupStartupDeadline   string `help:"Absolute ceiling for one startup" default:"10m" toml:"warmup.startup_deadline" env:"WARMUP_STARTUP_DEADLINE"`
	WarmupOutputLines       int    `help:"Server output lines kept for diagnostics" default:"200" toml:"warmup.output_lines" env:"WARMUP_OUTPUT_LINES"`
	ShutdownGracefulTimeout string `help:"Wait after the graceful stop signal" default:"5s" toml:"shutdown.graceful_timeout" env:"SHUTDOWN_GRACEFUL_TIMEOUT"`
	ShutdownKillTimeout     string `help:"Wait after kill" default:"5s" toml:"shutdown.kill_timeout" env:"SHUTDOWN_KILL_TIMEOUT"`

	// Setup
	SetupRequirements string `help:"pip requirements file" default:"api/requirements.txt" toml:"setup.requirements" env:"SETUP_REQUIREMENTS"`
	SetupSkip         string `help:"Comma-separated setup step IDs to skip" default:"" toml:"setup.skip" env:"SETUP_SKIP"`
	SetupInstallDir   string `help:"Directory of model download scripts" default:"install" toml:"setup.install_dir" env:"SETUP_INSTALL_DIR"`
	SetupHFCache      string `help:"Hugging Face hub cache" default:"~/.cache/huggingface/hub" toml:"setup.hf_cache" env:"SETUP_HF_CACHE"`

	// Ollama
	OllamaPath  string `help:"Ollama executable, found automatically when empty" default:"" toml:"ollama.path" env:"OLLAMA_PATH"`
	OllamaURL   string `help:"Ollama API URL" default:"http://127.0.0.1:11434" toml:"ollama.url" env:"OLLAMA_URL"`
	OllamaModel string `help:"Base model pulled during setup" default:"artifish/llama3.2-uncensored" toml:"ollama.model" env:"OLLAMA_MODEL"`

	// Data
	DataPersonasDir string `help:"Persona .chr directory" default:"persistentdata/personas" toml:"data.personas_dir" env:"DATA_PERSONAS_DIR"`
	DataHistoryDB   string `help:"Chat history database" default:"persistentdata/history.db" toml:"data.history_db" env:"DATA_HISTORY_DB"`

	// Observability
	MetricsPrometheus bool `help:"Expose /metrics" default:"true" toml:"metrics.prometheus_enabled" env:"METRICS_PROMETHEUS_ENABLED"`
	MetricsSSE        bool `help:"Publish metrics on the event stream" default:"true" toml:"metrics.sse_enabled" env:"METRICS_SSE_ENABLED"`

	// Logging settings
	LoggingLevel        string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat       string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingModelserver  string `help:"Model server output logging level" default:"info" toml:"logging.modelserver" env:"LOGGING_MODELSERVER"`
	LoggingOrchestrator string `help:"Orchestrator logging level" default:"info" toml:"logging.orchestrator" env:"LOGGING_ORCHESTRATOR"`
	LoggingSetup        string `help:"Setup logging level" default:"info" toml:"logging.setup" env:"LOGGING_SETUP"`
	LoggingAPI          string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
}

// tuning converts the warm-up and shutdown options.
func (o *Options) tuning() config.Tuning {
	d := config.DefaultTuning()
	t := config.Tuning{
		WarmupInterval:    config.ParseDuration(o.WarmupInterval, d.WarmupInterval),
		WarmupMaxAttempts: o.WarmupMaxAttempts,
		ProbeTimeout:      config.ParseDuration(o.WarmupProbeTimeout, d.ProbeTimeout),
		StartupDeadline:   config.ParseDuration(o.WarmupStartupDeadline, d.StartupDeadline),
		GracefulTimeout:   config.ParseDuration(o.ShutdownGracefulTimeout, d.GracefulTimeout),
		KillTimeout:       config.ParseDuration(o.ShutdownKillTimeout, d.KillTimeout),
	}
	if t.WarmupMaxAttempts <= 0 {
		t.WarmupMaxAttempts = d.WarmupMaxAttempts
	}
	return t
}

func orchestratorTuning(t config.Tuning) orchestrator.Tuning {
	return orchestrator.Tuning{
		Policy: readiness.Policy{
			Interval:        t.WarmupInterval,
			MaxAttempts:     t.WarmupMaxAttempts,
			ProgressFloor:   70,
			ProgressCeiling: 90,
		},
		ProbeTimeout:    t.ProbeTimeout,
		StartupDeadline: t.StartupDeadline,
		GracefulTimeout: t.GracefulTimeout,
		KillTimeout:     t.KillTimeout,
	}
}

// application holds the wired components. Nothing runs until serve.
type application struct {
	opts   *Options
	root   *cobra.Command
	logger *slog.Logger

	bus          *events.Bus
	supervisor   *process.Supervisor
	builder      *setup.Builder
	pipeline     *setup.Pipeline
	modelServer  *modelserver.Client
	prober       readiness.Prober
	orchestrator *orchestrator.Orchestrator
	personas     *persona.Store

	historyOnce sync.Once
	history     *history.Store
	historyErr  error

	server   *api.Server
	exporter *exporters.SSEExporter
	watcher  *config.Watcher[Options]
}

func newApplication(opts *Options, root *cobra.Command) *application {
	a := &application{
		opts:   opts,
		root:   root,
		logger: logging.GetLogger("main"),
		bus:    events.New(),
	}

	logging.SetLogCallback(func(entry logging.LogEntry) {
		a.bus.Publish(events.LogEntryEvent{LogEntry: entry})
	})

	a.supervisor = process.NewSupervisor(&process.Options{
		Logger:      logging.GetLogger("process"),
		OutputLines: opts.WarmupOutputLines,
	})

	setupLogger := logging.GetLogger("setup")
	runner := setup.NewRunner(a.supervisor, setupLogger, func(step, source, line string) {
		a.bus.Publish(events.SetupStepEvent{StepID: step, Status: string(setup.StatusRunning), Output: line, Timestamp: time.Now()})
	})
	builderOpts := []setup.BuilderOption{setup.WithBuilderLogger(setupLogger)}
	if runtime.GOOS == "linux" {
		builderOpts = append(builderOpts, setup.WithServiceStarter(systemd.NewManager()))
	}
	a.builder = setup.NewBuilder(setup.Config{
		Backend:         opts.BackendMode,
		RuntimeStrategy: opts.RuntimeStrategy,
		EmbeddedPython:  opts.RuntimeEmbeddedPython,
		Requirements:    opts.SetupRequirements,
		InstallDir:      opts.SetupInstallDir,
		HFCache:         opts.SetupHFCache,
		OllamaPath:      opts.OllamaPath,
		OllamaModel:     opts.OllamaModel,
	}, runner, ollama.NewClient(opts.OllamaURL, 10*time.Second), builderOpts...)

	a.pipeline = setup.NewPipeline(a.builder.Steps(),
		setup.WithSkip(splitList(opts.SetupSkip)...),
		setup.WithLogger(setupLogger),
		setup.WithStepHandler(a.onSetupStep),
	)

	tuning := opts.tuning()
	a.modelServer = modelserver.NewClient(opts.ModelserverURL, config.ParseDuration(opts.ModelserverTimeout, 5*time.Minute))
	a.prober = readiness.NewHTTPProber(a.modelServer.URL(opts.ModelserverHealthPath))

	a.orchestrator = orchestrator.New(orchestrator.Options{
		Setup:      a.pipeline,
		Supervisor: a.supervisor,
		Launch:     a.launchSpec,
		Prober:     a.prober,
		StopHook:   a.modelServer.Stop,
		Events:     a.bus,
		Tuning:     orchestratorTuning(tuning),
		Logger:     logging.GetLogger("orchestrator"),
	})

	a.personas = persona.NewStore(opts.DataPersonasDir)
	return a
}

func (a *application) onSetupStep(sr setup.StepReport) {
	a.bus.Publish(events.SetupStepEvent{
		StepID:    sr.ID,
		Name:      sr.Name,
		Status:    string(sr.Status),
		Message:   firstNonEmpty(sr.Error, sr.Message),
		Timestamp: time.Now(),
	})
	switch sr.Status {
	case setup.StatusOK, setup.StatusFailed, setup.StatusSkipped:
		metrics.ObserveSetupStep(sr.ID, string(sr.Status), sr.Duration)
	}
}

// launchSpec builds the model server command. It runs after setup, so the
// interpreter the runtime step resolved is known.
func (a *application) launchSpec() (process.Spec, error) {
	var spec process.Spec
	if line := strings.TrimSpace(a.opts.ModelserverCommand); line != "" {
		var err error
		if spec, err = process.SpecFromCommandLine("modelserver", line); err != nil {
			return process.Spec{}, err
		}
	} else {
		script, err := filepath.Abs(a.opts.ModelserverScript)
		if err != nil {
			return process.Spec{}, err
		}
		if _, err := os.Stat(script); err != nil {
			return process.Spec{}, err
		}
		spec = process.Spec{ID: "modelserver", Command: a.builder.Python(), Args: []string{script}}
	}

	spec.Dir = a.opts.ModelserverWorkdir
	spec.Env = append(spec.Env, "MODEL_BACKEND="+a.opts.BackendMode, "PYTHONUNBUFFERED=1")
	spec.OutputLogger = logging.GetLogger("modelserver")
	spec.LogParser = modelserver.ParseLogLine
	return spec, nil
}

// reloadOptions re-derives the options after a config file change with the
// same precedence as startup, so env and flag overrides survive the edit.
func (a *application) reloadOptions(path string) (Options, error) {
	// Malformed durations fail the reload rather than silently falling back.
	if _, err := config.LoadTuning(path); err != nil {
		return Options{}, err
	}
	return config.ReloadConfig(*a.opts, a.root)
}

func (a *application) openHistory() (*history.Store, error) {
	a.historyOnce.Do(func() {
		a.history, a.historyErr = history.Open(a.opts.DataHistoryDB)
	})
	return a.history, a.historyErr
}

func (a *application) buildServer() {
	apiOpts := &api.Options{
		AuthUsername: a.opts.AuthUsername,
		AuthPassword: a.opts.AuthPassword,
		AllowOrigin:  a.opts.AllowOrigin,
		Orchestrator: a.orchestrator,
		Personas:     a.personas,
		Memory:       a.modelServer,
		EventBus:     a.bus,
	}

	var hist chat.History
	if store, err := a.openHistory(); err != nil {
		a.logger.Warn("Chat history disabled", "path", a.opts.DataHistoryDB, "error", err)
	} else {
		hist = store
		apiOpts.History = store
	}
	apiOpts.Chat = chat.NewService(a.orchestrator, a.personas, a.modelServer, hist, logging.GetLogger("chat"))

	if a.opts.MetricsPrometheus {
		apiOpts.PrometheusHandler = exporters.HTTPHandler()
	}
	a.server = api.NewServer(apiOpts)
}

func (a *application) serve() {
	a.buildServer()

	if a.opts.MetricsSSE {
		a.exporter = exporters.NewSSEExporter(a.bus)
		a.exporter.Start(context.Background())
	}

	if _, err := os.Stat(a.opts.Config); err == nil {
		a.watcher = config.NewWatcher(a.opts.Config, a.reloadOptions, logging.GetLogger("config"))
		a.watcher.OnReload(func(o Options) {
			a.orchestrator.SetTuning(orchestratorTuning(o.tuning()))
		})
		if err := a.watcher.Start(); err != nil {
			a.logger.Warn("Config watcher disabled", "path", a.opts.Config, "error", err)
			a.watcher = nil
		}
	}

	if a.opts.AutoStart {
		result, err := a.orchestrator.Start(context.Background())
		if err != nil {
			a.logger.Error("Failed to start model server", "error", err)
		} else {
			go func() {
				if err := <-result; err != nil && !errors.Is(err, context.Canceled) {
					a.logger.Error("Model server did not become ready", "error", err)
				}
			}()
		}
	}

	a.logger.Info("Starting HTTP server", "port", a.opts.Port, "version", version.String())
	if err := a.server.Start(a.opts.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error("Failed to start HTTP server", "error", err)
		a.stop()
		os.Exit(1)
	}
}

func (a *application) stop() {
	a.logger.Info("Shutting down")
	if a.server != nil {
		if err := a.server.Stop(); err != nil {
			a.logger.Error("Error stopping HTTP server", "error", err)
		}
	}

	t := a.orchestrator.Tuning()
	ctx, cancel := context.WithTimeout(context.Background(), t.GracefulTimeout+t.KillTimeout+5*time.Second)
	defer cancel()
	if err := a.orchestrator.Shutdown(ctx); err != nil {
		a.logger.Error("Model server did not stop cleanly", "error", err)
	}
	// Setup subprocesses and anything else still alive.
	a.supervisor.KillAll(t.KillTimeout)

	if a.watcher != nil {
		_ = a.watcher.Stop()
	}
	if a.exporter != nil {
		a.exporter.Stop()
	}
	if a.history != nil {
		_ = a.history.Close()
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func main() {
	var root *cobra.Command
	var app *application

	cli := humacli.New(func(hooks humacli.Hooks, opts *Options) {
		if err := config.LoadConfig(opts, root); err != nil {
			slog.Warn("Failed to load config", "error", err)
		}

		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"modelserver":  opts.LoggingModelserver,
				"orchestrator": opts.LoggingOrchestrator,
				"setup":        opts.LoggingSetup,
				"api":          opts.LoggingAPI,
			},
		})

		app = newApplication(opts, root)
		hooks.OnStart(app.serve)
		hooks.OnStop(app.stop)
	})

	root = cli.Root()
	root.Use = "alterego"
	root.Short = "ALTER EGO model server orchestrator"
	root.Version = version.String()

	root.AddCommand(cmd.CreateSetupCmd(func() cmd.SetupRunner { return app.pipeline }))
	root.AddCommand(cmd.CreateProbeCmd(func() (readiness.Prober, string, readiness.Policy) {
		return app.prober, app.modelServer.URL(app.opts.ModelserverHealthPath), orchestratorTuning(app.opts.tuning()).Policy
	}))
	root.AddCommand(cmd.CreateHistoryCmd(func() (*history.Store, error) {
		return history.Open(app.opts.DataHistoryDB)
	}))

	cli.Run()
}
