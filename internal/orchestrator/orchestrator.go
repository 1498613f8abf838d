// Package orchestrator drives the model server lifecycle: setup, launch,
// warm-up polling, readiness gating and shutdown. Every transition is
// published on the event bus so the UI can follow along.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smazurov/alterego/internal/events"
	"github.com/smazurov/alterego/internal/metrics"
	"github.com/smazurov/alterego/internal/process"
	"github.com/smazurov/alterego/internal/readiness"
	"github.com/smazurov/alterego/internal/setup"
)

// Publisher is the part of the event bus the orchestrator needs.
type Publisher interface {
	Publish(ev events.Event)
}

// SetupRunner runs the prerequisite pipeline.
type SetupRunner interface {
	Run(ctx context.Context) (setup.Report, error)
}

// Tuning holds the timing knobs. Changes apply from the next run.
type Tuning struct {
	Policy          readiness.Policy
	ProbeTimeout    time.Duration
	StartupDeadline time.Duration // 0 disables the absolute ceiling
	GracefulTimeout time.Duration
	KillTimeout     time.Duration
}

// DefaultTuning returns the default warm-up policy and shutdown waits.
func DefaultTuning() Tuning {
	return Tuning{
		Policy:          readiness.DefaultPolicy(),
		ProbeTimeout:    3 * time.Second,
		StartupDeadline: 10 * time.Minute,
		GracefulTimeout: 5 * time.Second,
		KillTimeout:     5 * time.Second,
	}
}

// Options wires an Orchestrator.
type Options struct {
	Setup      SetupRunner // nil skips setup
	Supervisor *process.Supervisor
	// Launch builds the server command. It runs after setup so it can use
	// the interpreter setup resolved.
	Launch func() (process.Spec, error)
	Prober readiness.Prober
	// StopHook asks the server to shut down before it is signalled.
	// Its error is logged and otherwise ignored.
	StopHook func(ctx context.Context) error
	Events   Publisher
	Tuning   Tuning
	Logger   *slog.Logger
}

// Status is a snapshot for the API.
type Status struct {
	State     State         `json:"state"`
	RunID     string        `json:"run_id,omitempty"`
	Progress  int           `json:"progress"`
	Message   string        `json:"message"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	PID       int           `json:"pid,omitempty"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	ReadyAt   *time.Time    `json:"ready_at,omitempty"`
	Setup     *setup.Report `json:"setup,omitempty"`
}

// Orchestrator is safe for concurrent use. There is one per application.
type Orchestrator struct {
	setup    SetupRunner
	sup      *process.Supervisor
	launch   func() (process.Spec, error)
	prober   readiness.Prober
	stopHook func(ctx context.Context) error
	events   Publisher
	logger   *slog.Logger

	mu          sync.Mutex
	state       State
	tuning      Tuning
	runID       string
	cancelRun   context.CancelFunc
	runDone     chan struct{}
	stopDone    chan struct{} // closed when an in-progress shutdown of Ready finishes
	handle      *process.Handle
	progress    int
	status      events.StatusEvent
	lastErr     error
	setupReport *setup.Report
	startedAt   time.Time
	readyAt     time.Time
}

// New creates an idle orchestrator. A nil Supervisor gets a default one.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		setup:    opts.Setup,
		sup:      opts.Supervisor,
		launch:   opts.Launch,
		prober:   opts.Prober,
		stopHook: opts.StopHook,
		events:   opts.Events,
		logger:   opts.Logger,
		state:    Idle,
		tuning:   opts.Tuning,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.sup == nil {
		o.sup = process.NewSupervisor(&process.Options{Logger: o.logger})
	}
	if o.tuning == (Tuning{}) {
		o.tuning = DefaultTuning()
	}
	o.status = events.StatusEvent{Phase: string(Idle), Timestamp: time.Now()}
	metrics.SetOrchestratorState(string(Idle), AllStates())
	return o
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Ready reports whether query traffic may be sent to the model server.
func (o *Orchestrator) Ready() bool {
	return o.State() == Ready
}

// Err returns the failure of the last run, nil unless Failed.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Tuning returns the timing used by the next run.
func (o *Orchestrator) Tuning() Tuning {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tuning
}

// SetTuning replaces the timing knobs for subsequent runs.
func (o *Orchestrator) SetTuning(t Tuning) {
	o.mu.Lock()
	o.tuning = t
	o.mu.Unlock()
	o.logger.Info("Orchestrator tuning updated",
		"interval", t.Policy.Interval, "max_attempts", t.Policy.MaxAttempts,
		"startup_deadline", t.StartupDeadline, "graceful_timeout", t.GracefulTimeout)
}

// Status returns a snapshot of the state, last progress and failure.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := Status{
		State:     o.state,
		RunID:     o.runID,
		Progress:  o.status.Progress,
		Message:   o.status.Message,
		ErrorKind: o.status.ErrorKind,
		Error:     o.status.Error,
		Detail:    o.status.Detail,
		Setup:     o.setupReport,
	}
	if o.handle != nil {
		if _, exited := o.handle.Exited(); !exited {
			st.PID = o.handle.PID()
		}
	}
	if !o.startedAt.IsZero() {
		t := o.startedAt
		st.StartedAt = &t
	}
	if !o.readyAt.IsZero() {
		t := o.readyAt
		st.ReadyAt = &t
	}
	return st
}

// Run starts the model server from Idle and waits until it is Ready, has
// Failed, or was shut down. Cancelling ctx during startup tears the run
// down back to Idle; after Ready ctx no longer matters.
func (o *Orchestrator) Run(ctx context.Context) error {
	result, err := o.Start(ctx)
	if err != nil {
		return err
	}
	return <-result
}

// Retry is Run from Failed.
func (o *Orchestrator) Retry(ctx context.Context) error {
	result, err := o.StartRetry(ctx)
	if err != nil {
		return err
	}
	return <-result
}

// Start begins a run from Idle without waiting. The channel receives the
// run's outcome once.
func (o *Orchestrator) Start(ctx context.Context) (<-chan error, error) {
	return o.begin(ctx, Idle)
}

// StartRetry begins a run from Failed without waiting.
func (o *Orchestrator) StartRetry(ctx context.Context) (<-chan error, error) {
	return o.begin(ctx, Failed)
}

func (o *Orchestrator) begin(ctx context.Context, from State) (<-chan error, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != from {
		if o.state == Idle || o.state == Failed {
			return nil, fmt.Errorf("%w: cannot start from %s", ErrInvalidTransition, o.state)
		}
		return nil, ErrBusy
	}
	if h := o.handle; h != nil {
		if _, exited := h.Exited(); !exited {
			return nil, fmt.Errorf("%w: previous model server (pid %d) is still running", ErrBusy, h.PID())
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.runID = uuid.NewString()
	o.cancelRun = cancel
	o.runDone = make(chan struct{})
	o.handle = nil
	o.progress = 0
	o.lastErr = nil
	o.setupReport = nil
	o.startedAt = time.Now()
	o.readyAt = time.Time{}
	o.transitionLocked(SettingUp)

	result := make(chan error, 1)
	go o.execute(runCtx, cancel, o.runID, o.tuning, o.runDone, result)
	return result, nil
}

func (o *Orchestrator) execute(ctx context.Context, cancel context.CancelFunc, runID string, t Tuning, done chan struct{}, result chan<- error) {
	defer close(done)
	defer cancel()

	err := o.startup(ctx, runID, t)
	result <- err
}

func (o *Orchestrator) startup(ctx context.Context, runID string, t Tuning) error {
	log := o.logger.With("run_id", runID)
	log.Info("Starting model server run")
	o.report(runID, progressSetup, msgSetup)

	if o.setup != nil {
		report, err := o.setup.Run(ctx)
		o.mu.Lock()
		o.setupReport = &report
		o.mu.Unlock()
		if ctx.Err() != nil {
			return o.abort(runID, nil, t)
		}
		if err != nil {
			return o.fail(runID, err, "")
		}
	}
	o.report(runID, progressSetupDone, msgSetupDone)

	if ctx.Err() != nil {
		return o.abort(runID, nil, t)
	}
	o.transition(Starting)
	o.report(runID, progressStarting, msgStarting)

	if o.launch == nil {
		return o.fail(runID, &process.LaunchError{ID: "modelserver", Err: errors.New("no launch command configured")}, "")
	}
	spec, err := o.launch()
	if err != nil {
		return o.fail(runID, &process.LaunchError{ID: "modelserver", Err: err}, "")
	}
	if spec.ID == "" {
		spec.ID = "modelserver"
	}
	spec.Output = o.outputHandler(runID, spec.ID, spec.Output)

	h, err := o.sup.Start(spec)
	if err != nil {
		return o.fail(runID, err, "")
	}
	o.mu.Lock()
	o.handle = h
	o.mu.Unlock()
	h.OnExit(func(st process.ExitStatus) { o.onExit(runID, h, st) })

	o.transition(WarmingUp)
	o.report(runID, progressConnecting, msgConnecting)

	warmCtx, cancelWarm := ctx, context.CancelFunc(func() {})
	if t.StartupDeadline > 0 {
		warmCtx, cancelWarm = context.WithTimeoutCause(ctx, t.StartupDeadline, errStartupDeadline)
	}
	defer cancelWarm()

	policy := t.Policy
	policy.ProgressFloor, policy.ProgressCeiling = 70, 90
	poll := readiness.NewPoller(countingProber(o.prober, t.ProbeTimeout), policy,
		readiness.WithLogger(log),
		readiness.WithDiagnostics(h.Output().String),
	).Poll(warmCtx, func(p readiness.Progress) {
		o.reportIf(runID, WarmingUp, p.Percent, p.Message())
	})

	var res readiness.Result
	select {
	case <-poll.Done():
		res = poll.Result()
	case <-h.Done():
		poll.Cancel()
		return o.crashed(runID, h, WarmingUp)
	}

	if _, exited := h.Exited(); exited {
		return o.crashed(runID, h, WarmingUp)
	}

	switch {
	case res.Ready:
		return o.ready(runID, h, res)
	case errors.Is(context.Cause(warmCtx), errStartupDeadline):
		detail := h.Output().String()
		o.teardown(h, t)
		return o.fail(runID, &readiness.TimeoutError{
			Attempts:     res.Attempts,
			HardFailures: res.HardFailures,
			Elapsed:      res.Elapsed,
			LastErr:      errStartupDeadline,
			Detail:       detail,
		}, msgDeadline)
	case ctx.Err() != nil:
		return o.abort(runID, h, t)
	default:
		o.teardown(h, t)
		return o.fail(runID, res.Err, msgTimedOut)
	}
}

func (o *Orchestrator) ready(runID string, h *process.Handle, res readiness.Result) error {
	o.mu.Lock()
	// An exit observed after this check finds the state Ready in onExit.
	if _, exited := h.Exited(); exited {
		o.mu.Unlock()
		return o.crashed(runID, h, WarmingUp)
	}
	defer o.mu.Unlock()

	o.readyAt = time.Now()
	o.transitionLocked(Ready)
	o.progress = progressReady
	o.publishStatusLocked(events.StatusEvent{RunID: runID, Phase: string(Ready), Message: msgReady, Progress: progressReady})

	warmup := o.readyAt.Sub(h.StartedAt())
	metrics.ObserveWarmup(warmup)
	o.logger.Info("Model server ready", "run_id", runID, "pid", h.PID(),
		"attempts", res.Attempts, "hard_failures", res.HardFailures, "warmup", warmup.Round(time.Millisecond))
	return nil
}

// crashed fails the run with the exit of h.
func (o *Orchestrator) crashed(runID string, h *process.Handle, during State) error {
	st, _ := h.Exited()
	return o.fail(runID, &CrashError{
		ID:     h.ID(),
		PID:    h.PID(),
		Status: st,
		During: during,
		Output: h.Output().String(),
	}, msgCrashed)
}

// fail moves the run to Failed, publishing message and the diagnostic
// detail carried by err.
func (o *Orchestrator) fail(runID string, err error, message string) error {
	kind := ErrorKind(err)
	if message == "" {
		switch kind {
		case KindLaunch:
			message = msgLaunchFailed
		case KindSetup:
			message = msgSetupFailed
		default:
			message = msgCrashed
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runID != runID {
		return err
	}

	o.lastErr = err
	o.transitionLocked(Failed)
	metrics.RecordFailure(kind)
	o.publishStatusLocked(events.StatusEvent{
		RunID:     runID,
		Phase:     string(Failed),
		Message:   message,
		Progress:  o.progress,
		ErrorKind: kind,
		Error:     err.Error(),
		Detail:    errorDetail(err),
	})
	o.logger.Error("Model server run failed", "run_id", runID, "kind", kind, "error", err)
	return err
}

// abort ends a startup that was shut down: stop the process if any, then
// ShuttingDown -> Idle.
func (o *Orchestrator) abort(runID string, h *process.Handle, t Tuning) error {
	o.mu.Lock()
	o.transitionLocked(ShuttingDown)
	o.publishStatusLocked(events.StatusEvent{RunID: runID, Phase: string(ShuttingDown), Message: msgStopping, Progress: o.progress})
	o.mu.Unlock()

	o.teardown(h, t)

	o.mu.Lock()
	o.handle = nil
	o.transitionLocked(Idle)
	o.progress = 0
	o.publishStatusLocked(events.StatusEvent{RunID: runID, Phase: string(Idle), Message: msgStopped})
	o.mu.Unlock()

	o.logger.Info("Model server startup cancelled", "run_id", runID)
	return context.Canceled
}

// onExit runs once per handle. An exit while Ready is a crash.
func (o *Orchestrator) onExit(runID string, h *process.Handle, st process.ExitStatus) {
	reason := "exited"
	switch {
	case st.Killed:
		reason = "killed"
	case !st.Success():
		reason = "crash"
	}
	metrics.RecordProcessExit(h.ID(), reason)

	o.mu.Lock()
	crashed := o.state == Ready && o.handle == h && o.runID == runID
	o.mu.Unlock()
	if crashed {
		_ = o.crashed(runID, h, Ready)
	}
}

// Shutdown stops the model server: gracefully through the stop hook and
// the graceful signal, then by killing the process tree. From a startup
// state it cancels the run and waits for it to unwind. It returns once the
// orchestrator is Idle, or when ctx ends first.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	switch {
	case o.state == Idle || o.state == Failed:
		o.mu.Unlock()
		return nil

	case o.state.starting():
		cancel, done := o.cancelRun, o.runDone
		o.mu.Unlock()
		o.logger.Info("Cancelling model server startup")
		cancel()
		if err := waitOrCtx(ctx, done); err != nil {
			return err
		}
		// The run may have reached Ready before it saw the cancellation.
		return o.Shutdown(ctx)

	case o.state == ShuttingDown:
		done := o.stopDone
		if done == nil {
			done = o.runDone
		}
		o.mu.Unlock()
		return waitOrCtx(ctx, done)
	}

	// Ready
	h, runID, t := o.handle, o.runID, o.tuning
	o.stopDone = make(chan struct{})
	done := o.stopDone
	o.transitionLocked(ShuttingDown)
	o.publishStatusLocked(events.StatusEvent{RunID: runID, Phase: string(ShuttingDown), Message: msgStopping, Progress: o.progress})
	o.mu.Unlock()

	o.teardown(h, t)

	o.mu.Lock()
	o.handle = nil
	o.transitionLocked(Idle)
	o.progress = 0
	o.publishStatusLocked(events.StatusEvent{RunID: runID, Phase: string(Idle), Message: msgStopped})
	o.stopDone = nil
	o.mu.Unlock()
	close(done)

	o.logger.Info("Model server stopped", "run_id", runID)
	return nil
}

// teardown asks the server to stop, signals it, then kills the tree.
func (o *Orchestrator) teardown(h *process.Handle, t Tuning) {
	if h == nil {
		return
	}
	if _, exited := h.Exited(); exited {
		return
	}

	if o.stopHook != nil {
		ctx, cancel := context.WithTimeout(context.Background(), max(t.GracefulTimeout, time.Second))
		if err := o.stopHook(ctx); err != nil {
			o.logger.Debug("Stop hook failed", "error", err)
		}
		cancel()
	}

	if _, ok := o.sup.Terminate(h, t.GracefulTimeout, t.KillTimeout); !ok {
		o.logger.Error("Model server survived kill", "pid", h.PID())
	}
}

func (o *Orchestrator) transition(to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitionLocked(to)
}

func (o *Orchestrator) transitionLocked(to State) {
	from := o.state
	if !CanTransition(from, to) {
		o.logger.Error("Rejected state transition", "from", from, "to", to)
		return
	}
	o.state = to
	metrics.SetOrchestratorState(string(to), AllStates())
	o.logger.Debug("State changed", "from", from, "to", to, "run_id", o.runID)
	if o.events != nil {
		o.events.Publish(events.StateChangedEvent{RunID: o.runID, From: string(from), To: string(to), Timestamp: time.Now()})
	}
}

// report publishes progress for runID, never below what was already
// reported in the run and never 100 before Ready.
func (o *Orchestrator) report(runID string, percent int, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reportLocked(runID, percent, message)
}

// reportIf reports only while the run is in state.
func (o *Orchestrator) reportIf(runID string, state State, percent int, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != state {
		return
	}
	o.reportLocked(runID, percent, message)
}

func (o *Orchestrator) reportLocked(runID string, percent int, message string) {
	if o.runID != runID {
		return
	}
	percent = min(max(percent, o.progress), progressReady-1)
	o.progress = percent
	o.publishStatusLocked(events.StatusEvent{RunID: runID, Phase: string(o.state), Message: message, Progress: percent})
}

func (o *Orchestrator) publishStatusLocked(ev events.StatusEvent) {
	ev.Timestamp = time.Now()
	o.status = ev
	if o.events != nil {
		o.events.Publish(ev)
	}
}

// errorDetail extracts captured output from the typed run errors.
func errorDetail(err error) string {
	var (
		crashErr   *CrashError
		timeoutErr *readiness.TimeoutError
		setupErr   *setup.SetupError
	)
	switch {
	case errors.As(err, &crashErr):
		return crashErr.Output
	case errors.As(err, &timeoutErr):
		if timeoutErr.Detail != "" {
			return timeoutErr.Detail
		}
		return "The server is taking too long to start. This could be due to hardware limitations or a configuration issue."
	case errors.As(err, &setupErr):
		return setupErr.Err.Error()
	}
	return err.Error()
}

func waitOrCtx(ctx context.Context, done <-chan struct{}) error {
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
