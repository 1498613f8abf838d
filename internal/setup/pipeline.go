// Package setup checks and installs what the model server needs before it
// can start: a Python runtime, its packages, the Ollama runtime and the
// models the server downloads from Hugging Face.
//
// Steps run strictly in order. A step whose check fails is remediated once
// and checked again; if it still fails the pipeline stops with a
// *SetupError unless the step is NonFatal.
package setup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Status is the state of one step.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Step is a named prerequisite. Check must be cheap and side-effect free.
// Remediate may be nil when nothing can be done automatically.
type Step struct {
	ID        string
	Name      string
	Check     func(ctx context.Context) (bool, error)
	Remediate func(ctx context.Context) error
	NonFatal  bool
}

// StepReport records what happened to one step.
type StepReport struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Status     Status        `json:"status"`
	Remediated bool          `json:"remediated"`
	NonFatal   bool          `json:"non_fatal"`
	Message    string        `json:"message,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Report is the outcome of one pipeline run.
type Report struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Steps     []StepReport  `json:"steps"`
}

// Failed returns the steps that ended in StatusFailed.
func (r Report) Failed() []StepReport {
	var out []StepReport
	for _, s := range r.Steps {
		if s.Status == StatusFailed {
			out = append(out, s)
		}
	}
	return out
}

// SetupError names the step that stopped the pipeline.
type SetupError struct {
	Step string
	Name string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup step %q failed: %v", e.Name, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// ErrStillUnsatisfied is the failure of a step whose check still fails
// after remediation.
var ErrStillUnsatisfied = errors.New("check still failing after remediation")

// Pipeline runs steps in order.
type Pipeline struct {
	steps  []Step
	skip   map[string]bool
	logger *slog.Logger
	onStep func(StepReport)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSkip marks step IDs that are reported as skipped without running.
func WithSkip(ids ...string) Option {
	return func(p *Pipeline) {
		for _, id := range ids {
			p.skip[id] = true
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// WithStepHandler receives every status change of every step.
func WithStepHandler(fn func(StepReport)) Option { return func(p *Pipeline) { p.onStep = fn } }

// NewPipeline creates a pipeline running steps in order.
func NewPipeline(steps []Step, opts ...Option) *Pipeline {
	p := &Pipeline{steps: steps, skip: map[string]bool{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Steps returns the configured steps in run order.
func (p *Pipeline) Steps() []Step { return p.steps }

// Run executes the steps. It returns the partial report together with a
// *SetupError for a fatal step, or the context error if ctx ends between
// or during steps.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	report := Report{StartedAt: time.Now(), Steps: make([]StepReport, 0, len(p.steps))}

	for _, step := range p.steps {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(report.StartedAt)
			return report, err
		}

		sr, stepErr := p.runStep(ctx, step)
		report.Steps = append(report.Steps, sr)

		if sr.Status != StatusFailed {
			continue
		}
		if ctx.Err() != nil {
			report.Duration = time.Since(report.StartedAt)
			return report, ctx.Err()
		}
		if step.NonFatal {
			p.logger.Warn("Optional setup step failed, continuing", "step", step.ID, "error", sr.Error)
			continue
		}
		report.Duration = time.Since(report.StartedAt)
		return report, &SetupError{Step: step.ID, Name: displayName(step), Err: stepErr}
	}

	report.Duration = time.Since(report.StartedAt)
	p.logger.Info("Setup complete", "steps", len(report.Steps), "duration", report.Duration.Round(time.Millisecond))
	return report, nil
}

func (p *Pipeline) runStep(ctx context.Context, step Step) (StepReport, error) {
	sr := StepReport{ID: step.ID, Name: displayName(step), NonFatal: step.NonFatal}
	start := time.Now()
	done := func(status Status, msg string, err error) (StepReport, error) {
		sr.Status = status
		sr.Message = msg
		if err != nil {
			sr.Error = err.Error()
		}
		sr.Duration = time.Since(start)
		p.notify(sr)
		return sr, err
	}

	if p.skip[step.ID] {
		p.logger.Info("Skipping setup step", "step", step.ID)
		return done(StatusSkipped, "Skipped by configuration", nil)
	}

	sr.Status = StatusRunning
	sr.Message = "Checking " + sr.Name + "..."
	p.notify(sr)

	ok, err := p.check(ctx, step)
	if ok {
		p.logger.Debug("Setup step already satisfied", "step", step.ID)
		return done(StatusOK, sr.Name+" is ready", nil)
	}

	if step.Remediate == nil {
		if err == nil {
			err = errors.New("not satisfied and cannot be installed automatically")
		}
		return done(StatusFailed, sr.Name+" is missing", err)
	}

	p.logger.Info("Remediating setup step", "step", step.ID, "check_error", err)
	sr.Status = StatusRunning
	sr.Message = "Installing " + sr.Name + "..."
	sr.Remediated = true
	p.notify(sr)

	if err := step.Remediate(ctx); err != nil {
		return done(StatusFailed, "Failed to install "+sr.Name, err)
	}

	ok, err = p.check(ctx, step)
	if !ok {
		if err == nil {
			err = ErrStillUnsatisfied
		} else {
			err = fmt.Errorf("%w: %w", ErrStillUnsatisfied, err)
		}
		return done(StatusFailed, sr.Name+" is still missing after install", err)
	}
	return done(StatusOK, sr.Name+" installed", nil)
}

// check treats a check error as "not satisfied".
func (p *Pipeline) check(ctx context.Context, step Step) (bool, error) {
	if step.Check == nil {
		return true, nil
	}
	ok, err := step.Check(ctx)
	if err != nil {
		p.logger.Debug("Setup check failed", "step", step.ID, "error", err)
		return false, err
	}
	return ok, nil
}

func (p *Pipeline) notify(sr StepReport) {
	if p.onStep != nil {
		p.onStep(sr)
	}
}

func displayName(step Step) string {
	if step.Name != "" {
		return step.Name
	}
	return step.ID
}
