package setup

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/smazurov/alterego/internal/process"
)

// Command is one subprocess run on behalf of a step.
type Command struct {
	Step string
	Name string
	Args []string
	Dir  string
	Env  []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// CommandError is a subprocess that ran but did not succeed.
type CommandError struct {
	Command string
	Status  process.ExitStatus
	Output  string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%q %s", e.Command, e.Status)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

// Executor runs setup subprocesses. Runner is the real one.
type Executor interface {
	Run(ctx context.Context, cmd Command) error
	Start(cmd Command) (*process.Handle, error)
	Stop(h *process.Handle)
}

// OutputFunc receives each line a setup subprocess prints.
type OutputFunc func(step, source, line string)

// Runner executes commands under the process supervisor so installers are
// killed with their whole tree when setup is cancelled.
type Runner struct {
	supervisor  *process.Supervisor
	logger      *slog.Logger
	output      OutputFunc
	stopTimeout time.Duration
}

// NewRunner creates a runner starting commands under supervisor.
func NewRunner(supervisor *process.Supervisor, logger *slog.Logger, output OutputFunc) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{supervisor: supervisor, logger: logger, output: output, stopTimeout: 5 * time.Second}
}

// Start launches cmd without waiting for it.
func (r *Runner) Start(cmd Command) (*process.Handle, error) {
	spec := process.Spec{
		ID:           cmd.Step + ":" + cmd.Name,
		Command:      cmd.Name,
		Args:         cmd.Args,
		Env:          cmd.Env,
		Dir:          cmd.Dir,
		OutputLogger: r.logger.With("step", cmd.Step),
		LogParser:    quietParser,
	}
	if r.output != nil {
		step := cmd.Step
		spec.Output = process.OutputHandlerFunc(func(source, line string) {
			r.output(step, source, line)
		})
	}
	return r.supervisor.Start(spec)
}

// Run starts cmd and waits for it. A non-zero exit yields *CommandError
// carrying the tail of the output; a cancelled ctx stops the process tree.
func (r *Runner) Run(ctx context.Context, cmd Command) error {
	r.logger.Info("Running setup command", "step", cmd.Step, "command", cmd.String())

	h, err := r.Start(cmd)
	if err != nil {
		return err
	}

	select {
	case <-h.Done():
	case <-ctx.Done():
		r.Stop(h)
		return ctx.Err()
	}

	status, _ := h.Exited()
	if !status.Success() {
		return &CommandError{Command: cmd.String(), Status: status, Output: h.Output().String()}
	}
	return nil
}

// Stop ends h gracefully, then kills its tree.
func (r *Runner) Stop(h *process.Handle) {
	if _, ok := r.supervisor.Terminate(h, r.stopTimeout, r.stopTimeout); !ok {
		r.logger.Warn("Setup process did not exit after kill", "id", h.ID(), "pid", h.PID())
	}
}

// quietParser logs installer chatter at debug so pip progress bars do not
// flood the journal.
func quietParser(line string) (slog.Level, string) {
	lower := strings.ToLower(line)
	if strings.HasPrefix(lower, "error") || strings.Contains(lower, "traceback") {
		return slog.LevelWarn, line
	}
	return slog.LevelDebug, line
}
