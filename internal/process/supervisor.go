package process

import (
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	defaultOutputLines = 200
	defaultWaitDelay   = 2 * time.Second
)

// Spec describes a command to start.
type Spec struct {
	ID      string // label used in logs and errors
	Command string // executable name or path
	Args    []string
	Env     []string // KEY=VALUE pairs added to the parent environment
	Dir     string

	// Output, when set, is attached before the process starts so no
	// early line is missed.
	Output OutputHandler

	// OutputLogger receives every line, levelled by LogParser
	// (info when LogParser is nil). Nil disables line logging.
	OutputLogger *slog.Logger
	LogParser    LogParser
}

func (s Spec) commandLine() string {
	return strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
}

// Options configures a Supervisor.
type Options struct {
	Logger *slog.Logger

	// OutputLines bounds each handle's diagnostic ring. Default 200.
	OutputLines int

	// WaitDelay bounds how long output is drained after the process exits
	// when a descendant still holds the pipes open. Default 2s.
	WaitDelay time.Duration
}

// Supervisor starts and stops child processes.
type Supervisor struct {
	logger      *slog.Logger
	outputLines int
	waitDelay   time.Duration

	mu   sync.Mutex
	live map[*Handle]struct{}
}

// NewSupervisor creates a supervisor. A nil opts uses the defaults.
func NewSupervisor(opts *Options) *Supervisor {
	if opts == nil {
		opts = &Options{}
	}
	s := &Supervisor{
		logger:      opts.Logger,
		outputLines: opts.OutputLines,
		waitDelay:   opts.WaitDelay,
		live:        make(map[*Handle]struct{}),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.outputLines <= 0 {
		s.outputLines = defaultOutputLines
	}
	if s.waitDelay <= 0 {
		s.waitDelay = defaultWaitDelay
	}
	return s
}

// Start launches spec. It returns a *LaunchError when the process could
// not be spawned.
func (s *Supervisor) Start(spec Spec) (*Handle, error) {
	if spec.ID == "" {
		spec.ID = spec.Command
	}
	if spec.Command == "" {
		return nil, &LaunchError{ID: spec.ID, Err: errors.New("empty command")}
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.WaitDelay = s.waitDelay
	configureProcAttr(cmd)

	h := &Handle{
		id:        spec.ID,
		command:   spec.commandLine(),
		output:    NewOutputBuffer(s.outputLines),
		outLogger: spec.OutputLogger,
		parser:    spec.LogParser,
		done:      make(chan struct{}),
		state:     StateRunning,
	}
	if spec.Output != nil {
		h.OnOutput(spec.Output)
	}

	stdout := &lineWriter{source: SourceStdout, emit: h.emit}
	stderr := &lineWriter{source: SourceStderr, emit: h.emit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		s.logger.Error("Failed to start process", "id", spec.ID, "command", h.command, "error", err)
		return nil, &LaunchError{ID: spec.ID, Command: h.command, Err: err}
	}

	h.pid = cmd.Process.Pid
	h.startedAt = time.Now()

	s.mu.Lock()
	s.live[h] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("Process started", "id", spec.ID, "pid", h.pid, "command", h.command)

	go s.wait(h, cmd, stdout, stderr)
	return h, nil
}

func (s *Supervisor) wait(h *Handle, cmd *exec.Cmd, stdout, stderr *lineWriter) {
	err := cmd.Wait()
	stdout.flush()
	stderr.flush()

	st := exitStatusFrom(cmd.ProcessState, err)
	if st.Err != nil {
		s.logger.Warn("Process wait reported an error", "id", h.id, "pid", h.pid, "error", st.Err)
	}

	// Descendants left in the group would otherwise outlive the handle.
	sweepGroup(h.pid)

	s.mu.Lock()
	delete(s.live, h)
	s.mu.Unlock()

	s.logger.Info("Process exited", "id", h.id, "pid", h.pid, "status", st.String())
	h.finish(st)
}

func exitStatusFrom(ps *os.ProcessState, err error) ExitStatus {
	st := ExitStatus{Code: -1, ExitedAt: time.Now()}
	if ps != nil {
		st.Code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			st.Signal = ws.Signal().String()
		}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		st.Err = err
	}
	return st
}

// StopGracefully asks the process group to exit (SIGINT on Unix,
// CTRL_BREAK or taskkill without /F on Windows) and waits up to timeout.
// It reports whether the process exited in time; an already exited
// process counts as stopped. When the request cannot be delivered it
// returns false at once.
func (s *Supervisor) StopGracefully(h *Handle, timeout time.Duration) bool {
	if h == nil || !h.markStopping(false) {
		return true
	}

	s.logger.Info("Requesting graceful stop", "id", h.id, "pid", h.pid, "timeout", timeout)
	if err := signalGraceful(h.pid); err != nil {
		s.logger.Warn("Graceful stop signal failed", "id", h.id, "pid", h.pid, "error", err)
		// Undelivered; let the caller escalate now.
		select {
		case <-h.done:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return true
	case <-timer.C:
		return false
	}
}

// Kill forcibly terminates the process and its descendants. It does not
// wait for the exit; use Done or Wait. Killing an exited handle is a no-op.
func (s *Supervisor) Kill(h *Handle) error {
	if h == nil || !h.markStopping(true) {
		return nil
	}

	s.logger.Warn("Killing process tree", "id", h.id, "pid", h.pid)
	if err := killTree(h.pid); err != nil {
		s.logger.Error("Failed to kill process tree", "id", h.id, "pid", h.pid, "error", err)
		return err
	}
	return nil
}

// Terminate stops gracefully, escalates to Kill after graceful, and waits
// up to killWait for the exit. It reports false only when the process is
// still alive after the kill.
func (s *Supervisor) Terminate(h *Handle, graceful, killWait time.Duration) (ExitStatus, bool) {
	if h == nil {
		return ExitStatus{}, true
	}
	if !s.StopGracefully(h, graceful) {
		s.logger.Warn("Graceful stop timed out, escalating to kill", "id", h.id, "pid", h.pid, "waited", graceful)
		_ = s.Kill(h)

		timer := time.NewTimer(killWait)
		defer timer.Stop()
		select {
		case <-h.done:
		case <-timer.C:
			s.logger.Error("Process still alive after kill", "id", h.id, "pid", h.pid, "waited", killWait)
			return ExitStatus{}, false
		}
	}
	st, _ := h.Exited()
	return st, true
}

// Live returns snapshots of every process that has not exited yet.
func (s *Supervisor) Live() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.live))
	for h := range s.live {
		out = append(out, h.Info())
	}
	return out
}

// KillAll kills every live process and waits up to timeout for them to
// exit. Used as the last step of application shutdown.
func (s *Supervisor) KillAll(timeout time.Duration) {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.live))
	for h := range s.live {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for _, h := range handles {
		_ = s.Kill(h)
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-deadline.C:
			s.logger.Error("Processes still alive after KillAll", "timeout", timeout)
			return
		}
	}
}
