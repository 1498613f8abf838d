package process

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LogParser maps a raw output line to a log level and message.
type LogParser func(line string) (slog.Level, string)

// Handle is a reference to one started process. It is owned by the
// Supervisor that created it; callers observe it and pass it back for
// stopping.
type Handle struct {
	id        string
	command   string
	pid       int
	startedAt time.Time
	output    *OutputBuffer
	outLogger *slog.Logger
	parser    LogParser
	done      chan struct{}

	mu       sync.Mutex
	state    State
	exit     *ExitStatus
	handlers []outputSub
	nextSub  int
	exitFns  []func(ExitStatus)
	killed   bool
}

type outputSub struct {
	id int
	h  OutputHandler
}

// ID returns the Spec ID the process was started with.
func (h *Handle) ID() string { return h.id }

// PID returns the operating system process ID.
func (h *Handle) PID() int { return h.pid }

// StartedAt returns when the process was started.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the process has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports the exit status once Done is closed.
func (h *Handle) Exited() (ExitStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exit == nil {
		return ExitStatus{}, false
	}
	return *h.exit, true
}

// Wait blocks until the process exits or ctx ends.
func (h *Handle) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-h.done:
		st, _ := h.Exited()
		return st, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Output returns the bounded ring of recent output lines.
func (h *Handle) Output() *OutputBuffer { return h.output }

// OnOutput subscribes to subsequent output lines and returns the
// unsubscribe function. Lines already captured are available via Output.
func (h *Handle) OnOutput(handler OutputHandler) func() {
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.handlers = append(h.handlers, outputSub{id: id, h: handler})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, sub := range h.handlers {
			if sub.id == id {
				h.handlers = append(h.handlers[:i:i], h.handlers[i+1:]...)
				return
			}
		}
	}
}

// OnExit registers fn to run once with the exit status. If the process
// has already exited fn runs immediately on the caller's goroutine.
func (h *Handle) OnExit(fn func(ExitStatus)) {
	h.mu.Lock()
	if h.exit != nil {
		st := *h.exit
		h.mu.Unlock()
		fn(st)
		return
	}
	h.exitFns = append(h.exitFns, fn)
	h.mu.Unlock()
}

// Info returns a snapshot for status reporting.
func (h *Handle) Info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	info := Info{
		ID:        h.id,
		Command:   h.command,
		PID:       h.pid,
		State:     h.state,
		StartedAt: h.startedAt,
	}
	if h.exit != nil {
		st := *h.exit
		info.Exit = &st
	}
	return info
}

func (h *Handle) emit(source, text string) {
	h.output.Add(Line{Source: source, Text: text, Time: time.Now()})

	h.mu.Lock()
	subs := make([]OutputHandler, len(h.handlers))
	for i, sub := range h.handlers {
		subs[i] = sub.h
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.HandleLine(source, text)
	}

	if h.outLogger == nil {
		return
	}
	level, msg := slog.LevelInfo, text
	if h.parser != nil {
		level, msg = h.parser(text)
	}
	h.outLogger.Log(context.Background(), level, msg, "source", source)
}

// markStopping records a stop request. It reports false when the process
// has already exited.
func (h *Handle) markStopping(kill bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exit != nil {
		return false
	}
	h.state = StateStopping
	if kill {
		h.killed = true
	}
	return true
}

// finish publishes the exit. Only the first call has any effect.
func (h *Handle) finish(st ExitStatus) {
	h.mu.Lock()
	if h.exit != nil {
		h.mu.Unlock()
		return
	}
	st.Killed = h.killed
	h.exit = &st
	h.state = StateExited
	fns := h.exitFns
	h.exitFns = nil
	h.handlers = nil
	h.mu.Unlock()

	close(h.done)
	for _, fn := range fns {
		fn(st)
	}
}
