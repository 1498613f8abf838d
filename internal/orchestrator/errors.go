package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/smazurov/alterego/internal/process"
	"github.com/smazurov/alterego/internal/readiness"
	"github.com/smazurov/alterego/internal/setup"
)

var (
	// ErrBusy rejects a run or retry while another is in progress or the
	// server is already up.
	ErrBusy = errors.New("orchestrator is busy")

	// ErrInvalidTransition rejects a request the current state does not
	// allow, such as Retry from Idle.
	ErrInvalidTransition = errors.New("invalid state transition")

	errStartupDeadline = errors.New("application startup timed out")
)

// CrashError is an exit of the model server nobody asked for.
type CrashError struct {
	ID     string
	PID    int
	Status process.ExitStatus
	During State
	Output string
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("model server %s (pid %d) exited unexpectedly while %s: %s", e.ID, e.PID, e.During, e.Status)
}

// Error kinds reported in StatusEvent.ErrorKind and metrics.
const (
	KindLaunch  = "launch"
	KindCrash   = "crash"
	KindSetup   = "setup"
	KindTimeout = "timeout"
	KindUnknown = "unknown"
)

// ErrorKind classifies a run failure.
func ErrorKind(err error) string {
	var (
		launchErr  *process.LaunchError
		crashErr   *CrashError
		setupErr   *setup.SetupError
		timeoutErr *readiness.TimeoutError
	)
	switch {
	case errors.As(err, &launchErr):
		return KindLaunch
	case errors.As(err, &crashErr):
		return KindCrash
	case errors.As(err, &setupErr):
		return KindSetup
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindUnknown
}
