package process

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a Handle.
type State string

const (
	StateRunning  State = "running"
	StateStopping State = "stopping" // stop or kill requested, exit not yet observed
	StateExited   State = "exited"
)

// ExitStatus describes how a process ended.
type ExitStatus struct {
	Code     int       `json:"code"`             // -1 when terminated by a signal
	Signal   string    `json:"signal,omitempty"` // e.g. "killed", "interrupt"
	Killed   bool      `json:"killed"`           // Kill was issued before the exit
	Err      error     `json:"-"`                // wait failure other than a non-zero exit
	ExitedAt time.Time `json:"exited_at"`
}

func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == ""
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return "terminated by signal " + s.Signal
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// Info is a point-in-time snapshot of a Handle.
type Info struct {
	ID        string      `json:"id"`
	Command   string      `json:"command"`
	PID       int         `json:"pid"`
	State     State       `json:"state"`
	StartedAt time.Time   `json:"started_at"`
	Exit      *ExitStatus `json:"exit,omitempty"`
}
