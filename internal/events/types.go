package events

import (
	"time"

	"github.com/smazurov/alterego/internal/logging"
)

// Event type constants for kelindar/event.
const (
	TypeStatus uint32 = iota + 1
	TypeStateChanged
	TypeSetupStep
	TypeProcessOutput
	TypeLogEntry
	TypeMetrics
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// StatusEvent is the warm-up progress message shown by the loading overlay.
// Progress is 0-100; 100 is only ever sent once the model server is ready.
type StatusEvent struct {
	RunID     string    `json:"run_id,omitempty" example:"6f1c..." doc:"Orchestration run identifier"`
	Phase     string    `json:"phase" example:"warming_up" doc:"Orchestrator state that produced the event"`
	Message   string    `json:"message" example:"Checking server readiness (Attempt 3/60)..." doc:"Human readable status"`
	Progress  int       `json:"progress" minimum:"0" maximum:"100" example:"72" doc:"Progress percentage"`
	ErrorKind string    `json:"error_kind,omitempty" enum:"launch,crash,setup,timeout" doc:"Failure class when phase is failed"`
	Error     string    `json:"error,omitempty" doc:"Failure summary"`
	Detail    string    `json:"detail,omitempty" doc:"Captured subprocess output for diagnostics"`
	Timestamp time.Time `json:"timestamp" doc:"Event timestamp"`
}

func (e StatusEvent) Type() uint32 { return TypeStatus }

// StateChangedEvent records one orchestrator transition.
type StateChangedEvent struct {
	RunID     string    `json:"run_id,omitempty" doc:"Orchestration run identifier"`
	From      string    `json:"from" example:"warming_up" doc:"Previous state"`
	To        string    `json:"to" example:"ready" doc:"New state"`
	Timestamp time.Time `json:"timestamp" doc:"Transition time"`
}

func (e StateChangedEvent) Type() uint32 { return TypeStateChanged }

// SetupStepEvent reports a prerequisite step changing status, or one line
// of output from its remediation command when Output is set.
type SetupStepEvent struct {
	StepID    string    `json:"step_id" example:"pip" doc:"Step identifier"`
	Name      string    `json:"name" example:"Python package manager" doc:"Step display name"`
	Status    string    `json:"status" enum:"pending,running,ok,failed,skipped" doc:"Step status"`
	Message   string    `json:"message,omitempty" doc:"Status detail"`
	Output    string    `json:"output,omitempty" doc:"Remediation output line"`
	Timestamp time.Time `json:"timestamp" doc:"Event timestamp"`
}

func (e SetupStepEvent) Type() uint32 { return TypeSetupStep }

// ProcessOutputEvent carries one line written by a supervised process.
type ProcessOutputEvent struct {
	ProcessID string    `json:"process_id" example:"modelserver" doc:"Supervised process identifier"`
	Source    string    `json:"source" enum:"stdout,stderr" doc:"Output stream"`
	Line      string    `json:"line" doc:"Output line"`
	Timestamp time.Time `json:"timestamp" doc:"Capture time"`
}

func (e ProcessOutputEvent) Type() uint32 { return TypeProcessOutput }

// LogEntryEvent forwards a buffered application log entry.
type LogEntryEvent struct {
	logging.LogEntry
}

func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }

// MetricsEvent is a periodic summary of the orchestrator counters.
type MetricsEvent struct {
	State          string            `json:"state" example:"ready" doc:"Current orchestrator state"`
	Probes         map[string]uint64 `json:"probes" doc:"Readiness probes by outcome"`
	Failures       map[string]uint64 `json:"failures" doc:"Failed runs by error kind"`
	ProcessExits   uint64            `json:"process_exits" doc:"Model server exits observed"`
	LastWarmupSecs float64           `json:"last_warmup_seconds" doc:"Duration of the last successful warm-up"`
}

func (e MetricsEvent) Type() uint32 { return TypeMetrics }
