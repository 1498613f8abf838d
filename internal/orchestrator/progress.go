package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/smazurov/alterego/internal/events"
	"github.com/smazurov/alterego/internal/metrics"
	"github.com/smazurov/alterego/internal/process"
	"github.com/smazurov/alterego/internal/readiness"
)

// Fixed points of the progress bar outside the probing range.
const (
	progressSetup      = 0
	progressSetupDone  = 5
	progressStarting   = 10
	progressConnecting = 20
	progressReady      = 100
)

const (
	msgSetup      = "Checking prerequisites..."
	msgSetupDone  = "Prerequisites ready"
	msgStarting   = "Starting Python server..."
	msgConnecting = "Connecting to server..."
	msgReady      = "Server ready!"
	msgStopping   = "Stopping server..."
	msgStopped    = "Server stopped"

	msgLaunchFailed = "Failed to start the model server"
	msgCrashed      = "Server exited unexpectedly"
	msgTimedOut     = "Server warmup timed out after multiple attempts"
	msgDeadline     = "Application startup timed out"
	msgSetupFailed  = "Setup failed"
)

// outputMarker is a line the model server prints while loading.
type outputMarker struct {
	contains string
	message  string
	percent  int
}

var outputMarkers = []outputMarker{
	{"Loading model", "Loading AI model...", 30},
	{"Initializing", "Initializing components...", 50},
	{"Server starting", "Server starting...", 70},
}

func matchMarker(line string) (outputMarker, bool) {
	for _, m := range outputMarkers {
		if strings.Contains(line, m.contains) {
			return m, true
		}
	}
	return outputMarker{}, false
}

// outputHandler forwards server output to the bus, turns stdout markers
// into progress for the run and chains to next, the handler the launch
// spec already carried.
func (o *Orchestrator) outputHandler(runID, id string, next process.OutputHandler) process.OutputHandler {
	return process.OutputHandlerFunc(func(source, line string) {
		if next != nil {
			next.HandleLine(source, line)
		}
		if o.events != nil {
			o.events.Publish(events.ProcessOutputEvent{ProcessID: id, Source: source, Line: line, Timestamp: time.Now()})
		}
		if source != process.SourceStdout {
			return
		}
		if m, ok := matchMarker(line); ok {
			o.reportIf(runID, WarmingUp, m.percent, m.message)
		}
	})
}

// countingProber records each probe outcome and bounds it by timeout.
func countingProber(p readiness.Prober, timeout time.Duration) readiness.Prober {
	return readiness.ProberFunc(func(ctx context.Context) (readiness.Outcome, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		outcome, err := p.Probe(ctx)
		metrics.RecordProbe(outcome.String())
		return outcome, err
	})
}
