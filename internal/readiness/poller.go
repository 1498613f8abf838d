package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrCancelled is the Result error of a poll stopped by Cancel.
var ErrCancelled = errors.New("readiness poll cancelled")

// TimeoutError means every attempt was used without a ready answer.
type TimeoutError struct {
	Attempts     int
	HardFailures int
	Elapsed      time.Duration
	LastErr      error
	Detail       string // diagnostics captured at expiry, e.g. server output
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("server not ready after %d attempts over %s (%d hard failures)",
		e.Attempts, e.Elapsed.Round(time.Millisecond), e.HardFailures)
	if e.LastErr != nil {
		msg += ": last error: " + e.LastErr.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.LastErr }

// Policy is the polling schedule. Progress while probing moves from
// ProgressFloor toward ProgressCeiling, which is always below 100.
type Policy struct {
	Interval        time.Duration
	MaxAttempts     int
	ProgressFloor   int
	ProgressCeiling int
}

// DefaultPolicy probes every 5s up to 60 times, reporting 70-90%.
func DefaultPolicy() Policy {
	return Policy{Interval: 5 * time.Second, MaxAttempts: 60, ProgressFloor: 70, ProgressCeiling: 90}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Interval < 0 {
		p.Interval = 0
	}
	p.ProgressCeiling = min(max(p.ProgressCeiling, 0), 99)
	p.ProgressFloor = min(max(p.ProgressFloor, 0), p.ProgressCeiling)
	return p
}

// Percent is the progress reported before the probe that follows
// `completed` finished attempts. It is non-decreasing in completed and
// never exceeds ProgressCeiling.
func (p Policy) Percent(completed int) int {
	p = p.normalized()
	span := p.ProgressCeiling - p.ProgressFloor
	return min(p.ProgressFloor+completed*span/p.MaxAttempts, p.ProgressCeiling)
}

// Progress is reported before each probe.
type Progress struct {
	Attempt      int // 1-based attempt about to run
	MaxAttempts  int
	Percent      int
	HardFailures int
	Elapsed      time.Duration
}

func (p Progress) Message() string {
	return fmt.Sprintf("Checking server readiness (Attempt %d/%d)...", p.Attempt, p.MaxAttempts)
}

// Result is the terminal outcome of a poll.
type Result struct {
	Ready        bool
	Attempts     int
	HardFailures int
	Elapsed      time.Duration
	// Err is nil when Ready, a *TimeoutError when attempts ran out,
	// ErrCancelled after Cancel, or the parent context's error.
	Err error
}

// Poller runs polls against one Prober.
type Poller struct {
	prober      Prober
	policy      Policy
	logger      *slog.Logger
	diagnostics func() string
}

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets the logger for attempt and outcome messages.
func WithLogger(l *slog.Logger) Option { return func(p *Poller) { p.logger = l } }

// WithDiagnostics sets the source of the text attached to a TimeoutError.
func WithDiagnostics(fn func() string) Option { return func(p *Poller) { p.diagnostics = fn } }

// NewPoller creates a poller for prober with the given schedule.
func NewPoller(prober Prober, policy Policy, opts ...Option) *Poller {
	p := &Poller{prober: prober, policy: policy.normalized(), logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll is one running poll.
type Poll struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	cancelled bool
	result    Result
}

// Cancel stops scheduling probes. An in-flight probe is left to finish and
// its answer is discarded. Once Cancel returns no progress callback runs.
// Calling it after the poll ended is a no-op.
func (p *Poll) Cancel() {
	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()
	p.cancel()
}

// Done is closed when the poll has a Result.
func (p *Poll) Done() <-chan struct{} { return p.done }

// Result returns the outcome; it is only meaningful after Done.
func (p *Poll) Result() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Wait blocks until the poll ends.
func (p *Poll) Wait() Result {
	<-p.done
	return p.Result()
}

// Poll starts polling in the background. onProgress may be nil and must
// not call Cancel.
func (pl *Poller) Poll(ctx context.Context, onProgress func(Progress)) *Poll {
	ctx, cancel := context.WithCancel(ctx)
	poll := &Poll{cancel: cancel, done: make(chan struct{})}
	go pl.run(ctx, poll, onProgress)
	return poll
}

type answer struct {
	outcome Outcome
	err     error
}

func (pl *Poller) run(ctx context.Context, poll *Poll, onProgress func(Progress)) {
	defer close(poll.done)
	defer poll.cancel()

	start := time.Now()
	hard := 0
	var lastErr error

	stopped := func(attempts int) {
		poll.finish(Result{Attempts: attempts, HardFailures: hard, Elapsed: time.Since(start), Err: ctx.Err()})
	}

	timer := time.NewTimer(pl.policy.Interval)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			timer.Reset(pl.policy.Interval)
		}
		select {
		case <-ctx.Done():
			stopped(attempt - 1)
			return
		case <-timer.C:
		}

		progress := Progress{
			Attempt:      attempt,
			MaxAttempts:  pl.policy.MaxAttempts,
			Percent:      pl.policy.Percent(attempt - 1),
			HardFailures: hard,
			Elapsed:      time.Since(start),
		}
		if !poll.report(onProgress, progress) {
			stopped(attempt - 1)
			return
		}

		// The probe runs detached so Cancel never waits on a slow request.
		ch := make(chan answer, 1)
		go func() {
			o, err := pl.prober.Probe(context.WithoutCancel(ctx))
			ch <- answer{o, err}
		}()

		var a answer
		select {
		case <-ctx.Done():
			stopped(attempt)
			return
		case a = <-ch:
		}

		switch a.outcome {
		case Ready:
			pl.logger.Info("Health check succeeded", "attempt", attempt, "elapsed", time.Since(start).Round(time.Millisecond))
			poll.finish(Result{Ready: true, Attempts: attempt, HardFailures: hard, Elapsed: time.Since(start)})
			return
		case HardError:
			hard++
			lastErr = a.err
			pl.logger.Warn("Health check failed", "attempt", attempt, "error", a.err)
		default:
			lastErr = a.err
			pl.logger.Debug("Server not ready yet", "attempt", attempt, "error", a.err)
		}

		if attempt >= pl.policy.MaxAttempts {
			elapsed := time.Since(start)
			terr := &TimeoutError{Attempts: attempt, HardFailures: hard, Elapsed: elapsed, LastErr: lastErr}
			if pl.diagnostics != nil {
				terr.Detail = strings.TrimSpace(pl.diagnostics())
			}
			pl.logger.Warn("Readiness attempts exhausted", "attempts", attempt, "hard_failures", hard, "elapsed", elapsed)
			poll.finish(Result{Attempts: attempt, HardFailures: hard, Elapsed: elapsed, Err: terr})
			return
		}
	}
}

// report delivers progress unless the poll was cancelled. It holds the
// lock for the callback so Cancel cannot return while one is running.
func (p *Poll) report(fn func(Progress), progress Progress) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		return false
	}
	if fn != nil {
		fn(progress)
	}
	return true
}

func (p *Poll) finish(r Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		r = Result{Attempts: r.Attempts, HardFailures: r.HardFailures, Elapsed: r.Elapsed, Err: ErrCancelled}
	}
	p.result = r
}
