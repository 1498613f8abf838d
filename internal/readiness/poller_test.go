package readiness

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy(max int) Policy {
	return Policy{Interval: time.Millisecond, MaxAttempts: max, ProgressFloor: 70, ProgressCeiling: 90}
}

// scripted answers NotReady for the first n calls, then the given outcome.
func scripted(n int, then Outcome) (Prober, *atomic.Int32) {
	var calls atomic.Int32
	return ProberFunc(func(context.Context) (Outcome, error) {
		if int(calls.Add(1)) <= n {
			return NotReady, syscall.ECONNREFUSED
		}
		return then, nil
	}), &calls
}

func waitPoll(t *testing.T, p *Poll) Result {
	t.Helper()
	select {
	case <-p.Done():
		return p.Result()
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not finish")
		return Result{}
	}
}

func TestPollReadyAfterNotReady(t *testing.T) {
	const max = 10
	for k := range max {
		prober, calls := scripted(k, Ready)
		res := waitPoll(t, NewPoller(prober, fastPolicy(max), WithLogger(quietLogger())).Poll(context.Background(), nil))

		if !res.Ready || res.Err != nil {
			t.Fatalf("k=%d: result %+v, want ready", k, res)
		}
		if res.Attempts != k+1 || int(calls.Load()) != k+1 {
			t.Errorf("k=%d: attempts=%d probes=%d, want %d", k, res.Attempts, calls.Load(), k+1)
		}
	}
}

func TestPollReadyOnThirdOfSixty(t *testing.T) {
	prober, calls := scripted(2, Ready)
	res := waitPoll(t, NewPoller(prober, fastPolicy(60), WithLogger(quietLogger())).Poll(context.Background(), nil))

	if !res.Ready || res.Attempts != 3 {
		t.Fatalf("result %+v, want ready after 3 attempts", res)
	}
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 3 {
		t.Errorf("probes after ready = %d, want 3", calls.Load())
	}
}

func TestPollTimeout(t *testing.T) {
	prober, calls := scripted(1000, Ready)
	poller := NewPoller(prober, fastPolicy(5),
		WithLogger(quietLogger()),
		WithDiagnostics(func() string { return "[stderr] Traceback: CUDA out of memory\n" }))

	res := waitPoll(t, poller.Poll(context.Background(), nil))

	if res.Ready {
		t.Fatal("timed out poll reported ready")
	}
	var terr *TimeoutError
	if !errors.As(res.Err, &terr) {
		t.Fatalf("err = %v, want *TimeoutError", res.Err)
	}
	if terr.Attempts != 5 || calls.Load() != 5 {
		t.Errorf("attempts=%d probes=%d, want 5", terr.Attempts, calls.Load())
	}
	if terr.Detail != "[stderr] Traceback: CUDA out of memory" {
		t.Errorf("Detail = %q", terr.Detail)
	}
	if !errors.Is(res.Err, syscall.ECONNREFUSED) {
		t.Errorf("timeout should wrap the last probe error: %v", res.Err)
	}
}

func TestPollHardErrorsDoNotAbort(t *testing.T) {
	var calls atomic.Int32
	prober := ProberFunc(func(context.Context) (Outcome, error) {
		switch calls.Add(1) {
		case 1, 2:
			return HardError, errors.New("health check: 500 Internal Server Error")
		case 3:
			return NotReady, syscall.ECONNRESET
		default:
			return Ready, nil
		}
	})

	res := waitPoll(t, NewPoller(prober, fastPolicy(10), WithLogger(quietLogger())).Poll(context.Background(), nil))
	if !res.Ready || res.Attempts != 4 || res.HardFailures != 2 {
		t.Errorf("result %+v, want ready on 4 with 2 hard failures", res)
	}
}

func TestPollProgressMonotonicBelowHundred(t *testing.T) {
	prober, _ := scripted(1000, Ready)
	var mu sync.Mutex
	var seen []Progress

	res := waitPoll(t, NewPoller(prober, fastPolicy(25), WithLogger(quietLogger())).Poll(context.Background(), func(p Progress) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	}))
	if res.Ready {
		t.Fatal("unexpected ready")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 25 {
		t.Fatalf("progress events = %d, want 25", len(seen))
	}
	if seen[0].Percent != 70 || seen[0].Attempt != 1 {
		t.Errorf("first progress = %+v, want attempt 1 at 70%%", seen[0])
	}
	for i := 1; i < len(seen); i++ {
		if seen[i].Percent < seen[i-1].Percent {
			t.Errorf("progress decreased at %d: %d -> %d", i, seen[i-1].Percent, seen[i].Percent)
		}
		if seen[i].Percent >= 100 {
			t.Errorf("progress reached %d while probing", seen[i].Percent)
		}
	}
	if got := seen[2].Message(); got != "Checking server readiness (Attempt 3/25)..." {
		t.Errorf("Message = %q", got)
	}
}

func TestPolicyPercent(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct{ completed, want int }{
		{0, 70}, {3, 71}, {30, 80}, {59, 89}, {60, 90}, {500, 90},
	}
	for _, tt := range tests {
		if got := p.Percent(tt.completed); got != tt.want {
			t.Errorf("Percent(%d) = %d, want %d", tt.completed, got, tt.want)
		}
	}

	capped := Policy{MaxAttempts: 2, ProgressFloor: 150, ProgressCeiling: 120}
	if got := capped.Percent(2); got != 99 {
		t.Errorf("misconfigured ceiling gave %d, want 99", got)
	}
}

func TestPollCancelStopsCallbacks(t *testing.T) {
	prober, calls := scripted(1000, Ready)
	var after atomic.Bool
	var cancelled atomic.Bool
	var progressCalls atomic.Int32

	poll := NewPoller(prober, Policy{Interval: 5 * time.Millisecond, MaxAttempts: 1000}, WithLogger(quietLogger())).
		Poll(context.Background(), func(Progress) {
			progressCalls.Add(1)
			if cancelled.Load() {
				after.Store(true)
			}
		})

	time.Sleep(30 * time.Millisecond)
	poll.Cancel()
	cancelled.Store(true)

	res := waitPoll(t, poll)
	if !errors.Is(res.Err, ErrCancelled) || res.Ready {
		t.Errorf("result %+v, want cancelled", res)
	}

	probes := calls.Load()
	time.Sleep(30 * time.Millisecond)
	if after.Load() {
		t.Error("progress callback ran after Cancel returned")
	}
	if calls.Load() != probes {
		t.Error("probes issued after cancel")
	}
	if progressCalls.Load() == 0 {
		t.Error("no progress before cancel")
	}

	poll.Cancel()
}

func TestPollCancelDiscardsInFlightProbe(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	prober := ProberFunc(func(ctx context.Context) (Outcome, error) {
		close(started)
		<-release
		if ctx.Err() != nil {
			t.Error("in-flight probe context was cancelled")
		}
		return Ready, nil
	})

	poll := NewPoller(prober, fastPolicy(3), WithLogger(quietLogger())).Poll(context.Background(), nil)
	<-started
	poll.Cancel()

	res := waitPoll(t, poll)
	close(release)
	if res.Ready || !errors.Is(res.Err, ErrCancelled) {
		t.Errorf("result %+v, want cancelled without ready", res)
	}
}

func TestPollCancelAfterFinishIsNoop(t *testing.T) {
	prober, _ := scripted(0, Ready)
	poll := NewPoller(prober, fastPolicy(3), WithLogger(quietLogger())).Poll(context.Background(), nil)
	res := waitPoll(t, poll)

	poll.Cancel()
	if got := poll.Result(); !got.Ready || got.Attempts != res.Attempts {
		t.Errorf("Cancel after ready changed result to %+v", got)
	}
}

func TestPollParentDeadline(t *testing.T) {
	prober, _ := scripted(1000, Ready)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res := NewPoller(prober, Policy{Interval: 5 * time.Millisecond, MaxAttempts: 1000}, WithLogger(quietLogger())).
		Poll(ctx, nil).Wait()

	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", res.Err)
	}
}
