// Package readiness polls a health endpoint until a freshly started server
// answers, reporting progress that never reaches 100 before it does.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Outcome classifies one probe.
type Outcome int

const (
	// NotReady is the expected answer before the server binds its socket
	// (connection refused or reset) or while it reports 503.
	NotReady Outcome = iota
	Ready
	// HardError is an answer that should not happen during a normal
	// start: an explicit failure status or a malformed response.
	HardError
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case HardError:
		return "hard_error"
	default:
		return "not_ready"
	}
}

// Prober performs one readiness probe.
type Prober interface {
	Probe(ctx context.Context) (Outcome, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (Outcome, error)

func (f ProberFunc) Probe(ctx context.Context) (Outcome, error) { return f(ctx) }

// HTTPProber issues GET requests against a health URL.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber probes url. The client has no timeout of its own; each
// probe is bounded by the caller's context so a reloaded probe timeout
// takes effect on the next attempt.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{URL: url, Client: &http.Client{}}
}

// Probe issues one GET and classifies the answer.
func (p *HTTPProber) Probe(ctx context.Context) (Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return HardError, err
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		if notListening(err) {
			return NotReady, err
		}
		return HardError, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Ready, nil
	case resp.StatusCode == http.StatusServiceUnavailable:
		return NotReady, fmt.Errorf("health check: %s", resp.Status)
	default:
		return HardError, fmt.Errorf("health check: %s", resp.Status)
	}
}

// notListening reports errors that mean "nothing is serving yet".
func notListening(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
