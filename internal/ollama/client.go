// Package ollama talks to a local Ollama runtime: health, installed models
// and the on-disk model manifests it keeps under ~/.ollama.
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smazurov/alterego/internal/readiness"
)

// DefaultURL uses an explicit IPv4 loopback so Windows does not try ::1 first.
const DefaultURL = "http://127.0.0.1:11434"

// ErrorType categorizes client errors.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotRunning
	ErrTypeTimeout
	ErrTypeInvalidResponse
)

// ClientError is returned by every Client call.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error { return e.Cause }

var (
	ErrNotRunning = &ClientError{Type: ErrTypeNotRunning, Message: "Ollama is not running"}
	ErrTimeout    = &ClientError{Type: ErrTypeTimeout, Message: "request timed out"}
)

// IsNotRunning reports whether err means nothing answered at the base URL.
func IsNotRunning(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce) && ce.Type == ErrTypeNotRunning
}

// Model is one entry of GET /api/tags.
type Model struct {
	Name       string    `json:"name"`
	Model      string    `json:"model"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
}

type listModelsResponse struct {
	Models []Model `json:"models"`
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the Ollama API at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the API root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// CheckRunning verifies that Ollama answers on its root endpoint.
func (c *Client) CheckRunning(ctx context.Context) error {
	resp, err := c.get(ctx, "/")
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "unexpected status from Ollama: " + resp.Status}
	}
	return nil
}

// ListModels returns the locally installed models.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	resp, err := c.get(ctx, "/api/tags")
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to list models: " + resp.Status}
	}

	var result listModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	return result.Models, nil
}

// HasModel reports whether name is installed. A name without a tag
// matches its ":latest" entry.
func (c *Client) HasModel(ctx context.Context, name string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	want := withTag(name)
	for _, m := range models {
		if withTag(m.Name) == want || withTag(m.Model) == want {
			return true, nil
		}
	}
	return false, nil
}

// Prober probes the root endpoint for readiness after `ollama serve`.
func (c *Client) Prober() readiness.Prober {
	return &readiness.HTTPProber{URL: c.baseURL + "/", Client: c.httpClient}
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeUnknown, Message: "failed to create request", Cause: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, &ClientError{Type: ErrTypeNotRunning, Message: ErrNotRunning.Message, Cause: err}
	}
	return resp, nil
}

func withTag(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if i := strings.LastIndex(name, ":"); i > strings.LastIndex(name, "/") {
		return name
	}
	return name + ":latest"
}

func drainAndClose(r io.ReadCloser) {
	_, _ = io.Copy(io.Discard, r)
	r.Close()
}
