// Package modelserver is the client for the Python model server: the
// query endpoint, its stop hook and the short-term memory reset.
package modelserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultURL is where the server listens unless configured otherwise.
const DefaultURL = "http://127.0.0.1:5000"

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Query          string  `json:"query"`
	PersonaName    string  `json:"persona_name"`
	PersonaPrompt  string  `json:"persona_prompt"`
	VoiceModelName *string `json:"voice_model_name"`
}

// QueryResponse carries the reply and emotion scores for both sides.
type QueryResponse struct {
	Response         string             `json:"response"`
	QueryEmotions    map[string]float64 `json:"query_emotions"`
	ResponseEmotions map[string]float64 `json:"response_emotions"`
	AudioBase64      *string            `json:"audio_base64"`
}

// APIError is a non-2xx answer; Message is the server's "error" field
// when it sent one.
type APIError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("model server %s: %d: %s", e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("model server %s: status %d", e.Endpoint, e.StatusCode)
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a client with the given per-request timeout. Queries
// run a language model, so the timeout should be generous.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: &http.Client{Timeout: timeout}}
}

// URL joins path onto the base URL.
func (c *Client) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// Query sends one chat turn.
func (c *Client) Query(ctx context.Context, q QueryRequest) (*QueryResponse, error) {
	if strings.TrimSpace(q.Query) == "" {
		return nil, errors.New("query is empty")
	}

	var out QueryResponse
	if err := c.post(ctx, "/query", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stop asks the server to release its resources and exit.
func (c *Client) Stop(ctx context.Context) error {
	return c.post(ctx, "/stop", nil, nil)
}

// ClearShortTermMemory drops the server's recent-exchange buffer.
func (c *Client) ClearShortTermMemory(ctx context.Context) error {
	return c.post(ctx, "/clear_stm", nil, nil)
}

func (c *Client) post(ctx context.Context, endpoint string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", endpoint, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(endpoint), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("model server %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &payload) == nil {
			apiErr.Message = payload.Error
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}
