// Package nodeclient is the Brain's HTTP client for the remote camera
// executor, implementing the per-method timeout and retry table in spec §4.4.
// One Client exists per node; it is safe to call concurrently from multiple
// goroutines, with no per-node serialization of its own.
package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const retryBackoff = 2 * time.Second

// Client talks to one remote capture node over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

// New returns a Client addressing the node at host:port.
func New(host string, port int, log *zap.Logger) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		httpClient: &http.Client{
			// Per-call timeouts are set per request via context; this is a
			// generous backstop in case a caller forgets to set one.
			Timeout: 60 * time.Second,
		},
		log: log,
	}
}

// Health calls GET /health with a 5s timeout and no retries.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var out HealthResponse
	err := c.doOnce(ctx, "health", http.MethodGet, "/health", nil, &out)
	return out, err
}

// Meter calls GET /meter with a 5s timeout, retried 3x on network error.
func (c *Client) Meter(ctx context.Context) (MeterReading, error) {
	var out MeterReading
	err := c.doWithRetry(ctx, "meter", http.MethodGet, "/meter", nil, &out, 5*time.Second)
	return out, err
}

// Capture calls POST /capture with a 15s timeout, retried 3x on network error.
func (c *Client) Capture(ctx context.Context, req CaptureRequest) (CaptureResponse, error) {
	var out CaptureResponse
	err := c.doWithRetry(ctx, "capture", http.MethodPost, "/capture", req, &out, 15*time.Second)
	return out, err
}

// CaptureBracket calls POST /capture-bracket with a 30s timeout, retried 3x.
func (c *Client) CaptureBracket(ctx context.Context, req CaptureRequest) (BracketResponse, error) {
	var out BracketResponse
	err := c.doWithRetry(ctx, "capture-bracket", http.MethodPost, "/capture-bracket", req, &out, 30*time.Second)
	return out, err
}

// DeployProfile calls POST /profile/deploy with a 10s timeout, retried 3x.
func (c *Client) DeployProfile(ctx context.Context, req DeployProfileRequest) error {
	return c.doWithRetry(ctx, "deploy-profile", http.MethodPost, "/profile/deploy", req, nil, 10*time.Second)
}

// Image fetches GET /images/{profile}/{filename} with a 30s timeout, retried 3x.
func (c *Client) Image(ctx context.Context, profile, filename string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	path := fmt.Sprintf("/images/%s/%s", profile, filename)
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		body, err := c.fetchRaw(ctx, path)
		if err == nil {
			return body, nil
		}
		var transient *TransientNetworkError
		if !errors.As(err, &transient) {
			return nil, err
		}
		lastErr = err
		if attempt < 3 {
			c.sleepBackoff(ctx)
		}
	}
	return nil, lastErr
}

func (c *Client) fetchRaw(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("nodeclient: building request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyError(path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyError(path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Op: path, StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// doWithRetry retries only on TransientNetworkError, up to 3 attempts total,
// with a fixed 2s backoff between attempts. HTTP status errors are returned
// immediately without retry.
func (c *Client) doWithRetry(ctx context.Context, op, method, path string, body interface{}, out interface{}, timeout time.Duration) error {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err := c.doOnce(callCtx, op, method, path, body, out)
		cancel()
		if err == nil {
			return nil
		}

		var transient *TransientNetworkError
		if !errors.As(err, &transient) {
			return err
		}
		lastErr = err
		if c.log != nil {
			c.log.Warn("node call failed, retrying",
				zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		}
		if attempt < 3 {
			c.sleepBackoff(ctx)
		}
	}
	return lastErr
}

func (c *Client) sleepBackoff(ctx context.Context) {
	t := time.NewTimer(retryBackoff)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (c *Client) doOnce(ctx context.Context, op, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("nodeclient: %s: marshaling request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("nodeclient: %s: building request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyError(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{Op: op, StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("nodeclient: %s: decoding response: %w", op, err)
		}
	}
	return nil
}

// classifyError wraps a failure from http.Client.Do or a body read as a
// TransientNetworkError. At this layer (connect refused, DNS failure,
// timeout, mid-read connection drop) every such failure is network-layer
// per spec §4.4; HTTP status errors are classified separately in doOnce.
func classifyError(op string, err error) error {
	return &TransientNetworkError{Op: op, Err: err}
}
