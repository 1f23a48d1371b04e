// internal/remote/client.go
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/vmpilot/internal/config"
)

// Client talks to the command execution service running on the controlled machine.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	retryMaxElapsed time.Duration
	logger          *zap.Logger
}

// NewClient builds a client for cfg.ExecutorURL.
func NewClient(cfg config.RemoteConfig, logger *zap.Logger) (*Client, error) {
	if _, err := url.ParseRequestURI(cfg.ExecutorURL); err != nil {
		return nil, fmt.Errorf("invalid executor url %q: %w", cfg.ExecutorURL, err)
	}
	return &Client{
		baseURL:         strings.TrimRight(cfg.ExecutorURL, "/"),
		httpClient:      &http.Client{Timeout: cfg.Timeout},
		retryMaxElapsed: cfg.RetryMaxElapsed,
		logger:          logger.Named("remote"),
	}, nil
}

// Execute runs a Python snippet and returns its immediate output.
func (c *Client) Execute(ctx context.Context, code string) (*ExecResult, error) {
	var out ExecResult
	body := map[string]any{"command": []string{"python", "-c", code}}
	if err := c.post(ctx, "/execute", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartShell submits a shell command and returns its job handle.
func (c *Client) StartShell(ctx context.Context, command string) (*ShellStart, error) {
	var out ShellStart
	if err := c.post(ctx, "/execute_powershell", map[string]string{"command": command}, &out); err != nil {
		return nil, err
	}
	if out.Status != StatusSuccess || out.JobID == "" {
		return nil, fmt.Errorf("shell submission rejected: status=%q message=%q", out.Status, out.Message)
	}
	return &out, nil
}

// ShellJob polls a shell job. Transport failures are retried with backoff.
func (c *Client) ShellJob(ctx context.Context, jobID string) (*JobStatus, error) {
	var out JobStatus
	if err := c.getWithRetry(ctx, "/powershell_job/"+url.PathEscape(jobID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ShellInput writes a line to the job's stdin.
func (c *Client) ShellInput(ctx context.Context, jobID, input string) (*Ack, error) {
	var out Ack
	path := "/powershell_job/" + url.PathEscape(jobID) + "/input"
	if err := c.post(ctx, path, map[string]string{"input": input}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ShellKill terminates the job's process.
func (c *Client) ShellKill(ctx context.Context, jobID string) (*Ack, error) {
	var out Ack
	path := "/powershell_job/" + url.PathEscape(jobID) + "/kill"
	if err := c.post(ctx, path, struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// File performs one file operation.
func (c *Client) File(ctx context.Context, op FileOp, req FileRequest) (*ExecResult, error) {
	var out ExecResult
	if err := c.post(ctx, "/file/"+string(op), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Recording fetches the state of a screen recording job.
func (c *Client) Recording(ctx context.Context, jobID string) (*Recording, error) {
	var out Recording
	if err := c.get(ctx, "/job/"+url.PathEscape(jobID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Screenshot returns the current screen as PNG bytes.
func (c *Client) Screenshot(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/screenshot", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create screenshot request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("screenshot request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read screenshot: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{Code: resp.StatusCode, Body: truncateBody(data)}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("screenshot response was empty")
	}
	return data, nil
}

// HTTPStatusError reports a non-200 reply from the execution service.
type HTTPStatusError struct {
	Code int
	Body string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("executor returned status %d: %s", e.Code, e.Body)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request for %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request for %s: %w", path, err)
	}
	return c.do(req, out)
}

// getWithRetry retries an idempotent GET on transport errors and 5xx replies.
func (c *Client) getWithRetry(ctx context.Context, path string, out any) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = c.retryMaxElapsed

	operation := func() error {
		err := c.get(ctx, path, out)
		if err == nil {
			return nil
		}
		var se *HTTPStatusError
		if errors.As(err, &se) && se.Code < http.StatusInternalServerError {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		c.logger.Debug("Retrying executor request", zap.String("path", path), zap.Error(err))
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &HTTPStatusError{Code: resp.StatusCode, Body: truncateBody(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", req.URL.Path, err)
	}
	return nil
}

func truncateBody(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
