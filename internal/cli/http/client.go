package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	userAgent = "execbox-cli"
	// Reports carry at most a few MiB of captured output.
	maxResponseBytes = 32 << 20
)

type ResponseInfo struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	// TraceID echoes X-Trace-Id so failures can be matched to server logs.
	TraceID string
	// Truncated is set when the body exceeded maxResponseBytes.
	Truncated bool
}

// Client sends REPL commands to the executor. The token is read per request so
// `set token` takes effect without rebuilding the client.
type Client struct {
	baseURL string
	http    *http.Client
	token   func() string
}

func New(baseURL string, timeout time.Duration, token func() string) *Client {
	c := &Client{http: &http.Client{Timeout: timeout}, token: token}
	c.SetBaseURL(baseURL)
	return c
}

func (c *Client) BaseURL() string        { return c.baseURL }
func (c *Client) Timeout() time.Duration { return c.http.Timeout }

func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
}

// SetTimeout ignores non-positive values.
func (c *Client) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.http.Timeout = timeout
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, headers map[string]string, body []byte) (*http.Request, error) {
	var payload io.Reader
	if len(body) > 0 {
		payload = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, value := range headers {
		if value != "" {
			req.Header.Set(name, value)
		}
	}
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	return req, nil
}

func (c *Client) Do(ctx context.Context, method, path string, headers map[string]string, body []byte) (ResponseInfo, error) {
	req, err := c.newRequest(ctx, method, path, headers, body)
	if err != nil {
		return ResponseInfo{}, fmt.Errorf("%s %s: %w", method, path, err)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return ResponseInfo{Duration: time.Since(started)}, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	info := ResponseInfo{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Duration:   time.Since(started),
		TraceID:    resp.Header.Get("X-Trace-Id"),
	}
	if err != nil {
		return info, fmt.Errorf("read %s %s response: %w", method, path, err)
	}
	if len(data) > maxResponseBytes {
		data, info.Truncated = data[:maxResponseBytes], true
	}
	info.Body = data
	return info, nil
}
