// Package client is the transport handle an engine uses to reach the task
// server: REST calls for mutations and listing, and a websocket subscription
// for push events.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/stratboard/stratboard/internal/api"
	"github.com/stratboard/stratboard/internal/live/mutation"
	"github.com/stratboard/stratboard/internal/schema"
)

// HTTPError is a non-2xx response from the server.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// Is maps 404 and 409 onto the mutation sentinels so the gateway can tell a
// vanished record and a stale write from other failures.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case mutation.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case mutation.ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// Config holds client options.
type Config struct {
	// BaseURL of the server, e.g. http://localhost:8080
	BaseURL string

	// Token is sent as a bearer token when set.
	Token string

	// Timeout for a single HTTP request (default: 10s)
	Timeout time.Duration

	// MaxRetries for idempotent requests on transport errors, 429 and 5xx (default: 3)
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	HTTPClient *http.Client
	Logger     *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:    "http://localhost:8080",
		Timeout:    10 * time.Second,
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Logger:     log.New(os.Stderr, "[client] ", log.LstdFlags),
	}
}

// Client talks to one server. It implements engine.Transport.
type Client struct {
	config     *Config
	baseURL    string
	httpClient *http.Client
}

// New creates a client.
func New(config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	u, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", config.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", config.BaseURL)
	}

	hc := config.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: config.Timeout}
	}

	return &Client{config: config, baseURL: u.String(), httpClient: hc}, nil
}

func tasksPath(scope string) string {
	return "/v1/scopes/" + url.PathEscape(scope) + "/tasks"
}

func taskPath(scope, id string) string {
	return tasksPath(scope) + "/" + url.PathEscape(id)
}

// CreateTask posts a draft. Client-side identity and timestamps are never
// sent; the server assigns them.
func (c *Client) CreateTask(ctx context.Context, scope string, t schema.Task, token string) (schema.Task, error) {
	draft := t.Clone()
	draft.ID = ""
	draft.Scope = ""
	draft.CompletedAt = nil
	draft.Version = 0

	var out schema.Task
	err := c.doJSON(ctx, http.MethodPost, tasksPath(scope), token, draftBody(draft), &out)
	return out, err
}

// UpdateTask sends a patch.
func (c *Client) UpdateTask(ctx context.Context, scope, id string, p schema.TaskPatch, token string) (schema.Task, error) {
	var out schema.Task
	err := c.doJSON(ctx, http.MethodPatch, taskPath(scope, id), token, p, &out)
	return out, err
}

// DeleteTask deletes a task.
func (c *Client) DeleteTask(ctx context.Context, scope, id, token string) error {
	return c.doJSON(ctx, http.MethodDelete, taskPath(scope, id), token, nil, nil)
}

// ListTasks fetches every task of scope.
func (c *Client) ListTasks(ctx context.Context, scope string) ([]schema.Task, error) {
	var out []schema.Task
	err := c.doJSON(ctx, http.MethodGet, tasksPath(scope), "", nil, &out)
	return out, err
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, scope, id string) (schema.Task, error) {
	var out schema.Task
	err := c.doJSON(ctx, http.MethodGet, taskPath(scope, id), "", nil, &out)
	return out, err
}

// Stats fetches the per-status summary of scope.
func (c *Client) Stats(ctx context.Context, scope string) (schema.Stats, error) {
	var out schema.Stats
	err := c.doJSON(ctx, http.MethodGet, "/v1/scopes/"+url.PathEscape(scope)+"/stats", "", nil, &out)
	return out, err
}

// draftBody keeps the create payload to the fields the draft schema knows.
func draftBody(t schema.Task) map[string]any {
	body := map[string]any{
		"title":    t.Title,
		"priority": t.Priority,
	}
	if t.Status != "" {
		body["status"] = t.Status
	}
	if t.Description != "" {
		body["description"] = t.Description
	}
	if len(t.Tags) > 0 {
		body["tags"] = t.Tags
	}
	if t.DueAt != nil {
		body["due_at"] = t.DueAt.UTC()
	}
	return body
}

// doJSON sends one request. Only GETs are retried: a mutation that fails is
// rolled back by the caller, and a blind retry could apply it twice.
func (c *Client) doJSON(ctx context.Context, method, requestPath, correlation string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	maxRetries := 0
	if method == http.MethodGet {
		maxRetries = c.config.MaxRetries
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.config.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.config.Token)
		}
		if correlation != "" {
			req.Header.Set(api.CorrelationHeader, correlation)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%s %s: %w", method, requestPath, err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("failed to read response: %w", readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload api.ErrorResponse
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.config.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.config.BaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	return errors.Is(err, mutation.ErrNotFound)
}
