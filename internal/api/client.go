package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"agentcrew/internal/faults"
)

// Error is a non-2xx API response. It unwraps to the matching faults marker
// so callers can use errors.Is across the HTTP boundary.
type Error struct {
	Status  int
	Message string
	Kind    string
	Hint    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: HTTP %d", e.Status)
	}
	return fmt.Sprintf("api: HTTP %d: %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error {
	switch faults.Kind(e.Kind) {
	case faults.KindInvalidInput:
		return faults.ErrInvalidInput
	case faults.KindInvalidState:
		return faults.ErrInvalidState
	case faults.KindNotFound:
		return faults.ErrNotFound
	case faults.KindCheckpointMismatch:
		return faults.ErrCheckpointMismatch
	case faults.KindRateLimited:
		return faults.ErrRateLimited
	}
	switch e.Status {
	case http.StatusNotFound:
		return faults.ErrNotFound
	case http.StatusConflict:
		return faults.ErrCheckpointMismatch
	case http.StatusTooManyRequests:
		return faults.ErrRateLimited
	case http.StatusBadRequest:
		return faults.ErrInvalidInput
	}
	return nil
}

// BaseURLFromBind turns a listen address such as "127.0.0.1:7711" into a
// client base URL. Wildcard hosts are replaced by loopback.
func BaseURLFromBind(bind string) string {
	bind = strings.TrimSpace(bind)
	if strings.HasPrefix(bind, "http://") || strings.HasPrefix(bind, "https://") {
		return strings.TrimRight(bind, "/")
	}
	switch {
	case strings.HasPrefix(bind, ":"):
		bind = "127.0.0.1" + bind
	case strings.HasPrefix(bind, "0.0.0.0:"):
		bind = "127.0.0.1" + strings.TrimPrefix(bind, "0.0.0.0")
	}
	return "http://" + bind
}

// Client talks to a running daemon.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client. A nil httpClient uses a 30s timeout client.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(token),
		http:    httpClient,
	}
}

// Trigger starts a run and returns its id.
func (c *Client) Trigger(ctx context.Context, req TriggerRequest) (string, error) {
	var resp TriggerResponse
	if err := c.do(ctx, http.MethodPost, "/pipeline/trigger", req, &resp); err != nil {
		return "", err
	}
	return resp.PipelineID, nil
}

// Resume restarts a failed or paused run.
func (c *Client) Resume(ctx context.Context, pipelineID string) error {
	return c.do(ctx, http.MethodPost, "/pipeline/resume", PipelineRequest{PipelineID: pipelineID}, nil)
}

// Stop parks a running run after its current stage.
func (c *Client) Stop(ctx context.Context, pipelineID string) error {
	return c.do(ctx, http.MethodPost, "/pipeline/stop", PipelineRequest{PipelineID: pipelineID}, nil)
}

// Runs lists runs newest first, optionally filtered by status.
func (c *Client) Runs(ctx context.Context, statuses []string, limit int) ([]RunView, error) {
	query := url.Values{}
	for _, status := range statuses {
		if status = strings.TrimSpace(status); status != "" {
			query.Add("status", status)
		}
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/pipeline/runs"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var resp RunsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// Run fetches one run.
func (c *Client) Run(ctx context.Context, pipelineID string) (RunView, error) {
	var resp RunResponse
	if err := c.do(ctx, http.MethodGet, "/pipeline/runs/"+url.PathEscape(pipelineID), nil, &resp); err != nil {
		return RunView{}, err
	}
	return resp.Run, nil
}

// Checkpoints lists every checkpoint.
func (c *Client) Checkpoints(ctx context.Context) ([]CheckpointView, error) {
	var resp CheckpointsResponse
	if err := c.do(ctx, http.MethodGet, "/pipeline/checkpoints", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Checkpoints, nil
}

// Health probes every configured service.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var resp HealthResponse
	err := c.do(ctx, http.MethodGet, "/pipeline/health", nil, &resp)
	return resp, err
}

// Agents lists the agent catalog.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var resp AgentsResponse
	if err := c.do(ctx, http.MethodGet, "/pipeline/agents", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// Ping checks the daemon liveness endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		var payload ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.Kind = payload.Kind
			apiErr.Hint = payload.Hint
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
