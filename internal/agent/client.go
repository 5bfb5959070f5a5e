package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"agentcrew/internal/faults"
	"agentcrew/internal/logging"
	"agentcrew/internal/stage"
)

const errorExcerptLimit = 512

// Client invokes one remote agent over HTTP.
type Client struct {
	card     Card
	endpoint string
	token    string
	http     *http.Client
	logger   *slog.Logger
}

var _ stage.Handler = (*Client)(nil)

// NewClient returns a client posting stage requests to endpoint.
func NewClient(card Card, endpoint, token string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		card:     card,
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		http:     httpClient,
		logger:   logging.NewComponentLogger(logger, "agent").With(logging.String("agent_id", card.ID)),
	}
}

type executeRequest struct {
	stage.Request
	Model string `json:"model,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Execute posts req to the agent and decodes its output. Transport errors,
// 408, 429, and 5xx responses are transient; other failures are fatal.
func (c *Client) Execute(ctx context.Context, req stage.Request) (stage.Output, error) {
	body, err := json.Marshal(executeRequest{Request: req, Model: c.card.Model})
	if err != nil {
		return stage.Output{}, faults.Wrap(faults.ErrFatal, req.Stage, "encode request", "marshal agent request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return stage.Output{}, faults.Wrap(faults.ErrFatal, req.Stage, "build request", "invalid agent endpoint", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Pipeline-ID", req.PipelineID)
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return stage.Output{}, faults.Wrap(faults.ErrTimeout, req.Stage, "execute", "agent did not answer before the stage timeout", err)
		}
		return stage.Output{}, faults.Wrap(faults.ErrTransient, req.Stage, "execute", "agent unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return stage.Output{}, c.statusError(req.Stage, resp)
	}

	var out stage.Output
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return stage.Output{}, faults.Wrap(faults.ErrFatal, req.Stage, "decode response", "agent returned malformed response", err)
	}
	c.logger.Debug("agent call completed",
		logging.PipelineID(req.PipelineID),
		logging.Stage(req.Stage),
		logging.USD("cost", out.CostUSD),
	)
	return out, nil
}

func (c *Client) statusError(stageName string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorExcerptLimit))
	detail := strings.TrimSpace(string(raw))
	var decoded errorResponse
	if json.Unmarshal(raw, &decoded) == nil && decoded.Error != "" {
		detail = decoded.Error
	}
	msg := fmt.Sprintf("agent %s responded %d", c.card.ID, resp.StatusCode)
	if detail != "" {
		msg += ": " + detail
	}
	marker := faults.ErrFatal
	switch {
	case resp.StatusCode == http.StatusRequestTimeout:
		marker = faults.ErrTimeout
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		marker = faults.ErrTransient
	}
	return faults.Wrap(marker, stageName, "execute", msg, nil)
}

// HealthURL is the agent health endpoint: the execute endpoint with its last
// path segment replaced by "health".
func (c *Client) HealthURL() string {
	idx := strings.LastIndex(c.endpoint, "/")
	if idx < len("https://") {
		return c.endpoint + "/health"
	}
	return c.endpoint[:idx] + "/health"
}

// HealthCheck issues a GET against HealthURL.
func (c *Client) HealthCheck(ctx context.Context) stage.Health {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.HealthURL(), nil)
	if err != nil {
		return stage.Unhealthy(c.card.ID, err.Error())
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return stage.Unhealthy(c.card.ID, err.Error())
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return stage.Unhealthy(c.card.ID, fmt.Sprintf("status %d", resp.StatusCode))
	}
	return stage.Healthy(c.card.ID)
}
