package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"agentcrew/internal/run"
)

// RunEvent is one run state change received from the event stream.
type RunEvent struct {
	Kind  string
	Table string
	Run   RunView
}

type wireEvent struct {
	Event  string           `json:"event"`
	Table  string           `json:"table"`
	Record *run.PipelineRun `json:"record"`
}

// Events streams run state changes until ctx is cancelled, the daemon closes
// the stream, or handle returns an error.
func (c *Client) Events(ctx context.Context, handle func(RunEvent) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/pipeline/events", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// The shared client carries a whole-request timeout; streams must not.
	streamClient := *c.http
	streamClient.Timeout = 0
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET /pipeline/events: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return readEvents(ctx, resp.Body, handle)
}

func readEvents(ctx context.Context, body io.Reader, handle func(RunEvent) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var wire wireEvent
		if err := json.Unmarshal([]byte(data), &wire); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := handle(RunEvent{Kind: wire.Event, Table: wire.Table, Run: FromRun(wire.Record)}); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}
