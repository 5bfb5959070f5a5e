package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agentcrew/internal/config"
)

const userAgent = "agentcrew/1.0"

const defaultServer = "https://ntfy.sh/"

// Event enumerates notification kinds.
type Event string

const (
	EventRunStarted   Event = "run_started"
	EventRunCompleted Event = "run_completed"
	EventRunFailed    Event = "run_failed"
	EventCostPaused   Event = "cost_paused"
	EventServiceDown  Event = "service_down"
	EventTest         Event = "test"
)

// Payload carries event fields. Keys are documented on each Event formatter.
type Payload map[string]any

// Service defines the notification surface exposed to the controller.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	if !strings.HasPrefix(topic, "http://") && !strings.HasPrefix(topic, "https://") {
		topic = defaultServer + strings.TrimPrefix(topic, "/")
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	n := cfg.Notifications
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		enabled: map[Event]bool{
			EventRunStarted:   n.RunStarted,
			EventRunCompleted: n.RunCompleted,
			EventRunFailed:    n.RunFailed,
			EventCostPaused:   n.CostPaused,
			EventServiceDown:  n.ServiceDown,
			EventTest:         true,
		},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	enabled  map[Event]bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	if !n.enabled[event] {
		return nil
	}
	msg, ok := format(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func format(event Event, p Payload) (message, bool) {
	switch event {
	case EventRunStarted:
		body := fmt.Sprintf("🚀 Run started: %s", p.str("subject"))
		if budget := p.float("maxCostUsd"); budget > 0 {
			body += fmt.Sprintf("\nBudget: $%.2f", budget)
		}
		return message{
			title: "Agent Crew - Run Started",
			body:  body,
			tags:  []string{"agentcrew", "run", "started"},
		}, true
	case EventRunCompleted:
		return message{
			title:    "Agent Crew - Video Ready",
			body:     fmt.Sprintf("✅ Published: %s\nCost: $%.2f in %s", p.str("subject"), p.float("costUsd"), p.duration("duration")),
			tags:     []string{"agentcrew", "run", "completed"},
			priority: "high",
		}, true
	case EventRunFailed:
		body := fmt.Sprintf("❌ Run failed at %s: %s", p.strOr("stage", "unknown stage"), p.strOr("error", "unknown"))
		if id := p.str("pipelineId"); id != "" {
			body += "\nResume with: crew resume " + id
		}
		return message{
			title:    "Agent Crew - Run Failed",
			body:     body,
			tags:     []string{"agentcrew", "error", "alert"},
			priority: "high",
		}, true
	case EventCostPaused:
		return message{
			title:    "Agent Crew - Budget Pause",
			body:     fmt.Sprintf("💰 Paused %s: %s", p.str("pipelineId"), p.str("reason")),
			tags:     []string{"agentcrew", "budget", "paused"},
			priority: "high",
		}, true
	case EventServiceDown:
		body := fmt.Sprintf("🔌 %s is %s", p.strOr("service", "service"), p.strOr("status", "offline"))
		if detail := p.str("error"); detail != "" {
			body += ": " + detail
		}
		return message{
			title: "Agent Crew - Service Down",
			body:  body,
			tags:  []string{"agentcrew", "service", "down"},
		}, true
	case EventTest:
		return message{
			title:    "Agent Crew - Test",
			body:     "🧪 Notification system test",
			tags:     []string{"agentcrew", "test"},
			priority: "low",
		}, true
	}
	return message{}, false
}

func (n *ntfyService) send(ctx context.Context, data message) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (p Payload) str(key string) string {
	if p == nil {
		return ""
	}
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (p Payload) strOr(key, fallback string) string {
	if v := p.str(key); v != "" {
		return v
	}
	return fallback
}

func (p Payload) float(key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func (p Payload) duration(key string) string {
	d, _ := p[key].(time.Duration)
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	return d.String()
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
