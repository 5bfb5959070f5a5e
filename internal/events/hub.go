// Package events fans run state changes out to Server-Sent Events subscribers.
package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"agentcrew/internal/logging"
	"agentcrew/internal/run"
)

// Kind is the change type carried by an Event.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
)

// Table is the logical table every run event refers to.
const Table = "pipeline_runs"

const (
	subscriberBuffer  = 64
	keepaliveInterval = 15 * time.Second
)

// Event is a single run state change.
type Event struct {
	Event  Kind             `json:"event"`
	Table  string           `json:"table"`
	Record *run.PipelineRun `json:"record"`
}

// Publisher accepts run state changes.
type Publisher interface {
	Publish(kind Kind, r *run.PipelineRun)
}

// Hub broadcasts SSE-formatted events to subscribers. Slow subscribers with a
// full buffer miss events rather than block the publisher.
type Hub struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
	closed      bool

	dropped atomic.Int64
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:      logging.NewComponentLogger(logger, "events"),
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Subscribe returns a channel that receives SSE-formatted events. The caller
// must call Unsubscribe when done.
func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[ch]; !ok {
		return
	}
	delete(h.subscribers, ch)
	close(ch)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subscribers {
		delete(h.subscribers, ch)
		close(ch)
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Publish implements Publisher.
func (h *Hub) Publish(kind Kind, r *run.PipelineRun) {
	if r == nil {
		return
	}
	data, err := json.Marshal(Event{Event: kind, Table: Table, Record: r})
	if err != nil {
		h.logger.Warn("encode run event failed", logging.PipelineID(r.ID), logging.Error(err))
		return
	}
	h.broadcast(FormatSSE(string(kind), data))
}

func (h *Hub) broadcast(event []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// FormatSSE formats a payload as a Server-Sent Events message.
func FormatSSE(eventType string, data []byte) []byte {
	out := make([]byte, 0, len(eventType)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, eventType...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	out = append(out, "\n\n"...)
	return out
}

// ServeHTTP streams events until the client disconnects or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Long-lived stream; lift the server write deadline.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
