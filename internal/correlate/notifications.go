package correlate

import (
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
)

// NotificationMethod distinguishes the two out-of-band event kinds the
// agent emits while a tool call runs.
type NotificationMethod string

const (
	NotificationMessage  NotificationMethod = "message"
	NotificationProgress NotificationMethod = "progress"
)

// NotificationEvent is an ephemeral event keyed by the request id of the
// owning tool call. It is never part of the transcript.
type NotificationEvent struct {
	RequestID string
	Method    NotificationMethod
	Log       *LogPayload
	Progress  *ProgressPayload
}

// LogPayload is a free-form log line from the running tool.
type LogPayload struct {
	Level  mcp.LoggingLevel
	Logger string
	Data   any
}

// ProgressPayload is a numeric progress report. Token scopes the report:
// one tool call may interleave several progress streams.
type ProgressPayload struct {
	Token    mcp.ProgressToken
	Progress float64
	Total    *float64
	Message  string
}

// NotificationHub groups notification events by request id, preserving
// insertion order. Buffers are kept until the conversation is torn down so
// late events remain attributable after the owning tool response lands.
type NotificationHub struct {
	mu        sync.Mutex
	order     []string
	byRequest map[string][]NotificationEvent
}

// NewNotificationHub creates an empty hub.
func NewNotificationHub() *NotificationHub {
	return &NotificationHub{byRequest: make(map[string][]NotificationEvent)}
}

// Publish records an event under its request id.
func (h *NotificationHub) Publish(ev NotificationEvent) {
	if ev.RequestID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byRequest[ev.RequestID]; !ok {
		h.order = append(h.order, ev.RequestID)
	}
	h.byRequest[ev.RequestID] = append(h.byRequest[ev.RequestID], ev)
}

// Events returns all events for a request id in arrival order.
func (h *NotificationHub) Events(requestID string) []NotificationEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	evs := h.byRequest[requestID]
	out := make([]NotificationEvent, len(evs))
	copy(out, evs)
	return out
}

// RequestIDs returns the known request ids in first-seen order.
func (h *NotificationHub) RequestIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.order))
	copy(out, h.order)
	return out
}

// Logs returns the message-kind payloads for a request id, ordered, with no
// deduplication.
func (h *NotificationHub) Logs(requestID string) []LogPayload {
	var out []LogPayload
	for _, ev := range h.Events(requestID) {
		if ev.Method == NotificationMessage && ev.Log != nil {
			out = append(out, *ev.Log)
		}
	}
	return out
}

// ProgressDisplay returns one payload per progress token, keeping the entry
// with the numerically highest progress seen so far. Display is therefore
// monotonic even when events arrive out of order. Tokens are returned in
// first-seen order.
func (h *NotificationHub) ProgressDisplay(requestID string) []ProgressPayload {
	var tokenOrder []string
	best := make(map[string]ProgressPayload)
	for _, ev := range h.Events(requestID) {
		if ev.Method != NotificationProgress || ev.Progress == nil {
			continue
		}
		key := fmt.Sprint(ev.Progress.Token)
		cur, seen := best[key]
		if !seen {
			tokenOrder = append(tokenOrder, key)
			best[key] = *ev.Progress
			continue
		}
		if ev.Progress.Progress > cur.Progress {
			best[key] = *ev.Progress
		}
	}
	out := make([]ProgressPayload, 0, len(tokenOrder))
	for _, key := range tokenOrder {
		out = append(out, best[key])
	}
	return out
}
