package stream

import (
	"context"

	"github.com/threadworks/loom/internal/correlate"
	"github.com/threadworks/loom/internal/transcript"
)

// RequestBody is sent with every exchange. The session continuation
// manager swaps SessionID on rollover commit.
type RequestBody struct {
	SessionID        string `json:"session_id"`
	WorkingDirectory string `json:"working_dir"`
	ScheduledJobID   string `json:"scheduled_job_id,omitempty"`
}

// EventKind discriminates the incremental events an exchange yields.
type EventKind int

const (
	// EventMessage appends a complete message to the transcript.
	EventMessage EventKind = iota
	// EventTextDelta appends text to the tail assistant message.
	EventTextDelta
	// EventContent appends a structured part to the tail assistant message.
	EventContent
	// EventNotification is an out-of-band tool notification.
	EventNotification
	// EventError reports a transport failure; the exchange ends after it.
	EventError
)

// Event is one incremental unit of an exchange reply.
type Event struct {
	Kind         EventKind
	Message      *transcript.Message
	Delta        string
	Content      transcript.Content
	Notification *correlate.NotificationEvent
	Err          error
}

// Exchange is one open request/streamed-reply cycle. Events is closed when
// the exchange ends, naturally or after cancellation.
type Exchange interface {
	Events() <-chan Event
	Close() error
}

// Transport opens exchanges against the remote agent. Implementations must
// stop emitting events promptly when ctx is cancelled; cancellation is
// cooperative, not preemptive.
type Transport interface {
	Open(ctx context.Context, body RequestBody, history []transcript.Message) (Exchange, error)
}
