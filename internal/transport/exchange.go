package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/threadworks/loom/internal/correlate"
	"github.com/threadworks/loom/internal/logger"
	"github.com/threadworks/loom/internal/stream"
	"github.com/threadworks/loom/internal/transcript"
)

// wireEvent is one server-sent event from the daemon's reply stream.
type wireEvent struct {
	Type      string           `json:"type"`
	Message   *json.RawMessage `json:"message,omitempty"`
	Delta     string           `json:"delta,omitempty"`
	Error     string           `json:"error,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
	Method    string           `json:"method,omitempty"`
	Log       *wireLog         `json:"log,omitempty"`
	Progress  *wireProgress    `json:"progress,omitempty"`
}

type wireLog struct {
	Level  mcp.LoggingLevel `json:"level"`
	Logger string           `json:"logger,omitempty"`
	Data   any              `json:"data"`
}

type wireProgress struct {
	Token    any      `json:"progressToken"`
	Progress float64  `json:"progress"`
	Total    *float64 `json:"total,omitempty"`
	Message  string   `json:"message,omitempty"`
}

const (
	eventTypeMessage      = "Message"
	eventTypeDelta        = "Delta"
	eventTypeNotification = "Notification"
	eventTypeError        = "Error"
	eventTypeFinish       = "Finish"
)

var dataPrefix = []byte("data: ")

// exchange reads the SSE body line by line and converts each data frame to
// a stream event. Context cancellation surfaces as a body read error, at
// which point the channel closes.
type exchange struct {
	body   io.ReadCloser
	events chan stream.Event

	closeOnce sync.Once
	closeErr  error
}

func newExchange(body io.ReadCloser) *exchange {
	return &exchange{
		body:   body,
		events: make(chan stream.Event),
	}
}

func (e *exchange) Events() <-chan stream.Event { return e.events }

func (e *exchange) Close() error {
	e.closeOnce.Do(func() { e.closeErr = e.body.Close() })
	return e.closeErr
}

func (e *exchange) run() {
	defer close(e.events)
	defer e.Close()

	scanner := bufio.NewScanner(e.body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		var wire wireEvent
		if err := json.Unmarshal(bytes.TrimPrefix(line, dataPrefix), &wire); err != nil {
			logger.L.Warn("undecodable stream frame", "error", err)
			continue
		}

		ev, done := convert(wire)
		if ev != nil {
			e.events <- *ev
		}
		if done {
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		// A cancelled context lands here too; the controller decides
		// whether that was a stop or a genuine failure.
		e.events <- stream.Event{Kind: stream.EventError, Err: fmt.Errorf("reply stream: %w", err)}
	}
}

// convert maps a wire frame to a stream event. done is true after the
// terminal frame.
func convert(wire wireEvent) (*stream.Event, bool) {
	switch wire.Type {
	case eventTypeMessage:
		if wire.Message == nil {
			return nil, false
		}
		var msg transcript.Message
		if err := json.Unmarshal(*wire.Message, &msg); err != nil {
			logger.L.Warn("undecodable message frame", "error", err)
			return nil, false
		}
		return &stream.Event{Kind: stream.EventMessage, Message: &msg}, false

	case eventTypeDelta:
		return &stream.Event{Kind: stream.EventTextDelta, Delta: wire.Delta}, false

	case eventTypeNotification:
		n := correlate.NotificationEvent{RequestID: wire.RequestID}
		switch wire.Method {
		case string(correlate.NotificationMessage):
			n.Method = correlate.NotificationMessage
			if wire.Log != nil {
				n.Log = &correlate.LogPayload{Level: wire.Log.Level, Logger: wire.Log.Logger, Data: wire.Log.Data}
			}
		case string(correlate.NotificationProgress):
			n.Method = correlate.NotificationProgress
			if wire.Progress != nil {
				n.Progress = &correlate.ProgressPayload{
					Token:    mcp.ProgressToken(wire.Progress.Token),
					Progress: wire.Progress.Progress,
					Total:    wire.Progress.Total,
					Message:  wire.Progress.Message,
				}
			}
		default:
			logger.L.Warn("unknown notification method", "method", wire.Method)
			return nil, false
		}
		return &stream.Event{Kind: stream.EventNotification, Notification: &n}, false

	case eventTypeError:
		// Error frames are terminal; nothing after one is trustworthy.
		return &stream.Event{Kind: stream.EventError, Err: errors.New(wire.Error)}, true

	case eventTypeFinish:
		return nil, true

	default:
		logger.L.Warn("unknown stream frame type", "type", wire.Type)
		return nil, false
	}
}
