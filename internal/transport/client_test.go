package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/threadworks/loom/internal/config"
	"github.com/threadworks/loom/internal/correlate"
	"github.com/threadworks/loom/internal/stream"
	"github.com/threadworks/loom/internal/transcript"
)

func collect(t *testing.T, ex stream.Exchange) []stream.Event {
	t.Helper()
	var out []stream.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ex.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("exchange did not finish in time")
		}
	}
}

func TestOpenDecodesReplyStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/reply", r.URL.Path)
		require.Equal(t, "sekrit", r.Header.Get("X-Secret-Key"))

		var req replyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "session-1", req.SessionID)
		require.Len(t, req.Messages, 1)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"Delta\",\"delta\":\"Hel\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"Delta\",\"delta\":\"lo\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"Notification\",\"request_id\":\"req-1\",\"method\":\"progress\",\"progress\":{\"progressToken\":\"t\",\"progress\":30}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"Finish\"}\n\n")
	}))
	defer srv.Close()

	c := NewClient(config.AgentConfig{BaseURL: srv.URL, SecretKey: "sekrit"})
	ex, err := c.Open(context.Background(), stream.RequestBody{SessionID: "session-1"},
		[]transcript.Message{transcript.NewUserMessage("hi")})
	require.NoError(t, err)

	events := collect(t, ex)
	require.Len(t, events, 3)
	require.Equal(t, stream.EventTextDelta, events[0].Kind)
	require.Equal(t, "Hel", events[0].Delta)
	require.Equal(t, stream.EventNotification, events[2].Kind)
	require.Equal(t, "req-1", events[2].Notification.RequestID)
	require.Equal(t, correlate.NotificationProgress, events[2].Notification.Method)
	require.Equal(t, 30.0, events[2].Notification.Progress.Progress)
}

func TestOpenDecodesMessageFrames(t *testing.T) {
	assistant := transcript.NewAssistantMessage()
	assistant.Content = []transcript.Content{
		transcript.ToolRequestContent{ID: "call-1", ToolCall: transcript.ToolCall{Name: "shell"}},
	}
	raw, err := json.Marshal(assistant)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "data: {\"type\":\"Message\",\"message\":%s}\n\n", raw)
		fmt.Fprint(w, "data: {\"type\":\"Finish\"}\n\n")
	}))
	defer srv.Close()

	c := NewClient(config.AgentConfig{BaseURL: srv.URL})
	ex, err := c.Open(context.Background(), stream.RequestBody{}, nil)
	require.NoError(t, err)

	events := collect(t, ex)
	require.Len(t, events, 1)
	require.Equal(t, stream.EventMessage, events[0].Kind)
	require.Len(t, events[0].Message.ToolRequests(), 1)
}

func TestOpenSurfacesErrorFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"Error\",\"error\":\"model overloaded\"}\n\n")
		// Frames after a terminal error must never surface.
		fmt.Fprint(w, "data: {\"type\":\"Delta\",\"delta\":\"stray\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"Finish\"}\n\n")
	}))
	defer srv.Close()

	c := NewClient(config.AgentConfig{BaseURL: srv.URL})
	ex, err := c.Open(context.Background(), stream.RequestBody{}, nil)
	require.NoError(t, err)

	events := collect(t, ex)
	require.Len(t, events, 1)
	require.Equal(t, stream.EventError, events[0].Kind)
	require.ErrorContains(t, events[0].Err, "model overloaded")
}

func TestOpenRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such session", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(config.AgentConfig{BaseURL: srv.URL})
	_, err := c.Open(context.Background(), stream.RequestBody{}, nil)
	require.ErrorContains(t, err, "404")
}

func TestCancellationEndsExchange(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"Delta\",\"delta\":\"partial\"}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(config.AgentConfig{BaseURL: srv.URL})
	ex, err := c.Open(ctx, stream.RequestBody{}, nil)
	require.NoError(t, err)

	ev := <-ex.Events()
	require.Equal(t, "partial", ev.Delta)

	cancel()
	for range ex.Events() {
		// drain until the read loop notices cancellation and closes
	}
}

func TestConfirmPostsDecision(t *testing.T) {
	var got confirmRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/confirm", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	c := NewClient(config.AgentConfig{BaseURL: srv.URL})
	err := c.Confirm(context.Background(), "call-1", correlate.DecisionAllowOnce, "Tool")
	require.NoError(t, err)
	require.Equal(t, "call-1", got.ID)
	require.Equal(t, "allow_once", got.Action)
	require.Equal(t, "Tool", got.PrincipalType)
}

func TestFetchSessionMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sessions/session-9", r.URL.Path)
		fmt.Fprint(w, `{"metadata":{"totalTokens":1200,"accumulatedInputTokens":800,"accumulatedOutputTokens":400}}`)
	}))
	defer srv.Close()

	c := NewClient(config.AgentConfig{BaseURL: srv.URL})
	meta, err := c.FetchSessionMetadata(context.Background(), "session-9")
	require.NoError(t, err)
	require.Equal(t, int64(1200), meta.TotalTokens)
	require.Equal(t, int64(800), meta.AccumulatedInputTokens)
	require.Equal(t, int64(400), meta.AccumulatedOutputTokens)
}
