// Package correlate matches tool call requests embedded in assistant
// messages to their responses and confirmations later in the transcript,
// and multiplexes out-of-band notifications by correlation id.
package correlate

import "github.com/threadworks/loom/internal/transcript"

// RequestState is the render state of a tool request.
type RequestState string

const (
	// RequestCompleted means a matching response exists.
	RequestCompleted RequestState = "completed"
	// RequestLoading means no response yet and the request belongs to the
	// current session history.
	RequestLoading RequestState = "loading"
	// RequestCancelled means no response ever arrived and the conversation
	// moved past the request (historical, pre-boundary).
	RequestCancelled RequestState = "cancelled"
)

// ResponseFor finds the tool response matching id, searching forward-only
// from the message at fromIndex. A response appearing before its request is
// never matched.
func ResponseFor(msgs []transcript.Message, fromIndex int, id string) (transcript.ToolResponseContent, bool) {
	if fromIndex < 0 {
		fromIndex = 0
	}
	for i := fromIndex; i < len(msgs); i++ {
		for _, resp := range msgs[i].ToolResponses() {
			if resp.ID == id {
				return resp, true
			}
		}
	}
	return transcript.ToolResponseContent{}, false
}

// StatusOf classifies the request with correlation id found in the message
// at reqIndex. historyBoundary is the index separating resumed history from
// the live session: unmatched requests before it render cancelled, at or
// after it render loading.
func StatusOf(msgs []transcript.Message, reqIndex int, id string, historyBoundary int) RequestState {
	if _, ok := ResponseFor(msgs, reqIndex, id); ok {
		return RequestCompleted
	}
	if reqIndex < historyBoundary {
		return RequestCancelled
	}
	return RequestLoading
}

// UnansweredRequests returns the correlation ids of every toolRequest and
// toolConfirmationRequest in msg with no matching response anywhere in
// msgs, paired with the tool name. Order follows the content list.
func UnansweredRequests(msgs []transcript.Message, msg transcript.Message) []UnansweredRequest {
	var out []UnansweredRequest
	for _, c := range msg.Content {
		switch v := c.(type) {
		case transcript.ToolRequestContent:
			if _, ok := ResponseFor(msgs, 0, v.ID); !ok {
				out = append(out, UnansweredRequest{ID: v.ID, ToolName: v.ToolCall.Name})
			}
		case transcript.ToolConfirmationContent:
			if _, ok := ResponseFor(msgs, 0, v.ID); !ok {
				out = append(out, UnansweredRequest{ID: v.ID, ToolName: v.ToolName})
			}
		}
	}
	return out
}

// UnansweredRequest identifies a tool request still waiting for a response.
type UnansweredRequest struct {
	ID       string
	ToolName string
}

// InteractiveConfirmation returns the correlation id of the only
// confirmation request the UI should treat as interactive: the latest one
// in the transcript, provided it has no matching response and no recorded
// decision. Earlier confirmations are stale once a newer one appears and
// never regain interactivity, answered or not.
func InteractiveConfirmation(msgs []transcript.Message, ledger *ConfirmationLedger) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		confirmations := msgs[i].ToolConfirmations()
		if len(confirmations) == 0 {
			continue
		}
		id := confirmations[len(confirmations)-1].ID
		if _, ok := ResponseFor(msgs, i, id); ok {
			return "", false
		}
		if ledger != nil && ledger.Decision(id) != DecisionUnknown {
			return "", false
		}
		return id, true
	}
	return "", false
}
