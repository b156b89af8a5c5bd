package transcript

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the conversation. ID and Created are used
// interchangeably as correlation keys by the UI layer.
type Message struct {
	ID      string
	Created int64
	Role    Role
	Content []Content

	// Display false hides the message from the transcript view while
	// keeping it in the exchange.
	Display bool

	// SendToLLM false keeps the message out of future request bodies.
	SendToLLM bool
}

// NewUserMessage builds a visible user turn holding a single text part.
func NewUserMessage(text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Created:   time.Now().Unix(),
		Role:      RoleUser,
		Content:   []Content{TextContent{Text: text}},
		Display:   true,
		SendToLLM: true,
	}
}

// NewAssistantMessage builds an empty visible assistant turn that streaming
// deltas append into.
func NewAssistantMessage() Message {
	return Message{
		ID:        uuid.NewString(),
		Created:   time.Now().Unix(),
		Role:      RoleAssistant,
		Display:   true,
		SendToLLM: true,
	}
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, c := range m.Content {
		if t, ok := c.(TextContent); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

// ToolRequests returns the tool request parts in order.
func (m Message) ToolRequests() []ToolRequestContent {
	var out []ToolRequestContent
	for _, c := range m.Content {
		if r, ok := c.(ToolRequestContent); ok {
			out = append(out, r)
		}
	}
	return out
}

// ToolResponses returns the tool response parts in order.
func (m Message) ToolResponses() []ToolResponseContent {
	var out []ToolResponseContent
	for _, c := range m.Content {
		if r, ok := c.(ToolResponseContent); ok {
			out = append(out, r)
		}
	}
	return out
}

// ToolConfirmations returns the confirmation request parts in order.
func (m Message) ToolConfirmations() []ToolConfirmationContent {
	var out []ToolConfirmationContent
	for _, c := range m.Content {
		if r, ok := c.(ToolConfirmationContent); ok {
			out = append(out, r)
		}
	}
	return out
}

// HasToolResponse reports whether any part is a tool response.
func (m Message) HasToolResponse() bool {
	return len(m.ToolResponses()) > 0
}

// IsToolRelayOnly reports whether the message consists exclusively of tool
// response parts. Such user turns render inline with the owning tool call
// rather than as their own bubble.
func (m Message) IsToolRelayOnly() bool {
	if len(m.Content) == 0 {
		return false
	}
	for _, c := range m.Content {
		if c.Type() != ContentTypeToolResponse {
			return false
		}
	}
	return true
}

// Sentinel returns the sentinel content type carried by the message, if
// any. At most one sentinel appears per message.
func (m Message) Sentinel() (ContentType, bool) {
	for _, c := range m.Content {
		switch c.Type() {
		case ContentTypeContextLengthExceeded, ContentTypeSummarizationRequest:
			return c.Type(), true
		}
	}
	return "", false
}

// Clone deep-copies the message so callers cannot mutate store state
// through a snapshot.
func (m Message) Clone() Message {
	out := m
	if m.Content != nil {
		out.Content = make([]Content, len(m.Content))
		copy(out.Content, m.Content)
	}
	return out
}

type messageWire struct {
	ID        string            `json:"id"`
	Created   int64             `json:"created"`
	Role      Role              `json:"role"`
	Content   []json.RawMessage `json:"content"`
	Display   *bool             `json:"display,omitempty"`
	SendToLLM *bool             `json:"sendToLLM,omitempty"`
}

// MarshalJSON encodes the message with typed content envelopes.
func (m Message) MarshalJSON() ([]byte, error) {
	wire := messageWire{
		ID:        m.ID,
		Created:   m.Created,
		Role:      m.Role,
		Display:   &m.Display,
		SendToLLM: &m.SendToLLM,
	}
	for _, c := range m.Content {
		raw, err := MarshalContent(c)
		if err != nil {
			return nil, err
		}
		wire.Content = append(wire.Content, raw)
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the message; absent display/sendToLLM flags default
// to true.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire messageWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.ID = wire.ID
	m.Created = wire.Created
	m.Role = wire.Role
	m.Content = nil
	for _, raw := range wire.Content {
		c, err := UnmarshalContent(raw)
		if err != nil {
			return err
		}
		m.Content = append(m.Content, c)
	}
	m.Display = wire.Display == nil || *wire.Display
	m.SendToLLM = wire.SendToLLM == nil || *wire.SendToLLM
	return nil
}
