package transcript

import (
	"encoding/json"
	"fmt"
)

// ContentType discriminates the members of the Content union on the wire.
type ContentType string

const (
	ContentTypeText                  ContentType = "text"
	ContentTypeToolRequest           ContentType = "toolRequest"
	ContentTypeToolResponse          ContentType = "toolResponse"
	ContentTypeToolConfirmation      ContentType = "toolConfirmationRequest"
	ContentTypeContextLengthExceeded ContentType = "contextLengthExceeded"
	ContentTypeSummarizationRequest  ContentType = "summarizationRequested"
)

// Content is one part of a message. The concrete types below are the only
// implementations.
type Content interface {
	Type() ContentType
}

// TextContent is ordinary prose.
type TextContent struct {
	Text string `json:"text"`
}

func (TextContent) Type() ContentType { return ContentTypeText }

// ToolCall describes the tool the assistant wants to run.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResultStatus is the outcome of a tool call.
type ToolResultStatus string

const (
	ToolResultSuccess ToolResultStatus = "success"
	ToolResultError   ToolResultStatus = "error"
)

// ToolRequestContent carries a tool call the assistant issued. When the
// request itself could not be formed, Error holds the failure and ToolCall
// is zero.
type ToolRequestContent struct {
	ID       string   `json:"id"`
	ToolCall ToolCall `json:"toolCall"`
	Error    string   `json:"error,omitempty"`
}

func (ToolRequestContent) Type() ContentType { return ContentTypeToolRequest }

// ToolResponseContent answers the tool request with the same correlation id.
type ToolResponseContent struct {
	ID     string           `json:"id"`
	Status ToolResultStatus `json:"status"`
	Value  json.RawMessage  `json:"value,omitempty"`
	Error  string           `json:"error,omitempty"`
}

func (ToolResponseContent) Type() ContentType { return ContentTypeToolResponse }

// ToolConfirmationContent asks the human to approve or deny a tool call
// before it runs.
type ToolConfirmationContent struct {
	ID        string          `json:"id"`
	ToolName  string          `json:"toolName"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (ToolConfirmationContent) Type() ContentType { return ContentTypeToolConfirmation }

// ContextLengthExceededContent marks that the model context is full and the
// conversation must be compacted before it can continue.
type ContextLengthExceededContent struct {
	Message string `json:"msg,omitempty"`
}

func (ContextLengthExceededContent) Type() ContentType { return ContentTypeContextLengthExceeded }

// SummarizationRequestedContent marks a user-requested compaction.
type SummarizationRequestedContent struct {
	Message string `json:"msg,omitempty"`
}

func (SummarizationRequestedContent) Type() ContentType { return ContentTypeSummarizationRequest }

// contentEnvelope is the wire form of a Content part.
type contentEnvelope struct {
	Type ContentType `json:"type"`
	contentFields
}

// contentFields is the union of all concrete content fields; only the ones
// relevant to Type are populated.
type contentFields struct {
	Text      string           `json:"text,omitempty"`
	ID        string           `json:"id,omitempty"`
	ToolCall  *ToolCall        `json:"toolCall,omitempty"`
	Status    ToolResultStatus `json:"status,omitempty"`
	Value     json.RawMessage  `json:"value,omitempty"`
	Error     string           `json:"error,omitempty"`
	ToolName  string           `json:"toolName,omitempty"`
	Arguments json.RawMessage  `json:"arguments,omitempty"`
	Message   string           `json:"msg,omitempty"`
}

// MarshalContent encodes a content part with its type discriminator.
func MarshalContent(c Content) ([]byte, error) {
	env := contentEnvelope{Type: c.Type()}
	switch v := c.(type) {
	case TextContent:
		env.Text = v.Text
	case ToolRequestContent:
		env.ID = v.ID
		tc := v.ToolCall
		env.ToolCall = &tc
		env.Error = v.Error
	case ToolResponseContent:
		env.ID = v.ID
		env.Status = v.Status
		env.Value = v.Value
		env.Error = v.Error
	case ToolConfirmationContent:
		env.ID = v.ID
		env.ToolName = v.ToolName
		env.Arguments = v.Arguments
	case ContextLengthExceededContent:
		env.Message = v.Message
	case SummarizationRequestedContent:
		env.Message = v.Message
	default:
		return nil, fmt.Errorf("unknown content type %T", c)
	}
	return json.Marshal(env)
}

// UnmarshalContent decodes a content part by its type discriminator.
func UnmarshalContent(data []byte) (Content, error) {
	var env contentEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case ContentTypeText:
		return TextContent{Text: env.Text}, nil
	case ContentTypeToolRequest:
		c := ToolRequestContent{ID: env.ID, Error: env.Error}
		if env.ToolCall != nil {
			c.ToolCall = *env.ToolCall
		}
		return c, nil
	case ContentTypeToolResponse:
		return ToolResponseContent{ID: env.ID, Status: env.Status, Value: env.Value, Error: env.Error}, nil
	case ContentTypeToolConfirmation:
		return ToolConfirmationContent{ID: env.ID, ToolName: env.ToolName, Arguments: env.Arguments}, nil
	case ContentTypeContextLengthExceeded:
		return ContextLengthExceededContent{Message: env.Message}, nil
	case ContentTypeSummarizationRequest:
		return SummarizationRequestedContent{Message: env.Message}, nil
	default:
		return nil, fmt.Errorf("unknown content type %q", env.Type)
	}
}
