// Package summarize condenses a transcript into continuation context via
// an OpenAI-compatible chat completion endpoint.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/threadworks/loom/internal/config"
	"github.com/threadworks/loom/internal/transcript"
)

// chatClient is the minimal subset of openai.Client used here; easy to
// mock in tests.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client implements overflow.Summarizer against a chat completion API.
type Client struct {
	llm   chatClient
	model string
}

const systemPrompt = `You are a conversation summarizer. Produce a concise summary of the conversation so far that preserves key facts, decisions, file paths, tool results, and open tasks. The summary replaces the full history in the model context, so include everything needed to continue the conversation. Keep it under 400 words.`

// The summarizer deliberately uses low temperature and a short completion
// budget.
const (
	summaryTemperature = 0.3
	summaryMaxTokens   = 600
	maxPartLength      = 2000
)

// NewClient builds a client from configuration.
func NewClient(cfg config.SummarizerConfig) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	return &Client{
		llm:   openai.NewClientWithConfig(apiCfg),
		model: cfg.Model,
	}
}

// Summarize renders the transcript into a prompt and requests a summary.
func (c *Client) Summarize(ctx context.Context, msgs []transcript.Message) (string, error) {
	if len(msgs) == 0 {
		return "", errors.New("nothing to summarize")
	}

	resp, err := c.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: summaryTemperature,
		MaxTokens:   summaryMaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(msgs)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarization request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("summarization returned no choices")
	}
	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	if summary == "" {
		return "", errors.New("summarization returned an empty summary")
	}
	return summary, nil
}

// buildPrompt flattens the transcript. Tool traffic is described rather
// than inlined; very long parts are truncated so the summarizer is not
// overwhelmed.
func buildPrompt(msgs []transcript.Message) string {
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation:\n---\n")
	for _, m := range msgs {
		switch m.Role {
		case transcript.RoleUser:
			sb.WriteString("User: ")
		case transcript.RoleAssistant:
			sb.WriteString("Assistant: ")
		default:
			continue
		}
		sb.WriteString(flatten(m))
		sb.WriteString("\n")
	}
	return sb.String()
}

func flatten(m transcript.Message) string {
	var parts []string
	for _, c := range m.Content {
		switch v := c.(type) {
		case transcript.TextContent:
			parts = append(parts, clip(v.Text))
		case transcript.ToolRequestContent:
			parts = append(parts, fmt.Sprintf("[called tool %s]", v.ToolCall.Name))
		case transcript.ToolResponseContent:
			if v.Status == transcript.ToolResultError {
				parts = append(parts, fmt.Sprintf("[tool error: %s]", clip(v.Error)))
			} else {
				parts = append(parts, "[tool result: "+clip(string(v.Value))+"]")
			}
		}
	}
	return strings.Join(parts, " ")
}

func clip(s string) string {
	if len(s) > maxPartLength {
		return s[:maxPartLength] + "...[truncated]"
	}
	return s
}
