package project

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/threadworks/loom/internal/transcript"
)

func TestFilteredExcludesHiddenMessages(t *testing.T) {
	hidden := transcript.NewUserMessage("secret context")
	hidden.Display = false

	live := []transcript.Message{
		transcript.NewUserMessage("hello"),
		hidden,
	}
	got := Filtered(nil, live)
	require.Len(t, got, 1)
	require.Equal(t, "hello", got[0].Text())
}

func TestFilteredExcludesPureToolRelays(t *testing.T) {
	relay := transcript.Message{
		Role:    transcript.RoleUser,
		Display: true,
		Content: []transcript.Content{
			transcript.ToolResponseContent{ID: "1", Status: transcript.ToolResultSuccess},
		},
	}
	relayWithText := transcript.Message{
		Role:    transcript.RoleUser,
		Display: true,
		Content: []transcript.Content{
			transcript.ToolResponseContent{ID: "2", Status: transcript.ToolResultSuccess},
			transcript.TextContent{Text: "and do this next"},
		},
	}
	relayWithConfirmation := transcript.Message{
		Role:    transcript.RoleUser,
		Display: true,
		Content: []transcript.Content{
			transcript.ToolResponseContent{ID: "3", Status: transcript.ToolResultSuccess},
			transcript.ToolConfirmationContent{ID: "4", ToolName: "shell"},
		},
	}

	got := Filtered(nil, []transcript.Message{relay, relayWithText, relayWithConfirmation})
	require.Len(t, got, 2)
}

func TestFilteredConcatenatesAncestorsThenLive(t *testing.T) {
	ancestors := []transcript.Message{transcript.NewUserMessage("before rollover")}
	live := []transcript.Message{transcript.NewUserMessage("after rollover")}

	got := Filtered(ancestors, live)
	require.Len(t, got, 2)
	require.Equal(t, "before rollover", got[0].Text())
	require.Equal(t, "after rollover", got[1].Text())
}

func TestCommandHistoryReverseChronological(t *testing.T) {
	assistant := transcript.NewAssistantMessage()
	assistant.Content = []transcript.Content{transcript.TextContent{Text: "reply"}}

	blank := transcript.NewUserMessage("   ")
	live := []transcript.Message{
		transcript.NewUserMessage("first"),
		assistant,
		blank,
		transcript.NewUserMessage("second"),
	}
	ancestors := []transcript.Message{transcript.NewUserMessage("oldest")}

	got := CommandHistory(ancestors, live)
	require.Equal(t, []string{"second", "first", "oldest"}, got)
}

func TestCommandHistorySkipsConfirmationCarriers(t *testing.T) {
	carrier := transcript.Message{
		Role:    transcript.RoleUser,
		Display: true,
		Content: []transcript.Content{
			transcript.TextContent{Text: "approve?"},
			transcript.ToolConfirmationContent{ID: "1", ToolName: "shell"},
		},
	}
	got := CommandHistory(nil, []transcript.Message{carrier})
	require.Empty(t, got)
}
