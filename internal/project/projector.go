// Package project derives read-only render views from the transcript
// store. Nothing here mutates; the engine recomputes on every store
// change.
package project

import (
	"strings"

	"github.com/threadworks/loom/internal/transcript"
)

// Filtered returns the render-ready message list: ancestors then live,
// excluding hidden messages and pure tool-relay user turns. A relay turn
// renders inline with the owning tool call, not as its own bubble, unless
// it also carries a confirmation request or at least one text part.
func Filtered(ancestors, live []transcript.Message) []transcript.Message {
	out := make([]transcript.Message, 0, len(ancestors)+len(live))
	for _, m := range ancestors {
		if visible(m) {
			out = append(out, m)
		}
	}
	for _, m := range live {
		if visible(m) {
			out = append(out, m)
		}
	}
	return out
}

func visible(m transcript.Message) bool {
	if !m.Display {
		return false
	}
	if m.Role != transcript.RoleUser {
		return true
	}
	if !hasResponseParts(m) {
		return true
	}
	for _, c := range m.Content {
		switch c.Type() {
		case transcript.ContentTypeToolConfirmation:
			return true
		case transcript.ContentTypeText:
			return true
		}
	}
	return false
}

func hasResponseParts(m transcript.Message) bool {
	for _, c := range m.Content {
		if c.Type() == transcript.ContentTypeToolResponse {
			return true
		}
	}
	return false
}

// CommandHistory returns the text of user-authored messages in reverse
// chronological order for recall navigation. Tool relays, confirmation
// carriers, and blank entries are excluded.
func CommandHistory(ancestors, live []transcript.Message) []string {
	var out []string
	collect := func(msgs []transcript.Message) {
		for i := len(msgs) - 1; i >= 0; i-- {
			m := msgs[i]
			if m.Role != transcript.RoleUser {
				continue
			}
			if len(m.ToolConfirmations()) > 0 {
				continue
			}
			text := strings.TrimSpace(m.Text())
			if text == "" {
				continue
			}
			out = append(out, text)
		}
	}
	collect(live)
	collect(ancestors)
	return out
}
