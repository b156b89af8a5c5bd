package stream

import (
	"github.com/threadworks/loom/internal/correlate"
	"github.com/threadworks/loom/internal/logger"
	"github.com/threadworks/loom/internal/transcript"
)

// rollback undoes or repairs the interrupted turn. The action depends on
// the shape of the tail message:
//
//   - user message with no tool response and no assistant reply yet: the
//     turn had no side effects, so remove it and hand its text back to the
//     input field;
//   - assistant message interrupted mid tool-use: synthesize an error tool
//     response for every unanswered request so the protocol stays
//     well-formed without re-issuing the calls;
//   - user message that already relayed a tool response: keep the turn
//     as-is.
func (c *Controller) rollback() {
	last, ok := c.store.Last()
	if !ok {
		return
	}

	switch {
	case last.Role == transcript.RoleUser && !last.HasToolResponse():
		removed, ok := c.store.RemoveLast()
		if !ok {
			return
		}
		c.mu.Lock()
		c.lastUser = nil
		restore := c.onRestoreInput
		c.mu.Unlock()
		logger.L.Debug("cancel rollback: removed user turn", "message_id", removed.ID)
		if restore != nil {
			restore(removed.Text())
		}

	case last.Role == transcript.RoleAssistant:
		open := correlate.UnansweredRequests(c.store.Messages(), last)
		if len(open) == 0 {
			return
		}
		reply := transcript.NewUserMessage("")
		reply.Content = reply.Content[:0]
		for _, req := range open {
			reply.Content = append(reply.Content, transcript.ToolResponseContent{
				ID:     req.ID,
				Status: transcript.ToolResultError,
				Error:  InterruptedByUserMessage,
			})
		}
		logger.L.Debug("cancel rollback: synthesized tool responses", "count", len(open))
		c.store.Append(reply)
	}
}
