package services

import (
	"strings"

	"matteragent/internal/models"
)

// effectiveRole normalizes a stored fragment's role for presentation. Tool
// activity is always the assistant's, even when the runtime recorded the
// result fragment under the user role. Model-style role names collapse to
// "assistant".
func effectiveRole(ev models.SessionEvent) string {
	if len(ev.ToolCalls) > 0 || len(ev.ToolResults) > 0 {
		return "assistant"
	}
	switch ev.Role {
	case "model", "assistant":
		return "assistant"
	default:
		return "user"
	}
}

// CoalesceEvents folds the raw per-fragment event log into the message
// list served by the history endpoint. Consecutive fragments with the same
// effective role merge into one message; tool calls and results attach to
// the assistant message they belong to.
func CoalesceEvents(events []models.SessionEvent) []models.HistoryMessage {
	messages := make([]models.HistoryMessage, 0, len(events))

	for _, ev := range events {
		role := effectiveRole(ev)

		if len(messages) > 0 && messages[len(messages)-1].Role == role {
			last := &messages[len(messages)-1]
			if ev.Text != "" {
				last.Content = append(last.Content, models.ContentPart{Type: "text", Text: ev.Text})
			}
			last.ToolCalls = append(last.ToolCalls, ev.ToolCalls...)
			last.ToolResults = append(last.ToolResults, ev.ToolResults...)
			if ev.Timestamp > last.Timestamp {
				last.Timestamp = ev.Timestamp
			}
			continue
		}

		msg := models.HistoryMessage{
			Role:        role,
			ToolCalls:   ev.ToolCalls,
			ToolResults: ev.ToolResults,
			Timestamp:   ev.Timestamp,
		}
		if ev.Text != "" {
			msg.Content = []models.ContentPart{{Type: "text", Text: ev.Text}}
		}
		messages = append(messages, msg)
	}

	return messages
}

// ModelMessages renders the event log as chat-completion messages for the
// next turn's context. Tool call bookkeeping stays out: the model only
// needs the conversational text.
func ModelMessages(events []models.SessionEvent) []map[string]interface{} {
	history := CoalesceEvents(events)
	messages := make([]map[string]interface{}, 0, len(history))
	for _, msg := range history {
		var sb strings.Builder
		for _, part := range msg.Content {
			sb.WriteString(part.Text)
		}
		if sb.Len() == 0 {
			continue
		}
		messages = append(messages, map[string]interface{}{
			"role":    msg.Role,
			"content": sb.String(),
		})
	}
	return messages
}
