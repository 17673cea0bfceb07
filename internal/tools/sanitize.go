package tools

import (
	"go.uber.org/zap"

	"github.com/redis-field-engineering/redis-sre-agent/internal/llm"
)

// SanitizeMessages enforces the tool-message pairing contract before
// any LLM call: a tool-role message must answer a tool_call id declared
// by a preceding assistant message, and a history may not open with
// tool output. Violations are dropped, not repaired.
func SanitizeMessages(msgs []llm.Message, logger *zap.Logger) []llm.Message {
	declared := make(map[string]bool)
	out := make([]llm.Message, 0, len(msgs))
	seenNonTool := false

	for _, m := range msgs {
		if m.Role == llm.RoleAssistant {
			for _, tc := range m.ToolCalls {
				declared[tc.ID] = true
			}
		}
		if m.Role == llm.RoleTool {
			if !seenNonTool {
				logger.Debug("Dropping leading tool message",
					zap.String("tool_call_id", m.ToolCallID))
				continue
			}
			if !declared[m.ToolCallID] {
				logger.Debug("Dropping orphan tool message",
					zap.String("tool_call_id", m.ToolCallID),
					zap.String("name", m.Name))
				continue
			}
		} else {
			seenNonTool = true
		}
		out = append(out, m)
	}
	return out
}

// LogMessageTail logs a compact tail of the in-flight history for
// preflight observability: roles, tool_call ids on assistant turns,
// tool_call_id/name on tool turns.
func LogMessageTail(msgs []llm.Message, n int, logger *zap.Logger) {
	start := len(msgs) - n
	if start < 0 {
		start = 0
	}
	tail := make([]string, 0, len(msgs)-start)
	for _, m := range msgs[start:] {
		entry := m.Role
		if len(m.ToolCalls) > 0 {
			for _, tc := range m.ToolCalls {
				entry += "+" + tc.ID
			}
		}
		if m.Role == llm.RoleTool {
			entry += "(" + m.ToolCallID + ":" + m.Name + ")"
		}
		tail = append(tail, entry)
	}
	logger.Debug("LLM preflight message tail", zap.Strings("tail", tail))
}
