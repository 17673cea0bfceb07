package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/redis-field-engineering/redis-sre-agent/internal/llm"
	"github.com/redis-field-engineering/redis-sre-agent/internal/task"
	"github.com/redis-field-engineering/redis-sre-agent/internal/tools"
	"github.com/redis-field-engineering/redis-sre-agent/internal/tracing"
	"github.com/redis-field-engineering/redis-sre-agent/internal/util"
)

const messageTailLength = 6

// toolLoop is the shared subgraph shape: llm → (tool_calls ∧ budget>0)
// tools → llm → … → final text. Every LLM call sees a sanitized
// history; every executed call lands in the working history as a tool
// message and, when collect is non-nil, as a ResultEnvelope.
type toolLoop struct {
	graph   string
	model   string
	manager *tools.Manager
	budget  int
	collect *[]tools.ResultEnvelope
	emit    func(message, updateType string, metadata map[string]interface{})
}

// run drives the loop to a final assistant message. A budget of zero
// never binds tools, so the first model response is the answer.
func (e *Engine) runToolLoop(ctx context.Context, loop toolLoop, messages []llm.Message) (llm.Message, []llm.Message, error) {
	msgs := append([]llm.Message(nil), messages...)
	remaining := loop.budget

	for {
		msgs = tools.SanitizeMessages(msgs, e.logger)
		tools.LogMessageTail(msgs, messageTailLength, e.logger)

		req := llm.Request{Model: loop.model, Messages: msgs}
		if remaining > 0 {
			req.Tools = loop.manager.Specs()
		}

		llmCtx, span := tracing.StartNodeSpan(ctx, loop.graph, "llm")
		resp, err := llm.ChatWithRetry(llmCtx, e.provider, req, e.logger)
		span.End()
		if err != nil {
			return llm.Message{}, msgs, fmt.Errorf("%s: llm call: %w", loop.graph, err)
		}

		if remaining == 0 || len(resp.Message.ToolCalls) == 0 {
			msgs = append(msgs, resp.Message)
			return resp.Message, msgs, nil
		}

		msgs = append(msgs, resp.Message)
		toolCtx, toolSpan := tracing.StartNodeSpan(ctx, loop.graph, "tools")
		for _, call := range resp.Message.ToolCalls {
			if loop.emit != nil {
				loop.emit(fmt.Sprintf("Running %s", call.Name), task.UpdateToolCall,
					map[string]interface{}{"tool": call.Name})
			}
			env := loop.manager.Execute(toolCtx, call)
			if loop.collect != nil {
				*loop.collect = append(*loop.collect, env)
			}
			e.logger.Debug("Tool executed",
				zap.String("graph", loop.graph),
				zap.String("tool", call.Name),
				zap.String("status", env.Status),
			)
			msgs = append(msgs, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    util.CompactJSON(env.Data, 8000),
			})
		}
		toolSpan.End()
		remaining--
	}
}
