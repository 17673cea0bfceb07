package agent

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/redis-field-engineering/redis-sre-agent/internal/llm"
	"github.com/redis-field-engineering/redis-sre-agent/internal/util"
)

// route classifies the user message. On any failure the message is
// treated as in-scope; a wrongly routed greeting costs one cheap turn,
// a wrongly rejected incident costs the user their answer.
func (e *Engine) route(ctx context.Context, userMessage string) bool {
	resp, err := llm.ChatWithRetry(ctx, e.provider, llm.Request{
		Model: e.cfg.Models.Mini,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: routerPrompt},
			{Role: llm.RoleUser, Content: userMessage},
		},
		JSONMode:    true,
		Temperature: 0,
		MaxTokens:   30,
	}, e.logger)
	if err != nil {
		e.logger.Warn("Router classification failed, assuming in scope", zap.Error(err))
		return true
	}

	var verdict struct {
		Classification string `json:"classification"`
	}
	if err := json.Unmarshal([]byte(util.StripCodeFence(resp.Message.Content)), &verdict); err != nil {
		e.logger.Warn("Router output not parseable, assuming in scope",
			zap.String("raw", util.TruncateString(resp.Message.Content, 120, false)))
		return true
	}
	return !strings.EqualFold(strings.TrimSpace(verdict.Classification), "out_of_scope")
}
