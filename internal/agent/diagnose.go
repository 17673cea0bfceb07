package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/redis-field-engineering/redis-sre-agent/internal/llm"
	"github.com/redis-field-engineering/redis-sre-agent/internal/metrics"
	"github.com/redis-field-engineering/redis-sre-agent/internal/tools"
	"github.com/redis-field-engineering/redis-sre-agent/internal/tracing"
	"github.com/redis-field-engineering/redis-sre-agent/internal/util"
)

// summarizeSignals renders the collected envelopes as compact keyed
// bullets, each value bounded by the truncation limit, for the
// diagnosis prompt.
func summarizeSignals(envelopes []tools.ResultEnvelope, limit int) string {
	var b strings.Builder
	for _, env := range envelopes {
		b.WriteString("- ")
		b.WriteString(env.ToolKey)
		b.WriteString(" [")
		b.WriteString(env.Status)
		b.WriteString("]: ")
		b.WriteString(util.CompactJSON(env.Data, limit))
		b.WriteByte('\n')
	}
	return b.String()
}

// parseProblemSpecs parses the model's JSON array tolerantly and
// normalizes each row: unknown category becomes Other, unknown
// severity becomes medium, empty scope defaults to "cluster", evidence
// values coerce to strings, and a row without an id is dropped.
func parseProblemSpecs(raw string, logger *zap.Logger) []ProblemSpec {
	body := util.StripCodeFence(raw)

	var rows []map[string]interface{}
	if err := json.Unmarshal([]byte(body), &rows); err != nil {
		logger.Warn("Diagnosis output not a JSON array",
			zap.String("raw", util.TruncateString(body, 200, false)),
			zap.Error(err))
		return nil
	}

	var specs []ProblemSpec
	for _, row := range rows {
		id, _ := row["id"].(string)
		if strings.TrimSpace(id) == "" {
			logger.Warn("Dropping diagnosed problem without id")
			continue
		}
		spec := ProblemSpec{
			ID:       id,
			Category: CategoryOther,
			Severity: SeverityMedium,
			Scope:    "cluster",
		}
		if c, ok := row["category"].(string); ok && validCategory(c) {
			spec.Category = c
		}
		if s, ok := row["severity"].(string); ok && validSeverity(strings.ToLower(s)) {
			spec.Severity = strings.ToLower(s)
		}
		if sc, ok := row["scope"].(string); ok && strings.TrimSpace(sc) != "" {
			spec.Scope = sc
		}
		if sum, ok := row["summary"].(string); ok {
			spec.Summary = sum
		}
		if rawKeys, ok := row["evidence_keys"].([]interface{}); ok {
			for _, k := range rawKeys {
				spec.EvidenceKeys = append(spec.EvidenceKeys, coerceString(k))
			}
		}
		if rawEv, ok := row["evidence"].(map[string]interface{}); ok {
			spec.Evidence = make(map[string]string, len(rawEv))
			for k, v := range rawEv {
				spec.Evidence[k] = coerceString(v)
			}
		}
		specs = append(specs, spec)
	}
	return specs
}

func coerceString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%g", s)
	case bool:
		return fmt.Sprintf("%t", s)
	case nil:
		return ""
	default:
		blob, err := json.Marshal(s)
		if err != nil {
			return fmt.Sprintf("%v", s)
		}
		return string(blob)
	}
}

// diagnose asks the model to break the collected signals into distinct
// problems. Only invoked when signals exist.
func (e *Engine) diagnose(ctx context.Context, state *State) []ProblemSpec {
	ctx, span := tracing.StartNodeSpan(ctx, "sre-workflow", "diagnose")
	defer span.End()

	summary := summarizeSignals(state.SignalsEnvelopes, e.cfg.Agent.TruncationLimit)
	resp, err := llm.ChatWithRetry(ctx, e.provider, llm.Request{
		Model: e.cfg.Models.Main,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: diagnosePrompt},
			{Role: llm.RoleUser, Content: "Signals:\n" + summary},
		},
		Temperature: 0,
	}, e.logger)
	if err != nil {
		e.logger.Warn("Diagnosis call failed, continuing single-topic", zap.Error(err))
		return nil
	}

	specs := parseProblemSpecs(resp.Message.Content, e.logger)
	metrics.TopicsDiagnosed.Observe(float64(len(specs)))
	return specs
}
