package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/redis-field-engineering/redis-sre-agent/internal/instances"
	"github.com/redis-field-engineering/redis-sre-agent/internal/knowledge"
	"github.com/redis-field-engineering/redis-sre-agent/internal/llm"
	"github.com/redis-field-engineering/redis-sre-agent/internal/metrics"
	"github.com/redis-field-engineering/redis-sre-agent/internal/tools"
	"github.com/redis-field-engineering/redis-sre-agent/internal/util"
)

// RiskPattern flags draft content that needs the corrector pass.
type RiskPattern struct {
	Name        string
	Description string
	re          *regexp.Regexp
}

// riskPatternFile is the YAML catalog shape.
type riskPatternFile struct {
	Patterns []struct {
		Name        string `yaml:"name"`
		Pattern     string `yaml:"pattern"`
		Description string `yaml:"description"`
	} `yaml:"patterns"`
}

// DefaultRiskPatterns covers the known-risky draft content: CONFIG SET
// advice in the context of hosted/managed Redis where the command is
// unavailable, enterprise admin-command blocks that need dedup and
// checking, unvalidated links, and debug commands that should never
// reach an operator unvetted.
func DefaultRiskPatterns() []RiskPattern {
	hosted := `(elasticache|memorystore|azure\s+cache|redis\s+cloud|redis\s+enterprise|hosted|managed)`
	return []RiskPattern{
		{
			Name:        "config-set-on-hosted",
			Description: "CONFIG SET recommended alongside a hosted/managed variant",
			re:          regexp.MustCompile(`(?is)(config\s+set.*` + hosted + `)|(` + hosted + `.*config\s+set)`),
		},
		{
			Name:        "rladmin-block",
			Description: "rladmin command block needs dedup and verification",
			re:          regexp.MustCompile(`(?im)^\s*rladmin\b`),
		},
		{
			Name:        "unverified-url",
			Description: "URL in the draft should be liveness-checked",
			re:          regexp.MustCompile(`https?://[^\s)\]]+`),
		},
		{
			Name:        "debug-command",
			Description: "DEBUG subcommands are unsafe to recommend unvetted",
			re:          regexp.MustCompile(`(?i)\b(redis-cli\s+)?debug\s+\w+`),
		},
	}
}

// LoadRiskPatterns reads additional patterns from a YAML catalog.
// Invalid entries are skipped with a warning.
func LoadRiskPatterns(path string, logger *zap.Logger) ([]RiskPattern, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read risk patterns: %w", err)
	}
	var file riskPatternFile
	if err := yaml.Unmarshal(blob, &file); err != nil {
		return nil, fmt.Errorf("parse risk patterns: %w", err)
	}
	var out []RiskPattern
	for _, p := range file.Patterns {
		re, cerr := regexp.Compile(p.Pattern)
		if cerr != nil {
			logger.Warn("Skipping uncompilable risk pattern",
				zap.String("name", p.Name), zap.Error(cerr))
			continue
		}
		out = append(out, RiskPattern{Name: p.Name, Description: p.Description, re: re})
	}
	return out, nil
}

// configSetPattern backs the hosted-variant gate below: when the
// resolved target is a managed deployment, CONFIG SET advice gates
// even without a hosted keyword in the draft itself.
var configSetPattern = regexp.MustCompile(`(?i)config\s+set`)

// gate returns the names of the risk patterns present in the draft,
// given the resolved target's deployment variant (empty when no
// instance resolved). An empty draft never gates.
func gate(draft, instanceType string, patterns []RiskPattern) []string {
	if draft == "" {
		return nil
	}
	var matched []string
	for _, p := range patterns {
		if p.re.MatchString(draft) {
			matched = append(matched, p.Name)
		}
	}
	if instances.Hosted(instanceType) && configSetPattern.MatchString(draft) {
		for _, name := range matched {
			if name == "config-set-on-hosted" {
				return matched
			}
		}
		matched = append(matched, "config-set-on-hosted")
	}
	return matched
}

// correct runs the edit-only corrector subgraph over a gated draft.
// The corrector may consult knowledge and utility tools within its
// budget; if it applies no edits, the original draft is returned
// verbatim.
func (e *Engine) correct(ctx context.Context, draft string, matched []string) (string, []string) {
	manager := tools.NewManager(e.cache, "", e.logger)
	knowledge.RegisterTools(manager, e.knowledge, nil)
	tools.RegisterUtilityTools(manager)

	prompt := fmt.Sprintf(
		"Risk patterns flagged: %v\n\nDraft:\n%s\n\nRespond with JSON: {\"edited_response\": string, \"edits_applied\": [string]}. Leave edits_applied empty if the draft needs no changes.",
		matched, draft,
	)
	final, _, err := e.runToolLoop(ctx, toolLoop{
		graph:   "corrector",
		model:   e.cfg.Models.Main,
		manager: manager,
		budget:  e.cfg.Agent.CorrectorBudget,
	}, []llm.Message{
		{Role: llm.RoleSystem, Content: correctorSystemPrompt},
		{Role: llm.RoleUser, Content: prompt},
	})
	if err != nil {
		e.logger.Warn("Corrector failed, returning draft unchanged", zap.Error(err))
		metrics.CorrectorInvocations.WithLabelValues("error").Inc()
		return draft, nil
	}

	var result CorrectionResult
	if err := json.Unmarshal([]byte(util.StripCodeFence(final.Content)), &result); err != nil {
		e.logger.Warn("Corrector output not parseable, returning draft unchanged",
			zap.Error(err))
		metrics.CorrectorInvocations.WithLabelValues("unparseable").Inc()
		return draft, nil
	}
	if len(result.EditsApplied) == 0 || result.EditedResponse == "" {
		metrics.CorrectorInvocations.WithLabelValues("no_edits").Inc()
		return draft, nil
	}
	metrics.CorrectorInvocations.WithLabelValues("edited").Inc()
	e.logger.Info("Corrector applied edits", zap.Strings("edits", result.EditsApplied))
	return result.EditedResponse, result.EditsApplied
}
