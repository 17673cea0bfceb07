package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/redis-field-engineering/redis-sre-agent/internal/knowledge"
	"github.com/redis-field-engineering/redis-sre-agent/internal/llm"
	"github.com/redis-field-engineering/redis-sre-agent/internal/tools"
	"github.com/redis-field-engineering/redis-sre-agent/internal/util"
)

// workerToolBudget caps the knowledge-only tool loop inside each
// recommendation worker.
const workerToolBudget = 3

// runWorkers fans the diagnosed problems out to per-topic
// recommendation workers with bounded parallelism. Workers share only
// the immutable envelope list and instance facts. A failed worker
// drops its topic; the reduce step reports leftovers.
func (e *Engine) runWorkers(ctx context.Context, state *State, problems []ProblemSpec) []Recommendation {
	recs := make([]Recommendation, len(problems))
	done := make([]bool, len(problems))
	var mu sync.Mutex

	limit := e.cfg.Agent.MaxTopicWorkers
	if limit <= 0 {
		limit = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, problem := range problems {
		i, problem := i, problem
		g.Go(func() error {
			rec, err := e.recommendTopic(gctx, state, problem)
			if err != nil {
				e.logger.Warn("Recommendation worker failed",
					zap.String("topic", problem.ID), zap.Error(err))
				return nil
			}
			mu.Lock()
			recs[i] = rec
			done[i] = true
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Recommendation, 0, len(problems))
	for i := range recs {
		if done[i] {
			out = append(out, recs[i])
		}
	}
	return out
}

// recommendTopic runs one worker subgraph: a knowledge-only tool loop
// followed by structured synthesis of a Recommendation.
func (e *Engine) recommendTopic(ctx context.Context, state *State, problem ProblemSpec) (Recommendation, error) {
	var citations []knowledge.Citation
	var citationsMu sync.Mutex

	manager := tools.NewManager(e.cache, instanceScope(state), e.logger)
	knowledge.RegisterTools(manager, e.knowledge, func(cs []knowledge.Citation) {
		citationsMu.Lock()
		citations = append(citations, cs...)
		citationsMu.Unlock()
	})

	budget := e.cfg.Agent.WorkerToolBudget
	if budget <= 0 {
		budget = workerToolBudget
	}
	prompt := e.topicPrompt(state, problem)
	final, _, err := e.runToolLoop(ctx, toolLoop{
		graph:   "recommendation-worker",
		model:   e.cfg.Models.Main,
		manager: manager,
		budget:  budget,
	}, []llm.Message{
		{Role: llm.RoleSystem, Content: recommendSystemPrompt},
		{Role: llm.RoleUser, Content: prompt},
	})
	if err != nil {
		return Recommendation{}, err
	}

	var rec Recommendation
	if uerr := json.Unmarshal([]byte(util.StripCodeFence(final.Content)), &rec); uerr != nil {
		return Recommendation{}, fmt.Errorf("worker output not parseable: %w", uerr)
	}

	// the model may mis-tag; the input topic's id always wins
	rec.TopicID = problem.ID
	if !validSeverity(rec.Severity) {
		rec.Severity = problem.Severity
	}
	citationsMu.Lock()
	rec.Citations = append(rec.Citations, citations...)
	citationsMu.Unlock()
	return rec, nil
}

// topicPrompt renders the topic, the evidence subset named by its
// evidence_keys, and the instance facts.
func (e *Engine) topicPrompt(state *State, problem ProblemSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Problem %s (%s, severity %s, scope %s): %s\n\n",
		problem.ID, problem.Category, problem.Severity, problem.Scope, problem.Summary)

	if state.InstanceContext != nil {
		fmt.Fprintf(&b, "Instance: %s (%s, %s)\n\n",
			state.InstanceContext.Name,
			state.InstanceContext.Environment,
			state.InstanceContext.Usage)
	}

	evidence := envelopesByKeys(state.SignalsEnvelopes, problem.EvidenceKeys)
	if len(evidence) > 0 {
		b.WriteString("Evidence:\n")
		b.WriteString(summarizeSignals(evidence, e.cfg.Agent.TruncationLimit))
		b.WriteByte('\n')
	}

	b.WriteString(`Respond with JSON: {"topic_id": string, "title": string, "severity": string, "summary": string, "actions": [{"target": string, "verb": string, "args": [string], "description": string}]}`)
	return b.String()
}

// envelopesByKeys selects the envelopes a topic names as evidence.
// Empty keys means the worker sees everything.
func envelopesByKeys(envelopes []tools.ResultEnvelope, evidenceKeys []string) []tools.ResultEnvelope {
	if len(evidenceKeys) == 0 {
		return envelopes
	}
	wanted := make(map[string]bool, len(evidenceKeys))
	for _, k := range evidenceKeys {
		wanted[k] = true
	}
	var out []tools.ResultEnvelope
	for _, env := range envelopes {
		if wanted[env.ToolKey] || wanted[env.Name] {
			out = append(out, env)
		}
	}
	return out
}

func instanceScope(state *State) string {
	if state.InstanceContext != nil {
		return state.InstanceContext.InstanceID
	}
	return ""
}
