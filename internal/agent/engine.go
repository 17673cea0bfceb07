package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/redis-field-engineering/redis-sre-agent/internal/config"
	"github.com/redis-field-engineering/redis-sre-agent/internal/knowledge"
	"github.com/redis-field-engineering/redis-sre-agent/internal/llm"
	"github.com/redis-field-engineering/redis-sre-agent/internal/task"
	"github.com/redis-field-engineering/redis-sre-agent/internal/tools"
	"github.com/redis-field-engineering/redis-sre-agent/internal/tracing"
)

const workflowGraph = "sre-workflow"

// Engine runs the agent workflow. One engine serves all workers; all
// per-run state lives in State.
type Engine struct {
	provider     llm.Provider
	cfg          *config.Config
	cache        *tools.Cache
	knowledge    *knowledge.Service
	riskPatterns []RiskPattern
	logger       *zap.Logger
}

func NewEngine(provider llm.Provider, cfg *config.Config, cache *tools.Cache, knowledgeSvc *knowledge.Service, riskPatterns []RiskPattern, logger *zap.Logger) *Engine {
	if len(riskPatterns) == 0 {
		riskPatterns = DefaultRiskPatterns()
	}
	return &Engine{
		provider:     provider,
		cfg:          cfg,
		cache:        cache,
		knowledge:    knowledgeSvc,
		riskPatterns: riskPatterns,
		logger:       logger,
	}
}

// RunOptions parameterizes the tool surface for one run.
type RunOptions struct {
	// InstanceClient is a connection to the resolved target instance;
	// nil takes the knowledge-only branch.
	InstanceClient *redis.Client

	// SupportPackagePath enables package-inspection tools when set.
	SupportPackagePath string

	// Emit receives progress events; nil discards them.
	Emit func(message, updateType string, metadata map[string]interface{})
}

// Run executes the workflow over the state's message history and
// returns the final response.
func (e *Engine) Run(ctx context.Context, state *State, opts RunOptions) (*Result, error) {
	emit := opts.Emit
	if emit == nil {
		emit = func(string, string, map[string]interface{}) {}
	}
	userMessage := lastUserMessage(state.Messages)

	// route
	routeCtx, routeSpan := tracing.StartNodeSpan(ctx, workflowGraph, "route")
	inScope := e.route(routeCtx, userMessage)
	routeSpan.End()
	if !inScope {
		e.logger.Info("Message routed out of scope",
			zap.String("session_id", state.SessionID))
		return &Result{Response: userMessage, OutOfScope: true}, nil
	}

	// assemble the tool set for this query
	var citations []knowledge.Citation
	var citationsMu sync.Mutex
	manager := tools.NewManager(e.cache, instanceScope(state), e.logger)
	knowledge.RegisterTools(manager, e.knowledge, func(cs []knowledge.Citation) {
		citationsMu.Lock()
		citations = append(citations, cs...)
		citationsMu.Unlock()
		emit("Found relevant knowledge sources", task.UpdateKnowledge,
			map[string]interface{}{"sources": cs})
	})
	tools.RegisterUtilityTools(manager)
	if opts.InstanceClient != nil {
		name := "target"
		if state.InstanceContext != nil && state.InstanceContext.Name != "" {
			name = state.InstanceContext.Name
		}
		tools.RegisterInstanceTools(manager, opts.InstanceClient, name)
	}
	if opts.SupportPackagePath != "" {
		tools.RegisterSupportPackageTools(manager, opts.SupportPackagePath)
	}

	// plan / tool loop
	if state.MaxIterations <= 0 {
		state.MaxIterations = e.cfg.Agent.MaxIterations
	}
	planMessages := append([]llm.Message{
		{Role: llm.RoleSystem, Content: sreSystemPrompt + "\n\n" + synthSubjectHint + instanceFacts(state)},
	}, state.Messages...)

	final, history, err := e.runToolLoop(ctx, toolLoop{
		graph:   workflowGraph,
		model:   e.cfg.Models.Main,
		manager: manager,
		budget:  state.MaxIterations,
		collect: &state.SignalsEnvelopes,
		emit:    emit,
	}, planMessages)
	if err != nil {
		return nil, err
	}
	state.Messages = history
	state.IterationCount = len(state.SignalsEnvelopes)

	response := final.Content

	// diagnose and fan out only when tool signals were gathered
	var problems []ProblemSpec
	if len(state.SignalsEnvelopes) > 0 {
		problems = e.diagnose(ctx, state)
	}
	if len(problems) > 0 {
		emit("Diagnosed problem topics", task.UpdateAgentProcessing,
			map[string]interface{}{"topics": len(problems)})

		workersCtx, workersSpan := tracing.StartNodeSpan(ctx, workflowGraph, "workers")
		recs := e.runWorkers(workersCtx, state, problems)
		workersSpan.End()

		if len(recs) > 0 || len(problems) > 0 {
			_, reduceSpan := tracing.StartNodeSpan(ctx, workflowGraph, "reduce")
			response = reduce(problems, recs)
			reduceSpan.End()
			for _, rec := range recs {
				citationsMu.Lock()
				citations = append(citations, rec.Citations...)
				citationsMu.Unlock()
			}
		}
	}

	// gated safety corrector
	var edits []string
	corrected := false
	instanceType := ""
	if state.InstanceContext != nil {
		instanceType = state.InstanceContext.InstanceType
	}
	if matched := gate(response, instanceType, e.riskPatterns); len(matched) > 0 {
		e.logger.Info("Corrector gate matched", zap.Strings("patterns", matched))
		correctCtx, correctSpan := tracing.StartNodeSpan(ctx, workflowGraph, "correct")
		response, edits = e.correct(correctCtx, response, matched)
		correctSpan.End()
		corrected = len(edits) > 0
	}

	_, synthSpan := tracing.StartNodeSpan(ctx, workflowGraph, "synth")
	synthSpan.End()

	citationsMu.Lock()
	finalCitations := dedupeCitations(citations)
	citationsMu.Unlock()

	return &Result{
		Response:  response,
		Citations: finalCitations,
		Problems:  problems,
		Corrected: corrected,
		Edits:     edits,
	}, nil
}

func lastUserMessage(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func instanceFacts(state *State) string {
	if state.InstanceContext == nil {
		return ""
	}
	ic := state.InstanceContext
	facts := "\n\nTarget instance: " + ic.Name
	if ic.InstanceType != "" {
		facts += " [" + ic.InstanceType + "]"
	}
	if ic.Environment != "" {
		facts += " (" + ic.Environment + ")"
	}
	if ic.Usage != "" {
		facts += ", used for " + ic.Usage
	}
	if ic.MaskedURL != "" {
		facts += ", at " + ic.MaskedURL
	}
	return facts
}

func dedupeCitations(citations []knowledge.Citation) []knowledge.Citation {
	seen := make(map[string]bool, len(citations))
	var out []knowledge.Citation
	for _, c := range citations {
		key := fmt.Sprintf("%s:%d", c.DocumentHash, c.ChunkIndex)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}
