package agent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/redis-field-engineering/redis-sre-agent/internal/config"
	"github.com/redis-field-engineering/redis-sre-agent/internal/instances"
	"github.com/redis-field-engineering/redis-sre-agent/internal/knowledge"
	"github.com/redis-field-engineering/redis-sre-agent/internal/llm"
	"github.com/redis-field-engineering/redis-sre-agent/internal/tools"
)

// scripted returns queued responses in call order.
type scripted struct {
	mu        sync.Mutex
	responses []llm.Response
	calls     int
}

func (s *scripted) Chat(_ context.Context, _ llm.Request) (llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls >= len(s.responses) {
		return llm.Response{}, errors.New("script exhausted")
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

func (s *scripted) Embed(_ context.Context, _ string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, knowledge.VectorDim)
	}
	return out, nil
}

func (s *scripted) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func assistant(content string) llm.Response {
	return llm.Response{Message: llm.Message{Role: llm.RoleAssistant, Content: content}}
}

func assistantToolCall(id, name, args string) llm.Response {
	return llm.Response{Message: llm.Message{
		Role:      llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{ID: id, Name: name, Arguments: args}},
	}}
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Models.Main = "gpt-4o"
	cfg.Models.Mini = "gpt-4o-mini"
	cfg.Agent.MaxIterations = 6
	cfg.Agent.CorrectorBudget = 2
	cfg.Agent.MaxTopicWorkers = 4
	cfg.Agent.TruncationLimit = 400
	return cfg
}

func newTestEngine(provider llm.Provider) *Engine {
	svc := knowledge.NewService(nil, &nopSearcher{}, provider, "embed", zap.NewNop())
	return NewEngine(provider, testConfig(), tools.NewCache(), svc, nil, zap.NewNop())
}

type nopSearcher struct{}

func (n *nopSearcher) FTSearch(context.Context, string, string, *redis.FTSearchOptions) (redis.FTSearchResult, error) {
	return redis.FTSearchResult{}, nil
}

func TestRunOutOfScopeReturnsOriginalText(t *testing.T) {
	p := &scripted{responses: []llm.Response{
		assistant(`{"classification": "out_of_scope"}`),
	}}
	e := newTestEngine(p)

	state := &State{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello world"}}}
	result, err := e.Run(context.Background(), state, RunOptions{})
	require.NoError(t, err)
	assert.True(t, result.OutOfScope)
	assert.Equal(t, "hello world", result.Response)
	assert.Empty(t, result.Citations)
	assert.Equal(t, 1, p.callCount(), "nothing after the router runs")
}

func TestRunHappyPathWithToolSignal(t *testing.T) {
	p := &scripted{responses: []llm.Response{
		assistant(`{"classification": "in_scope"}`),
		assistantToolCall("c1", "current_time", "{}"),
		assistant("The current time confirms your TTLs are consistent. No action needed."),
		assistant("[]"), // diagnose finds no distinct problems
	}}
	e := newTestEngine(p)

	state := &State{Messages: []llm.Message{{Role: llm.RoleUser, Content: "are my TTLs drifting?"}}}
	var events []string
	result, err := e.Run(context.Background(), state, RunOptions{
		Emit: func(_, updateType string, _ map[string]interface{}) {
			events = append(events, updateType)
		},
	})
	require.NoError(t, err)
	assert.False(t, result.OutOfScope)
	assert.Contains(t, result.Response, "No action needed")
	require.Len(t, state.SignalsEnvelopes, 1)
	assert.Equal(t, "current_time", state.SignalsEnvelopes[0].Name)
	assert.Equal(t, tools.StatusSuccess, state.SignalsEnvelopes[0].Status)
	assert.Contains(t, events, "tool_call")
	assert.False(t, result.Corrected)
}

func TestRunCorrectorNoEditsReturnsDraftVerbatim(t *testing.T) {
	draft := "Check the docs at https://redis.io/docs/latest for the full story."
	p := &scripted{responses: []llm.Response{
		assistant(`{"classification": "in_scope"}`),
		assistant(draft),
		assistant(`{"edited_response": "rewritten anyway", "edits_applied": []}`),
	}}
	e := newTestEngine(p)

	state := &State{Messages: []llm.Message{{Role: llm.RoleUser, Content: "where are the docs?"}}}
	result, err := e.Run(context.Background(), state, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, draft, result.Response, "no edits applied means draft returned verbatim")
	assert.False(t, result.Corrected)
}

func TestRunCorrectorAppliesEdits(t *testing.T) {
	draft := "On Redis Cloud run CONFIG SET maxmemory 2gb to fix this."
	p := &scripted{responses: []llm.Response{
		assistant(`{"classification": "in_scope"}`),
		assistant(draft),
		assistant(`{"edited_response": "On Redis Cloud, adjust memory limits from the dashboard; CONFIG SET is not available.", "edits_applied": ["replaced CONFIG SET with dashboard guidance"]}`),
	}}
	e := newTestEngine(p)

	state := &State{Messages: []llm.Message{{Role: llm.RoleUser, Content: "how do I raise maxmemory?"}}}
	result, err := e.Run(context.Background(), state, RunOptions{})
	require.NoError(t, err)
	assert.True(t, result.Corrected)
	assert.Contains(t, result.Response, "dashboard")
	assert.NotContains(t, result.Response, "CONFIG SET maxmemory")
	require.Len(t, result.Edits, 1)
}

func TestRunCorrectorGatesOnHostedInstanceType(t *testing.T) {
	// the draft has no hosted keyword; only the resolved target's
	// variant makes the CONFIG SET advice risky
	draft := "To fix this, use CONFIG SET maxmemory 2gb and restart the shard."
	p := &scripted{responses: []llm.Response{
		assistant(`{"classification": "in_scope"}`),
		assistant(draft),
		assistant(`{"edited_response": "Adjust the memory limit from the Redis Enterprise console; CONFIG SET is not available on managed shards.", "edits_applied": ["replaced CONFIG SET with console guidance"]}`),
	}}
	e := newTestEngine(p)

	state := &State{
		Messages:        []llm.Message{{Role: llm.RoleUser, Content: "how do I raise maxmemory?"}},
		InstanceContext: &InstanceContext{InstanceID: "i-1", Name: "ent", InstanceType: instances.TypeEnterprise},
	}
	result, err := e.Run(context.Background(), state, RunOptions{})
	require.NoError(t, err)
	assert.True(t, result.Corrected)
	assert.NotContains(t, result.Response, "CONFIG SET maxmemory")
	require.Len(t, result.Edits, 1)
}

func TestToolLoopBudgetZeroNeverExecutesTools(t *testing.T) {
	p := &scripted{responses: []llm.Response{
		// even if the model asks for a tool, budget zero treats the
		// response as final
		assistantToolCall("c1", "current_time", "{}"),
	}}
	e := newTestEngine(p)

	manager := tools.NewManager(tools.NewCache(), "", zap.NewNop())
	tools.RegisterUtilityTools(manager)

	var collected []tools.ResultEnvelope
	final, _, err := e.runToolLoop(context.Background(), toolLoop{
		graph:   "test",
		model:   "gpt-4o",
		manager: manager,
		budget:  0,
		collect: &collected,
	}, []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Empty(t, collected, "no tool may run with a zero budget")
	assert.Len(t, final.ToolCalls, 1)
	assert.Equal(t, 1, p.callCount())
}

func TestToolLoopBudgetBoundsIterations(t *testing.T) {
	p := &scripted{responses: []llm.Response{
		assistantToolCall("c1", "current_time", "{}"),
		assistantToolCall("c2", "current_time", "{}"),
		// budget of 2 spent; this call has no tools bound and must be
		// the final answer
		assistant("done"),
	}}
	e := newTestEngine(p)

	manager := tools.NewManager(tools.NewCache(), "", zap.NewNop())
	tools.RegisterUtilityTools(manager)

	var collected []tools.ResultEnvelope
	final, _, err := e.runToolLoop(context.Background(), toolLoop{
		graph:   "test",
		model:   "gpt-4o",
		manager: manager,
		budget:  2,
		collect: &collected,
	}, []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "done", final.Content)
	assert.Len(t, collected, 2)
}

func TestRunWorkersOverwritesTopicID(t *testing.T) {
	p := &scripted{responses: []llm.Response{
		assistant(`{"topic_id": "model-made-this-up", "title": "Fix memory", "severity": "high", "summary": "raise maxmemory", "actions": []}`),
	}}
	e := newTestEngine(p)

	state := &State{}
	recs := e.runWorkers(context.Background(), state, []ProblemSpec{
		{ID: "mem-1", Category: CategoryMemory, Severity: SeverityHigh, Summary: "memory pressure"},
	})
	require.Len(t, recs, 1)
	assert.Equal(t, "mem-1", recs[0].TopicID, "input topic id always wins")
}

func TestRunWorkersDropsFailedTopics(t *testing.T) {
	p := &scripted{responses: []llm.Response{
		assistant("this is not json"),
	}}
	e := newTestEngine(p)

	recs := e.runWorkers(context.Background(), &State{}, []ProblemSpec{
		{ID: "p1", Severity: SeverityHigh},
	})
	assert.Empty(t, recs)
}
