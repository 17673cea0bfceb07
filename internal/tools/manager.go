package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/redis-field-engineering/redis-sre-agent/internal/llm"
	"github.com/redis-field-engineering/redis-sre-agent/internal/metrics"
)

// Manager holds the tool set assembled for one query and executes
// invocations, wrapping each output into a ResultEnvelope. The set is
// parameterized by the live context: instance-scoped diagnostics when a
// target instance is resolved, support-package inspection when a path
// is present, knowledge search always.
type Manager struct {
	defs    map[string]Definition
	order   []string
	schemas map[string]*jsonschema.Schema
	cache   *Cache
	scope   string
	logger  *zap.Logger
}

// NewManager builds a manager over the cache using the given instance
// scope. An empty scope (knowledge-only queries) caches under "none".
func NewManager(cache *Cache, scope string, logger *zap.Logger) *Manager {
	if scope == "" {
		scope = "none"
	}
	return &Manager{
		defs:    make(map[string]Definition),
		schemas: make(map[string]*jsonschema.Schema),
		cache:   cache,
		scope:   scope,
		logger:  logger,
	}
}

// Register adds a tool. A compilable parameter schema enables advisory
// validation; an uncompilable one is logged and skipped, never fatal.
func (m *Manager) Register(def Definition) {
	if _, dup := m.defs[def.Name]; !dup {
		m.order = append(m.order, def.Name)
	}
	m.defs[def.Name] = def

	if def.Parameters != nil {
		blob, err := json.Marshal(def.Parameters)
		if err == nil {
			compiler := jsonschema.NewCompiler()
			if aerr := compiler.AddResource(def.Name+".json", bytes.NewReader(blob)); aerr == nil {
				if schema, cerr := compiler.Compile(def.Name + ".json"); cerr == nil {
					m.schemas[def.Name] = schema
					return
				}
			}
		}
		m.logger.Warn("Tool parameter schema not compilable, validation disabled",
			zap.String("tool", def.Name))
	}
}

// Specs returns the provider-facing tool schemas in registration order.
func (m *Manager) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(m.order))
	for _, name := range m.order {
		def := m.defs[name]
		specs = append(specs, llm.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return specs
}

// Names returns registered tool names sorted for stable display.
func (m *Manager) Names() []string {
	names := append([]string(nil), m.order...)
	sort.Strings(names)
	return names
}

// Execute runs one tool call and always returns an envelope: unknown
// tools, argument decode failures, and handler errors all become
// status=error envelopes so the workflow can route around missing
// evidence instead of aborting.
func (m *Manager) Execute(ctx context.Context, call llm.ToolCall) ResultEnvelope {
	def, ok := m.defs[call.Name]
	if !ok {
		metrics.ToolInvocations.WithLabelValues(call.Name, StatusError).Inc()
		return errorEnvelope(call.Name, "", nil, fmt.Sprintf("unknown tool %q", call.Name))
	}

	args := map[string]interface{}{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			metrics.ToolInvocations.WithLabelValues(call.Name, StatusError).Inc()
			return errorEnvelope(def.Name, def.Description, call.Arguments,
				fmt.Sprintf("arguments are not valid JSON: %v", err))
		}
	}

	// Advisory validation: log drift, still invoke. Unknown keys pass
	// through so providers that add fields do not break tools.
	if schema := m.schemas[call.Name]; schema != nil {
		if err := schema.Validate(interface{}(args)); err != nil {
			m.logger.Warn("Tool arguments failed schema validation, invoking anyway",
				zap.String("tool", call.Name), zap.Error(err))
		}
	}

	if def.Cacheable {
		if env, hit := m.cache.Get(m.scope, call.Name, args); hit {
			return env
		}
	}

	start := time.Now()
	data, err := def.Handler(ctx, args)
	if err != nil {
		metrics.ToolInvocations.WithLabelValues(call.Name, StatusError).Inc()
		m.logger.Warn("Tool invocation failed",
			zap.String("tool", call.Name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return errorEnvelope(def.Name, def.Description, args, err.Error())
	}

	metrics.ToolInvocations.WithLabelValues(call.Name, StatusSuccess).Inc()
	env := ResultEnvelope{
		ToolKey:     toolKey(m.scope, call.Name),
		Name:        def.Name,
		Description: def.Description,
		Args:        args,
		Status:      StatusSuccess,
		Data:        data,
		Timestamp:   time.Now().UTC(),
	}
	if def.Cacheable {
		m.cache.Put(m.scope, env, args)
	}
	return env
}

func toolKey(scope, name string) string {
	return scope + ":" + name
}

func errorEnvelope(name, description string, args interface{}, message string) ResultEnvelope {
	return ResultEnvelope{
		ToolKey:     name,
		Name:        name,
		Description: description,
		Args:        args,
		Status:      StatusError,
		Data:        map[string]interface{}{"error": message},
		Timestamp:   time.Now().UTC(),
	}
}
