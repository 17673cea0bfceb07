// Package tools assembles the agent's tool surface: definitions with
// JSON-schema parameters, an invocation manager producing
// ResultEnvelopes, a per-process output cache, and the message
// sanitizer run before every LLM call.
package tools

import (
	"context"
	"time"
)

// Envelope statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ScopeAll is the union cache scope for aggregate operations.
const ScopeAll = "__all__"

// Handler executes one tool invocation. Arguments arrive as decoded
// JSON; unknown keys are preserved so provider-side schema drift does
// not break invocation.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Definition declares one tool: the provider-facing schema plus the
// invocation handler.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	Handler     Handler

	// Cacheable marks outputs safe to serve from the per-scope cache.
	// Live diagnostics are cacheable within a turn; clock and network
	// probes are not.
	Cacheable bool
}

// ResultEnvelope is the canonical evidence record for one tool
// invocation. Envelopes preserve the full description and raw data so
// downstream synthesis reasons over what the tool actually returned.
type ResultEnvelope struct {
	ToolKey     string      `json:"tool_key"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Args        interface{} `json:"args"`
	Status      string      `json:"status"`
	Data        interface{} `json:"data"`
	Timestamp   time.Time   `json:"timestamp,omitempty"`
}
