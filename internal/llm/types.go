// Package llm defines the narrow provider contract the agent calls
// through, plus the OpenAI-backed implementation. Keeping the contract
// small lets engine tests inject scripted fakes.
package llm

import "context"

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a tool invocation requested by an assistant message.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

// Message is one chat turn. Tool results carry ToolCallID referencing
// the assistant tool call they answer.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolSpec is the provider-facing description of one tool.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"` // JSON schema
}

// Request is one chat completion call.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolSpec
	JSONMode    bool // force a JSON object response
	Temperature float32
	MaxTokens   int
}

// Response carries the assistant message of the first choice.
type Response struct {
	Message Message
}

// Provider is the embedded LLM and embedding client contract.
type Provider interface {
	Chat(ctx context.Context, req Request) (Response, error)
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}
