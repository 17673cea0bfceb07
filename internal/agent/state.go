// Package agent implements the multi-stage workflow that turns a user
// message into an SRE answer: routing, a tool-use planning loop,
// multi-topic diagnosis, parallel per-topic recommendation workers, a
// merge step, a gated safety corrector, and final synthesis.
package agent

import (
	"github.com/redis-field-engineering/redis-sre-agent/internal/knowledge"
	"github.com/redis-field-engineering/redis-sre-agent/internal/llm"
	"github.com/redis-field-engineering/redis-sre-agent/internal/tools"
)

// Problem categories. Diagnosis output outside this set normalizes to
// CategoryOther.
const (
	CategoryMemory        = "Memory"
	CategoryPerformance   = "Performance"
	CategoryPersistence   = "Persistence"
	CategoryReplication   = "Replication"
	CategoryConnectivity  = "Connectivity"
	CategoryConfiguration = "Configuration"
	CategorySecurity      = "Security"
	CategoryOther         = "Other"
)

// Severities, most urgent first. Unknown values normalize to
// SeverityMedium.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

// severityRank orders severities for sorting; lower sorts first.
func severityRank(s string) int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	case SeverityInfo:
		return 4
	default:
		return 2
	}
}

func validCategory(c string) bool {
	switch c {
	case CategoryMemory, CategoryPerformance, CategoryPersistence,
		CategoryReplication, CategoryConnectivity, CategoryConfiguration,
		CategorySecurity, CategoryOther:
		return true
	}
	return false
}

func validSeverity(s string) bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// ProblemSpec is one diagnosed topic to investigate.
type ProblemSpec struct {
	ID           string            `json:"id"`
	Category     string            `json:"category"`
	Severity     string            `json:"severity"`
	Scope        string            `json:"scope"`
	Summary      string            `json:"summary"`
	EvidenceKeys []string          `json:"evidence_keys,omitempty"`
	Evidence     map[string]string `json:"evidence,omitempty"`
}

// Action is one concrete remediation step.
type Action struct {
	Target      string   `json:"target"`
	Verb        string   `json:"verb"`
	Args        []string `json:"args,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Recommendation is a worker's structured output for one topic.
type Recommendation struct {
	TopicID   string               `json:"topic_id"`
	Title     string               `json:"title"`
	Severity  string               `json:"severity"`
	Summary   string               `json:"summary"`
	Actions   []Action             `json:"actions,omitempty"`
	Citations []knowledge.Citation `json:"citations,omitempty"`
}

// CorrectionResult is the safety corrector's structured output.
type CorrectionResult struct {
	EditedResponse string   `json:"edited_response"`
	EditsApplied   []string `json:"edits_applied"`
}

// InstanceContext carries the resolved target instance facts through
// the workflow. Never includes connection credentials.
type InstanceContext struct {
	InstanceID   string `json:"instance_id,omitempty"`
	Name         string `json:"name,omitempty"`
	InstanceType string `json:"instance_type,omitempty"`
	Environment  string `json:"environment,omitempty"`
	Usage        string `json:"usage,omitempty"`
	MaskedURL    string `json:"masked_url,omitempty"`
}

// State is the working memory of one agent run.
type State struct {
	Messages         []llm.Message
	SessionID        string
	UserID           string
	CurrentToolCalls []llm.ToolCall
	IterationCount   int
	MaxIterations    int
	InstanceContext  *InstanceContext
	SignalsEnvelopes []tools.ResultEnvelope
}

// Result is what a completed run hands back to the task runner.
type Result struct {
	Response   string
	OutOfScope bool
	Citations  []knowledge.Citation
	Problems   []ProblemSpec
	Corrected  bool
	Edits      []string
}
