// Package task implements the per-turn execution record and the
// stream-backed work queue the runner workers consume.
package task

import (
	"errors"
	"time"
)

// ErrTaskNotFound is returned when a task doesn't exist.
var ErrTaskNotFound = errors.New("task not found")

// Status values. done, failed, and cancelled are terminal.
const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Terminal reports whether a status admits no further writes.
func Terminal(status string) bool {
	return status == StatusDone || status == StatusFailed || status == StatusCancelled
}

func validStatus(status string) bool {
	switch status {
	case StatusQueued, StatusInProgress, StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Update is one progress record in a task's FIFO update log.
type Update struct {
	Message   string                 `json:"message"`
	Type      string                 `json:"type"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Update types emitted by the workflow. The set is open-ended;
// consumers fall back to a neutral rendering for unknown types.
const (
	UpdateAgentStart      = "agent_start"
	UpdateAgentComplete   = "agent_complete"
	UpdateAgentError      = "agent_error"
	UpdateAgentReflection = "agent_reflection"
	UpdateAgentProcessing = "agent_processing"
	UpdateToolCall        = "tool_call"
	UpdateKnowledge       = "knowledge_sources"
	UpdateProgress        = "progress"
	UpdateInstanceContext = "instance_context"
	UpdateInstanceCreated = "instance_created"
	UpdateInstanceError   = "instance_error"
	UpdateTaskStart       = "task_start"
	UpdateError           = "error"
	UpdateCancellation    = "cancellation"
)

// State is the full task record as read back from Redis.
type State struct {
	ID           string                 `json:"task_id"`
	ThreadID     string                 `json:"thread_id"`
	UserID       string                 `json:"user_id,omitempty"`
	InstanceID   string                 `json:"instance_id,omitempty"`
	Status       string                 `json:"status"`
	Updates      []Update               `json:"updates"`
	Result       map[string]interface{} `json:"result,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}
