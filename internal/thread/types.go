package thread

import (
	"errors"
	"time"
)

var (
	// ErrThreadNotFound is returned when a thread doesn't exist.
	ErrThreadNotFound = errors.New("thread not found")
)

// Message roles allowed in durable thread history. Tool exchanges are
// transient to an agent run and never land here.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one durable conversation turn.
type Message struct {
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ValidRole reports whether a role may be persisted.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAssistant || role == RoleSystem
}

// Metadata is the per-thread bookkeeping hash.
type Metadata struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Priority  int       `json:"priority"`
	Tags      []string  `json:"tags,omitempty"`
	Subject   string    `json:"subject,omitempty"`
}

// Thread is the conversation aggregate.
type Thread struct {
	ID       string                 `json:"thread_id"`
	Messages []Message              `json:"messages"`
	Context  map[string]interface{} `json:"context"`
	Metadata Metadata               `json:"metadata"`
}

// Reserved context keys.
const (
	CtxInstanceID         = "instance_id"
	CtxInstanceName       = "instance_name"
	CtxSubject            = "subject"
	CtxOriginalQuery      = "original_query"
	CtxSupportPackagePath = "support_package_path"
	CtxPriority           = "priority"
	CtxTags               = "tags"
	CtxKnowledgeSources   = "knowledge_sources"

	// legacyMessagesKey held messages inside context before they moved
	// to a dedicated list. Reads migrate it away; writes never use it.
	legacyMessagesKey = "messages"
)
