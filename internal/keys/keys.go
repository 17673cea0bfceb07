// Package keys centralizes Redis key derivation for the SRE agent.
// Every key written by this module is derived here so the wire format
// stays stable across packages and releases.
package keys

import "fmt"

// TTL for all per-thread, per-task, and stream keys (seconds).
const TTLSeconds = 86400

// Thread keys. Each thread owns a small family of keys sharing one TTL.
func ThreadStatus(threadID string) string   { return fmt.Sprintf("sre:thread:%s:status", threadID) }
func ThreadUpdates(threadID string) string  { return fmt.Sprintf("sre:thread:%s:updates", threadID) }
func ThreadContext(threadID string) string  { return fmt.Sprintf("sre:thread:%s:context", threadID) }
func ThreadMetadata(threadID string) string { return fmt.Sprintf("sre:thread:%s:metadata", threadID) }
func ThreadMessages(threadID string) string { return fmt.Sprintf("sre:thread:%s:messages", threadID) }
func ThreadResult(threadID string) string   { return fmt.Sprintf("sre:thread:%s:result", threadID) }
func ThreadError(threadID string) string    { return fmt.Sprintf("sre:thread:%s:error", threadID) }
func ThreadActionItems(threadID string) string {
	return fmt.Sprintf("sre:thread:%s:action_items", threadID)
}

// ThreadFamily returns every key a thread may own. Used by delete.
func ThreadFamily(threadID string) []string {
	return []string{
		ThreadStatus(threadID),
		ThreadUpdates(threadID),
		ThreadContext(threadID),
		ThreadMetadata(threadID),
		ThreadMessages(threadID),
		ThreadResult(threadID),
		ThreadError(threadID),
		ThreadActionItems(threadID),
	}
}

// Thread indices.
const (
	ThreadsIndex = "sre:threads:index" // global zset by updated timestamp
)

func ThreadsUser(userID string) string { return fmt.Sprintf("sre:threads:user:%s", userID) }

// Search-index backing hashes. The prefix (with trailing colon) is what
// FT.CREATE is bound to; the full key is prefix + id.
const (
	ThreadDocPrefix    = "sre_threads:"
	InstanceDocPrefix  = "sre_instances:"
	KnowledgeDocPrefix = "sre_knowledge:"
	QADocPrefix        = "sre:qa:"
)

func ThreadDoc(threadID string) string     { return ThreadDocPrefix + threadID }
func InstanceDoc(instanceID string) string { return InstanceDocPrefix + instanceID }
func KnowledgeDoc(docID string) string     { return KnowledgeDocPrefix + docID }
func KnowledgeChunk(docHash string, chunkIndex int) string {
	return fmt.Sprintf("%s%s:chunk:%d", KnowledgeDocPrefix, docHash, chunkIndex)
}
func QADoc(qaID string) string { return QADocPrefix + qaID }

// Search index names.
const (
	ThreadsSearchIndex   = "sre_threads_idx"
	InstancesSearchIndex = "sre_instances_idx"
	KnowledgeSearchIndex = "sre_knowledge_idx"
	QASearchIndex        = "sre_qa_idx"
)

// Task keys.
func TaskStatus(taskID string) string   { return fmt.Sprintf("sre:task:%s:status", taskID) }
func TaskUpdates(taskID string) string  { return fmt.Sprintf("sre:task:%s:updates", taskID) }
func TaskMetadata(taskID string) string { return fmt.Sprintf("sre:task:%s:metadata", taskID) }
func TaskResult(taskID string) string   { return fmt.Sprintf("sre:task:%s:result", taskID) }
func TaskError(taskID string) string    { return fmt.Sprintf("sre:task:%s:error", taskID) }

func TaskFamily(taskID string) []string {
	return []string{
		TaskStatus(taskID),
		TaskUpdates(taskID),
		TaskMetadata(taskID),
		TaskResult(taskID),
		TaskError(taskID),
	}
}

// ThreadTasks is the per-thread task zset scored by creation timestamp.
func ThreadTasks(threadID string) string { return fmt.Sprintf("sre:thread:%s:tasks", threadID) }

// TaskStream is the per-task Redis Stream carrying typed update events.
func TaskStream(taskID string) string { return fmt.Sprintf("sre:stream:task:%s", taskID) }

// Task queue: a single stream consumed by runner workers through a
// consumer group. Redelivery uses XAUTOCLAIM with the lease timeout.
const (
	TaskQueueStream = "sre:queue:tasks"
	TaskQueueGroup  = "sre-runners"
)

// QAEmbedQueue is the deferred-embedding job list for Q&A records.
const QAEmbedQueue = "sre:queue:qa_embed"

// Q&A membership sets for fan-in listing.
func ThreadQA(threadID string) string { return fmt.Sprintf("sre:thread:%s:qa", threadID) }
func UserQA(userID string) string     { return fmt.Sprintf("sre:user:%s:qa", userID) }
func TaskQA(taskID string) string     { return fmt.Sprintf("sre:task:%s:qa", taskID) }

// InstancesLegacy is the pre-index JSON list of instances. Read once,
// migrated into InstanceDoc hashes, then deleted.
const InstancesLegacy = "sre:instances"
