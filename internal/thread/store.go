// Package thread implements the durable conversation store: ordered
// messages, a context map, metadata, and a search-index document kept
// in sync on every mutation. All per-thread keys share a 24h TTL.
package thread

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/redis-field-engineering/redis-sre-agent/internal/keys"
	"github.com/redis-field-engineering/redis-sre-agent/internal/llm"
	"github.com/redis-field-engineering/redis-sre-agent/internal/util"
)

const (
	maxSubjectLength = 50

	subjectPrompt = "Summarize this user query in at most 50 characters for a conversation subject line. Output only the subject, nothing else."
)

// Store is the Redis-backed thread store.
type Store struct {
	client    *redis.Client
	logger    *zap.Logger
	ttl       time.Duration
	provider  llm.Provider
	miniModel string
}

// NewStore builds a thread store. provider may be nil; subject
// generation then always uses the truncation fallback.
func NewStore(client *redis.Client, provider llm.Provider, miniModel string, logger *zap.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		ttl:       keys.TTLSeconds * time.Second,
		provider:  provider,
		miniModel: miniModel,
	}
}

// Create allocates a new thread and persists metadata, context, and the
// search-index document.
func (s *Store) Create(ctx context.Context, userID, sessionID string, initialContext map[string]interface{}, tags []string) (string, error) {
	threadID := keys.NewID()
	now := time.Now().UTC()

	meta := Metadata{
		CreatedAt: now,
		UpdatedAt: now,
		UserID:    userID,
		SessionID: sessionID,
		Tags:      tags,
	}
	if p, ok := initialContext[CtxPriority]; ok {
		meta.Priority = toInt(p)
	}

	if err := s.writeMetadata(ctx, threadID, meta); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	if len(initialContext) > 0 {
		if err := s.writeContext(ctx, threadID, initialContext); err != nil {
			return "", fmt.Errorf("create thread context: %w", err)
		}
	}
	if err := s.index(ctx, threadID, meta, initialContext); err != nil {
		return "", err
	}

	s.logger.Info("Created thread",
		zap.String("thread_id", threadID),
		zap.String("user_id", userID),
	)
	return threadID, nil
}

// Get loads a thread. Legacy threads that persisted messages inside
// context are migrated on read: the entries move to the dedicated list
// and the context key is removed.
func (s *Store) Get(ctx context.Context, threadID string) (*Thread, error) {
	metaVals, err := s.client.HGetAll(ctx, keys.ThreadMetadata(threadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get thread metadata: %w", err)
	}
	if len(metaVals) == 0 {
		return nil, ErrThreadNotFound
	}
	meta := metadataFromHash(metaVals)

	ctxVals, err := s.client.HGetAll(ctx, keys.ThreadContext(threadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get thread context: %w", err)
	}
	threadCtx := contextFromHash(ctxVals)

	if legacy, ok := threadCtx[legacyMessagesKey]; ok {
		if err := s.migrateLegacyMessages(ctx, threadID, legacy); err != nil {
			return nil, err
		}
		delete(threadCtx, legacyMessagesKey)
	}

	raw, err := s.client.LRange(ctx, keys.ThreadMessages(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get thread messages: %w", err)
	}
	msgs := make([]Message, 0, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			s.logger.Warn("Skipping undecodable thread message",
				zap.String("thread_id", threadID), zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}

	return &Thread{ID: threadID, Messages: msgs, Context: threadCtx, Metadata: meta}, nil
}

// migrateLegacyMessages moves pre-separation context.messages into the
// dedicated list. Legacy entries are older than anything in the list,
// so they are prepended.
func (s *Store) migrateLegacyMessages(ctx context.Context, threadID string, legacy interface{}) error {
	blob, err := json.Marshal(legacy)
	if err != nil {
		return fmt.Errorf("migrate legacy messages: %w", err)
	}
	var msgs []Message
	if err := json.Unmarshal(blob, &msgs); err != nil {
		s.logger.Warn("Legacy context.messages not decodable, dropping",
			zap.String("thread_id", threadID), zap.Error(err))
		return s.client.HDel(ctx, keys.ThreadContext(threadID), legacyMessagesKey).Err()
	}

	listKey := keys.ThreadMessages(threadID)
	pipe := s.client.TxPipeline()
	for i := len(msgs) - 1; i >= 0; i-- {
		if !ValidRole(msgs[i].Role) {
			continue
		}
		item, err := json.Marshal(msgs[i])
		if err != nil {
			continue
		}
		pipe.LPush(ctx, listKey, item)
	}
	pipe.HDel(ctx, keys.ThreadContext(threadID), legacyMessagesKey)
	pipe.Expire(ctx, listKey, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("migrate legacy messages: %w", err)
	}
	s.logger.Info("Migrated legacy context messages",
		zap.String("thread_id", threadID), zap.Int("count", len(msgs)))
	return nil
}

// AppendMessages appends messages in order. Entries with a role outside
// {user, assistant, system} are dropped and logged; tool exchanges must
// never reach durable history.
func (s *Store) AppendMessages(ctx context.Context, threadID string, msgs []Message) error {
	meta, err := s.requireMetadata(ctx, threadID)
	if err != nil {
		return err
	}

	listKey := keys.ThreadMessages(threadID)
	pipe := s.client.TxPipeline()
	appended := 0
	for _, m := range msgs {
		if !ValidRole(m.Role) {
			s.logger.Warn("Rejecting message with invalid role",
				zap.String("thread_id", threadID), zap.String("role", m.Role))
			continue
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now().UTC()
		}
		item, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		pipe.RPush(ctx, listKey, item)
		appended++
	}
	if appended == 0 {
		return nil
	}
	pipe.Expire(ctx, listKey, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append messages: %w", err)
	}
	return s.touch(ctx, threadID, meta)
}

// UpdateContext merges partial into the context map. When merge is
// false, values replace the whole context.
func (s *Store) UpdateContext(ctx context.Context, threadID string, partial map[string]interface{}, merge bool) error {
	meta, err := s.requireMetadata(ctx, threadID)
	if err != nil {
		return err
	}
	if !merge {
		if err := s.client.Del(ctx, keys.ThreadContext(threadID)).Err(); err != nil {
			return fmt.Errorf("replace context: %w", err)
		}
	}
	if err := s.writeContext(ctx, threadID, partial); err != nil {
		return err
	}
	return s.touch(ctx, threadID, meta)
}

// SetSubject stores the subject in metadata and context, syncing the
// search document.
func (s *Store) SetSubject(ctx context.Context, threadID, subject string) error {
	meta, err := s.requireMetadata(ctx, threadID)
	if err != nil {
		return err
	}
	subject = util.TruncateString(strings.TrimSpace(subject), maxSubjectLength, true)
	meta.Subject = subject
	if err := s.writeMetadata(ctx, threadID, meta); err != nil {
		return err
	}
	if err := s.writeContext(ctx, threadID, map[string]interface{}{CtxSubject: subject}); err != nil {
		return err
	}
	return s.touch(ctx, threadID, meta)
}

// GenerateSubject asks the mini model for a subject line from the first
// user message, falling back to a truncated message on any failure.
// A subject already present wins.
func (s *Store) GenerateSubject(ctx context.Context, threadID, firstUserMessage string) (string, error) {
	meta, err := s.requireMetadata(ctx, threadID)
	if err != nil {
		return "", err
	}
	if meta.Subject != "" {
		return meta.Subject, nil
	}

	subject := ""
	if s.provider != nil {
		resp, err := llm.ChatWithRetry(ctx, s.provider, llm.Request{
			Model: s.miniModel,
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: subjectPrompt},
				{Role: llm.RoleUser, Content: firstUserMessage},
			},
			Temperature: 0.3,
			MaxTokens:   20,
		}, s.logger)
		if err != nil {
			s.logger.Warn("Subject generation failed, using fallback",
				zap.String("thread_id", threadID), zap.Error(err))
		} else {
			subject = strings.Trim(strings.TrimSpace(resp.Message.Content), `"'`)
		}
	}
	if subject == "" {
		subject = util.TruncateString(strings.TrimSpace(firstUserMessage), maxSubjectLength, true)
	}
	subject = util.TruncateString(subject, maxSubjectLength, false)

	if err := s.SetSubject(ctx, threadID, subject); err != nil {
		return "", err
	}
	return subject, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	UserID string
}

// List returns thread ids most-recently-updated first. Stale index
// entries for expired threads are pruned as they are encountered.
func (s *Store) List(ctx context.Context, filter ListFilter, limit, offset int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	indexKey := keys.ThreadsIndex
	if filter.UserID != "" {
		indexKey = keys.ThreadsUser(filter.UserID)
	}
	ids, err := s.client.ZRevRange(ctx, indexKey, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	live := make([]string, 0, len(ids))
	for _, id := range ids {
		exists, err := s.client.Exists(ctx, keys.ThreadMetadata(id)).Result()
		if err != nil {
			return nil, err
		}
		if exists == 0 {
			s.client.ZRem(ctx, indexKey, id)
			continue
		}
		live = append(live, id)
	}
	return live, nil
}

// ListSources returns the knowledge sources accumulated in context by
// past agent turns.
func (s *Store) ListSources(ctx context.Context, threadID string) ([]map[string]interface{}, error) {
	t, err := s.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	raw, ok := t.Context[CtxKnowledgeSources]
	if !ok {
		return nil, nil
	}
	blob, err := json.Marshal(raw)
	if err != nil {
		return nil, nil
	}
	var sources []map[string]interface{}
	if err := json.Unmarshal(blob, &sources); err != nil {
		return nil, nil
	}
	return sources, nil
}

// Delete removes every per-thread key and the search document. Deleting
// a missing thread is not an error.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	meta, err := s.client.HGetAll(ctx, keys.ThreadMetadata(threadID)).Result()
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, k := range keys.ThreadFamily(threadID) {
		pipe.Del(ctx, k)
	}
	pipe.Del(ctx, keys.ThreadDoc(threadID))
	pipe.ZRem(ctx, keys.ThreadsIndex, threadID)
	if uid := meta["user_id"]; uid != "" {
		pipe.ZRem(ctx, keys.ThreadsUser(uid), threadID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	s.logger.Info("Deleted thread", zap.String("thread_id", threadID))
	return nil
}

// --- internals ---

func (s *Store) requireMetadata(ctx context.Context, threadID string) (Metadata, error) {
	vals, err := s.client.HGetAll(ctx, keys.ThreadMetadata(threadID)).Result()
	if err != nil {
		return Metadata{}, fmt.Errorf("get thread metadata: %w", err)
	}
	if len(vals) == 0 {
		return Metadata{}, ErrThreadNotFound
	}
	return metadataFromHash(vals), nil
}

func (s *Store) writeMetadata(ctx context.Context, threadID string, meta Metadata) error {
	tags, _ := json.Marshal(meta.Tags)
	fields := map[string]interface{}{
		"created_at": meta.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": meta.UpdatedAt.Format(time.RFC3339Nano),
		"user_id":    meta.UserID,
		"session_id": meta.SessionID,
		"priority":   meta.Priority,
		"tags":       string(tags),
		"subject":    meta.Subject,
	}
	key := keys.ThreadMetadata(threadID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("write thread metadata: %w", err)
	}
	return nil
}

func (s *Store) writeContext(ctx context.Context, threadID string, values map[string]interface{}) error {
	if len(values) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(values))
	for k, v := range values {
		blob, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal context value %q: %w", k, err)
		}
		fields[k] = string(blob)
	}
	key := keys.ThreadContext(threadID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write thread context: %w", err)
	}
	return nil
}

// touch advances updated_at, refreshes TTLs, and re-syncs the search
// document and recency indices. Called after every mutation.
func (s *Store) touch(ctx context.Context, threadID string, meta Metadata) error {
	meta.UpdatedAt = time.Now().UTC()
	if err := s.writeMetadata(ctx, threadID, meta); err != nil {
		return err
	}
	ctxVals, err := s.client.HGetAll(ctx, keys.ThreadContext(threadID)).Result()
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	return s.index(ctx, threadID, meta, contextFromHash(ctxVals))
}

// index upserts the search-index hash document and the recency zsets.
func (s *Store) index(ctx context.Context, threadID string, meta Metadata, threadCtx map[string]interface{}) error {
	instanceID := ""
	if v, ok := threadCtx[CtxInstanceID].(string); ok {
		instanceID = v
	}
	doc := map[string]interface{}{
		"subject":     meta.Subject,
		"user_id":     meta.UserID,
		"instance_id": instanceID,
		"priority":    meta.Priority,
		"created_at":  meta.CreatedAt.Unix(),
		"updated_at":  meta.UpdatedAt.Unix(),
		"tags":        strings.Join(meta.Tags, ","),
	}
	// Sub-second score resolution keeps recency ordering stable for
	// mutations landing within the same second.
	score := float64(meta.UpdatedAt.UnixNano()) / 1e9

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, keys.ThreadDoc(threadID), doc)
	pipe.Expire(ctx, keys.ThreadDoc(threadID), s.ttl)
	pipe.ZAdd(ctx, keys.ThreadsIndex, redis.Z{Score: score, Member: threadID})
	if meta.UserID != "" {
		pipe.ZAdd(ctx, keys.ThreadsUser(meta.UserID), redis.Z{Score: score, Member: threadID})
	}
	for _, k := range keys.ThreadFamily(threadID) {
		pipe.Expire(ctx, k, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index thread: %w", err)
	}
	return nil
}

func metadataFromHash(vals map[string]string) Metadata {
	meta := Metadata{
		UserID:    vals["user_id"],
		SessionID: vals["session_id"],
		Subject:   vals["subject"],
	}
	if t, err := time.Parse(time.RFC3339Nano, vals["created_at"]); err == nil {
		meta.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, vals["updated_at"]); err == nil {
		meta.UpdatedAt = t
	}
	if p, err := strconv.Atoi(vals["priority"]); err == nil {
		meta.Priority = p
	}
	if tags := vals["tags"]; tags != "" {
		_ = json.Unmarshal([]byte(tags), &meta.Tags)
	}
	return meta
}

func contextFromHash(vals map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(vals))
	for k, v := range vals {
		var decoded interface{}
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			out[k] = v
			continue
		}
		out[k] = decoded
	}
	return out
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if p, err := strconv.Atoi(n); err == nil {
			return p
		}
	}
	return 0
}
