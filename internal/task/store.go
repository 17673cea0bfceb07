package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/redis-field-engineering/redis-sre-agent/internal/keys"
	"github.com/redis-field-engineering/redis-sre-agent/internal/metrics"
)

// Store is the Redis-backed task store. Terminal states are enforced
// here: once a task is done, failed, or cancelled, further update,
// result, and error writes are dropped and logged, never applied.
type Store struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

func NewStore(client *redis.Client, logger *zap.Logger) *Store {
	return &Store{client: client, logger: logger, ttl: keys.TTLSeconds * time.Second}
}

// Create allocates a task in status queued and indexes it under its
// thread by creation time. A non-empty instanceID pins the turn to
// that instance, overriding the thread's saved one.
func (s *Store) Create(ctx context.Context, threadID, userID, instanceID string) (string, error) {
	taskID := keys.NewID()
	now := time.Now().UTC()

	meta := map[string]interface{}{
		"thread_id":  threadID,
		"user_id":    userID,
		"created_at": now.Format(time.RFC3339Nano),
		"updated_at": now.Format(time.RFC3339Nano),
	}
	if instanceID != "" {
		meta["instance_id"] = instanceID
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keys.TaskStatus(taskID), StatusQueued, s.ttl)
	pipe.HSet(ctx, keys.TaskMetadata(taskID), meta)
	pipe.Expire(ctx, keys.TaskMetadata(taskID), s.ttl)
	pipe.ZAdd(ctx, keys.ThreadTasks(threadID), redis.Z{
		Score:  float64(now.UnixNano()) / 1e9,
		Member: taskID,
	})
	pipe.Expire(ctx, keys.ThreadTasks(threadID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	metrics.TasksSubmitted.Inc()
	s.logger.Info("Created task",
		zap.String("task_id", taskID),
		zap.String("thread_id", threadID),
	)
	return taskID, nil
}

// UpdateStatus transitions the task. Transitions out of a terminal
// state are dropped. Reaching a terminal state records the completion
// metric.
func (s *Store) UpdateStatus(ctx context.Context, taskID, status string) error {
	if !validStatus(status) {
		return fmt.Errorf("invalid task status %q", status)
	}
	current, err := s.status(ctx, taskID)
	if err != nil {
		return err
	}
	if Terminal(current) {
		s.logger.Warn("Dropping status write on terminal task",
			zap.String("task_id", taskID),
			zap.String("current", current),
			zap.String("requested", status),
		)
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keys.TaskStatus(taskID), status, s.ttl)
	pipe.HSet(ctx, keys.TaskMetadata(taskID), "updated_at", time.Now().UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, keys.TaskMetadata(taskID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if Terminal(status) {
		metrics.TasksCompleted.WithLabelValues(status).Inc()
	}
	return nil
}

// AddUpdate appends one progress record. O(1) right-push; order is the
// call order. Writes against a terminal task are dropped and logged.
func (s *Store) AddUpdate(ctx context.Context, taskID, message, updateType string, metadata map[string]interface{}) error {
	current, err := s.status(ctx, taskID)
	if err != nil {
		return err
	}
	if Terminal(current) {
		s.logger.Warn("Dropping update on terminal task",
			zap.String("task_id", taskID),
			zap.String("status", current),
			zap.String("update_type", updateType),
		)
		return nil
	}

	item, err := json.Marshal(Update{
		Message:   message,
		Type:      updateType,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal task update: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, keys.TaskUpdates(taskID), item)
	pipe.Expire(ctx, keys.TaskUpdates(taskID), s.ttl)
	pipe.HSet(ctx, keys.TaskMetadata(taskID), "updated_at", time.Now().UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, keys.TaskMetadata(taskID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add task update: %w", err)
	}
	return nil
}

// SetResult stores the final result once. A second write, or a write
// on a terminal task, is dropped.
func (s *Store) SetResult(ctx context.Context, taskID string, result map[string]interface{}) error {
	current, err := s.status(ctx, taskID)
	if err != nil {
		return err
	}
	if Terminal(current) {
		s.logger.Warn("Dropping result write on terminal task",
			zap.String("task_id", taskID), zap.String("status", current))
		return nil
	}

	blob, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal task result: %w", err)
	}
	set, err := s.client.SetNX(ctx, keys.TaskResult(taskID), blob, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("set task result: %w", err)
	}
	if !set {
		s.logger.Warn("Dropping duplicate result write", zap.String("task_id", taskID))
		return nil
	}
	return s.touch(ctx, taskID)
}

// SetError records the failure message and transitions to failed.
func (s *Store) SetError(ctx context.Context, taskID, message string) error {
	current, err := s.status(ctx, taskID)
	if err != nil {
		return err
	}
	if Terminal(current) {
		s.logger.Warn("Dropping error write on terminal task",
			zap.String("task_id", taskID), zap.String("status", current))
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keys.TaskError(taskID), message, s.ttl)
	pipe.Set(ctx, keys.TaskStatus(taskID), StatusFailed, s.ttl)
	pipe.HSet(ctx, keys.TaskMetadata(taskID), "updated_at", time.Now().UTC().Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set task error: %w", err)
	}
	metrics.TasksCompleted.WithLabelValues(StatusFailed).Inc()
	return nil
}

// Get loads the full task state.
func (s *Store) Get(ctx context.Context, taskID string) (*State, error) {
	meta, err := s.client.HGetAll(ctx, keys.TaskMetadata(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get task metadata: %w", err)
	}
	if len(meta) == 0 {
		return nil, ErrTaskNotFound
	}

	status, err := s.client.Get(ctx, keys.TaskStatus(taskID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get task status: %w", err)
	}

	state := &State{
		ID:         taskID,
		ThreadID:   meta["thread_id"],
		UserID:     meta["user_id"],
		InstanceID: meta["instance_id"],
		Status:     status,
	}
	if t, perr := time.Parse(time.RFC3339Nano, meta["created_at"]); perr == nil {
		state.CreatedAt = t
	}
	if t, perr := time.Parse(time.RFC3339Nano, meta["updated_at"]); perr == nil {
		state.UpdatedAt = t
	}

	raw, err := s.client.LRange(ctx, keys.TaskUpdates(taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get task updates: %w", err)
	}
	for _, item := range raw {
		var u Update
		if uerr := json.Unmarshal([]byte(item), &u); uerr != nil {
			s.logger.Warn("Skipping undecodable task update",
				zap.String("task_id", taskID), zap.Error(uerr))
			continue
		}
		state.Updates = append(state.Updates, u)
	}

	if blob, rerr := s.client.Get(ctx, keys.TaskResult(taskID)).Result(); rerr == nil {
		var result map[string]interface{}
		if uerr := json.Unmarshal([]byte(blob), &result); uerr == nil {
			state.Result = result
		}
	} else if rerr != redis.Nil {
		return nil, fmt.Errorf("get task result: %w", rerr)
	}

	if msg, rerr := s.client.Get(ctx, keys.TaskError(taskID)).Result(); rerr == nil {
		state.ErrorMessage = msg
	} else if rerr != redis.Nil {
		return nil, fmt.Errorf("get task error: %w", rerr)
	}

	return state, nil
}

// ListByThread returns task ids for a thread, most recent first.
func (s *Store) ListByThread(ctx context.Context, threadID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, keys.ThreadTasks(threadID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list thread tasks: %w", err)
	}
	return ids, nil
}

// Current returns the most recent task for a thread, the canonical
// "current task" of the conversation.
func (s *Store) Current(ctx context.Context, threadID string) (*State, error) {
	ids, err := s.ListByThread(ctx, threadID, 1)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrTaskNotFound
	}
	return s.Get(ctx, ids[0])
}

// Delete removes the task's key family and its thread-index entry.
// Deleting a missing task is not an error.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	meta, err := s.client.HGetAll(ctx, keys.TaskMetadata(taskID)).Result()
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, k := range keys.TaskFamily(taskID) {
		pipe.Del(ctx, k)
	}
	pipe.Del(ctx, keys.TaskStream(taskID))
	if tid := meta["thread_id"]; tid != "" {
		pipe.ZRem(ctx, keys.ThreadTasks(tid), taskID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (s *Store) status(ctx context.Context, taskID string) (string, error) {
	status, err := s.client.Get(ctx, keys.TaskStatus(taskID)).Result()
	if err == redis.Nil {
		return "", ErrTaskNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get task status: %w", err)
	}
	return status, nil
}

func (s *Store) touch(ctx context.Context, taskID string) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, keys.TaskMetadata(taskID), "updated_at", time.Now().UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, keys.TaskMetadata(taskID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch task: %w", err)
	}
	return nil
}
