package task

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/redis-field-engineering/redis-sre-agent/internal/keys"
	"github.com/redis-field-engineering/redis-sre-agent/internal/metrics"
)

// Queue is the task work queue: a single Redis Stream consumed through
// a consumer group. Delivery is at-least-once; a worker that holds a
// lease past the redelivery timeout loses it to XAUTOCLAIM on another
// worker, so long turns must keep emitting progress and tolerate
// replays (message/result appends are idempotent at the store layer).
type Queue struct {
	client            *redis.Client
	logger            *zap.Logger
	redeliveryTimeout time.Duration
}

// Lease is one claimed queue entry. Ack it on terminal transition.
type Lease struct {
	MessageID   string
	TaskID      string
	ThreadID    string
	Redelivered bool
}

func NewQueue(client *redis.Client, redeliveryTimeout time.Duration, logger *zap.Logger) *Queue {
	if redeliveryTimeout <= 0 {
		redeliveryTimeout = 120 * time.Second
	}
	return &Queue{client: client, logger: logger, redeliveryTimeout: redeliveryTimeout}
}

// EnsureGroup creates the consumer group, tolerating a pre-existing one.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, keys.TaskQueueStream, keys.TaskQueueGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Enqueue publishes a task for pickup by any runner worker.
func (q *Queue) Enqueue(ctx context.Context, taskID, threadID string) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: keys.TaskQueueStream,
		Values: map[string]interface{}{
			"task_id":   taskID,
			"thread_id": threadID,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	q.logger.Info("Enqueued task",
		zap.String("task_id", taskID),
		zap.String("thread_id", threadID),
	)
	return nil
}

// Next claims one entry for the consumer. Stale pending entries (idle
// past the redelivery timeout) are reclaimed first; otherwise a
// blocking group read waits for new work. Returns nil when the block
// expires with nothing to do.
func (q *Queue) Next(ctx context.Context, consumer string, block time.Duration) (*Lease, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   keys.TaskQueueStream,
		Group:    keys.TaskQueueGroup,
		Consumer: consumer,
		MinIdle:  q.redeliveryTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("autoclaim: %w", err)
	}
	if len(msgs) > 0 {
		metrics.TaskRedeliveries.Inc()
		lease := leaseFromMessage(msgs[0], true)
		q.logger.Warn("Reclaimed stale task lease",
			zap.String("task_id", lease.TaskID),
			zap.String("consumer", consumer),
		)
		return lease, nil
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    keys.TaskQueueGroup,
		Consumer: consumer,
		Streams:  []string{keys.TaskQueueStream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group: %w", err)
	}
	for _, s := range streams {
		for _, m := range s.Messages {
			return leaseFromMessage(m, false), nil
		}
	}
	return nil, nil
}

// Ack acknowledges a lease after the task reached a terminal state.
func (q *Queue) Ack(ctx context.Context, messageID string) error {
	if err := q.client.XAck(ctx, keys.TaskQueueStream, keys.TaskQueueGroup, messageID).Err(); err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}

// Cancel marks the task with a terminal cancellation update and moves
// it to cancelled. Writes the workflow attempts after this transition
// are dropped by the store. Cancelling an already-terminal task is a
// no-op.
func Cancel(ctx context.Context, store *Store, taskID string) error {
	if err := store.AddUpdate(ctx, taskID, "Task cancelled", UpdateCancellation, nil); err != nil {
		return err
	}
	return store.UpdateStatus(ctx, taskID, StatusCancelled)
}

func leaseFromMessage(m redis.XMessage, redelivered bool) *Lease {
	lease := &Lease{MessageID: m.ID, Redelivered: redelivered}
	if v, ok := m.Values["task_id"].(string); ok {
		lease.TaskID = v
	}
	if v, ok := m.Values["thread_id"].(string); ok {
		lease.ThreadID = v
	}
	return lease
}
