package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/redis-field-engineering/redis-sre-agent/internal/keys"
	"github.com/redis-field-engineering/redis-sre-agent/internal/metrics"
	"github.com/redis-field-engineering/redis-sre-agent/internal/task"
)

const (
	consumerBlock     = 2 * time.Second
	consumerBatchSize = 64
	snapshotUpdates   = 10
)

// Subscriber accepts broadcast events. A returned error removes the
// subscriber from the set.
type Subscriber interface {
	Send(event Event) error
}

// Hub is the per-process subscriber registry. One shared consumer per
// task stream serves all local subscribers; it starts with the first
// subscriber and stops when the last one leaves.
type Hub struct {
	client *redis.Client
	store  *task.Store
	logger *zap.Logger

	mu        sync.Mutex
	consumers map[string]*consumer
}

type consumer struct {
	cancel      context.CancelFunc
	mu          sync.Mutex
	subscribers map[Subscriber]struct{}
}

func NewHub(client *redis.Client, store *task.Store, logger *zap.Logger) *Hub {
	return &Hub{
		client:    client,
		store:     store,
		logger:    logger,
		consumers: make(map[string]*consumer),
	}
}

// Subscribe registers sub for a task's live events. The task must
// exist. An initial_state snapshot (last 10 updates, result, error) is
// delivered before any live event. The returned function unsubscribes.
func (h *Hub) Subscribe(ctx context.Context, taskID string, sub Subscriber) (func(), error) {
	// The read position is captured before the snapshot so events
	// published while the snapshot is assembled are delivered live
	// rather than lost; a starting consumer picks up from here instead
	// of "$", which would drop anything published before its first
	// blocking read.
	startID := h.streamPosition(ctx, taskID)

	state, err := h.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if err := sub.Send(snapshotEvent(state)); err != nil {
		return nil, err
	}

	h.mu.Lock()
	c, running := h.consumers[taskID]
	if !running {
		cctx, cancel := context.WithCancel(context.Background())
		c = &consumer{cancel: cancel, subscribers: make(map[Subscriber]struct{})}
		h.consumers[taskID] = c
		go h.consume(cctx, taskID, c, startID)
	}
	c.mu.Lock()
	c.subscribers[sub] = struct{}{}
	c.mu.Unlock()
	h.mu.Unlock()

	metrics.StreamSubscribers.Inc()
	return func() { h.unsubscribe(taskID, sub) }, nil
}

func (h *Hub) unsubscribe(taskID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.consumers[taskID]
	if !ok {
		return
	}
	c.mu.Lock()
	if _, present := c.subscribers[sub]; present {
		delete(c.subscribers, sub)
		metrics.StreamSubscribers.Dec()
	}
	empty := len(c.subscribers) == 0
	c.mu.Unlock()
	if empty {
		c.cancel()
		delete(h.consumers, taskID)
	}
}

// snapshotEvent builds the initial_state payload from the task record.
func snapshotEvent(state *task.State) Event {
	updates := state.Updates
	if len(updates) > snapshotUpdates {
		updates = updates[len(updates)-snapshotUpdates:]
	}
	extras := map[string]interface{}{
		"updates": updates,
		"status":  state.Status,
	}
	if state.Result != nil {
		extras["result"] = state.Result
	}
	if state.ErrorMessage != "" {
		extras["error_message"] = state.ErrorMessage
	}
	return NewEvent(state.ThreadID, TypeInitialState, extras)
}

// streamPosition returns the id of the last entry already on the
// task's stream, or "0" when the stream is empty.
func (h *Hub) streamPosition(ctx context.Context, taskID string) string {
	msgs, err := h.client.XRevRangeN(ctx, keys.TaskStream(taskID), "+", "-", 1).Result()
	if err != nil || len(msgs) == 0 {
		return "0"
	}
	return msgs[0].ID
}

// consume polls the stream with a bounded block and broadcasts each
// batch. It exits when cancelled (last subscriber left).
func (h *Hub) consume(ctx context.Context, taskID string, c *consumer, lastID string) {
	stream := keys.TaskStream(taskID)

	for {
		if ctx.Err() != nil {
			return
		}
		streams, err := h.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   consumerBatchSize,
			Block:   consumerBlock,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("Stream consumer read failed",
				zap.String("task_id", taskID), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				lastID = m.ID
				h.broadcast(c, taskID, EventFromValues(m.Values))
			}
		}
	}
}

// broadcast delivers one event to every subscriber concurrently.
// Failing subscribers are dropped.
func (h *Hub) broadcast(c *consumer, taskID string, event Event) {
	c.mu.Lock()
	subs := make([]Subscriber, 0, len(c.subscribers))
	for sub := range c.subscribers {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	var failed sync.Map
	g := new(errgroup.Group)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			if err := sub.Send(event); err != nil {
				failed.Store(sub, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	failed.Range(func(key, value interface{}) bool {
		sub := key.(Subscriber)
		h.logger.Warn("Dropping failing stream subscriber",
			zap.String("task_id", taskID),
			zap.Error(value.(error)),
		)
		h.unsubscribe(taskID, sub)
		return true
	})
}
