package streaming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/redis-field-engineering/redis-sre-agent/internal/keys"
	"github.com/redis-field-engineering/redis-sre-agent/internal/task"
)

type collectingSubscriber struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (c *collectingSubscriber) Send(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("subscriber gone")
	}
	c.events = append(c.events, event)
	return nil
}

func (c *collectingSubscriber) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func newTestHub(t *testing.T) (*Hub, *Publisher, *task.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := task.NewStore(client, zap.NewNop())
	return NewHub(client, store, zap.NewNop()), NewPublisher(client, zap.NewNop()), store
}

func TestPublishRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	p := NewPublisher(client, zap.NewNop())
	ctx := context.Background()

	err := p.Publish(ctx, "task-1", "thread-1", "tool_call", "running INFO", map[string]interface{}{
		"tool": "get_instance_info",
		"args": map[string]interface{}{"section": "memory"},
	})
	require.NoError(t, err)

	msgs, err := client.XRange(ctx, keys.TaskStream("task-1"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	event := EventFromValues(msgs[0].Values)
	assert.Equal(t, "thread-1", event.ThreadID)
	assert.Equal(t, "tool_call", event.UpdateType)
	assert.NotEmpty(t, event.Timestamp)
	assert.Equal(t, "running INFO", event.Extras["message"])
	assert.Equal(t, "get_instance_info", event.Extras["tool"])
	args := event.Extras["args"].(map[string]interface{})
	assert.Equal(t, "memory", args["section"])
}

func TestPublishRequiresUpdateType(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	p := NewPublisher(client, zap.NewNop())
	assert.Error(t, p.Publish(context.Background(), "t", "th", "", "m", nil))
}

func TestEventJSONFlattensExtras(t *testing.T) {
	e := NewEvent("thread-1", "progress", map[string]interface{}{"step": "diagnose"})
	blob, err := e.MarshalJSON()
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, decoded.UnmarshalJSON(blob))
	assert.Equal(t, "thread-1", decoded.ThreadID)
	assert.Equal(t, "progress", decoded.UpdateType)
	assert.Equal(t, "diagnose", decoded.Extras["step"])
}

func TestExtrasCannotShadowTopLevelKeys(t *testing.T) {
	e := NewEvent("thread-1", "progress", map[string]interface{}{"thread_id": "spoofed"})
	fields, err := e.Fields()
	require.NoError(t, err)
	assert.Equal(t, `"thread-1"`, fields["thread_id"])
}

func TestSubscribeUnknownTask(t *testing.T) {
	hub, _, _ := newTestHub(t)
	_, err := hub.Subscribe(context.Background(), "missing", &collectingSubscriber{})
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestSubscribeSendsInitialStateSnapshot(t *testing.T) {
	hub, _, store := newTestHub(t)
	ctx := context.Background()

	taskID, err := store.Create(ctx, "thread-1", "", "")
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, taskID, task.StatusInProgress))
	for i := 0; i < 13; i++ {
		require.NoError(t, store.AddUpdate(ctx, taskID, fmt.Sprintf("step %d", i), task.UpdateProgress, nil))
	}
	require.NoError(t, store.SetResult(ctx, taskID, map[string]interface{}{"answer": "42"}))

	sub := &collectingSubscriber{}
	unsubscribe, err := hub.Subscribe(ctx, taskID, sub)
	require.NoError(t, err)
	defer unsubscribe()

	events := sub.snapshot()
	require.NotEmpty(t, events)
	initial := events[0]
	assert.Equal(t, TypeInitialState, initial.UpdateType)
	assert.Equal(t, "thread-1", initial.ThreadID)

	updates := initial.Extras["updates"].([]task.Update)
	require.Len(t, updates, 10, "snapshot carries at most the last 10 updates")
	assert.Equal(t, "step 3", updates[0].Message)
	assert.Equal(t, "step 12", updates[9].Message)
	result := initial.Extras["result"].(map[string]interface{})
	assert.Equal(t, "42", result["answer"])
}

func TestLiveEventsArriveInOrder(t *testing.T) {
	hub, pub, store := newTestHub(t)
	ctx := context.Background()

	taskID, err := store.Create(ctx, "thread-1", "", "")
	require.NoError(t, err)

	sub := &collectingSubscriber{}
	unsubscribe, err := hub.Subscribe(ctx, taskID, sub)
	require.NoError(t, err)
	defer unsubscribe()

	// let the consumer reach its first blocking read
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, pub.Publish(ctx, taskID, "thread-1", task.UpdateProgress,
			fmt.Sprintf("event %d", i), nil))
	}

	require.Eventually(t, func() bool {
		return len(sub.snapshot()) >= 4 // initial_state + 3 live
	}, 5*time.Second, 20*time.Millisecond)

	events := sub.snapshot()
	assert.Equal(t, "event 0", events[1].Extras["message"])
	assert.Equal(t, "event 1", events[2].Extras["message"])
	assert.Equal(t, "event 2", events[3].Extras["message"])
}

func TestEventsPublishedRightAfterSubscribeAreNotLost(t *testing.T) {
	hub, pub, store := newTestHub(t)
	ctx := context.Background()

	taskID, err := store.Create(ctx, "thread-1", "", "")
	require.NoError(t, err)

	// history already on the stream is not replayed to a new subscriber
	require.NoError(t, pub.Publish(ctx, taskID, "thread-1", task.UpdateProgress, "old news", nil))

	sub := &collectingSubscriber{}
	unsubscribe, err := hub.Subscribe(ctx, taskID, sub)
	require.NoError(t, err)
	defer unsubscribe()

	// no settling sleep: an event published before the consumer issues
	// its first read must still be delivered
	require.NoError(t, pub.Publish(ctx, taskID, "thread-1", task.UpdateProgress, "fresh", nil))

	require.Eventually(t, func() bool {
		return len(sub.snapshot()) >= 2 // initial_state + fresh
	}, 5*time.Second, 20*time.Millisecond)

	events := sub.snapshot()
	assert.Equal(t, "fresh", events[1].Extras["message"])
	for _, e := range events[1:] {
		assert.NotEqual(t, "old news", e.Extras["message"])
	}
}

func TestFailingSubscriberIsDroppedAndConsumerStops(t *testing.T) {
	hub, pub, store := newTestHub(t)
	ctx := context.Background()

	taskID, err := store.Create(ctx, "thread-1", "", "")
	require.NoError(t, err)

	sub := &collectingSubscriber{}
	_, err = hub.Subscribe(ctx, taskID, sub)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	sub.mu.Lock()
	sub.fail = true
	sub.mu.Unlock()

	require.NoError(t, pub.Publish(ctx, taskID, "thread-1", task.UpdateProgress, "boom", nil))

	// the failed send removes the last subscriber and stops the consumer
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, running := hub.consumers[taskID]
		return !running
	}, 5*time.Second, 20*time.Millisecond)
}

func TestUnsubscribeLastStopsConsumer(t *testing.T) {
	hub, _, store := newTestHub(t)
	ctx := context.Background()

	taskID, err := store.Create(ctx, "thread-1", "", "")
	require.NoError(t, err)

	subA := &collectingSubscriber{}
	subB := &collectingSubscriber{}
	offA, err := hub.Subscribe(ctx, taskID, subA)
	require.NoError(t, err)
	offB, err := hub.Subscribe(ctx, taskID, subB)
	require.NoError(t, err)

	offA()
	hub.mu.Lock()
	_, running := hub.consumers[taskID]
	hub.mu.Unlock()
	assert.True(t, running, "consumer keeps running while a subscriber remains")

	offB()
	hub.mu.Lock()
	_, running = hub.consumers[taskID]
	hub.mu.Unlock()
	assert.False(t, running)
}
