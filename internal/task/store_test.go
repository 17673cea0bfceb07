package task

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/redis-field-engineering/redis-sre-agent/internal/keys"
)

func newTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, zap.NewNop()), client
}

func TestCreateAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "thread-1", "alice", "")
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, "thread-1", got.ThreadID)
	assert.Equal(t, "alice", got.UserID)
	assert.Empty(t, got.InstanceID)
	assert.Empty(t, got.Updates)
	assert.Nil(t, got.Result)
}

func TestCreateWithExplicitInstance(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "thread-1", "alice", "inst-42")
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "inst-42", got.InstanceID)
}

func TestUpdatesAreFIFO(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "thread-1", "", "")
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(ctx, id, StatusInProgress))

	require.NoError(t, s.AddUpdate(ctx, id, "starting", UpdateAgentStart, nil))
	require.NoError(t, s.AddUpdate(ctx, id, "running tool", UpdateToolCall, map[string]interface{}{"tool": "info"}))
	require.NoError(t, s.AddUpdate(ctx, id, "done", UpdateAgentComplete, nil))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, got.Updates, 3)
	assert.Equal(t, UpdateAgentStart, got.Updates[0].Type)
	assert.Equal(t, UpdateToolCall, got.Updates[1].Type)
	assert.Equal(t, UpdateAgentComplete, got.Updates[2].Type)
	assert.Equal(t, "info", got.Updates[1].Metadata["tool"])
}

func TestTerminalStateRejectsWrites(t *testing.T) {
	for _, terminal := range []string{StatusDone, StatusFailed, StatusCancelled} {
		t.Run(terminal, func(t *testing.T) {
			s, _ := newTestStore(t)
			ctx := context.Background()

			id, err := s.Create(ctx, "thread-1", "", "")
			require.NoError(t, err)
			require.NoError(t, s.UpdateStatus(ctx, id, StatusInProgress))
			require.NoError(t, s.AddUpdate(ctx, id, "before terminal", UpdateProgress, nil))
			require.NoError(t, s.UpdateStatus(ctx, id, terminal))

			// all post-terminal writes are dropped without error
			require.NoError(t, s.AddUpdate(ctx, id, "after terminal", UpdateProgress, nil))
			require.NoError(t, s.SetResult(ctx, id, map[string]interface{}{"answer": "late"}))
			require.NoError(t, s.SetError(ctx, id, "late failure"))
			require.NoError(t, s.UpdateStatus(ctx, id, StatusInProgress))

			got, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, terminal, got.Status)
			require.Len(t, got.Updates, 1)
			assert.Equal(t, "before terminal", got.Updates[0].Message)
			assert.Nil(t, got.Result)
			assert.Empty(t, got.ErrorMessage)
		})
	}
}

func TestSetResultWriteOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "thread-1", "", "")
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(ctx, id, StatusInProgress))

	require.NoError(t, s.SetResult(ctx, id, map[string]interface{}{"answer": "first"}))
	require.NoError(t, s.SetResult(ctx, id, map[string]interface{}{"answer": "second"}))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Result["answer"])
}

func TestSetErrorTransitionsToFailed(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "thread-1", "", "")
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(ctx, id, StatusInProgress))
	require.NoError(t, s.SetError(ctx, id, "redis connection refused"))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "redis connection refused", got.ErrorMessage)
}

func TestCurrentReturnsMostRecent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "thread-1", "", "")
	require.NoError(t, err)
	second, err := s.Create(ctx, "thread-1", "", "")
	require.NoError(t, err)

	cur, err := s.Current(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, second, cur.ID)

	_, err = s.Current(ctx, "empty-thread")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, client := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "thread-1", "", "")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, id))
	require.NoError(t, s.Delete(ctx, id))

	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	ids, err := client.ZRange(ctx, keys.ThreadTasks("thread-1"), 0, -1).Result()
	require.NoError(t, err)
	assert.NotContains(t, ids, id)
}

func TestInvalidStatusRejected(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "thread-1", "", "")
	require.NoError(t, err)
	assert.Error(t, s.UpdateStatus(ctx, id, "sleeping"))
}
