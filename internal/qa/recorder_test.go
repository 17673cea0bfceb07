package qa

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/redis-field-engineering/redis-sre-agent/internal/keys"
	"github.com/redis-field-engineering/redis-sre-agent/internal/knowledge"
	"github.com/redis-field-engineering/redis-sre-agent/internal/llm"
)

func newTestRecorder(t *testing.T) (*Recorder, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRecorder(client, zap.NewNop()), client
}

func TestRecordAndGet(t *testing.T) {
	r, client := newTestRecorder(t)
	ctx := context.Background()

	citations := []knowledge.Citation{{
		Title: "RDB and AOF", DocumentHash: "doc-abc", ChunkIndex: 0,
		Source: "https://redis.io/docs/persistence", Score: 0.92,
		ContentPreview: "Redis persistence comes in two flavors...",
	}}
	qaID, err := r.Record(ctx, "What is Redis persistence?", "Redis persists via RDB and AOF.",
		citations, "alice", "thread-1", "task-1")
	require.NoError(t, err)

	rec, err := r.Get(ctx, qaID)
	require.NoError(t, err)
	assert.Equal(t, "What is Redis persistence?", rec.Question)
	require.Len(t, rec.Citations, 1)
	assert.Equal(t, "doc-abc", rec.Citations[0].DocumentHash)
	assert.False(t, rec.HasVectors)
	assert.Nil(t, rec.Feedback)

	// membership sets
	for _, key := range []string{keys.ThreadQA("thread-1"), keys.UserQA("alice"), keys.TaskQA("task-1")} {
		members, merr := client.SMembers(ctx, key).Result()
		require.NoError(t, merr)
		assert.Contains(t, members, qaID)
	}

	// embed job queued
	jobs, err := client.LRange(ctx, keys.QAEmbedQueue, 0, -1).Result()
	require.NoError(t, err)
	assert.Contains(t, jobs, qaID)
}

func TestSetFeedback(t *testing.T) {
	r, _ := newTestRecorder(t)
	ctx := context.Background()

	qaID, err := r.Record(ctx, "q", "a", nil, "", "thread-1", "")
	require.NoError(t, err)

	accepted := true
	require.NoError(t, r.SetFeedback(ctx, qaID, &accepted, "spot on"))

	rec, err := r.Get(ctx, qaID)
	require.NoError(t, err)
	require.NotNil(t, rec.Feedback)
	require.NotNil(t, rec.Feedback.Accepted)
	assert.True(t, *rec.Feedback.Accepted)
	assert.Equal(t, "spot on", rec.Feedback.FeedbackText)

	assert.ErrorIs(t, r.SetFeedback(ctx, "missing", nil, "x"), ErrRecordNotFound)
}

type countingEmbedder struct {
	calls int
	fail  bool
}

func (c *countingEmbedder) Chat(context.Context, llm.Request) (llm.Response, error) {
	return llm.Response{}, nil
}

func (c *countingEmbedder) Embed(_ context.Context, _ string, texts []string) ([][]float32, error) {
	c.calls++
	if c.fail {
		return nil, errors.New("provider down")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

func TestEmbedWorkerFillsVectorFieldsOnly(t *testing.T) {
	r, client := newTestRecorder(t)
	ctx := context.Background()

	qaID, err := r.Record(ctx, "question text", "answer text", nil, "", "", "")
	require.NoError(t, err)

	embedder := &countingEmbedder{}
	w := NewEmbedWorker(client, embedder, "text-embedding-3-small", zap.NewNop())
	require.NoError(t, w.ProcessOne(ctx, qaID))
	assert.Equal(t, 1, embedder.calls)

	rec, err := r.Get(ctx, qaID)
	require.NoError(t, err)
	assert.True(t, rec.HasVectors)
	assert.Equal(t, "question text", rec.Question, "primary fields untouched")

	raw, err := client.HGet(ctx, keys.QADoc(qaID), "question_vector").Result()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, knowledge.VectorFromBytes([]byte(raw)))
}

func TestEmbedFailureKeepsPrimaryRecord(t *testing.T) {
	r, client := newTestRecorder(t)
	ctx := context.Background()

	qaID, err := r.Record(ctx, "q", "a", nil, "", "", "")
	require.NoError(t, err)

	w := NewEmbedWorker(client, &countingEmbedder{fail: true}, "m", zap.NewNop())
	assert.Error(t, w.ProcessOne(ctx, qaID))

	rec, err := r.Get(ctx, qaID)
	require.NoError(t, err)
	assert.Equal(t, "q", rec.Question)
	assert.False(t, rec.HasVectors)
}

func TestEmbedMissingRecord(t *testing.T) {
	_, client := newTestRecorder(t)
	w := NewEmbedWorker(client, &countingEmbedder{}, "m", zap.NewNop())
	assert.Error(t, w.ProcessOne(context.Background(), "missing"))
}
