package thread

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/redis-field-engineering/redis-sre-agent/internal/keys"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, nil, "mini", zap.NewNop()), mr, client
}

func TestCreateThenGetPreservesOrder(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "alice", "sess-1", map[string]interface{}{CtxInstanceID: "inst-1"}, []string{"prod"})
	require.NoError(t, err)

	msgs := []Message{
		{Role: RoleUser, Content: "memory is climbing"},
		{Role: RoleAssistant, Content: "checking INFO memory"},
		{Role: RoleUser, Content: "thanks"},
	}
	require.NoError(t, s.AppendMessages(ctx, id, msgs))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "memory is climbing", got.Messages[0].Content)
	assert.Equal(t, "checking INFO memory", got.Messages[1].Content)
	assert.Equal(t, "thanks", got.Messages[2].Content)
	assert.Equal(t, "alice", got.Metadata.UserID)
	assert.Equal(t, "inst-1", got.Context[CtxInstanceID])
	assert.Equal(t, []string{"prod"}, got.Metadata.Tags)
}

func TestAppendRejectsToolRole(t *testing.T) {
	s, _, client := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "alice", "", nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.AppendMessages(ctx, id, []Message{{Role: RoleUser, Content: "hi"}}))

	before, err := client.LLen(ctx, keys.ThreadMessages(id)).Result()
	require.NoError(t, err)

	err = s.AppendMessages(ctx, id, []Message{{Role: "tool", Content: "raw tool output"}})
	require.NoError(t, err)

	after, err := client.LLen(ctx, keys.ThreadMessages(id)).Result()
	require.NoError(t, err)
	assert.Equal(t, before, after, "tool-role message must not be persisted")
}

func TestSearchDocExistsIffThreadExists(t *testing.T) {
	s, _, client := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "bob", "", nil, nil)
	require.NoError(t, err)

	exists, err := client.Exists(ctx, keys.ThreadDoc(id)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)

	require.NoError(t, s.Delete(ctx, id))

	exists, err = client.Exists(ctx, keys.ThreadDoc(id)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, _, client := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "bob", "", nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, id))
	require.NoError(t, s.Delete(ctx, id), "second delete must succeed")

	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, ErrThreadNotFound)

	members, err := client.ZRange(ctx, keys.ThreadsIndex, 0, -1).Result()
	require.NoError(t, err)
	assert.NotContains(t, members, id)
}

func TestGetMissingThread(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "no-such-thread")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestLegacyContextMessagesMigrateOnRead(t *testing.T) {
	s, _, client := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "carol", "", nil, nil)
	require.NoError(t, err)

	legacy := []Message{
		{Role: RoleUser, Content: "old question"},
		{Role: RoleAssistant, Content: "old answer"},
	}
	blob, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, client.HSet(ctx, keys.ThreadContext(id), legacyMessagesKey, string(blob)).Err())

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "old question", got.Messages[0].Content)
	assert.Equal(t, "old answer", got.Messages[1].Content)
	assert.NotContains(t, got.Context, legacyMessagesKey)

	// migration is one-way: the context field is gone from Redis too
	fields, err := client.HKeys(ctx, keys.ThreadContext(id)).Result()
	require.NoError(t, err)
	assert.NotContains(t, fields, legacyMessagesKey)

	// a second read does not duplicate
	again, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, again.Messages, 2)
}

func TestLegacyMigrationPrependsBeforeListMessages(t *testing.T) {
	s, _, client := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "carol", "", nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.AppendMessages(ctx, id, []Message{{Role: RoleUser, Content: "new"}}))

	blob, _ := json.Marshal([]Message{{Role: RoleUser, Content: "legacy"}})
	require.NoError(t, client.HSet(ctx, keys.ThreadContext(id), legacyMessagesKey, string(blob)).Err())

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "legacy", got.Messages[0].Content)
	assert.Equal(t, "new", got.Messages[1].Content)
}

func TestUpdateContextMergeAndReplace(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "dave", "", map[string]interface{}{"a": "1"}, nil)
	require.NoError(t, err)

	require.NoError(t, s.UpdateContext(ctx, id, map[string]interface{}{"b": float64(2)}, true))
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "1", got.Context["a"])
	assert.Equal(t, float64(2), got.Context["b"])

	require.NoError(t, s.UpdateContext(ctx, id, map[string]interface{}{"c": true}, false))
	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.NotContains(t, got.Context, "a")
	assert.Equal(t, true, got.Context["c"])
}

func TestSetSubjectTruncates(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "erin", "", nil, nil)
	require.NoError(t, err)

	long := "this subject line keeps going well past the fifty character ceiling we enforce"
	require.NoError(t, s.SetSubject(ctx, id, long))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.LessOrEqual(t, len([]rune(got.Metadata.Subject)), maxSubjectLength)
	assert.Equal(t, got.Metadata.Subject, got.Context[CtxSubject])
}

func TestGenerateSubjectFallsBackWithoutProvider(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "erin", "", nil, nil)
	require.NoError(t, err)

	subject, err := s.GenerateSubject(ctx, id, "why is my redis instance evicting keys under memory pressure today")
	require.NoError(t, err)
	assert.NotEmpty(t, subject)
	assert.LessOrEqual(t, len([]rune(subject)), maxSubjectLength)

	// existing subject wins on a second call
	again, err := s.GenerateSubject(ctx, id, "different message entirely")
	require.NoError(t, err)
	assert.Equal(t, subject, again)
}

func TestListOrdersByRecency(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.Create(ctx, "frank", "", nil, nil)
	require.NoError(t, err)
	second, err := s.Create(ctx, "frank", "", nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.AppendMessages(ctx, first, []Message{{Role: RoleUser, Content: "bump"}}))

	ids, err := s.List(ctx, ListFilter{UserID: "frank"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, first, ids[0], "most recently updated first")
	assert.Equal(t, second, ids[1])
}

func TestListPrunesExpiredEntries(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "gina", "", nil, nil)
	require.NoError(t, err)

	// expire the thread family but leave the index entry behind
	for _, k := range keys.ThreadFamily(id) {
		mr.Del(k)
	}

	ids, err := s.List(ctx, ListFilter{UserID: "gina"}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestListSources(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "hank", "", nil, nil)
	require.NoError(t, err)

	sources := []map[string]interface{}{
		{"title": "Memory Optimization", "document_hash": "abc123", "chunk_index": float64(2)},
	}
	require.NoError(t, s.UpdateContext(ctx, id, map[string]interface{}{CtxKnowledgeSources: sources}, true))

	got, err := s.ListSources(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Memory Optimization", got[0]["title"])
}
