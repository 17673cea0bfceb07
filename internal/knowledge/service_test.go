package knowledge

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/redis-field-engineering/redis-sre-agent/internal/llm"
	"github.com/redis-field-engineering/redis-sre-agent/internal/tools"
)

// fakeSearcher serves canned FT.SEARCH hits and records queries.
type fakeSearcher struct {
	lastQuery string
	docs      []redis.Document
}

func (f *fakeSearcher) FTSearch(_ context.Context, _ string, query string, _ *redis.FTSearchOptions) (redis.FTSearchResult, error) {
	f.lastQuery = query
	return redis.FTSearchResult{Total: len(f.docs), Docs: f.docs}, nil
}

type fixedEmbedder struct{}

func (fixedEmbedder) Chat(context.Context, llm.Request) (llm.Response, error) {
	return llm.Response{}, nil
}

func (fixedEmbedder) Embed(_ context.Context, _ string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, VectorDim)
		vec[0] = 1
		out[i] = vec
	}
	return out, nil
}

func newTestService(t *testing.T, search Searcher) (*Service, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewService(client, search, fixedEmbedder{}, "text-embedding-3-small", zap.NewNop()), client
}

func hitDoc(hash string, idx int, score string) redis.Document {
	return redis.Document{
		ID: fmt.Sprintf("sre_knowledge:%s:chunk:%d", hash, idx),
		Fields: map[string]string{
			"document_hash": hash,
			"chunk_index":   fmt.Sprintf("%d", idx),
			"title":         "RDB and AOF",
			"content":       "Redis persistence comes in two flavors: RDB snapshots and AOF logs.",
			"source":        "https://redis.io/docs/persistence",
			"vector_score":  score,
		},
	}
}

func TestSearchRanksAndScores(t *testing.T) {
	search := &fakeSearcher{docs: []redis.Document{hitDoc("doc-abc", 0, "0.08")}}
	svc, _ := newTestService(t, search)

	chunks, err := svc.Search(context.Background(), "What is Redis persistence?", nil, 5)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "doc-abc", chunks[0].DocumentHash)
	assert.InDelta(t, 0.92, chunks[0].Score, 1e-9)
	assert.Contains(t, search.lastQuery, "KNN 5")
	assert.True(t, strings.HasPrefix(search.lastQuery, "(*)"), search.lastQuery)
}

func TestSearchFilterExpression(t *testing.T) {
	search := &fakeSearcher{}
	svc, _ := newTestService(t, search)

	_, err := svc.Search(context.Background(), "q", &Filters{Category: "persistence", Severity: "high"}, 3)
	require.NoError(t, err)
	assert.Contains(t, search.lastQuery, "@category:{persistence}")
	assert.Contains(t, search.lastQuery, "@severity:{high}")
	assert.Contains(t, search.lastQuery, "KNN 3")
}

func TestFilterExprEscapesTagSyntax(t *testing.T) {
	expr := filterExpr(&Filters{Source: "https://redis.io/docs"})
	assert.Contains(t, expr, `https\:\/\/redis\.io\/docs`)
}

func TestDocumentChunksStopAtGap(t *testing.T) {
	svc, _ := newTestService(t, &fakeSearcher{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.UpsertChunk(ctx, Chunk{
			DocumentHash: "doc-1", ChunkIndex: i, Title: "T", Content: fmt.Sprintf("chunk %d", i),
		}, nil))
	}
	// a stray later chunk past a gap is not part of the document walk
	require.NoError(t, svc.UpsertChunk(ctx, Chunk{DocumentHash: "doc-1", ChunkIndex: 7}, nil))

	chunks, err := svc.DocumentChunks(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
	}
}

func TestRelatedChunksMarksTarget(t *testing.T) {
	svc, _ := newTestService(t, &fakeSearcher{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.UpsertChunk(ctx, Chunk{DocumentHash: "doc-1", ChunkIndex: i}, nil))
	}

	chunks, err := svc.RelatedChunks(ctx, "doc-1", 2, 1)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.False(t, chunks[0].IsTargetChunk)
	assert.True(t, chunks[1].IsTargetChunk)
	assert.False(t, chunks[2].IsTargetChunk)

	// window clipped at document start
	chunks, err = svc.RelatedChunks(ctx, "doc-1", 0, 2)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.True(t, chunks[0].IsTargetChunk)
}

func TestCiteTruncatesPreview(t *testing.T) {
	svc, _ := newTestService(t, &fakeSearcher{})
	svc.SetPreviewLength(20)

	citations := svc.Cite([]Chunk{{
		Title:        "Long doc",
		DocumentHash: "doc-1",
		Content:      "this content is definitely longer than twenty characters",
		Score:        0.9,
	}})
	require.Len(t, citations, 1)
	assert.LessOrEqual(t, len([]rune(citations[0].ContentPreview)), 20)
	assert.True(t, strings.HasSuffix(citations[0].ContentPreview, "..."))
}

func TestVectorBytesRoundTrip(t *testing.T) {
	vec := []float32{0.5, -1.25, 3.75}
	assert.Equal(t, vec, VectorFromBytes(VectorBytes(vec)))
	assert.Len(t, VectorBytes(vec), 12)
}

func TestSearchToolEmitsSources(t *testing.T) {
	search := &fakeSearcher{docs: []redis.Document{hitDoc("doc-abc", 0, "0.08")}}
	svc, _ := newTestService(t, search)

	var observed []Citation
	m := tools.NewManager(tools.NewCache(), "", zap.NewNop())
	RegisterTools(m, svc, func(citations []Citation) { observed = citations })

	env := m.Execute(context.Background(), llm.ToolCall{
		Name:      "search_knowledge",
		Arguments: `{"query":"What is Redis persistence?"}`,
	})
	require.Equal(t, tools.StatusSuccess, env.Status)
	require.Len(t, observed, 1)
	assert.Equal(t, "doc-abc", observed[0].DocumentHash)
	assert.Equal(t, "https://redis.io/docs/persistence", observed[0].Source)
}
