package knowledge

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/redis-field-engineering/redis-sre-agent/internal/keys"
	"github.com/redis-field-engineering/redis-sre-agent/internal/llm"
	"github.com/redis-field-engineering/redis-sre-agent/internal/metrics"
	"github.com/redis-field-engineering/redis-sre-agent/internal/util"
)

// VectorDim is the embedding width of the knowledge index.
const VectorDim = 1536

const defaultPreviewLength = 300

// Searcher is the slice of the Redis client the vector search needs.
// Narrow so tests can fake FT.SEARCH, which miniredis does not serve;
// returning the resolved result keeps fakes free of command plumbing.
type Searcher interface {
	FTSearch(ctx context.Context, index string, query string, options *redis.FTSearchOptions) (redis.FTSearchResult, error)
}

// clientSearcher adapts a live client to the Searcher surface.
type clientSearcher struct {
	client *redis.Client
}

func (c clientSearcher) FTSearch(ctx context.Context, index, query string, options *redis.FTSearchOptions) (redis.FTSearchResult, error) {
	return c.client.FTSearchWithArgs(ctx, index, query, options).Result()
}

// Service performs retrieval and citation construction.
type Service struct {
	client         *redis.Client
	search         Searcher
	provider       llm.Provider
	embeddingModel string
	previewLength  int
	logger         *zap.Logger
}

func NewService(client *redis.Client, search Searcher, provider llm.Provider, embeddingModel string, logger *zap.Logger) *Service {
	if search == nil {
		search = clientSearcher{client: client}
	}
	return &Service{
		client:         client,
		search:         search,
		provider:       provider,
		embeddingModel: embeddingModel,
		previewLength:  defaultPreviewLength,
		logger:         logger,
	}
}

// SetPreviewLength overrides the citation content_preview truncation.
func (s *Service) SetPreviewLength(n int) {
	if n > 0 {
		s.previewLength = n
	}
}

// EnsureIndex creates the vector index if absent.
func (s *Service) EnsureIndex(ctx context.Context) error {
	err := s.client.FTCreate(ctx, keys.KnowledgeSearchIndex,
		&redis.FTCreateOptions{
			OnHash: true,
			Prefix: []interface{}{keys.KnowledgeDocPrefix},
		},
		&redis.FieldSchema{FieldName: "title", FieldType: redis.SearchFieldTypeText},
		&redis.FieldSchema{FieldName: "content", FieldType: redis.SearchFieldTypeText},
		&redis.FieldSchema{FieldName: "category", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: "source", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: "severity", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: "product_labels", FieldType: redis.SearchFieldTypeTag, Separator: ","},
		&redis.FieldSchema{FieldName: "document_hash", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: "chunk_index", FieldType: redis.SearchFieldTypeNumeric},
		&redis.FieldSchema{
			FieldName: "vector",
			FieldType: redis.SearchFieldTypeVector,
			VectorArgs: &redis.FTVectorArgs{
				HNSWOptions: &redis.FTHNSWOptions{
					Type:           "FLOAT32",
					Dim:            VectorDim,
					DistanceMetric: "COSINE",
				},
			},
		},
	).Err()
	if err != nil && !strings.Contains(err.Error(), "Index already exists") {
		return fmt.Errorf("create knowledge index: %w", err)
	}
	return nil
}

// Search embeds the query and runs a KNN over the index, optionally
// constrained by tag filters. Results are ranked best-first.
func (s *Service) Search(ctx context.Context, query string, filters *Filters, topK int) ([]Chunk, error) {
	if topK <= 0 {
		topK = 5
	}
	start := time.Now()

	vecs, err := s.provider.Embed(ctx, s.embeddingModel, []string{query})
	if err != nil {
		metrics.KnowledgeSearchDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embed query: empty result")
	}

	expr := fmt.Sprintf("(%s)=>[KNN %d @vector $vec AS vector_score]", filterExpr(filters), topK)
	res, err := s.search.FTSearch(ctx, keys.KnowledgeSearchIndex, expr, &redis.FTSearchOptions{
		Params:         map[string]interface{}{"vec": VectorBytes(vecs[0])},
		SortBy:         []redis.FTSearchSortBy{{FieldName: "vector_score", Asc: true}},
		LimitOffset:    0,
		Limit:          topK,
		DialectVersion: 2,
	})
	if err != nil {
		metrics.KnowledgeSearchDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("knowledge search: %w", err)
	}

	chunks := make([]Chunk, 0, len(res.Docs))
	for _, doc := range res.Docs {
		chunks = append(chunks, chunkFromFields(doc.Fields))
	}
	metrics.KnowledgeSearchDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	return chunks, nil
}

func filterExpr(filters *Filters) string {
	if filters == nil {
		return "*"
	}
	var parts []string
	if filters.Category != "" {
		parts = append(parts, fmt.Sprintf("@category:{%s}", escapeTag(filters.Category)))
	}
	if filters.Source != "" {
		parts = append(parts, fmt.Sprintf("@source:{%s}", escapeTag(filters.Source)))
	}
	if filters.Severity != "" {
		parts = append(parts, fmt.Sprintf("@severity:{%s}", escapeTag(filters.Severity)))
	}
	if filters.ProductLabels != "" {
		parts = append(parts, fmt.Sprintf("@product_labels:{%s}", escapeTag(filters.ProductLabels)))
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, " ")
}

// escapeTag escapes RediSearch tag-syntax characters in filter values.
var tagEscaper = strings.NewReplacer(
	",", "\\,", ".", "\\.", "<", "\\<", ">", "\\>", "{", "\\{", "}", "\\}",
	"[", "\\[", "]", "\\]", "\"", "\\\"", "'", "\\'", ":", "\\:", ";", "\\;",
	"!", "\\!", "@", "\\@", "#", "\\#", "$", "\\$", "%", "\\%", "^", "\\^",
	"&", "\\&", "*", "\\*", "(", "\\(", ")", "\\)", "-", "\\-", "+", "\\+",
	"=", "\\=", "~", "\\~", "/", "\\/", " ", "\\ ",
)

func escapeTag(v string) string { return tagEscaper.Replace(v) }

// DocumentChunks returns every chunk of one document in index order.
// Chunks are contiguous from zero; the first gap ends the document.
func (s *Service) DocumentChunks(ctx context.Context, documentHash string) ([]Chunk, error) {
	var chunks []Chunk
	for i := 0; ; i++ {
		fields, err := s.client.HGetAll(ctx, keys.KnowledgeChunk(documentHash, i)).Result()
		if err != nil {
			return nil, fmt.Errorf("get document chunk: %w", err)
		}
		if len(fields) == 0 {
			break
		}
		chunks = append(chunks, chunkFromFields(fields))
	}
	return chunks, nil
}

// RelatedChunks returns the window of chunks around the target,
// marking the target with is_target_chunk.
func (s *Service) RelatedChunks(ctx context.Context, documentHash string, chunkIndex, window int) ([]Chunk, error) {
	if window < 0 {
		window = 0
	}
	var chunks []Chunk
	for i := chunkIndex - window; i <= chunkIndex+window; i++ {
		if i < 0 {
			continue
		}
		fields, err := s.client.HGetAll(ctx, keys.KnowledgeChunk(documentHash, i)).Result()
		if err != nil {
			return nil, fmt.Errorf("get related chunk: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		c := chunkFromFields(fields)
		c.IsTargetChunk = i == chunkIndex
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// UpsertChunk writes one chunk hash, including its vector bytes.
func (s *Service) UpsertChunk(ctx context.Context, c Chunk, vector []float32) error {
	fields := map[string]interface{}{
		"document_hash":  c.DocumentHash,
		"chunk_index":    c.ChunkIndex,
		"title":          c.Title,
		"content":        c.Content,
		"source":         c.Source,
		"category":       c.Category,
		"severity":       c.Severity,
		"product_labels": c.ProductLabels,
	}
	if len(vector) > 0 {
		fields["vector"] = string(VectorBytes(vector))
	}
	key := keys.KnowledgeChunk(c.DocumentHash, c.ChunkIndex)
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("upsert knowledge chunk: %w", err)
	}
	return nil
}

// Cite builds citations from search hits, truncating content into the
// preview.
func (s *Service) Cite(chunks []Chunk) []Citation {
	citations := make([]Citation, 0, len(chunks))
	for _, c := range chunks {
		citations = append(citations, Citation{
			Title:          c.Title,
			Source:         c.Source,
			DocumentHash:   c.DocumentHash,
			ChunkIndex:     c.ChunkIndex,
			Score:          c.Score,
			ContentPreview: util.TruncateString(c.Content, s.previewLength, true),
		})
	}
	return citations
}

func chunkFromFields(fields map[string]string) Chunk {
	c := Chunk{
		DocumentHash:  fields["document_hash"],
		Title:         fields["title"],
		Content:       fields["content"],
		Source:        fields["source"],
		Category:      fields["category"],
		Severity:      fields["severity"],
		ProductLabels: fields["product_labels"],
	}
	if idx, err := strconv.Atoi(fields["chunk_index"]); err == nil {
		c.ChunkIndex = idx
	}
	if dist, err := strconv.ParseFloat(fields["vector_score"], 64); err == nil {
		// cosine distance to similarity
		c.Score = 1 - dist
	}
	return c
}

// VectorBytes encodes float32s little-endian for RediSearch VECTOR
// fields.
func VectorBytes(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// VectorFromBytes is the inverse of VectorBytes.
func VectorFromBytes(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
