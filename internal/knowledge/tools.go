package knowledge

import (
	"context"
	"fmt"

	"github.com/redis-field-engineering/redis-sre-agent/internal/tools"
)

// SourcesObserver receives the citations of each successful search so
// the workflow can surface a knowledge_sources progress event and
// accumulate attribution on the thread. May be nil.
type SourcesObserver func(citations []Citation)

// RegisterTools adds the knowledge-search tool set to a manager. These
// are always present regardless of instance context, and they are the
// only tools recommendation workers receive.
func RegisterTools(m *tools.Manager, svc *Service, observe SourcesObserver) {
	m.Register(tools.Definition{
		Name:        "search_knowledge",
		Description: "Search the Redis knowledge base (runbooks, docs, incident notes) for relevant fragments. Returns ranked chunks with scores and sources.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Natural-language search query",
				},
				"category": map[string]interface{}{
					"type":        "string",
					"description": "Optional category filter",
				},
				"top_k": map[string]interface{}{
					"type":        "integer",
					"description": "Max results (default 5)",
				},
			},
			"required": []interface{}{"query"},
		},
		Cacheable: true,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return nil, fmt.Errorf("query is required")
			}
			topK := 5
			if n, ok := args["top_k"].(float64); ok && n > 0 {
				topK = int(n)
			}
			var filters *Filters
			if cat, _ := args["category"].(string); cat != "" {
				filters = &Filters{Category: cat}
			}
			chunks, err := svc.Search(ctx, query, filters, topK)
			if err != nil {
				return nil, err
			}
			if observe != nil && len(chunks) > 0 {
				observe(svc.Cite(chunks))
			}
			return chunks, nil
		},
	})

	m.Register(tools.Definition{
		Name:        "get_document_chunks",
		Description: "Fetch every chunk of one knowledge document by its document hash, in order.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"document_hash": map[string]interface{}{
					"type":        "string",
					"description": "Hash identifying the document",
				},
			},
			"required": []interface{}{"document_hash"},
		},
		Cacheable: true,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			hash, _ := args["document_hash"].(string)
			if hash == "" {
				return nil, fmt.Errorf("document_hash is required")
			}
			return svc.DocumentChunks(ctx, hash)
		},
	})

	m.Register(tools.Definition{
		Name:        "get_related_chunks",
		Description: "Fetch the chunks surrounding a target chunk for extra context. The target is flagged is_target_chunk.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"document_hash": map[string]interface{}{"type": "string"},
				"chunk_index":   map[string]interface{}{"type": "integer"},
				"window": map[string]interface{}{
					"type":        "integer",
					"description": "Chunks on each side (default 1)",
				},
			},
			"required": []interface{}{"document_hash", "chunk_index"},
		},
		Cacheable: true,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			hash, _ := args["document_hash"].(string)
			if hash == "" {
				return nil, fmt.Errorf("document_hash is required")
			}
			idx := -1
			if n, ok := args["chunk_index"].(float64); ok {
				idx = int(n)
			}
			if idx < 0 {
				return nil, fmt.Errorf("chunk_index is required")
			}
			window := 1
			if n, ok := args["window"].(float64); ok && n >= 0 {
				window = int(n)
			}
			return svc.RelatedChunks(ctx, hash, idx, window)
		},
	})
}
