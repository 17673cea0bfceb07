// Package knowledge implements retrieval over the vector index of
// ingested runbooks and docs: KNN search with tag filters, document
// chunk access, and citation construction for user-facing answers.
package knowledge

// Chunk is one indexed document fragment.
type Chunk struct {
	DocumentHash  string  `json:"document_hash"`
	ChunkIndex    int     `json:"chunk_index"`
	Title         string  `json:"title"`
	Content       string  `json:"content"`
	Source        string  `json:"source"`
	Category      string  `json:"category,omitempty"`
	Severity      string  `json:"severity,omitempty"`
	ProductLabels string  `json:"product_labels,omitempty"`
	Score         float64 `json:"score,omitempty"`
	IsTargetChunk bool    `json:"is_target_chunk,omitempty"`
}

// Citation is the user-facing source attribution derived from a hit.
type Citation struct {
	Title          string  `json:"title"`
	Source         string  `json:"source"`
	DocumentHash   string  `json:"document_hash"`
	ChunkIndex     int     `json:"chunk_index"`
	Score          float64 `json:"score"`
	ContentPreview string  `json:"content_preview"`
}

// Filters narrows a search by tag fields.
type Filters struct {
	Category      string
	Source        string
	Severity      string
	ProductLabels string
}
