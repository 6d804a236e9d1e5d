package searchindex

import (
	"context"
	"time"
)

// Chunk is the retrieval unit stored in the index. Ordinal orders chunks
// within a document; LargeChunkReferenceIDs points a large chunk at the
// ordinals of its constituent normal chunks.
type Chunk struct {
	DocumentID             string         `json:"document_id"`
	Ordinal                int            `json:"ordinal"`
	Content                string         `json:"content"`
	Title                  string         `json:"title,omitempty"`
	Source                 string         `json:"source"`
	SemanticID             string         `json:"semantic_id,omitempty"`
	Link                   string         `json:"link,omitempty"`
	DocUpdatedAt           *time.Time     `json:"doc_updated_at,omitempty"`
	Metadata               map[string]any `json:"metadata,omitempty"`
	LargeChunkReferenceIDs []int          `json:"large_chunk_reference_ids,omitempty"`
}

// IndexableChunk adds what the writer needs beyond the retrieval body.
type IndexableChunk struct {
	Chunk
	Embedding    []float32 `json:"embedding"`
	AccessList   []string  `json:"access_list"`
	DocumentSets []string  `json:"document_sets,omitempty"`
	Boost        float64   `json:"boost,omitempty"`
}

type ScoredChunk struct {
	Chunk
	Score float64 `json:"score"`
}

// Filters restrict retrieval. AccessList must always be populated from
// the requesting user's identities; the index enforces it server-side
// and we re-check nothing here.
type Filters struct {
	AccessList    []string   `json:"access_list"`
	SourceTypes   []string   `json:"source_types,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	DocumentSet   string     `json:"document_set,omitempty"`
	TimeCutoff    *time.Time `json:"time_cutoff,omitempty"`
	ConnectorName string     `json:"connector_name,omitempty"`
}

type HybridQuery struct {
	QueryText   string    `json:"query"`
	Embedding   []float32 `json:"embedding"`
	Keywords    []string  `json:"final_keywords,omitempty"`
	Filters     Filters   `json:"filters"`
	HybridAlpha float64   `json:"hybrid_alpha"`
	TimeDecay   float64   `json:"time_decay"`
	TopK        int       `json:"top_k"`
	Offset      int       `json:"offset,omitempty"`
}

// ChunkRequest addresses chunks by document and ordinal range. A nil
// Ordinals slice means the whole document.
type ChunkRequest struct {
	DocumentID string `json:"document_id"`
	Ordinals   []int  `json:"ordinals,omitempty"`
}

// AccessUpdate projects a permission-sync snapshot onto a document.
type AccessUpdate struct {
	DocumentID string   `json:"document_id"`
	AccessList []string `json:"access_list"`
	IsPublic   bool     `json:"is_public"`
}

// Index is the out-of-process vector/keyword engine contract.
type Index interface {
	HybridRetrieval(ctx context.Context, q HybridQuery) ([]ScoredChunk, error)
	IDBasedRetrieval(ctx context.Context, reqs []ChunkRequest) ([]ScoredChunk, error)
	Index(ctx context.Context, chunks []IndexableChunk) error
	UpdateAccess(ctx context.Context, updates []AccessUpdate) error
	DeleteDocuments(ctx context.Context, documentIDs []string) error
}
