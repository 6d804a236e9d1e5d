package chunker

import (
	"strings"

	"github.com/fathomhq/fathom-backend/internal/connectors"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
	"github.com/fathomhq/fathom-backend/internal/platform/searchindex"
	"github.com/fathomhq/fathom-backend/internal/platform/tokencount"
)

const (
	// safetyBuffer absorbs the difference between the token estimate and
	// the embedding model's real tokenizer.
	safetyBuffer = 64

	minBudget = 128

	// largeChunkSpan consecutive normal chunks are grouped into one large
	// chunk for wide-context retrieval hits.
	largeChunkSpan = 4
)

// Chunker packs a document's sections into index chunks sized for one
// embedding model. Boundaries depend only on the document content and
// the settings, so re-running it is idempotent.
type Chunker struct {
	log    *logger.Logger
	budget int
}

func New(log *logger.Logger, settings *domain.SearchSettings) *Chunker {
	budget := settings.MaxTokens - safetyBuffer
	if budget < minBudget {
		budget = minBudget
	}
	return &Chunker{log: log.With("service", "Chunker"), budget: budget}
}

// Chunk splits doc into normal chunks followed by large chunks that
// reference them. Image sections are skipped; their text is merged into
// the document before chunking.
func (c *Chunker) Chunk(doc *connectors.Document) []searchindex.Chunk {
	var pieces []string
	var cur strings.Builder
	curTokens := 0

	flush := func() {
		if cur.Len() > 0 {
			pieces = append(pieces, cur.String())
			cur.Reset()
			curTokens = 0
		}
	}

	for _, sec := range doc.Sections {
		text := strings.TrimSpace(sec.Text)
		if text == "" {
			continue
		}
		n := tokencount.Estimate(text)
		if n > c.budget {
			flush()
			pieces = append(pieces, splitOversized(text, c.budget)...)
			continue
		}
		if curTokens+n > c.budget {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(text)
		curTokens += n
	}
	flush()

	chunks := make([]searchindex.Chunk, 0, len(pieces)+len(pieces)/largeChunkSpan)
	for i, content := range pieces {
		chunks = append(chunks, c.newChunk(doc, i, content, nil))
	}

	// Large chunks only help when they span more than one normal chunk.
	if len(pieces) > 1 {
		next := len(pieces)
		for start := 0; start < len(pieces); start += largeChunkSpan {
			end := start + largeChunkSpan
			if end > len(pieces) {
				end = len(pieces)
			}
			if end-start < 2 {
				break
			}
			refs := make([]int, 0, end-start)
			for i := start; i < end; i++ {
				refs = append(refs, i)
			}
			chunks = append(chunks, c.newChunk(doc, next, strings.Join(pieces[start:end], "\n\n"), refs))
			next++
		}
	}
	return chunks
}

func (c *Chunker) newChunk(doc *connectors.Document, ordinal int, content string, refs []int) searchindex.Chunk {
	meta := make(map[string]any, len(doc.Metadata))
	for k, v := range doc.Metadata {
		meta[k] = v
	}
	return searchindex.Chunk{
		DocumentID:             doc.ID,
		Ordinal:                ordinal,
		Content:                content,
		Title:                  doc.Title,
		Source:                 string(doc.Source),
		SemanticID:             doc.SemanticID,
		Link:                   doc.Link,
		DocUpdatedAt:           doc.DocUpdatedAt,
		Metadata:               meta,
		LargeChunkReferenceIDs: refs,
	}
}

// EmbedText is what actually goes through the embedding model: the
// title primes the vector toward the document's topic.
func EmbedText(chunk searchindex.Chunk) string {
	if chunk.Title == "" {
		return chunk.Content
	}
	return chunk.Title + "\n" + chunk.Content
}

// splitOversized cuts one section into budget-sized pieces on paragraph
// boundaries where possible, hard-cutting only inside giant paragraphs.
func splitOversized(text string, budget int) []string {
	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		for tokencount.Estimate(para) > budget {
			head := tokencount.Truncate(para, budget)
			if head == "" || len(head) >= len(para) {
				break
			}
			out = append(out, head)
			para = strings.TrimSpace(para[len(head):])
		}
		if para != "" {
			out = append(out, para)
		}
	}
	if len(out) == 0 {
		return nil
	}

	// Re-pack the pieces so trailing fragments don't become tiny chunks.
	var packed []string
	var cur strings.Builder
	curTokens := 0
	for _, piece := range out {
		n := tokencount.Estimate(piece)
		if curTokens+n > budget && cur.Len() > 0 {
			packed = append(packed, cur.String())
			cur.Reset()
			curTokens = 0
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(piece)
		curTokens += n
	}
	if cur.Len() > 0 {
		packed = append(packed, cur.String())
	}
	return packed
}
