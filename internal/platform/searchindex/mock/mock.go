// Package mock provides an in-memory searchindex.Index for tests.
package mock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fathomhq/fathom-backend/internal/platform/searchindex"
)

type Index struct {
	mu     sync.Mutex
	chunks []searchindex.IndexableChunk

	// Scores overrides hybrid scoring: key "docID#ordinal" -> score.
	Scores map[string]float64

	// HybridQueries records queries for assertions.
	HybridQueries []searchindex.HybridQuery
}

func New() *Index {
	return &Index{Scores: map[string]float64{}}
}

func key(docID string, ordinal int) string {
	return fmt.Sprintf("%s#%d", docID, ordinal)
}

// Key returns the score-override key for a chunk.
func Key(docID string, ordinal int) string { return key(docID, ordinal) }

func (m *Index) Index(_ context.Context, chunks []searchindex.IndexableChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		replaced := false
		for i, existing := range m.chunks {
			if existing.DocumentID == c.DocumentID && existing.Ordinal == c.Ordinal {
				m.chunks[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			m.chunks = append(m.chunks, c)
		}
	}
	return nil
}

func (m *Index) All() []searchindex.IndexableChunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]searchindex.IndexableChunk, len(m.chunks))
	copy(out, m.chunks)
	return out
}

func accessAllowed(c searchindex.IndexableChunk, acl []string) bool {
	for _, want := range acl {
		for _, have := range c.AccessList {
			if want == have {
				return true
			}
		}
	}
	return false
}

func (m *Index) HybridRetrieval(_ context.Context, q searchindex.HybridQuery) ([]searchindex.ScoredChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HybridQueries = append(m.HybridQueries, q)

	// document_id:"<id>" follow-up queries address a single document.
	var docFilter string
	if strings.HasPrefix(q.QueryText, `document_id:"`) {
		docFilter = strings.TrimSuffix(strings.TrimPrefix(q.QueryText, `document_id:"`), `"`)
	}

	var out []searchindex.ScoredChunk
	for _, c := range m.chunks {
		if !accessAllowed(c, q.Filters.AccessList) {
			continue
		}
		if docFilter != "" {
			if c.DocumentID != docFilter {
				continue
			}
		} else if q.QueryText != "" && !strings.Contains(strings.ToLower(c.Content), strings.ToLower(firstWord(q.QueryText))) {
			if _, forced := m.Scores[key(c.DocumentID, c.Ordinal)]; !forced {
				continue
			}
		}
		score := 0.5
		if s, ok := m.Scores[key(c.DocumentID, c.Ordinal)]; ok {
			score = s
		}
		out = append(out, searchindex.ScoredChunk{Chunk: c.Chunk, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if q.TopK > 0 && len(out) > q.TopK {
		out = out[:q.TopK]
	}
	return out, nil
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func (m *Index) IDBasedRetrieval(_ context.Context, reqs []searchindex.ChunkRequest) ([]searchindex.ScoredChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []searchindex.ScoredChunk
	for _, req := range reqs {
		for _, c := range m.chunks {
			if c.DocumentID != req.DocumentID {
				continue
			}
			if len(req.Ordinals) > 0 {
				found := false
				for _, o := range req.Ordinals {
					if o == c.Ordinal {
						found = true
						break
					}
				}
				if !found {
					continue
				}
			}
			out = append(out, searchindex.ScoredChunk{Chunk: c.Chunk, Score: 0})
		}
	}
	return out, nil
}

func (m *Index) UpdateAccess(_ context.Context, updates []searchindex.AccessUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range updates {
		for i := range m.chunks {
			if m.chunks[i].DocumentID == u.DocumentID {
				acl := u.AccessList
				if u.IsPublic {
					acl = append(append([]string{}, acl...), "PUBLIC")
				}
				m.chunks[i].AccessList = acl
			}
		}
	}
	return nil
}

func (m *Index) DeleteDocuments(_ context.Context, documentIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	keep := m.chunks[:0]
	for _, c := range m.chunks {
		remove := false
		for _, id := range documentIDs {
			if c.DocumentID == id {
				remove = true
				break
			}
		}
		if !remove {
			keep = append(keep, c)
		}
	}
	m.chunks = keep
	return nil
}
