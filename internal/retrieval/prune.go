package retrieval

import (
	"github.com/fathomhq/fathom-backend/internal/platform/searchindex"
	"github.com/fathomhq/fathom-backend/internal/platform/tokencount"
)

// A truncated fragment below this size carries no signal.
const minTruncatedTokens = 64

// packIntoBudget fits chunks into the context budget in rank order. The
// first chunk that overflows is truncated to the remaining budget rather
// than dropped, so a long top hit still contributes its head.
func packIntoBudget(chunks []searchindex.ScoredChunk, budget int) []searchindex.ScoredChunk {
	if budget <= 0 {
		return chunks
	}
	out := make([]searchindex.ScoredChunk, 0, len(chunks))
	remaining := budget
	for _, chunk := range chunks {
		need := tokencount.Estimate(chunk.Content)
		if need <= remaining {
			out = append(out, chunk)
			remaining -= need
			continue
		}
		if remaining >= minTruncatedTokens {
			chunk.Content = tokencount.Truncate(chunk.Content, remaining)
			out = append(out, chunk)
		}
		break
	}
	return out
}
