package answer

import (
	"context"
	"fmt"

	"github.com/fathomhq/fathom-backend/internal/platform/llm"
	"github.com/fathomhq/fathom-backend/internal/platform/tokencount"
)

const chunkAnalysisPrompt = `You are analyzing a document too large to process at once, part by part.

Current analysis so far:
%s

Document part %d of %d:
%s

User question: %s

Update the analysis: state only the modifications to the previous analysis that this part requires. If nothing changes, say "no changes".`

const consolidationPrompt = `You analyzed a large document part by part. The accumulated analysis:

%s

User question: %s

Answer the question using the accumulated analysis.`

// splitByTokens cuts content into pieces of at most chunkTokens each.
func splitByTokens(content string, chunkTokens int) []string {
	var chunks []string
	rest := content
	for rest != "" {
		if tokencount.Estimate(rest) <= chunkTokens {
			chunks = append(chunks, rest)
			break
		}
		head := tokencount.Truncate(rest, chunkTokens)
		if head == "" {
			chunks = append(chunks, rest)
			break
		}
		chunks = append(chunks, head)
		rest = rest[len(head):]
	}
	return chunks
}

// runChunked processes oversized content in token-bounded chunks and
// streams a final consolidation answer. Each chunk call accumulates
// modifications to the running analysis; the consolidation stream is
// forwarded verbatim.
func (e *Engine) runChunked(ctx context.Context, req Request, content string, emit func(Event) bool) {
	cfg := e.llm.Config()
	available := cfg.MaxInputTokens - cfg.ReservedForReply
	chunkTokens := available * 8 / 10
	chunks := splitByTokens(content, chunkTokens)

	analysis := "(none yet)"
	for i, chunk := range chunks {
		if e.disconnected(req) {
			emit(StreamStopInfo{Reason: StopCancelled})
			return
		}
		prompt := fmt.Sprintf(chunkAnalysisPrompt, analysis, i+1, len(chunks), chunk, req.Question)
		var msg llm.Message
		err := e.throttle.Run(ctx, func(ctx context.Context) error {
			var err error
			msg, err = e.llm.Complete(ctx, llm.CompletionRequest{
				Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
			})
			return err
		})
		if err != nil {
			emit(StreamingError{Message: fmt.Sprintf("chunked processing failed on part %d: %v", i+1, err)})
			return
		}
		if i == 0 {
			analysis = msg.Content
		} else {
			analysis += "\n\n" + msg.Content
		}
	}

	final := fmt.Sprintf(consolidationPrompt, analysis, req.Question)
	err := e.llm.Stream(ctx, llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: final}},
	}, func(chunk llm.StreamChunk) error {
		if e.disconnected(req) {
			return errCancelled
		}
		if chunk.Delta != "" && !emit(AnswerPiece{Text: chunk.Delta}) {
			return errCancelled
		}
		return nil
	})
	if err == errCancelled {
		emit(StreamStopInfo{Reason: StopCancelled})
		return
	}
	if err != nil {
		emit(StreamingError{Message: fmt.Sprintf("consolidation failed: %v", err)})
		return
	}
	emit(StreamStopInfo{Reason: StopFinished})
}
