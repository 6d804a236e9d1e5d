package connectors

import (
	"fmt"
	"time"

	"github.com/fathomhq/fathom-backend/internal/domain"
)

// Section is one addressable span of a document. Image sections carry
// the raw bytes onward to the image pipeline instead of text.
type Section struct {
	Text string
	Link string

	// Image payload, set only for image sections.
	ImageName  string
	ImageBytes []byte
}

// Document is the connector-level unit handed to indexing. ID is stable
// across runs (source-prefixed), so re-fetching a document overwrites
// its previous chunks instead of duplicating them.
type Document struct {
	ID         string
	Source     domain.Source
	SemanticID string
	Link       string
	Title      string
	Sections   []Section
	Metadata   map[string]string

	DocUpdatedAt  *time.Time
	PrimaryOwners []string

	// SourceDocumentID ties an extracted image document back to the page
	// it was found on.
	SourceDocumentID string
}

// Failure records a document the connector could not produce; the run
// continues and the failure is tallied on the attempt.
type Failure struct {
	DocumentID string
	Message    string
	Err        error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("document %s: %s: %v", f.DocumentID, f.Message, f.Err)
	}
	return fmt.Sprintf("document %s: %s", f.DocumentID, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// Item is one element of a batch: a document or a per-document failure,
// never both.
type Item struct {
	Doc     *Document
	Failure *Failure
}

// Batch is what one NextBatch call yields.
type Batch struct {
	Items []Item

	// Checkpoint resumes the run after this batch. Opaque to callers;
	// persisted on the index attempt.
	Checkpoint string

	// HasMore is false on the final batch.
	HasMore bool
}

func DocItem(d *Document) Item { return Item{Doc: d} }
func FailItem(f *Failure) Item { return Item{Failure: f} }
