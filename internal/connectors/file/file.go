package file

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fathomhq/fathom-backend/internal/connectors"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/extract"
	"github.com/fathomhq/fathom-backend/internal/platform/filestore"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

const filesPerBatch = 10

func init() {
	connectors.Register(domain.SourceFile, func(deps connectors.Deps) (connectors.Connector, error) {
		return New(deps)
	})
}

// fileRef is one uploaded file in the pair config.
type fileRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type fileConnector struct {
	log       *logger.Logger
	store     filestore.Store
	extractor *extract.Extractor
	files     []fileRef
}

type checkpoint struct {
	Next int `json:"next"`
}

func New(deps connectors.Deps) (connectors.Connector, error) {
	if deps.Files == nil {
		return nil, fmt.Errorf("file connector requires a file store")
	}
	raw, ok := deps.Config["files"]
	if !ok {
		return nil, fmt.Errorf("file connector requires files in config")
	}
	// Round-trip through json to accept both decoded config maps and
	// typed fixtures.
	blob, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var files []fileRef
	if err := json.Unmarshal(blob, &files); err != nil {
		return nil, fmt.Errorf("file connector config: %w", err)
	}
	return &fileConnector{
		log:       deps.Log.With("connector", "file"),
		store:     deps.Files,
		extractor: extract.New(deps.Log),
		files:     files,
	}, nil
}

func (c *fileConnector) NextBatch(ctx context.Context, cp string, _ connectors.TimeRange) (*connectors.Batch, error) {
	var state checkpoint
	if cp != "" {
		if err := json.Unmarshal([]byte(cp), &state); err != nil {
			return nil, fmt.Errorf("decode file checkpoint: %w", err)
		}
	}

	batch := &connectors.Batch{}
	end := min(state.Next+filesPerBatch, len(c.files))
	for _, ref := range c.files[state.Next:end] {
		doc, err := c.fileDocument(ctx, ref)
		if err != nil {
			batch.Items = append(batch.Items, connectors.FailItem(&connectors.Failure{
				DocumentID: DocumentID(ref.ID),
				Message:    "load stored file",
				Err:        err,
			}))
			continue
		}
		if doc != nil {
			batch.Items = append(batch.Items, connectors.DocItem(doc))
		}
	}

	state.Next = end
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	batch.Checkpoint = string(raw)
	batch.HasMore = end < len(c.files)
	return batch, nil
}

func (c *fileConnector) fileDocument(ctx context.Context, ref fileRef) (*connectors.Document, error) {
	data, contentType, err := c.store.Load(ctx, ref.ID)
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(contentType, "image/") {
		return &connectors.Document{
			ID:         DocumentID(ref.ID),
			Source:     domain.SourceFile,
			SemanticID: ref.Name,
			Title:      ref.Name,
			Sections:   []connectors.Section{{ImageName: ref.Name, ImageBytes: data}},
			Metadata:   map[string]string{"file_id": ref.ID},
		}, nil
	}

	res := c.extractor.Extract(ctx, ref.Name, data)
	if res.Empty() {
		c.log.Warn("uploaded file yielded no text", "file", ref.Name)
		return nil, nil
	}
	doc := &connectors.Document{
		ID:         DocumentID(ref.ID),
		Source:     domain.SourceFile,
		SemanticID: ref.Name,
		Title:      ref.Name,
		Sections:   []connectors.Section{{Text: res.Text}},
		Metadata:   map[string]string{"file_id": ref.ID},
	}
	for _, img := range res.Images {
		doc.Sections = append(doc.Sections, connectors.Section{ImageName: img.Name, ImageBytes: img.Data})
	}
	return doc, nil
}

// DocumentID keys uploaded files by their stored blob id, so replacing
// an upload replaces its document.
func DocumentID(storedID string) string { return "FILE_CONNECTOR__" + storedID }
