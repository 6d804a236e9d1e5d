package extract

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

// Image is an embedded image pulled out of a document; indexing turns
// these into image documents.
type Image struct {
	Name string
	Data []byte
}

// Result is the extracted content of one file. Unreadable files yield a
// zero Result, never an error: a broken attachment must not fail a run.
type Result struct {
	Text     string
	Title    string
	Images   []Image
	Metadata map[string]string
}

func (r Result) Empty() bool { return strings.TrimSpace(r.Text) == "" && len(r.Images) == 0 }

// Extractor converts file bytes into searchable text by extension, with
// content sniffing as fallback. When an Unstructured-compatible service
// is configured it is tried first and native parsing covers its misses.
type Extractor struct {
	log    *logger.Logger
	remote *unstructuredClient
}

func New(log *logger.Logger) *Extractor {
	return &Extractor{
		log:    log.With("service", "Extractor"),
		remote: newUnstructuredFromEnv(log),
	}
}

func (e *Extractor) Extract(ctx context.Context, filename string, data []byte) Result {
	if len(data) == 0 {
		return Result{}
	}

	if e.remote != nil {
		if res, err := e.remote.process(ctx, filename, data); err == nil && !res.Empty() {
			return res
		} else if err != nil {
			e.log.Warn("unstructured service failed, falling back to native parsing",
				"file", filename, "error", err)
		}
	}

	switch ext(filename, data) {
	case ".pdf":
		return e.pdf(filename, data)
	case ".docx":
		return e.docx(filename, data)
	case ".pptx":
		return e.pptx(filename, data)
	case ".xlsx", ".xlsm":
		return e.xlsx(filename, data)
	case ".html", ".htm":
		return e.html(filename, data)
	case ".txt", ".md", ".mdx", ".log", ".json", ".yaml", ".yml", ".csv", ".tsv", ".conf":
		return Result{Text: string(data)}
	default:
		// Unknown binary: nothing searchable.
		return Result{}
	}
}

// ext resolves the effective extension, sniffing content when the name
// carries none.
func ext(filename string, data []byte) string {
	if e := strings.ToLower(filepath.Ext(filename)); e != "" {
		return e
	}
	ct := http.DetectContentType(data)
	switch {
	case strings.HasPrefix(ct, "text/html"):
		return ".html"
	case strings.HasPrefix(ct, "text/"):
		return ".txt"
	case ct == "application/pdf":
		return ".pdf"
	case ct == "application/zip":
		// Office files are zip containers; probe the manifest.
		return sniffZip(data)
	}
	return ""
}
