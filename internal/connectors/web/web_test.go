package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fathomhq/fathom-backend/internal/connectors"
	"github.com/fathomhq/fathom-backend/internal/extract"
	"github.com/fathomhq/fathom-backend/internal/platform/httpx"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

type fakeExtractor struct{ text string }

func (f fakeExtractor) Extract(_ context.Context, _ string, _ []byte) extract.Result {
	return extract.Result{Text: f.text}
}

func crawlSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Home</title></head><body>
			<p>Welcome to the documentation portal. Everything you need to
			get started lives behind the links below.</p>
			<a href="/guide.pdf">installation guide</a>
			</body></html>`))
	})
	mux.HandleFunc("/guide.pdf", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4 payload"))
	})
	return httptest.NewServer(mux)
}

func TestCrawlIndexesLinkedPDF(t *testing.T) {
	server := crawlSite(t)
	defer server.Close()

	pool := httpx.NewPool(logger.NewNop(), nil)
	conn, err := New(connectors.Deps{
		Pool:   pool,
		Log:    logger.NewNop(),
		Config: map[string]any{"base_url": server.URL, "include_images": false},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn.(*webConnector).extractor = fakeExtractor{text: "step one: run the installer"}

	batch, err := conn.NextBatch(context.Background(), "", connectors.TimeRange{})
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}

	var pdfDoc *connectors.Document
	for _, item := range batch.Items {
		if item.Failure != nil {
			t.Fatalf("unexpected failure: %v", item.Failure)
		}
		if strings.HasSuffix(item.Doc.ID, "/guide.pdf") {
			pdfDoc = item.Doc
		}
	}
	if pdfDoc == nil {
		t.Fatalf("linked pdf not crawled; got %d items", len(batch.Items))
	}
	if pdfDoc.Title != "guide.pdf" {
		t.Fatalf("pdf title = %q", pdfDoc.Title)
	}
	if len(pdfDoc.Sections) != 1 || pdfDoc.Sections[0].Text != "step one: run the installer" {
		t.Fatalf("pdf sections = %+v", pdfDoc.Sections)
	}
	if pdfDoc.Link != server.URL+"/guide.pdf" {
		t.Fatalf("pdf link = %q", pdfDoc.Link)
	}
}

func TestCrawlStillRejectsUnsupportedTypes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte{0x00, 0x01})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	pool := httpx.NewPool(logger.NewNop(), nil)
	conn, err := New(connectors.Deps{
		Pool:   pool,
		Log:    logger.NewNop(),
		Config: map[string]any{"base_url": server.URL, "include_images": false},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	batch, err := conn.NextBatch(context.Background(), "", connectors.TimeRange{})
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	if len(batch.Items) != 1 || batch.Items[0].Failure == nil {
		t.Fatalf("binary page must record a failure, got %+v", batch.Items)
	}
}
