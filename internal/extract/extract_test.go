package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

func buildZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, data := range files {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

const docxDocument = `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>Quarterly report</w:t></w:r></w:p>
    <w:p><w:r><w:t>Revenue grew </w:t></w:r><w:r><w:t>12 percent.</w:t></w:r></w:p>
  </w:body>
</w:document>`

func TestDocxTextAndImages(t *testing.T) {
	png := append([]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}, make([]byte, 32)...)
	data := buildZip(t, map[string][]byte{
		"word/document.xml":   []byte(docxDocument),
		"word/media/fig1.png": png,
		"word/media/skip.bin": {1, 2, 3},
	})

	res := New(logger.NewNop()).Extract(context.Background(), "report.docx", data)
	if !strings.Contains(res.Text, "Quarterly report") {
		t.Fatalf("text = %q", res.Text)
	}
	if !strings.Contains(res.Text, "Revenue grew 12 percent.") {
		t.Fatalf("runs not joined: %q", res.Text)
	}
	if len(res.Images) != 1 || res.Images[0].Name != "fig1.png" {
		t.Fatalf("images = %+v", res.Images)
	}
}

const slideXML = `<?xml version="1.0"?>
<p:sld xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main"
       xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main">
  <p:cSld><p:spTree><p:sp><p:txBody>
    <a:p><a:r><a:t>%s</a:t></a:r></a:p>
  </p:txBody></p:sp></p:spTree></p:cSld>
</p:sld>`

func TestPptxSlideOrder(t *testing.T) {
	data := buildZip(t, map[string][]byte{
		"ppt/slides/slide2.xml":  []byte(strings.Replace(slideXML, "%s", "Second slide", 1)),
		"ppt/slides/slide1.xml":  []byte(strings.Replace(slideXML, "%s", "First slide", 1)),
		"ppt/slides/slide10.xml": []byte(strings.Replace(slideXML, "%s", "Tenth slide", 1)),
	})

	res := New(logger.NewNop()).Extract(context.Background(), "deck.pptx", data)
	first := strings.Index(res.Text, "First slide")
	second := strings.Index(res.Text, "Second slide")
	tenth := strings.Index(res.Text, "Tenth slide")
	if first < 0 || second < 0 || tenth < 0 {
		t.Fatalf("missing slides: %q", res.Text)
	}
	if !(first < second && second < tenth) {
		t.Fatalf("slides out of order: %q", res.Text)
	}
}

func TestZipSniffingWithoutExtension(t *testing.T) {
	data := buildZip(t, map[string][]byte{
		"word/document.xml": []byte(docxDocument),
	})
	res := New(logger.NewNop()).Extract(context.Background(), "upload-20260115", data)
	if !strings.Contains(res.Text, "Quarterly report") {
		t.Fatalf("sniffed extraction failed: %q", res.Text)
	}
}

func TestUnreadableFilesYieldEmptyResult(t *testing.T) {
	e := New(logger.NewNop())
	cases := map[string][]byte{
		"broken.pdf":  []byte("%PDF-1.7 garbage"),
		"broken.docx": {0x50, 0x4b, 0x01, 0x02},
		"broken.xlsx": []byte("not a spreadsheet"),
		"photo.raw":   {0xff, 0xd9, 0x00},
	}
	for name, data := range cases {
		res := e.Extract(context.Background(), name, data)
		if !res.Empty() {
			t.Fatalf("%s: expected empty result, got %q", name, res.Text)
		}
	}
}

func TestPlainTextPassthrough(t *testing.T) {
	res := New(logger.NewNop()).Extract(context.Background(), "notes.md", []byte("# Heading\nbody"))
	if res.Text != "# Heading\nbody" {
		t.Fatalf("text = %q", res.Text)
	}
}
