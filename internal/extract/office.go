package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const maxEmbeddedImage = 8 << 20

// docx pulls paragraph text from word/document.xml and embedded images
// from word/media/.
func (e *Extractor) docx(filename string, data []byte) Result {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		e.log.Warn("unreadable docx", "file", filename, "error", err)
		return Result{}
	}
	index := zipIndex(r)

	docXML := readZipFile(index["word/document.xml"])
	if docXML == nil {
		return Result{}
	}
	text := wordText(docXML)
	images := zipImages(r, "word/media/")
	return Result{Text: text, Images: images}
}

// pptx concatenates slide text in slide order, one block per slide.
func (e *Extractor) pptx(filename string, data []byte) Result {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		e.log.Warn("unreadable pptx", "file", filename, "error", err)
		return Result{}
	}

	slides := map[int][]byte{}
	var nums []int
	for _, f := range r.File {
		if strings.HasPrefix(f.Name, "ppt/slides/slide") && strings.HasSuffix(f.Name, ".xml") {
			numStr := strings.TrimSuffix(strings.TrimPrefix(f.Name, "ppt/slides/slide"), ".xml")
			num, err := strconv.Atoi(numStr)
			if err != nil {
				continue
			}
			if raw := readZipFile(f); raw != nil {
				slides[num] = raw
				nums = append(nums, num)
			}
		}
	}
	sort.Ints(nums)

	var b strings.Builder
	for _, num := range nums {
		slideText := drawingText(slides[num])
		if slideText == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(slideText)
	}
	return Result{Text: b.String(), Images: zipImages(r, "ppt/media/")}
}

// wordText walks document.xml: text runs accumulate, paragraph ends
// become newlines.
func wordText(raw []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	var b strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteString("\n")
			case "tab":
				b.WriteString("\t")
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// drawingText collects DrawingML <a:t> runs, newline per paragraph.
func drawingText(raw []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	var b strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func zipIndex(r *zip.Reader) map[string]*zip.File {
	index := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		index[f.Name] = f
	}
	return index
}

func readZipFile(f *zip.File) []byte {
	if f == nil {
		return nil
	}
	rc, err := f.Open()
	if err != nil {
		return nil
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, 64<<20))
	if err != nil {
		return nil
	}
	return data
}

func zipImages(r *zip.Reader, prefix string) []Image {
	var out []Image
	for _, f := range r.File {
		if !strings.HasPrefix(f.Name, prefix) {
			continue
		}
		switch strings.ToLower(filepath.Ext(f.Name)) {
		case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		default:
			continue
		}
		if f.UncompressedSize64 > maxEmbeddedImage {
			continue
		}
		if data := readZipFile(f); data != nil {
			out = append(out, Image{Name: filepath.Base(f.Name), Data: data})
		}
	}
	return out
}

// sniffZip tells office container types apart by their manifest paths.
func sniffZip(data []byte) string {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return ""
	}
	for _, f := range r.File {
		switch {
		case strings.HasPrefix(f.Name, "word/"):
			return ".docx"
		case strings.HasPrefix(f.Name, "ppt/"):
			return ".pptx"
		case strings.HasPrefix(f.Name, "xl/"):
			return ".xlsx"
		}
	}
	return ""
}
