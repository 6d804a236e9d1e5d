package extract

import (
	"bytes"
	"strings"

	"github.com/ledongthuc/pdf"
)

// pdf extracts page text in order. Pages that fail to decode are
// skipped; a fully unreadable file yields an empty result.
func (e *Extractor) pdf(filename string, data []byte) (res Result) {
	// The pdf library panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("pdf parser panicked", "file", filename, "panic", r)
			res = Result{}
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		e.log.Warn("unreadable pdf", "file", filename, "error", err)
		return Result{}
	}

	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}
	return Result{Text: b.String()}
}
