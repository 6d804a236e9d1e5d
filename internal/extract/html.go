package extract

import (
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

func (e *Extractor) html(filename string, data []byte) Result {
	text, err := htmltomarkdown.ConvertString(string(data))
	if err != nil {
		e.log.Warn("unreadable html", "file", filename, "error", err)
		return Result{}
	}
	return Result{Text: strings.TrimSpace(text)}
}
