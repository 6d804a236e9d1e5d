package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

// unstructuredClient talks to an Unstructured-compatible partition API.
// Optional; configured via EXTRACT_API_URL (+ EXTRACT_API_KEY).
type unstructuredClient struct {
	log    *logger.Logger
	http   *http.Client
	url    string
	apiKey string
}

func newUnstructuredFromEnv(log *logger.Logger) *unstructuredClient {
	url := strings.TrimSpace(os.Getenv("EXTRACT_API_URL"))
	if url == "" {
		return nil
	}
	return &unstructuredClient{
		log:    log.With("service", "UnstructuredClient"),
		http:   &http.Client{Timeout: 120 * time.Second},
		url:    strings.TrimSuffix(url, "/") + "/general/v0/general",
		apiKey: strings.TrimSpace(os.Getenv("EXTRACT_API_KEY")),
	}
}

type partitionElement struct {
	Text string `json:"text"`
	Type string `json:"type"`
}

func (c *unstructuredClient) process(ctx context.Context, filename string, data []byte) (Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("files", filename)
	if err != nil {
		return Result{}, err
	}
	if _, err := part.Write(data); err != nil {
		return Result{}, err
	}
	if err := mw.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("unstructured-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return Result{}, fmt.Errorf("partition api status %d", resp.StatusCode)
	}

	var elements []partitionElement
	if err := json.NewDecoder(resp.Body).Decode(&elements); err != nil {
		return Result{}, err
	}
	var b strings.Builder
	for _, el := range elements {
		text := strings.TrimSpace(el.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}
	return Result{Text: b.String()}, nil
}
