package imageproc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"

	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

// EmbeddedImagesHeader delimits image-derived content appended to a
// parent document's text so one dense hit surfaces both.
const EmbeddedImagesHeader = "=== EMBEDDED IMAGES ==="

// Result is the processed form of one image.
type Result struct {
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata"`
	Embedding []float32      `json:"embedding,omitempty"`
}

// Processor turns raw image bytes into indexable text plus an optional
// image embedding.
type Processor interface {
	Process(ctx context.Context, image []byte, fileName string) (*Result, error)
	Healthy(ctx context.Context) bool
}

type processRequest struct {
	ImageBase64      string `json:"image_base64"`
	FileName         string `json:"file_name"`
	IncludeOCR       bool   `json:"include_ocr"`
	IncludeDesc      bool   `json:"include_description"`
	IncludeEmbedding bool   `json:"include_embedding"`
	ClaudeAPIKey     string `json:"claude_api_key,omitempty"`
	ClaudeProvider   string `json:"claude_provider,omitempty"`
	ClaudeModel      string `json:"claude_model,omitempty"`
}

type processResponse struct {
	Text         string         `json:"text"`
	Metadata     map[string]any `json:"metadata"`
	Embedding    []float32      `json:"embedding,omitempty"`
	HasEmbedding bool           `json:"has_embedding"`
}

// client talks to the image model server; on failure it falls back to
// Vision OCR with a filename-derived description.
type client struct {
	log     *logger.Logger
	baseURL string
	http    *http.Client

	claudeAPIKey   string
	claudeProvider string
	claudeModel    string

	fallback *visionFallback
}

func NewClient(log *logger.Logger) (Processor, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	baseURL := strings.TrimSpace(os.Getenv("IMAGE_MODEL_SERVER_URL"))
	if baseURL == "" {
		return nil, fmt.Errorf("missing IMAGE_MODEL_SERVER_URL")
	}
	provider := strings.TrimSpace(os.Getenv("CLAUDE_PROVIDER"))
	if provider == "" {
		provider = "anthropic"
	}
	c := &client{
		log:            log.With("service", "ImageProcessor"),
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &http.Client{Timeout: 120 * time.Second},
		claudeAPIKey:   strings.TrimSpace(os.Getenv("CLAUDE_API_KEY")),
		claudeProvider: provider,
		claudeModel:    strings.TrimSpace(os.Getenv("CLAUDE_MODEL")),
	}
	if fb, err := newVisionFallback(log); err != nil {
		log.Warn("vision fallback unavailable", "error", err)
	} else {
		c.fallback = fb
	}
	return c, nil
}

func (c *client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *client) Process(ctx context.Context, image []byte, fileName string) (*Result, error) {
	res, err := c.processRemote(ctx, image, fileName)
	if err == nil {
		return res, nil
	}
	c.log.Warn("model server process failed; using local fallback", "file", fileName, "error", err)
	if c.fallback == nil {
		return nil, err
	}
	return c.fallback.process(ctx, image, fileName)
}

func (c *client) processRemote(ctx context.Context, image []byte, fileName string) (*Result, error) {
	body := processRequest{
		ImageBase64:      base64.StdEncoding.EncodeToString(image),
		FileName:         fileName,
		IncludeOCR:       true,
		IncludeDesc:      true,
		IncludeEmbedding: true,
		ClaudeAPIKey:     c.claudeAPIKey,
		ClaudeProvider:   c.claudeProvider,
		ClaudeModel:      c.claudeModel,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/image/process", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("image model server status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var out processResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode process response: %w", err)
	}
	res := &Result{Text: out.Text, Metadata: out.Metadata}
	if out.HasEmbedding {
		res.Embedding = out.Embedding
	}
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	return res, nil
}

// AppendEmbeddedImages concatenates image-derived text onto a page's
// text under the embedded-images header.
func AppendEmbeddedImages(pageText string, imageTexts []string) string {
	parts := make([]string, 0, len(imageTexts))
	for _, t := range imageTexts {
		if strings.TrimSpace(t) != "" {
			parts = append(parts, strings.TrimSpace(t))
		}
	}
	if len(parts) == 0 {
		return pageText
	}
	var b strings.Builder
	b.WriteString(pageText)
	for _, t := range parts {
		b.WriteString("\n\n")
		b.WriteString(EmbeddedImagesHeader)
		b.WriteString("\n")
		b.WriteString(t)
	}
	return b.String()
}

// visionFallback runs OCR through the Vision API when the model server
// is down. No description or embedding is produced locally.
type visionFallback struct {
	log    *logger.Logger
	client *vision.ImageAnnotatorClient
}

func newVisionFallback(log *logger.Logger) (*visionFallback, error) {
	if strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")) == "" {
		return nil, fmt.Errorf("no application credentials configured")
	}
	client, err := vision.NewImageAnnotatorClient(context.Background())
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	return &visionFallback{log: log.With("service", "ImageOCRFallback"), client: client}, nil
}

func (f *visionFallback) process(ctx context.Context, image []byte, fileName string) (*Result, error) {
	resp, err := f.client.BatchAnnotateImages(ctx, &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image: &visionpb.Image{Content: image},
			Features: []*visionpb.Feature{
				{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION},
			},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("vision ocr: %w", err)
	}
	text := ""
	if len(resp.Responses) > 0 && resp.Responses[0].FullTextAnnotation != nil {
		text = resp.Responses[0].FullTextAnnotation.Text
	}
	desc := fmt.Sprintf("Image file %s", fileName)
	body := desc
	if strings.TrimSpace(text) != "" {
		body = desc + "\n\n" + text
	}
	return &Result{
		Text: body,
		Metadata: map[string]any{
			"has_ocr_text":        strings.TrimSpace(text) != "",
			"has_description":     false,
			"has_image_embedding": false,
			"embedding_model":     "",
			"embedding_dim":       0,
		},
	}, nil
}
