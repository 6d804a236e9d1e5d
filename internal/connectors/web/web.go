package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"github.com/fathomhq/fathom-backend/internal/connectors"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/extract"
	"github.com/fathomhq/fathom-backend/internal/platform/httpx"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

const (
	pagesPerBatch = 10
	maxImageBytes = 4 << 20
)

// cdnHosts are image hosts commonly embedded in pages that live off the
// crawled domain but still belong to its content.
var cdnHosts = []string{
	"images.ctfassets.net",
	"cdn.prod.website-files.com",
	"cdn.sanity.io",
	"res.cloudinary.com",
}

func init() {
	connectors.Register(domain.SourceWeb, func(deps connectors.Deps) (connectors.Connector, error) {
		return New(deps)
	})
}

// textExtractor narrows the extractor to what crawled files need.
type textExtractor interface {
	Extract(ctx context.Context, filename string, data []byte) extract.Result
}

type webConnector struct {
	pool          *httpx.Pool
	log           *logger.Logger
	baseURL       *url.URL
	maxPages      int
	includeImages bool
	extractor     textExtractor
}

// checkpoint is the serialized crawl frontier.
type checkpoint struct {
	Queue   []string `json:"queue"`
	Visited []string `json:"visited"`
	Fetched int      `json:"fetched"`
}

func New(deps connectors.Deps) (connectors.Connector, error) {
	raw := connectors.ConfigString(deps.Config, "base_url", "")
	if raw == "" {
		return nil, fmt.Errorf("web connector requires base_url")
	}
	base, err := url.Parse(raw)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid base_url %q", raw)
	}
	return &webConnector{
		pool:          deps.Pool,
		log:           deps.Log.With("connector", "web", "base", base.Host),
		baseURL:       base,
		maxPages:      connectors.ConfigInt(deps.Config, "max_pages", 1000),
		includeImages: connectors.ConfigBool(deps.Config, "include_images", true),
		extractor:     extract.New(deps.Log),
	}, nil
}

func (c *webConnector) NextBatch(ctx context.Context, cp string, _ connectors.TimeRange) (*connectors.Batch, error) {
	var state checkpoint
	if cp == "" {
		state.Queue = []string{c.baseURL.String()}
	} else if err := json.Unmarshal([]byte(cp), &state); err != nil {
		return nil, fmt.Errorf("decode web checkpoint: %w", err)
	}

	visited := make(map[string]bool, len(state.Visited))
	for _, v := range state.Visited {
		visited[v] = true
	}

	batch := &connectors.Batch{}
	for len(batch.Items) < pagesPerBatch && len(state.Queue) > 0 && state.Fetched < c.maxPages {
		pageURL := state.Queue[0]
		state.Queue = state.Queue[1:]
		if visited[pageURL] {
			continue
		}
		visited[pageURL] = true
		state.Visited = append(state.Visited, pageURL)
		state.Fetched++

		doc, links, err := c.fetchPage(ctx, pageURL)
		if err != nil {
			batch.Items = append(batch.Items, connectors.FailItem(&connectors.Failure{
				DocumentID: documentID(pageURL),
				Message:    "fetch page",
				Err:        err,
			}))
			continue
		}
		for _, link := range links {
			if !visited[link] {
				state.Queue = append(state.Queue, link)
			}
		}
		batch.Items = append(batch.Items, connectors.DocItem(doc))
	}

	next, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	batch.Checkpoint = string(next)
	batch.HasMore = len(state.Queue) > 0 && state.Fetched < c.maxPages
	return batch, nil
}

func (c *webConnector) fetchPage(ctx context.Context, pageURL string) (*connectors.Document, []string, error) {
	resp, err := c.pool.Do(ctx, httpx.Request{Method: "GET", URL: pageURL})
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, nil, &httpx.StatusError{Code: resp.StatusCode, URL: pageURL}
	}
	ct := resp.Header.Get("Content-Type")
	pdf := isPDF(ct, pageURL)
	if ct != "" && !strings.Contains(ct, "html") && !pdf {
		return nil, nil, fmt.Errorf("not html: %s", ct)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, nil, err
	}
	if pdf {
		return c.pdfDocument(ctx, pageURL, body)
	}

	root, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, nil, err
	}
	title, links, imageURLs := walkPage(root, mustParse(pageURL))

	text, err := htmltomarkdown.ConvertString(string(body))
	if err != nil || len(strings.TrimSpace(text)) < 40 {
		// Markdown conversion choked or the page is script-heavy; pull
		// the readable core instead.
		if article, rerr := readability.FromReader(strings.NewReader(string(body)), mustParse(pageURL)); rerr == nil {
			text = article.TextContent
			if title == "" {
				title = article.Title
			}
		}
	}
	text = strings.TrimSpace(text)
	if text == "" && len(imageURLs) == 0 {
		return nil, nil, fmt.Errorf("empty page")
	}

	doc := &connectors.Document{
		ID:         documentID(pageURL),
		Source:     domain.SourceWeb,
		SemanticID: firstNonEmpty(title, pageURL),
		Title:      title,
		Link:       pageURL,
		Sections:   []connectors.Section{{Text: text, Link: pageURL}},
		Metadata:   map[string]string{},
	}
	if c.includeImages {
		for _, imgURL := range imageURLs {
			name, data, err := c.fetchImage(ctx, imgURL)
			if err != nil {
				c.log.Debug("skipping image", "url", imgURL, "error", err)
				continue
			}
			doc.Sections = append(doc.Sections, connectors.Section{
				Link:       imgURL,
				ImageName:  name,
				ImageBytes: data,
			})
		}
	}
	return doc, links, nil
}

// pdfDocument indexes a crawled PDF link as its own document. PDFs
// contribute no links to the frontier.
func (c *webConnector) pdfDocument(ctx context.Context, pageURL string, body []byte) (*connectors.Document, []string, error) {
	name := baseName(pageURL)
	res := c.extractor.Extract(ctx, name, body)
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return nil, nil, fmt.Errorf("no extractable text in pdf")
	}
	return &connectors.Document{
		ID:         documentID(pageURL),
		Source:     domain.SourceWeb,
		SemanticID: name,
		Title:      name,
		Link:       pageURL,
		Sections:   []connectors.Section{{Text: text, Link: pageURL}},
		Metadata:   map[string]string{},
	}, nil, nil
}

func isPDF(contentType, pageURL string) bool {
	if strings.Contains(contentType, "application/pdf") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(mustParse(pageURL).Path), ".pdf")
}

func baseName(pageURL string) string {
	parts := strings.Split(strings.Trim(mustParse(pageURL).Path, "/"), "/")
	if len(parts) > 0 && parts[len(parts)-1] != "" {
		return parts[len(parts)-1]
	}
	return pageURL
}

func (c *webConnector) fetchImage(ctx context.Context, imgURL string) (string, []byte, error) {
	resp, err := c.pool.Do(ctx, httpx.Request{Method: "GET", URL: imgURL})
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return "", nil, &httpx.StatusError{Code: resp.StatusCode, URL: imgURL}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return "", nil, err
	}
	if len(data) > maxImageBytes {
		return "", nil, fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	u := mustParse(imgURL)
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	name := imgURL
	if len(parts) > 0 && parts[len(parts)-1] != "" {
		name = parts[len(parts)-1]
	}
	return name, data, nil
}

// walkPage collects title, same-site links, and crawlable image urls.
func walkPage(root *html.Node, page *url.URL) (title string, links, images []string) {
	seenLink := map[string]bool{}
	seenImg := map[string]bool{}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if title == "" && n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "a":
				if href := attr(n, "href"); href != "" {
					if resolved, ok := resolveLink(page, href); ok && !seenLink[resolved] {
						seenLink[resolved] = true
						links = append(links, resolved)
					}
				}
			case "img":
				if src := attr(n, "src"); src != "" {
					if resolved, ok := resolveImage(page, src); ok && !seenImg[resolved] {
						seenImg[resolved] = true
						images = append(images, resolved)
					}
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)
	return title, links, images
}

func resolveLink(page *url.URL, href string) (string, bool) {
	u, err := page.Parse(href)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.Host != page.Host {
		return "", false
	}
	u.Fragment = ""
	return u.String(), true
}

func resolveImage(page *url.URL, src string) (string, bool) {
	u, err := page.Parse(src)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.Host == page.Host {
		return u.String(), true
	}
	for _, cdn := range cdnHosts {
		if u.Host == cdn {
			return u.String(), true
		}
	}
	return "", false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// Web documents are keyed by their canonical URL.
func documentID(pageURL string) string { return pageURL }

func mustParse(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
