package confluence

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/fathomhq/fathom-backend/internal/connectors"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/extract"
	"github.com/fathomhq/fathom-backend/internal/platform/httpx"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

const (
	pagesPerBatch = 50

	// Attachments above this size are listed by name only, not fetched.
	maxAttachmentBytes = 10 << 20

	// Include macros deeper than this are left unexpanded.
	maxIncludeDepth = 5
)

var (
	userRefRe = regexp.MustCompile(`<ri:user[^>]*ri:account-id="([^"]+)"[^>]*/?>`)
	// Captures the page title referenced by an include/excerpt-include macro.
	includeRe = regexp.MustCompile(`(?s)<ac:structured-macro[^>]*ac:name="(?:include|excerpt-include)"[^>]*>.*?ri:content-title="([^"]+)".*?</ac:structured-macro>`)
)

func init() {
	connectors.Register(domain.SourceConfluence, func(deps connectors.Deps) (connectors.Connector, error) {
		return New(deps)
	})
}

type confluenceConnector struct {
	pool     *httpx.Pool
	log      *logger.Logger
	baseURL  string
	spaceKey string
	auth     string

	extractor *extract.Extractor

	// Run-scoped caches. Account ids repeat heavily inside one wiki;
	// titles guard against include-macro cycles.
	userNames  map[string]string
	titleCache map[string]string
}

type checkpoint struct {
	Start int `json:"start"`
}

type page struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
	Version struct {
		When time.Time `json:"when"`
	} `json:"version"`
	Links struct {
		WebUI string `json:"webui"`
	} `json:"_links"`
}

type pageList struct {
	Results []page `json:"results"`
	Size    int    `json:"size"`
}

func New(deps connectors.Deps) (connectors.Connector, error) {
	base := connectors.ConfigString(deps.Config, "wiki_base", "")
	if base == "" {
		return nil, fmt.Errorf("confluence connector requires wiki_base")
	}
	c := &confluenceConnector{
		pool:       deps.Pool,
		log:        deps.Log.With("connector", "confluence"),
		baseURL:    strings.TrimSuffix(base, "/"),
		spaceKey:   connectors.ConfigString(deps.Config, "space", ""),
		extractor:  extract.New(deps.Log),
		userNames:  map[string]string{},
		titleCache: map[string]string{},
	}
	email := connectors.ConfigString(deps.Config, "email", "")
	token := connectors.ConfigString(deps.Config, "api_token", "")
	switch {
	case email != "" && token != "":
		c.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(email+":"+token))
	case deps.Credential != nil && deps.Credential.AccessToken != "":
		c.auth = "Bearer " + deps.Credential.AccessToken
	default:
		return nil, fmt.Errorf("confluence connector requires email+api_token or an oauth credential")
	}
	return c, nil
}

func (c *confluenceConnector) NextBatch(ctx context.Context, cp string, window connectors.TimeRange) (*connectors.Batch, error) {
	var state checkpoint
	if cp != "" {
		if err := json.Unmarshal([]byte(cp), &state); err != nil {
			return nil, fmt.Errorf("decode confluence checkpoint: %w", err)
		}
	}

	q := url.Values{}
	q.Set("type", "page")
	q.Set("start", strconv.Itoa(state.Start))
	q.Set("limit", strconv.Itoa(pagesPerBatch))
	q.Set("expand", "body.storage,version")
	if c.spaceKey != "" {
		q.Set("spaceKey", c.spaceKey)
	}
	var list pageList
	if err := c.getJSON(ctx, c.baseURL+"/rest/api/content?"+q.Encode(), &list); err != nil {
		return nil, err
	}

	batch := &connectors.Batch{}
	for _, p := range list.Results {
		if !window.IsFull() && p.Version.When.Before(window.Start) {
			continue
		}
		if !window.End.IsZero() && p.Version.When.After(window.End) {
			continue
		}
		doc, err := c.pageDocument(ctx, p)
		if err != nil {
			batch.Items = append(batch.Items, connectors.FailItem(&connectors.Failure{
				DocumentID: DocumentID(p.ID),
				Message:    "build confluence page",
				Err:        err,
			}))
			continue
		}
		batch.Items = append(batch.Items, connectors.DocItem(doc))
	}

	state.Start += len(list.Results)
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	batch.Checkpoint = string(raw)
	batch.HasMore = len(list.Results) == pagesPerBatch
	return batch, nil
}

func (c *confluenceConnector) pageDocument(ctx context.Context, p page) (*connectors.Document, error) {
	storage := c.inlineIncludes(ctx, p.Body.Storage.Value, map[string]bool{p.Title: true}, 0)
	storage = c.replaceUserRefs(ctx, storage)

	text, err := htmltomarkdown.ConvertString(storage)
	if err != nil {
		text = storage
	}
	link := c.baseURL + p.Links.WebUI

	sections := []connectors.Section{{Text: strings.TrimSpace(text), Link: link}}
	attachSections, err := c.attachmentSections(ctx, p.ID, link)
	if err != nil {
		// Attachment listing failures degrade the page, not the run.
		c.log.Warn("listing attachments failed", "page", p.ID, "error", err)
	}
	sections = append(sections, attachSections...)

	updated := p.Version.When
	return &connectors.Document{
		ID:           DocumentID(p.ID),
		Source:       domain.SourceConfluence,
		SemanticID:   p.Title,
		Title:        p.Title,
		Link:         link,
		Sections:     sections,
		DocUpdatedAt: &updated,
		Metadata:     map[string]string{"space": c.spaceKey},
	}, nil
}

// inlineIncludes expands include macros recursively; visited titles
// break cycles and maxIncludeDepth bounds pathological nesting.
func (c *confluenceConnector) inlineIncludes(ctx context.Context, storage string, visited map[string]bool, depth int) string {
	if depth >= maxIncludeDepth {
		return storage
	}
	return includeRe.ReplaceAllStringFunc(storage, func(match string) string {
		groups := includeRe.FindStringSubmatch(match)
		if len(groups) < 2 {
			return ""
		}
		title := groups[1]
		if visited[title] {
			return ""
		}
		visited[title] = true
		body, err := c.pageBodyByTitle(ctx, title)
		if err != nil {
			c.log.Debug("include macro target not found", "title", title, "error", err)
			return ""
		}
		return c.inlineIncludes(ctx, body, visited, depth+1)
	})
}

func (c *confluenceConnector) pageBodyByTitle(ctx context.Context, title string) (string, error) {
	if body, ok := c.titleCache[title]; ok {
		return body, nil
	}
	q := url.Values{}
	q.Set("type", "page")
	q.Set("title", title)
	q.Set("limit", "1")
	q.Set("expand", "body.storage")
	if c.spaceKey != "" {
		q.Set("spaceKey", c.spaceKey)
	}
	var list pageList
	if err := c.getJSON(ctx, c.baseURL+"/rest/api/content?"+q.Encode(), &list); err != nil {
		return "", err
	}
	if len(list.Results) == 0 {
		return "", fmt.Errorf("page %q not found", title)
	}
	body := list.Results[0].Body.Storage.Value
	c.titleCache[title] = body
	return body, nil
}

// replaceUserRefs swaps account-id mentions for display names so chunks
// read like the rendered page.
func (c *confluenceConnector) replaceUserRefs(ctx context.Context, storage string) string {
	return userRefRe.ReplaceAllStringFunc(storage, func(match string) string {
		groups := userRefRe.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		return c.userDisplayName(ctx, groups[1])
	})
}

func (c *confluenceConnector) userDisplayName(ctx context.Context, accountID string) string {
	if name, ok := c.userNames[accountID]; ok {
		return name
	}
	var out struct {
		DisplayName string `json:"displayName"`
	}
	name := "Unknown User"
	if err := c.getJSON(ctx, c.baseURL+"/rest/api/user?accountId="+url.QueryEscape(accountID), &out); err == nil && out.DisplayName != "" {
		name = out.DisplayName
	}
	c.userNames[accountID] = name
	return name
}

type attachment struct {
	Title      string `json:"title"`
	Extensions struct {
		FileSize  int64  `json:"fileSize"`
		MediaType string `json:"mediaType"`
	} `json:"extensions"`
	Links struct {
		Download string `json:"download"`
	} `json:"_links"`
}

func (c *confluenceConnector) attachmentSections(ctx context.Context, pageID, pageLink string) ([]connectors.Section, error) {
	var list struct {
		Results []attachment `json:"results"`
	}
	u := fmt.Sprintf("%s/rest/api/content/%s/child/attachment?limit=50", c.baseURL, pageID)
	if err := c.getJSON(ctx, u, &list); err != nil {
		return nil, err
	}

	var out []connectors.Section
	for _, a := range list.Results {
		if a.Extensions.FileSize > maxAttachmentBytes {
			c.log.Debug("skipping oversized attachment", "name", a.Title, "size", a.Extensions.FileSize)
			continue
		}
		if strings.HasPrefix(a.Extensions.MediaType, "image/") {
			data, err := c.download(ctx, a.Links.Download)
			if err != nil {
				continue
			}
			out = append(out, connectors.Section{Link: pageLink, ImageName: a.Title, ImageBytes: data})
			continue
		}
		data, err := c.download(ctx, a.Links.Download)
		if err != nil {
			continue
		}
		res := c.extractor.Extract(ctx, a.Title, data)
		if res.Empty() {
			continue
		}
		out = append(out, connectors.Section{
			Text: fmt.Sprintf("Attachment %s:\n%s", a.Title, res.Text),
			Link: pageLink,
		})
	}
	return out, nil
}

func (c *confluenceConnector) download(ctx context.Context, downloadPath string) ([]byte, error) {
	headers := http.Header{}
	headers.Set("Authorization", c.auth)
	resp, err := c.pool.Do(ctx, httpx.Request{Method: "GET", URL: c.baseURL + downloadPath, Headers: headers})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, &httpx.StatusError{Code: resp.StatusCode, URL: downloadPath}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxAttachmentBytes {
		return nil, fmt.Errorf("attachment exceeds %d bytes", maxAttachmentBytes)
	}
	return data, nil
}

func (c *confluenceConnector) getJSON(ctx context.Context, u string, out any) error {
	headers := http.Header{}
	headers.Set("Authorization", c.auth)
	resp, err := c.pool.Do(ctx, httpx.Request{Method: "GET", URL: u, Headers: headers})
	if err != nil {
		return err
	}
	return httpx.ReadJSON(resp, out)
}

func DocumentID(pageID string) string { return "confluence_" + pageID }
