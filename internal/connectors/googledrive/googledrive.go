package googledrive

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/oauth2"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/fathomhq/fathom-backend/internal/connectors"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/extract"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

const (
	filesPerPage = 100
	maxFileBytes = 50 << 20

	fileFields = "nextPageToken, files(id, name, mimeType, modifiedTime, webViewLink, size, owners(emailAddress))"
)

// Google-native types exported to plain formats; everything else is
// downloaded raw and handed to the extractor.
var exportMIMEs = map[string]string{
	"application/vnd.google-apps.document":     "text/plain",
	"application/vnd.google-apps.presentation": "text/plain",
	"application/vnd.google-apps.spreadsheet":  "text/csv",
}

func init() {
	connectors.Register(domain.SourceGoogleDrive, func(deps connectors.Deps) (connectors.Connector, error) {
		return New(deps)
	})
}

type driveConnector struct {
	log       *logger.Logger
	svc       *drive.Service
	extractor *extract.Extractor
	folderID  string
	shared    bool
}

func New(deps connectors.Deps) (connectors.Connector, error) {
	if deps.Credential == nil || deps.Credential.AccessToken == "" {
		return nil, fmt.Errorf("google drive connector requires an oauth credential")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: deps.Credential.AccessToken})
	svc, err := drive.NewService(context.Background(), option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("drive service: %w", err)
	}
	return &driveConnector{
		log:       deps.Log.With("connector", "google_drive"),
		svc:       svc,
		extractor: extract.New(deps.Log),
		folderID:  connectors.ConfigString(deps.Config, "folder_id", ""),
		shared:    connectors.ConfigBool(deps.Config, "include_shared_drives", true),
	}, nil
}

func (c *driveConnector) NextBatch(ctx context.Context, cp string, window connectors.TimeRange) (*connectors.Batch, error) {
	call := c.svc.Files.List().
		Context(ctx).
		PageSize(filesPerPage).
		Fields(googleapi.Field(fileFields)).
		Q(c.query(window)).
		OrderBy("modifiedTime")
	if c.shared {
		call = call.SupportsAllDrives(true).IncludeItemsFromAllDrives(true).Corpora("allDrives")
	}
	if cp != "" {
		call = call.PageToken(cp)
	}

	page, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("drive list: %w", err)
	}

	batch := &connectors.Batch{
		Checkpoint: page.NextPageToken,
		HasMore:    page.NextPageToken != "",
	}
	for _, f := range page.Files {
		if f.MimeType == "application/vnd.google-apps.folder" {
			continue
		}
		doc, err := c.fileDocument(ctx, f)
		if err != nil {
			batch.Items = append(batch.Items, connectors.FailItem(&connectors.Failure{
				DocumentID: DocumentID(f.WebViewLink),
				Message:    "fetch drive file",
				Err:        err,
			}))
			continue
		}
		if doc != nil {
			batch.Items = append(batch.Items, connectors.DocItem(doc))
		}
	}
	return batch, nil
}

// AllDocumentIDs lists just ids for pruning.
func (c *driveConnector) AllDocumentIDs(ctx context.Context) ([]string, error) {
	var out []string
	token := ""
	for {
		call := c.svc.Files.List().
			Context(ctx).
			PageSize(1000).
			Fields("nextPageToken, files(id, mimeType, webViewLink)").
			Q(c.query(connectors.TimeRange{}))
		if c.shared {
			call = call.SupportsAllDrives(true).IncludeItemsFromAllDrives(true).Corpora("allDrives")
		}
		if token != "" {
			call = call.PageToken(token)
		}
		page, err := call.Do()
		if err != nil {
			return nil, err
		}
		for _, f := range page.Files {
			if f.MimeType != "application/vnd.google-apps.folder" {
				out = append(out, DocumentID(f.WebViewLink))
			}
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		token = page.NextPageToken
	}
}

func (c *driveConnector) query(window connectors.TimeRange) string {
	parts := []string{"trashed = false"}
	if c.folderID != "" {
		parts = append(parts, fmt.Sprintf("'%s' in parents", c.folderID))
	}
	if !window.IsFull() {
		parts = append(parts, fmt.Sprintf("modifiedTime > '%s'", window.Start.UTC().Format(time.RFC3339)))
	}
	if !window.End.IsZero() {
		parts = append(parts, fmt.Sprintf("modifiedTime <= '%s'", window.End.UTC().Format(time.RFC3339)))
	}
	return strings.Join(parts, " and ")
}

func (c *driveConnector) fileDocument(ctx context.Context, f *drive.File) (*connectors.Document, error) {
	if f.Size > maxFileBytes {
		c.log.Debug("skipping oversized drive file", "id", f.Id, "size", f.Size)
		return nil, nil
	}

	var text string
	if exportMIME, ok := exportMIMEs[f.MimeType]; ok {
		resp, err := c.svc.Files.Export(f.Id, exportMIME).Context(ctx).Download()
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes))
		if err != nil {
			return nil, err
		}
		text = string(raw)
	} else {
		resp, err := c.svc.Files.Get(f.Id).SupportsAllDrives(true).Context(ctx).Download()
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes))
		if err != nil {
			return nil, err
		}
		res := c.extractor.Extract(ctx, f.Name, raw)
		text = res.Text
	}

	text = strings.TrimSpace(text)
	if text == "" {
		// Unreadable content is not an error; the file simply yields no
		// searchable text.
		return nil, nil
	}

	var updated *time.Time
	if ts, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
		updated = &ts
	}
	var owners []string
	for _, o := range f.Owners {
		if o != nil && o.EmailAddress != "" {
			owners = append(owners, o.EmailAddress)
		}
	}
	return &connectors.Document{
		ID:            DocumentID(f.WebViewLink),
		Source:        domain.SourceGoogleDrive,
		SemanticID:    f.Name,
		Title:         f.Name,
		Link:          NormalizeLink(f.WebViewLink),
		Sections:      []connectors.Section{{Text: text, Link: NormalizeLink(f.WebViewLink)}},
		DocUpdatedAt:  updated,
		PrimaryOwners: owners,
		Metadata:      map[string]string{"mime_type": f.MimeType},
	}, nil
}

// DocumentID keys a Drive file by its normalized webViewLink: stable,
// human-readable, and identical across owner- and admin-scoped listings.
func DocumentID(webViewLink string) string { return NormalizeLink(webViewLink) }

// NormalizeLink strips the edit-mode suffix and query so the same file
// always carries the same citation link.
func NormalizeLink(webViewLink string) string {
	link := webViewLink
	if i := strings.Index(link, "?"); i >= 0 {
		link = link[:i]
	}
	for _, suffix := range []string{"/edit", "/view", "/preview"} {
		link = strings.TrimSuffix(link, suffix)
	}
	return link
}
