package salesforce

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fathomhq/fathom-backend/internal/connectors"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/httpx"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

const (
	apiVersion = "v59.0"

	// Bulk query jobs for distinct objects run concurrently, capped so a
	// wide org cannot monopolize the org's API quota.
	maxParallelObjects = 4

	jobPollInterval = 2 * time.Second
	jobPollTimeout  = 15 * time.Minute
)

var defaultObjects = []string{"Account", "Contact", "Opportunity", "Case"}

var objectFields = map[string][]string{
	"Account":     {"Id", "Name", "Description", "Industry", "Website", "SystemModstamp"},
	"Contact":     {"Id", "Name", "Email", "Title", "Department", "SystemModstamp"},
	"Opportunity": {"Id", "Name", "Description", "StageName", "Amount", "SystemModstamp"},
	"Case":        {"Id", "Subject", "Description", "Status", "Priority", "SystemModstamp"},
}

func init() {
	connectors.Register(domain.SourceSalesforce, func(deps connectors.Deps) (connectors.Connector, error) {
		return New(deps)
	})
}

type salesforceConnector struct {
	pool        *httpx.Pool
	log         *logger.Logger
	instanceURL string
	credential  *httpx.Credential
	objects     []string
}

type checkpoint struct {
	Remaining []string `json:"remaining"`
}

func New(deps connectors.Deps) (connectors.Connector, error) {
	instance := connectors.ConfigString(deps.Config, "instance_url", "")
	if instance == "" {
		return nil, fmt.Errorf("salesforce connector requires instance_url")
	}
	if deps.Credential == nil || deps.Credential.AccessToken == "" {
		return nil, fmt.Errorf("salesforce connector requires an oauth credential")
	}
	objects := connectors.ConfigStrings(deps.Config, "objects")
	if len(objects) == 0 {
		objects = defaultObjects
	}
	return &salesforceConnector{
		pool:        deps.Pool,
		log:         deps.Log.With("connector", "salesforce"),
		instanceURL: strings.TrimSuffix(instance, "/"),
		credential:  deps.Credential,
		objects:     objects,
	}, nil
}

func (c *salesforceConnector) NextBatch(ctx context.Context, cp string, window connectors.TimeRange) (*connectors.Batch, error) {
	state := checkpoint{Remaining: c.objects}
	if cp != "" {
		if err := json.Unmarshal([]byte(cp), &state); err != nil {
			return nil, fmt.Errorf("decode salesforce checkpoint: %w", err)
		}
	}
	if len(state.Remaining) == 0 {
		return &connectors.Batch{Checkpoint: cp, HasMore: false}, nil
	}

	n := min(maxParallelObjects, len(state.Remaining))
	current, rest := state.Remaining[:n], state.Remaining[n:]

	var mu sync.Mutex
	batch := &connectors.Batch{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelObjects)
	for _, object := range current {
		g.Go(func() error {
			items, err := c.fetchObject(gctx, object, window)
			if err != nil {
				// One object failing bulk export should not sink the
				// other objects in flight.
				items = []connectors.Item{connectors.FailItem(&connectors.Failure{
					DocumentID: "salesforce_" + object,
					Message:    "bulk export",
					Err:        err,
				})}
			}
			mu.Lock()
			batch.Items = append(batch.Items, items...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(checkpoint{Remaining: rest})
	if err != nil {
		return nil, err
	}
	batch.Checkpoint = string(raw)
	batch.HasMore = len(rest) > 0
	return batch, nil
}

func (c *salesforceConnector) fetchObject(ctx context.Context, object string, window connectors.TimeRange) ([]connectors.Item, error) {
	fields, ok := objectFields[object]
	if !ok {
		fields = []string{"Id", "Name", "SystemModstamp"}
	}
	soql := fmt.Sprintf("SELECT %s FROM %s", strings.Join(fields, ", "), object)
	if !window.IsFull() {
		soql += fmt.Sprintf(" WHERE SystemModstamp > %s", window.Start.UTC().Format("2006-01-02T15:04:05Z"))
	}

	jobID, err := c.createJob(ctx, soql)
	if err != nil {
		return nil, err
	}
	if err := c.waitForJob(ctx, jobID); err != nil {
		return nil, err
	}
	return c.jobResults(ctx, jobID, object)
}

func (c *salesforceConnector) createJob(ctx context.Context, soql string) (string, error) {
	body, err := json.Marshal(map[string]string{"operation": "query", "query": soql})
	if err != nil {
		return "", err
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	resp, err := c.pool.Do(ctx, httpx.Request{
		Method:     "POST",
		URL:        fmt.Sprintf("%s/services/data/%s/jobs/query", c.instanceURL, apiVersion),
		Headers:    headers,
		Body:       body,
		Credential: c.credential,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := httpx.ReadJSON(resp, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *salesforceConnector) waitForJob(ctx context.Context, jobID string) error {
	deadline := time.Now().Add(jobPollTimeout)
	for {
		var out struct {
			State string `json:"state"`
		}
		resp, err := c.pool.Do(ctx, httpx.Request{
			Method:     "GET",
			URL:        fmt.Sprintf("%s/services/data/%s/jobs/query/%s", c.instanceURL, apiVersion, jobID),
			Credential: c.credential,
		})
		if err != nil {
			return err
		}
		if err := httpx.ReadJSON(resp, &out); err != nil {
			return err
		}
		switch out.State {
		case "JobComplete":
			return nil
		case "Failed", "Aborted":
			return fmt.Errorf("bulk job %s ended in state %s", jobID, out.State)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("bulk job %s timed out", jobID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jobPollInterval):
		}
	}
}

func (c *salesforceConnector) jobResults(ctx context.Context, jobID, object string) ([]connectors.Item, error) {
	var items []connectors.Item
	locator := ""
	for {
		u := fmt.Sprintf("%s/services/data/%s/jobs/query/%s/results?maxRecords=10000", c.instanceURL, apiVersion, jobID)
		if locator != "" {
			u += "&locator=" + locator
		}
		resp, err := c.pool.Do(ctx, httpx.Request{Method: "GET", URL: u, Credential: c.credential})
		if err != nil {
			return nil, err
		}
		pageItems, nextLocator, err := c.parseResultsPage(resp, object)
		if err != nil {
			return nil, err
		}
		items = append(items, pageItems...)
		if nextLocator == "" || nextLocator == "null" {
			return items, nil
		}
		locator = nextLocator
	}
}

func (c *salesforceConnector) parseResultsPage(resp *http.Response, object string) ([]connectors.Item, string, error) {
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, "", &httpx.StatusError{Code: resp.StatusCode, URL: resp.Request.URL.String()}
	}
	locator := resp.Header.Get("Sforce-Locator")

	reader := csv.NewReader(resp.Body)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, "", fmt.Errorf("parse bulk csv: %w", err)
	}
	if len(records) < 2 {
		return nil, locator, nil
	}
	header := records[0]

	var items []connectors.Item
	for _, record := range records[1:] {
		doc := c.recordDocument(object, header, record)
		if doc != nil {
			items = append(items, connectors.DocItem(doc))
		}
	}
	return items, locator, nil
}

func (c *salesforceConnector) recordDocument(object string, header, record []string) *connectors.Document {
	fields := map[string]string{}
	for i, name := range header {
		if i < len(record) {
			fields[name] = record[i]
		}
	}
	id := fields["Id"]
	if id == "" {
		return nil
	}
	title := fields["Name"]
	if title == "" {
		title = fields["Subject"]
	}
	if title == "" {
		title = object + " " + id
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", object, title)
	for _, name := range header {
		if name == "Id" || fields[name] == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", name, fields[name])
	}

	link := fmt.Sprintf("%s/lightning/r/%s/%s/view", c.instanceURL, object, id)
	var updated *time.Time
	if ts, err := time.Parse("2006-01-02T15:04:05.000-0700", fields["SystemModstamp"]); err == nil {
		utc := ts.UTC()
		updated = &utc
	}
	return &connectors.Document{
		ID:           DocumentID(object, id),
		Source:       domain.SourceSalesforce,
		SemanticID:   title,
		Title:        title,
		Link:         link,
		Sections:     []connectors.Section{{Text: b.String(), Link: link}},
		DocUpdatedAt: updated,
		Metadata:     map[string]string{"object": object},
	}
}

func DocumentID(object, id string) string {
	return fmt.Sprintf("salesforce_%s_%s", strings.ToLower(object), id)
}
