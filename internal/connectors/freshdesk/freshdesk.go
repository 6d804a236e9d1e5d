package freshdesk

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fathomhq/fathom-backend/internal/connectors"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/httpx"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

const (
	ticketsPerPage       = 100
	conversationsPerPage = 100

	// Freshdesk refuses to paginate past page 300. When a run hits the
	// cap it re-bases updated_since on the newest ticket seen and starts
	// the page counter over.
	maxPage = 300
)

var statusNames = map[int]string{
	2: "Open",
	3: "Pending",
	4: "Resolved",
	5: "Closed",
}

var priorityNames = map[int]string{
	1: "Low",
	2: "Medium",
	3: "High",
	4: "Urgent",
}

var sourceNames = map[int]string{
	1:  "Email",
	2:  "Portal",
	3:  "Phone",
	7:  "Chat",
	9:  "Feedback Widget",
	10: "Outbound Email",
}

func init() {
	connectors.Register(domain.SourceFreshdesk, func(deps connectors.Deps) (connectors.Connector, error) {
		return New(deps)
	})
}

type freshdeskConnector struct {
	pool    *httpx.Pool
	log     *logger.Logger
	baseURL string
	auth    string
	maxPage int
}

type checkpoint struct {
	UpdatedSince string `json:"updated_since"`
	Page         int    `json:"page"`

	// NewestSeen is the greatest updated_at emitted so far and
	// SeenAtAnchor the ticket ids carrying exactly that timestamp.
	// updated_since is inclusive, so after a page-cap re-base those
	// tickets come back; the skip list keeps them from re-emitting.
	NewestSeen   string  `json:"newest_seen,omitempty"`
	SeenAtAnchor []int64 `json:"seen_at_anchor,omitempty"`
}

type ticket struct {
	ID          int64     `json:"id"`
	Subject     string    `json:"subject"`
	Description string    `json:"description_text"`
	Status      int       `json:"status"`
	Priority    int       `json:"priority"`
	Source      int       `json:"source"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type conversation struct {
	BodyText  string    `json:"body_text"`
	FromEmail string    `json:"from_email"`
	Private   bool      `json:"private"`
	CreatedAt time.Time `json:"created_at"`
}

func New(deps connectors.Deps) (connectors.Connector, error) {
	dom := connectors.ConfigString(deps.Config, "domain", "")
	if dom == "" {
		return nil, fmt.Errorf("freshdesk connector requires domain")
	}
	apiKey := connectors.ConfigString(deps.Config, "api_key", "")
	if apiKey == "" && deps.Credential != nil {
		apiKey = deps.Credential.AccessToken
	}
	if apiKey == "" {
		return nil, fmt.Errorf("freshdesk connector requires api_key")
	}
	return &freshdeskConnector{
		pool:    deps.Pool,
		log:     deps.Log.With("connector", "freshdesk", "domain", dom),
		baseURL: fmt.Sprintf("https://%s.freshdesk.com/api/v2", dom),
		// Freshdesk basic auth: api key as username, "X" as password.
		auth:    "Basic " + base64.StdEncoding.EncodeToString([]byte(apiKey+":X")),
		maxPage: maxPage,
	}, nil
}

func (c *freshdeskConnector) NextBatch(ctx context.Context, cp string, window connectors.TimeRange) (*connectors.Batch, error) {
	state := checkpoint{Page: 1}
	if cp != "" {
		if err := json.Unmarshal([]byte(cp), &state); err != nil {
			return nil, fmt.Errorf("decode freshdesk checkpoint: %w", err)
		}
	} else if !window.IsFull() {
		state.UpdatedSince = window.Start.UTC().Format(time.RFC3339)
	}

	tickets, err := c.listTickets(ctx, state)
	if err != nil {
		return nil, err
	}

	var newest time.Time
	if state.NewestSeen != "" {
		newest, _ = time.Parse(time.RFC3339, state.NewestSeen)
	}
	anchorIDs := append([]int64(nil), state.SeenAtAnchor...)
	skip := make(map[int64]bool, len(anchorIDs))
	for _, id := range anchorIDs {
		skip[id] = true
	}

	batch := &connectors.Batch{}
	for _, t := range tickets {
		if skip[t.ID] {
			continue
		}
		if !window.End.IsZero() && t.UpdatedAt.After(window.End) {
			continue
		}
		if t.UpdatedAt.After(newest) {
			newest = t.UpdatedAt
			anchorIDs = anchorIDs[:0]
		}
		if t.UpdatedAt.Equal(newest) {
			anchorIDs = append(anchorIDs, t.ID)
		}
		doc, err := c.ticketDocument(ctx, t)
		if err != nil {
			batch.Items = append(batch.Items, connectors.FailItem(&connectors.Failure{
				DocumentID: TicketDocumentID(c.ticketLink(t.ID)),
				Message:    "fetch ticket conversations",
				Err:        err,
			}))
			continue
		}
		batch.Items = append(batch.Items, connectors.DocItem(doc))
	}

	next := state
	next.NewestSeen = ""
	if !newest.IsZero() {
		next.NewestSeen = newest.UTC().Format(time.RFC3339)
	}
	next.SeenAtAnchor = anchorIDs
	if len(tickets) < ticketsPerPage {
		batch.HasMore = false
	} else if state.Page >= c.maxPage {
		// Page cap: restart pagination anchored on the newest ticket.
		next.UpdatedSince = next.NewestSeen
		next.Page = 1
		batch.HasMore = true
	} else {
		next.Page++
		batch.HasMore = true
	}

	raw, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}
	batch.Checkpoint = string(raw)
	return batch, nil
}

func (c *freshdeskConnector) listTickets(ctx context.Context, state checkpoint) ([]ticket, error) {
	q := url.Values{}
	q.Set("order_by", "updated_at")
	q.Set("order_type", "asc")
	q.Set("per_page", fmt.Sprint(ticketsPerPage))
	q.Set("page", fmt.Sprint(state.Page))
	if state.UpdatedSince != "" {
		q.Set("updated_since", state.UpdatedSince)
	}
	var out []ticket
	if err := c.getJSON(ctx, c.baseURL+"/tickets?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *freshdeskConnector) ticketDocument(ctx context.Context, t ticket) (*connectors.Document, error) {
	convs, err := c.listConversations(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	link := c.ticketLink(t.ID)
	var b strings.Builder
	fmt.Fprintf(&b, "Ticket: %s\n", t.Subject)
	fmt.Fprintf(&b, "Status: %s\nPriority: %s\nSource: %s\n\n",
		codeName(statusNames, t.Status), codeName(priorityNames, t.Priority), codeName(sourceNames, t.Source))
	b.WriteString(t.Description)

	sections := []connectors.Section{{Text: b.String(), Link: link}}
	for _, conv := range convs {
		if conv.Private || strings.TrimSpace(conv.BodyText) == "" {
			continue
		}
		sections = append(sections, connectors.Section{
			Text: fmt.Sprintf("%s (%s):\n%s", conv.FromEmail, conv.CreatedAt.Format("2006-01-02 15:04"), conv.BodyText),
			Link: link,
		})
	}

	updated := t.UpdatedAt
	return &connectors.Document{
		ID:           TicketDocumentID(link),
		Source:       domain.SourceFreshdesk,
		SemanticID:   t.Subject,
		Title:        t.Subject,
		Link:         link,
		Sections:     sections,
		DocUpdatedAt: &updated,
		Metadata: map[string]string{
			"status":   codeName(statusNames, t.Status),
			"priority": codeName(priorityNames, t.Priority),
			"source":   codeName(sourceNames, t.Source),
			"tags":     strings.Join(t.Tags, ","),
		},
	}, nil
}

func (c *freshdeskConnector) listConversations(ctx context.Context, ticketID int64) ([]conversation, error) {
	var all []conversation
	for page := 1; ; page++ {
		u := fmt.Sprintf("%s/tickets/%d/conversations?per_page=%d&page=%d", c.baseURL, ticketID, conversationsPerPage, page)
		var out []conversation
		if err := c.getJSON(ctx, u, &out); err != nil {
			return nil, err
		}
		all = append(all, out...)
		if len(out) < conversationsPerPage {
			return all, nil
		}
	}
}

func (c *freshdeskConnector) getJSON(ctx context.Context, u string, out any) error {
	headers := http.Header{}
	headers.Set("Authorization", c.auth)
	resp, err := c.pool.Do(ctx, httpx.Request{Method: "GET", URL: u, Headers: headers})
	if err != nil {
		return err
	}
	return httpx.ReadJSON(resp, out)
}

func (c *freshdeskConnector) ticketLink(id int64) string {
	return strings.TrimSuffix(c.baseURL, "/api/v2") + fmt.Sprintf("/helpdesk/tickets/%d", id)
}

// TicketDocumentID keys tickets by their portal link.
func TicketDocumentID(link string) string { return "FRESHDESK_" + link }

func codeName(names map[int]string, code int) string {
	if name, ok := names[code]; ok {
		return name
	}
	return fmt.Sprintf("Unknown (%d)", code)
}
