package tools

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/fathomhq/fathom-backend/internal/connectors/freshdesk"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/searchindex"
)

// freshdeskDocuments synthesizes citable ticket documents from a
// Freshdesk ticket-endpoint response so the answering LLM can cite the
// tickets it reasons over. Non-Freshdesk tools return nothing here.
func (t *CustomTool) freshdeskDocuments(parsed any) []searchindex.ScoredChunk {
	host := freshdeskHost(t.baseURL)
	if host == "" || !strings.HasPrefix(t.spec.Path, "/api/v2/tickets") {
		return nil
	}

	var tickets []map[string]any
	switch v := parsed.(type) {
	case []any:
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				tickets = append(tickets, m)
			}
		}
	case map[string]any:
		tickets = append(tickets, v)
	default:
		return nil
	}

	var docs []searchindex.ScoredChunk
	for _, ticket := range tickets {
		id, ok := numberField(ticket, "id")
		if !ok {
			continue
		}
		link := fmt.Sprintf("https://%s/helpdesk/tickets/%d", host, id)
		subject, _ := ticket["subject"].(string)

		var b strings.Builder
		fmt.Fprintf(&b, "Ticket #%d", id)
		if subject != "" {
			fmt.Fprintf(&b, ": %s", subject)
		}
		b.WriteString("\n")
		if desc, ok := ticket["description_text"].(string); ok && desc != "" {
			b.WriteString(desc)
			b.WriteString("\n")
		}
		if convs, ok := ticket["conversations"].([]any); ok {
			for _, c := range convs {
				conv, ok := c.(map[string]any)
				if !ok {
					continue
				}
				from, _ := conv["from_email"].(string)
				text, _ := conv["body_text"].(string)
				if text == "" {
					continue
				}
				fmt.Fprintf(&b, "\n%s: %s\n", from, text)
			}
		}

		docs = append(docs, searchindex.ScoredChunk{
			Chunk: searchindex.Chunk{
				DocumentID: freshdesk.TicketDocumentID(link),
				Ordinal:    0,
				Content:    b.String(),
				Title:      subject,
				Source:     string(domain.SourceFreshdesk),
				Link:       link,
			},
			Score: 1.0,
		})
	}
	return docs
}

func freshdeskHost(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	if !strings.HasSuffix(u.Hostname(), ".freshdesk.com") {
		return ""
	}
	return u.Hostname()
}

func numberField(m map[string]any, key string) (int64, bool) {
	switch v := m[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}
