package freshdesk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fathomhq/fathom-backend/internal/connectors"
	"github.com/fathomhq/fathom-backend/internal/platform/httpx"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

// Serves 350 tickets ordered by updated_at and honors updated_since +
// page the way the real API does.
func ticketServer(t *testing.T, total int) *httptest.Server {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	all := make([]ticket, total)
	for i := range all {
		all[i] = ticket{
			ID:        int64(i + 1),
			Subject:   fmt.Sprintf("Ticket %d", i+1),
			Status:    2,
			Priority:  1,
			Source:    1,
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/tickets", func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
		var filtered []ticket
		if since := r.URL.Query().Get("updated_since"); since != "" {
			cutoff, err := time.Parse(time.RFC3339, since)
			if err != nil {
				t.Errorf("bad updated_since %q: %v", since, err)
			}
			for _, tk := range all {
				if !tk.UpdatedAt.Before(cutoff) {
					filtered = append(filtered, tk)
				}
			}
		} else {
			filtered = all
		}
		start := (page - 1) * perPage
		if start > len(filtered) {
			start = len(filtered)
		}
		end := start + perPage
		if end > len(filtered) {
			end = len(filtered)
		}
		_ = json.NewEncoder(w).Encode(filtered[start:end])
	})
	mux.HandleFunc("/tickets/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/conversations") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode([]conversation{})
	})
	return httptest.NewServer(mux)
}

func TestPageCapRebaseCoversAllTicketsOnce(t *testing.T) {
	server := ticketServer(t, 350)
	defer server.Close()

	pool := httpx.NewPool(logger.NewNop(), nil)
	pool.HostRPS = 100000
	pool.HostBurst = 100000

	c := &freshdeskConnector{
		pool:    pool,
		log:     logger.NewNop(),
		baseURL: server.URL,
		auth:    "Basic dGVzdDpY",
		maxPage: 2,
	}

	seen := map[string]int{}
	cp := ""
	for i := 0; i < 50; i++ {
		batch, err := c.NextBatch(context.Background(), cp, connectors.TimeRange{})
		if err != nil {
			t.Fatalf("NextBatch(%d): %v", i, err)
		}
		for _, item := range batch.Items {
			if item.Failure != nil {
				t.Fatalf("unexpected failure: %v", item.Failure)
			}
			seen[item.Doc.ID]++
		}
		cp = batch.Checkpoint
		if !batch.HasMore {
			break
		}
	}

	if len(seen) != 350 {
		t.Fatalf("distinct tickets = %d, want 350", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("ticket %s emitted %d times", id, n)
		}
	}
	first := TicketDocumentID(c.ticketLink(1))
	last := TicketDocumentID(c.ticketLink(350))
	if seen[first] != 1 || seen[last] != 1 {
		t.Fatalf("boundary tickets missing: %v %v", seen[first], seen[last])
	}
}

func TestTicketDocumentCodesAndConversations(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tickets/7/conversations", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]conversation{
			{BodyText: "have you tried rebooting", FromEmail: "agent@x.com", CreatedAt: time.Now()},
			{BodyText: "internal note", FromEmail: "agent@x.com", Private: true},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	pool := httpx.NewPool(logger.NewNop(), nil)
	c := &freshdeskConnector{pool: pool, log: logger.NewNop(), baseURL: server.URL, maxPage: maxPage}

	doc, err := c.ticketDocument(context.Background(), ticket{
		ID:       7,
		Subject:  "Printer on fire",
		Status:   4,
		Priority: 4,
		Source:   3,
	})
	if err != nil {
		t.Fatalf("ticketDocument: %v", err)
	}
	if doc.ID != "FRESHDESK_"+server.URL+"/helpdesk/tickets/7" {
		t.Fatalf("doc id = %s", doc.ID)
	}
	body := doc.Sections[0].Text
	for _, want := range []string{"Status: Resolved", "Priority: Urgent", "Source: Phone"} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
	// Private conversations stay out; public ones become sections.
	if len(doc.Sections) != 2 {
		t.Fatalf("sections = %d, want 2", len(doc.Sections))
	}
	if !strings.Contains(doc.Sections[1].Text, "rebooting") {
		t.Fatalf("conversation section = %q", doc.Sections[1].Text)
	}
}
