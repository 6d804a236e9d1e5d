package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fathomhq/fathom-backend/internal/platform/filestore"
	"github.com/fathomhq/fathom-backend/internal/platform/httpx"
	"github.com/fathomhq/fathom-backend/internal/platform/llm"
	llmmock "github.com/fathomhq/fathom-backend/internal/platform/llm/mock"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

const ticketSchema = `
openapi: 3.0.0
info:
  title: Helpdesk
  version: "1.0"
servers:
  - url: https://api.example.com
paths:
  /tickets/{ticket_id}:
    get:
      operationId: getTicket
      summary: Fetch one ticket
      parameters:
        - name: ticket_id
          in: path
          required: true
          schema:
            type: integer
        - name: include
          in: query
          schema:
            type: string
  /tickets:
    post:
      operationId: createTicket
      summary: Create a ticket
      requestBody:
        content:
          application/json:
            schema:
              type: object
              properties:
                subject:
                  type: string
`

func TestParseOpenAPIExtractsMethods(t *testing.T) {
	base, specs, err := ParseOpenAPI([]byte(ticketSchema))
	if err != nil {
		t.Fatalf("ParseOpenAPI: %v", err)
	}
	if base != "https://api.example.com" {
		t.Fatalf("base url = %q", base)
	}
	if len(specs) != 2 {
		t.Fatalf("specs = %d, want 2", len(specs))
	}
	// Sorted by name: createTicket before getTicket.
	if specs[0].Name != "createTicket" || specs[1].Name != "getTicket" {
		t.Fatalf("spec names = %s, %s", specs[0].Name, specs[1].Name)
	}

	get := specs[1]
	if get.Method != "GET" || get.Path != "/tickets/{ticket_id}" {
		t.Fatalf("get spec = %+v", get)
	}
	if len(get.PathParams) != 1 || get.PathParams[0].Name != "ticket_id" || !get.PathParams[0].Required {
		t.Fatalf("path params = %+v", get.PathParams)
	}
	if len(get.QueryParams) != 1 || get.QueryParams[0].Name != "include" {
		t.Fatalf("query params = %+v", get.QueryParams)
	}

	post := specs[0]
	if post.Method != "POST" || post.BodySchema == nil {
		t.Fatalf("post spec = %+v", post)
	}
}

func newTestTools(t *testing.T, baseURL string) []*CustomTool {
	t.Helper()
	tools, err := NewFromOpenAPI(logger.NewNop(), httpx.NewPool(logger.NewNop(), nil), filestore.NewMemory(), []byte(ticketSchema), Config{
		BaseURL:    baseURL,
		Headers:    map[string]string{"Authorization": "Basic abc", "X-Team": "support"},
		OAuthToken: "tok123",
	})
	if err != nil {
		t.Fatalf("NewFromOpenAPI: %v", err)
	}
	out := make([]*CustomTool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, tool.(*CustomTool))
	}
	return out
}

func TestCustomToolDefinitionMirrorsSchema(t *testing.T) {
	tools := newTestTools(t, "https://api.example.com")
	def := tools[1].Definition()
	if def.Name != "getTicket" || def.Description != "Fetch one ticket" {
		t.Fatalf("definition = %+v", def)
	}
	props := def.Parameters["properties"].(map[string]any)
	if _, ok := props["ticket_id"]; !ok {
		t.Fatalf("missing ticket_id property: %v", props)
	}
	if _, ok := props["include"]; !ok {
		t.Fatalf("missing include property: %v", props)
	}
	required := def.Parameters["required"].([]string)
	if len(required) != 1 || required[0] != "ticket_id" {
		t.Fatalf("required = %v", required)
	}
}

func TestCustomToolInvocation(t *testing.T) {
	var gotPath, gotAuth, gotTeam, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("include")
		gotAuth = r.Header.Get("Authorization")
		gotTeam = r.Header.Get("X-Team")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": 42, "subject": "printer on fire"})
	}))
	defer srv.Close()

	tools := newTestTools(t, srv.URL)
	out, err := tools[1].Run(context.Background(), map[string]any{"ticket_id": 42, "include": "conversations"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if gotPath != "/tickets/42" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotQuery != "conversations" {
		t.Fatalf("query = %q", gotQuery)
	}
	// OAuth token wins over the custom Authorization header.
	if gotAuth != "Bearer tok123" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotTeam != "support" {
		t.Fatalf("custom header dropped: %q", gotTeam)
	}

	parsed, ok := out.Response.(map[string]any)
	if !ok || parsed["subject"] != "printer on fire" {
		t.Fatalf("response = %+v", out.Response)
	}
}

func TestCustomToolStoresBinaryResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte("id,subject\n1,hello\n"))
	}))
	defer srv.Close()

	tools := newTestTools(t, srv.URL)
	out, err := tools[1].Run(context.Background(), map[string]any{"ticket_id": 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	ref, ok := out.Response.(map[string]any)
	if !ok || ref["file_id"] == "" || ref["content_type"] != "text/csv" {
		t.Fatalf("response = %+v", out.Response)
	}
	if !strings.Contains(out.ForLLM, ref["file_id"].(string)) {
		t.Fatalf("ForLLM does not reference the stored file: %q", out.ForLLM)
	}
}

func TestFreshdeskTicketsBecomeCitableDocuments(t *testing.T) {
	tool := &CustomTool{
		log:     logger.NewNop(),
		baseURL: "https://acme.freshdesk.com",
		spec:    MethodSpec{Name: "listTickets", Method: "GET", Path: "/api/v2/tickets"},
	}
	parsed := []any{
		map[string]any{
			"id":               float64(42),
			"subject":          "Printer on fire",
			"description_text": "It is very much on fire.",
			"conversations": []any{
				map[string]any{"from_email": "agent@acme.com", "body_text": "Have you tried water?"},
			},
		},
	}

	docs := tool.freshdeskDocuments(parsed)
	if len(docs) != 1 {
		t.Fatalf("docs = %d, want 1", len(docs))
	}
	doc := docs[0]
	if doc.DocumentID != "FRESHDESK_https://acme.freshdesk.com/helpdesk/tickets/42" {
		t.Fatalf("document id = %q", doc.DocumentID)
	}
	if doc.Source != "freshdesk" || doc.Title != "Printer on fire" {
		t.Fatalf("doc = %+v", doc.Chunk)
	}
	if !strings.Contains(doc.Content, "Have you tried water?") {
		t.Fatalf("conversation missing from content: %q", doc.Content)
	}

	// A non-Freshdesk host synthesizes nothing.
	tool.baseURL = "https://api.example.com"
	if docs := tool.freshdeskDocuments(parsed); docs != nil {
		t.Fatalf("unexpected docs for non-freshdesk host: %+v", docs)
	}
}

func TestSelectArgumentsTruncatesHistory(t *testing.T) {
	client := llmmock.New(llmmock.Turn{Message: llm.Message{Role: llm.RoleAssistant, Content: `{"ticket_id": 7}`}})
	history := make([]llm.Message, 15)
	for i := range history {
		history[i] = llm.Message{Role: llm.RoleUser, Content: "turn-" + strings.Repeat("x", 2) + "-" + string(rune('a'+i))}
	}

	def := llm.ToolDefinition{Name: "getTicket", Parameters: map[string]any{"type": "object"}}
	args, err := SelectArguments(context.Background(), client, llm.NewThrottle(1), def, history, "look up my ticket")
	if err != nil {
		t.Fatalf("SelectArguments: %v", err)
	}
	if args["ticket_id"] != float64(7) {
		t.Fatalf("args = %+v", args)
	}

	prompt := client.Requests[0].Messages[0].Content
	if strings.Contains(prompt, "turn-xx-a") {
		t.Fatalf("history older than ten messages leaked into the prompt")
	}
	if !strings.Contains(prompt, "turn-xx-o") {
		t.Fatalf("latest history turn missing from the prompt")
	}
}
