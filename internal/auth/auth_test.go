package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/option"

	"github.com/fathomhq/fathom-backend/internal/data/repos"
	"github.com/fathomhq/fathom-backend/internal/data/repos/testutil"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

func TestStateRoundTrip(t *testing.T) {
	state := EncodeState("nonce123", "/app/chat?session=9")
	nonce, next, err := DecodeState(state)
	if err != nil {
		t.Fatalf("DecodeState: %v", err)
	}
	if nonce != "nonce123" || next != "/app/chat?session=9" {
		t.Fatalf("decoded %q %q", nonce, next)
	}

	// A nonce-only state decodes with an empty next URL.
	nonce, next, err = DecodeState(EncodeState("solo", ""))
	if err != nil {
		t.Fatalf("DecodeState: %v", err)
	}
	if nonce != "solo" || next != "" {
		t.Fatalf("decoded %q %q", nonce, next)
	}

	if _, _, err := DecodeState("!!not-base64!!"); err == nil {
		t.Fatalf("expected error for malformed state")
	}
}

func TestSessionIssueAndVerify(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	all := repos.New(tx, testutil.Logger(t))
	user := testutil.SeedUser(t, ctx, tx, "sess@example.com")

	sessions := NewSessionsWithSecret(testutil.Logger(t), []byte("test-secret"), time.Hour)
	token, err := sessions.Issue(user)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := sessions.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != user.ID || claims.Email != user.Email {
		t.Fatalf("claims = %+v", claims)
	}

	// The service resolves the token back to the stored user.
	svc := NewService(testutil.Logger(t), nil, sessions, all.Users)
	got, err := svc.Verify(ctx, token)
	if err != nil {
		t.Fatalf("service Verify: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("resolved user %s, want %s", got.ID, user.ID)
	}
}

func TestSessionVerifyRejectsBadTokens(t *testing.T) {
	log := logger.NewNop()
	sessions := NewSessionsWithSecret(log, []byte("secret-a"), time.Hour)
	other := NewSessionsWithSecret(log, []byte("secret-b"), time.Hour)

	token, err := sessions.Issue(&domain.User{ID: uuid.New(), Email: "bad@example.com"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := other.Verify(token); err == nil {
		t.Fatalf("token signed with a different secret verified")
	}

	expired := NewSessionsWithSecret(log, []byte("secret-a"), time.Nanosecond)
	token, err = expired.Issue(&domain.User{ID: uuid.New(), Email: "expired@example.com"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := expired.Verify(token); err == nil {
		t.Fatalf("expired token verified")
	}
}

func TestWithRetryIsBounded(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), logger.NewNop(), "always fails", func() error {
		calls++
		return fmt.Errorf("boom %d", calls)
	})
	if err == nil {
		t.Fatalf("expected final error")
	}
	if calls != directoryRetries {
		t.Fatalf("calls = %d, want %d", calls, directoryRetries)
	}
	if !strings.Contains(err.Error(), "boom 3") {
		t.Fatalf("error is not the last attempt's: %v", err)
	}
}

func TestDirectoryGroupLookups(t *testing.T) {
	failOnce := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failOnce {
			failOnce = false
			http.Error(w, "flake", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(r.URL.Path, "/groups") && !strings.Contains(r.URL.Path, "/members"):
			if got := r.URL.Query().Get("userKey"); got != "dev@acme.com" {
				t.Errorf("userKey = %q", got)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"groups": []map[string]any{{"email": "eng@acme.com"}, {"email": "all@acme.com"}},
			})
		case strings.Contains(r.URL.Path, "/members"):
			json.NewEncoder(w).Encode(map[string]any{
				"members": []map[string]any{{"email": "dev@acme.com"}, {"email": "lead@acme.com"}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client, err := NewDirectoryClient(context.Background(), logger.NewNop(),
		option.WithEndpoint(srv.URL), option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("NewDirectoryClient: %v", err)
	}

	// First call eats the injected 500 and succeeds on retry.
	groups, err := client.GroupsForUser(context.Background(), "dev@acme.com")
	if err != nil {
		t.Fatalf("GroupsForUser: %v", err)
	}
	if len(groups) != 2 || groups[0] != "eng@acme.com" {
		t.Fatalf("groups = %v", groups)
	}

	members, err := client.GroupMembers(context.Background(), "eng@acme.com")
	if err != nil {
		t.Fatalf("GroupMembers: %v", err)
	}
	if len(members) != 2 || members[1] != "lead@acme.com" {
		t.Fatalf("members = %v", members)
	}
}
