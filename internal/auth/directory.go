package auth

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/option"

	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

const (
	directoryRetries    = 3
	directoryRetrySleep = time.Second
	directoryPageSize   = 100
)

// DirectoryClient enumerates groups and members with an app-level
// client-credentials token. Admin-scoped sync work goes through this
// client rather than per-user delegated tokens, which would expire
// mid-sync.
type DirectoryClient struct {
	log *logger.Logger
	svc *admin.Service
}

// NewDirectoryClient builds the client from AUTH_DIRECTORY_* env vars.
// Passing explicit options overrides the env-derived token source,
// which tests use to point at a local server.
func NewDirectoryClient(ctx context.Context, log *logger.Logger, opts ...option.ClientOption) (*DirectoryClient, error) {
	if len(opts) == 0 {
		cfg := clientcredentials.Config{
			ClientID:     strings.TrimSpace(os.Getenv("AUTH_DIRECTORY_CLIENT_ID")),
			ClientSecret: strings.TrimSpace(os.Getenv("AUTH_DIRECTORY_CLIENT_SECRET")),
			TokenURL:     strings.TrimSpace(os.Getenv("AUTH_DIRECTORY_TOKEN_URL")),
			Scopes:       []string{admin.AdminDirectoryGroupReadonlyScope},
		}
		if cfg.ClientID == "" || cfg.TokenURL == "" {
			return nil, fmt.Errorf("directory client requires AUTH_DIRECTORY_CLIENT_ID and AUTH_DIRECTORY_TOKEN_URL")
		}
		opts = []option.ClientOption{option.WithTokenSource(cfg.TokenSource(ctx))}
	}
	svc, err := admin.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("directory service: %w", err)
	}
	return &DirectoryClient{log: log.With("service", "DirectoryClient"), svc: svc}, nil
}

// GroupsForUser returns the emails of every group the user belongs to.
func (c *DirectoryClient) GroupsForUser(ctx context.Context, userEmail string) ([]string, error) {
	var groups []string
	token := ""
	for {
		var page *admin.Groups
		err := withRetry(ctx, c.log, "list user groups", func() error {
			call := c.svc.Groups.List().Context(ctx).UserKey(userEmail).MaxResults(directoryPageSize)
			if token != "" {
				call = call.PageToken(token)
			}
			var err error
			page, err = call.Do()
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("groups for %s: %w", userEmail, err)
		}
		for _, g := range page.Groups {
			if g.Email != "" {
				groups = append(groups, g.Email)
			}
		}
		if page.NextPageToken == "" {
			return groups, nil
		}
		token = page.NextPageToken
	}
}

// GroupMembers returns the member emails of one group.
func (c *DirectoryClient) GroupMembers(ctx context.Context, groupEmail string) ([]string, error) {
	var members []string
	token := ""
	for {
		var page *admin.Members
		err := withRetry(ctx, c.log, "list group members", func() error {
			call := c.svc.Members.List(groupEmail).Context(ctx).MaxResults(directoryPageSize)
			if token != "" {
				call = call.PageToken(token)
			}
			var err error
			page, err = call.Do()
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("members of %s: %w", groupEmail, err)
		}
		for _, m := range page.Members {
			if m.Email != "" {
				members = append(members, m.Email)
			}
		}
		if page.NextPageToken == "" {
			return members, nil
		}
		token = page.NextPageToken
	}
}

// withRetry runs fn up to directoryRetries times, sleeping one second
// between attempts.
func withRetry(ctx context.Context, log *logger.Logger, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= directoryRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == directoryRetries {
			break
		}
		log.Warn("retrying directory call", "op", op, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(directoryRetrySleep):
		}
	}
	return err
}
