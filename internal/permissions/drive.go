package permissions

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	admin "google.golang.org/api/admin/directory/v1"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/fathomhq/fathom-backend/internal/connectors"
	"github.com/fathomhq/fathom-backend/internal/connectors/googledrive"
	"github.com/fathomhq/fathom-backend/internal/data/repos"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

const permPageSize = 100

// FolderGroupID is the synthetic group id for documents inheriting
// permissions from a Drive folder. Group sync resolves it to the
// folder's member emails.
func FolderGroupID(folderID string) string { return "drive_folder_" + folderID }

type driveDocSync struct {
	log *logger.Logger
	svc *drive.Service
}

func newDriveDocSync(deps Deps) (*driveDocSync, error) {
	svc, err := driveService(deps)
	if err != nil {
		return nil, err
	}
	return &driveDocSync{log: deps.Log.With("sync", "drive_doc"), svc: svc}, nil
}

func (s *driveDocSync) SyncDocs(ctx context.Context, yield YieldFunc, hb connectors.Heartbeat) error {
	token := ""
	for {
		call := s.svc.Files.List().
			Context(ctx).
			PageSize(permPageSize).
			Fields(googleapi.Field("nextPageToken, files(id, mimeType, webViewLink)")).
			Q("trashed = false").
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			Corpora("allDrives")
		if token != "" {
			call = call.PageToken(token)
		}
		page, err := call.Do()
		if err != nil {
			return fmt.Errorf("drive list: %w", err)
		}
		if !hb.Progress(ctx, len(page.Files)) {
			return fmt.Errorf("permission sync stopped")
		}
		for _, f := range page.Files {
			if f.MimeType == "application/vnd.google-apps.folder" {
				continue
			}
			snap, err := s.fileAccess(ctx, f)
			if err != nil {
				// One unreadable file must not stall the whole sync.
				s.log.Warn("skipping file access", "file_id", f.Id, "error", err)
				continue
			}
			if err := yield(snap); err != nil {
				return err
			}
		}
		if page.NextPageToken == "" {
			return nil
		}
		token = page.NextPageToken
	}
}

func (s *driveDocSync) fileAccess(ctx context.Context, f *drive.File) (repos.AccessSnapshot, error) {
	snap := repos.AccessSnapshot{DocumentID: googledrive.DocumentID(f.WebViewLink)}
	token := ""
	for {
		call := s.svc.Permissions.List(f.Id).
			Context(ctx).
			PageSize(permPageSize).
			Fields(googleapi.Field("nextPageToken, permissions(id, type, emailAddress, domain, permissionDetails(inherited, inheritedFrom))")).
			SupportsAllDrives(true)
		if token != "" {
			call = call.PageToken(token)
		}
		page, err := call.Do()
		if err != nil {
			return snap, err
		}
		for _, p := range page.Permissions {
			inherited := false
			for _, d := range p.PermissionDetails {
				if d.Inherited && d.InheritedFrom != "" {
					snap.GroupIDs = append(snap.GroupIDs, FolderGroupID(d.InheritedFrom))
					inherited = true
				}
			}
			if inherited {
				continue
			}
			switch p.Type {
			case "user":
				if p.EmailAddress != "" {
					snap.UserEmails = append(snap.UserEmails, p.EmailAddress)
				}
			case "group":
				if p.EmailAddress != "" {
					snap.GroupIDs = append(snap.GroupIDs, p.EmailAddress)
				}
			case "domain":
				if p.Domain != "" {
					snap.GroupIDs = append(snap.GroupIDs, "domain_"+p.Domain)
				}
			case "anyone":
				snap.IsPublic = true
			}
		}
		if page.NextPageToken == "" {
			return snap, nil
		}
		token = page.NextPageToken
	}
}

// driveGroupSync resolves synthetic folder groups to member emails and
// pulls real Google group memberships from the Directory API. The
// folder permission cache lives for one run only.
type driveGroupSync struct {
	log       *logger.Logger
	svc       *drive.Service
	directory *admin.Service

	permCache map[string][]string
}

func newDriveGroupSync(deps Deps) (*driveGroupSync, error) {
	svc, err := driveService(deps)
	if err != nil {
		return nil, err
	}
	gs := &driveGroupSync{
		log:       deps.Log.With("sync", "drive_group"),
		svc:       svc,
		permCache: map[string][]string{},
	}
	directory, err := directoryService(deps)
	if err != nil {
		gs.log.Warn("directory API unavailable; real group membership will not resolve", "error", err)
	} else {
		gs.directory = directory
	}
	return gs, nil
}

func (s *driveGroupSync) SyncGroups(ctx context.Context, hb connectors.Heartbeat) ([]Group, error) {
	var out []Group
	token := ""
	for {
		call := s.svc.Files.List().
			Context(ctx).
			PageSize(permPageSize).
			Fields(googleapi.Field("nextPageToken, files(id)")).
			Q("trashed = false and mimeType = 'application/vnd.google-apps.folder'").
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			Corpora("allDrives")
		if token != "" {
			call = call.PageToken(token)
		}
		page, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("drive folder list: %w", err)
		}
		if !hb.Progress(ctx, len(page.Files)) {
			return nil, fmt.Errorf("permission sync stopped")
		}
		for _, folder := range page.Files {
			members, err := s.folderMembers(ctx, folder.Id)
			if err != nil {
				s.log.Warn("skipping folder group", "folder_id", folder.Id, "error", err)
				continue
			}
			out = append(out, Group{ID: FolderGroupID(folder.Id), Members: members})
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}

	if s.directory != nil {
		groups, err := s.directoryGroups(ctx, hb)
		if err != nil {
			return nil, err
		}
		out = append(out, groups...)
	}
	return out, nil
}

func (s *driveGroupSync) folderMembers(ctx context.Context, folderID string) ([]string, error) {
	if cached, ok := s.permCache[folderID]; ok {
		return cached, nil
	}
	var members []string
	token := ""
	for {
		call := s.svc.Permissions.List(folderID).
			Context(ctx).
			PageSize(permPageSize).
			Fields(googleapi.Field("nextPageToken, permissions(type, emailAddress)")).
			SupportsAllDrives(true)
		if token != "" {
			call = call.PageToken(token)
		}
		page, err := call.Do()
		if err != nil {
			return nil, err
		}
		for _, p := range page.Permissions {
			if p.Type == "user" && p.EmailAddress != "" {
				members = append(members, p.EmailAddress)
			}
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}
	s.permCache[folderID] = members
	return members, nil
}

func (s *driveGroupSync) directoryGroups(ctx context.Context, hb connectors.Heartbeat) ([]Group, error) {
	var out []Group
	token := ""
	for {
		call := s.directory.Groups.List().Context(ctx).Customer("my_customer").MaxResults(permPageSize)
		if token != "" {
			call = call.PageToken(token)
		}
		page, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("directory groups: %w", err)
		}
		if !hb.Progress(ctx, len(page.Groups)) {
			return nil, fmt.Errorf("permission sync stopped")
		}
		for _, g := range page.Groups {
			members, err := s.groupMembers(ctx, g.Email)
			if err != nil {
				s.log.Warn("skipping directory group", "group", g.Email, "error", err)
				continue
			}
			out = append(out, Group{ID: g.Email, Members: members})
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		token = page.NextPageToken
	}
}

func (s *driveGroupSync) groupMembers(ctx context.Context, groupEmail string) ([]string, error) {
	var members []string
	token := ""
	for {
		call := s.directory.Members.List(groupEmail).Context(ctx).MaxResults(permPageSize)
		if token != "" {
			call = call.PageToken(token)
		}
		page, err := call.Do()
		if err != nil {
			return nil, err
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

func driveService(deps Deps) (*drive.Service, error) {
	if deps.Credential == nil || deps.Credential.AccessToken == "" {
		return nil, fmt.Errorf("drive permission sync requires an oauth credential")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: deps.Credential.AccessToken})
	return drive.NewService(context.Background(), option.WithTokenSource(ts))
}

func directoryService(deps Deps) (*admin.Service, error) {
	if deps.Credential == nil || deps.Credential.AccessToken == "" {
		return nil, fmt.Errorf("directory service requires an oauth credential")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: deps.Credential.AccessToken})
	return admin.NewService(context.Background(), option.WithTokenSource(ts))
}
