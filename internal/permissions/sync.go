package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fathomhq/fathom-backend/internal/connectors"
	"github.com/fathomhq/fathom-backend/internal/data/repos"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/coordkv"
	"github.com/fathomhq/fathom-backend/internal/platform/dbctx"
	"github.com/fathomhq/fathom-backend/internal/platform/httpx"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
	"github.com/fathomhq/fathom-backend/internal/platform/searchindex"
)

const (
	syncLeaseTTL   = 5 * time.Minute
	snapshotBatch  = 100
	docSyncLease   = "perm_doc_sync:"
	groupSyncLease = "perm_group_sync:"
)

// Syncer runs doc and group permission syncs for one pair at a time.
// Snapshots are recorded append-only and projected onto the index;
// last-writer-wins per document id.
type Syncer struct {
	log   *logger.Logger
	repos *repos.All
	kv    coordkv.Store
	index searchindex.Index
	pool  *httpx.Pool
}

func NewSyncer(log *logger.Logger, all *repos.All, kv coordkv.Store, index searchindex.Index, pool *httpx.Pool) *Syncer {
	return &Syncer{
		log:   log.With("service", "PermissionSync"),
		repos: all,
		kv:    kv,
		index: index,
		pool:  pool,
	}
}

func (s *Syncer) RunDocSync(ctx context.Context, pairID uuid.UUID) error {
	dbc := dbctx.New(ctx)
	pair, err := s.repos.Pairs.GetByID(dbc, pairID)
	if err != nil {
		return fmt.Errorf("load pair: %w", err)
	}
	cfg, ok := Config(pair.Source)
	if !ok {
		return fmt.Errorf("source %s has no permission sync", pair.Source)
	}
	return s.docSync(ctx, dbc, pair, cfg)
}

func (s *Syncer) docSync(ctx context.Context, dbc dbctx.Context, pair *domain.ConnectorCredentialPair, cfg SyncConfig) error {
	lease, err := s.kv.Acquire(ctx, docSyncLease+pair.ID.String(), syncLeaseTTL)
	if err != nil {
		if errors.Is(err, coordkv.ErrLeaseHeld) {
			return fmt.Errorf("doc sync for pair %s already running", pair.ID)
		}
		return err
	}
	defer func() { _ = lease.Release(ctx) }()

	deps, err := s.deps(dbc, pair)
	if err != nil {
		return err
	}
	ds, err := cfg.NewDocSync(deps)
	if err != nil {
		return fmt.Errorf("build doc sync: %w", err)
	}

	var pending []repos.AccessSnapshot
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := s.repos.DocAccess.Record(dbc, pending); err != nil {
			return fmt.Errorf("record snapshots: %w", err)
		}
		updates := make([]searchindex.AccessUpdate, 0, len(pending))
		ids := make([]string, 0, len(pending))
		for _, snap := range pending {
			updates = append(updates, searchindex.AccessUpdate{
				DocumentID: snap.DocumentID,
				AccessList: projectAccess(snap),
				IsPublic:   snap.IsPublic,
			})
			ids = append(ids, snap.DocumentID)
		}
		if err := s.index.UpdateAccess(ctx, updates); err != nil {
			return fmt.Errorf("project access to index: %w", err)
		}
		if err := s.repos.Documents.MarkPermSynced(dbc, ids, time.Now().UTC()); err != nil {
			return fmt.Errorf("mark perm synced: %w", err)
		}
		pending = pending[:0]
		return nil
	}

	hb := &leaseHeartbeat{lease: lease}
	err = ds.SyncDocs(ctx, func(snap repos.AccessSnapshot) error {
		pending = append(pending, snap)
		if len(pending) >= snapshotBatch {
			return flush()
		}
		return nil
	}, hb)
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	if err := s.repos.Pairs.SetLastPermSync(dbc, pair.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("stamp perm sync: %w", err)
	}
	s.log.Info("doc sync finished", "pair_id", pair.ID, "source", pair.Source)
	return nil
}

func (s *Syncer) RunGroupSync(ctx context.Context, pairID uuid.UUID) error {
	dbc := dbctx.New(ctx)
	pair, err := s.repos.Pairs.GetByID(dbc, pairID)
	if err != nil {
		return fmt.Errorf("load pair: %w", err)
	}
	cfg, ok := Config(pair.Source)
	if !ok || cfg.NewGroupSync == nil {
		return fmt.Errorf("source %s has no group sync", pair.Source)
	}
	return s.groupSync(ctx, dbc, pair, cfg)
}

func (s *Syncer) groupSync(ctx context.Context, dbc dbctx.Context, pair *domain.ConnectorCredentialPair, cfg SyncConfig) error {
	lease, err := s.kv.Acquire(ctx, groupSyncLease+pair.ID.String(), syncLeaseTTL)
	if err != nil {
		if errors.Is(err, coordkv.ErrLeaseHeld) {
			return fmt.Errorf("group sync for pair %s already running", pair.ID)
		}
		return err
	}
	defer func() { _ = lease.Release(ctx) }()

	deps, err := s.deps(dbc, pair)
	if err != nil {
		return err
	}
	gs, err := cfg.NewGroupSync(deps)
	if err != nil {
		return fmt.Errorf("build group sync: %w", err)
	}
	groups, err := gs.SyncGroups(ctx, &leaseHeartbeat{lease: lease})
	if err != nil {
		return err
	}

	keep := make([]string, 0, len(groups))
	for _, g := range groups {
		if err := s.repos.ExternalGroups.UpsertMembers(dbc, pair.Source, g.ID, g.Members); err != nil {
			return fmt.Errorf("upsert group %s: %w", g.ID, err)
		}
		keep = append(keep, g.ID)
	}
	// A global run saw every group for the source, so pruning is safe.
	// Per-pair runs only see their own slice and must not prune others.
	if !cfg.GroupSyncPerPair {
		if err := s.repos.ExternalGroups.DeleteForSource(dbc, pair.Source, keep); err != nil {
			return fmt.Errorf("prune groups: %w", err)
		}
	}
	if err := s.repos.Pairs.SetLastGroupSync(dbc, pair.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("stamp group sync: %w", err)
	}
	s.log.Info("group sync finished", "pair_id", pair.ID, "source", pair.Source, "groups", len(groups))
	return nil
}

func (s *Syncer) deps(dbc dbctx.Context, pair *domain.ConnectorCredentialPair) (Deps, error) {
	cred, err := s.repos.Credentials.GetByID(dbc, pair.CredentialID)
	if err != nil {
		return Deps{}, fmt.Errorf("load credential: %w", err)
	}
	config := map[string]any{}
	if len(pair.Config) > 0 {
		if err := json.Unmarshal(pair.Config, &config); err != nil {
			return Deps{}, fmt.Errorf("decode pair config: %w", err)
		}
	}
	deps := Deps{Pool: s.pool, Config: config, Log: s.log}
	if cred != nil {
		deps.Credential = &httpx.Credential{
			ID:           cred.ID.String(),
			AccessToken:  cred.AccessToken,
			RefreshToken: cred.RefreshToken,
			TokenURL:     cred.TokenURL,
		}
		if cred.TokenExpiry != nil {
			deps.Credential.Expiry = *cred.TokenExpiry
		}
	}
	return deps, nil
}

// projectAccess flattens a snapshot into the index's access list. A
// public document carries the PUBLIC marker instead of identities.
func projectAccess(snap repos.AccessSnapshot) []string {
	if snap.IsPublic {
		return []string{"PUBLIC"}
	}
	out := make([]string, 0, len(snap.UserEmails)+len(snap.GroupIDs))
	out = append(out, snap.UserEmails...)
	out = append(out, snap.GroupIDs...)
	return out
}

// leaseHeartbeat aborts the sync when its lease cannot be extended.
type leaseHeartbeat struct {
	lease *coordkv.Lease
}

func (h *leaseHeartbeat) Progress(ctx context.Context, _ int) bool {
	return h.lease.Reacquire(ctx) == nil
}

var _ connectors.Heartbeat = (*leaseHeartbeat)(nil)
