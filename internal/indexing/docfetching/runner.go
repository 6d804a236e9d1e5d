package docfetching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"

	"github.com/fathomhq/fathom-backend/internal/connectors"
	"github.com/fathomhq/fathom-backend/internal/data/repos"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/indexing/chunker"
	"github.com/fathomhq/fathom-backend/internal/indexing/coordination"
	"github.com/fathomhq/fathom-backend/internal/platform/coordkv"
	"github.com/fathomhq/fathom-backend/internal/platform/dbctx"
	"github.com/fathomhq/fathom-backend/internal/platform/filestore"
	"github.com/fathomhq/fathom-backend/internal/platform/httpx"
	"github.com/fathomhq/fathom-backend/internal/platform/imageproc"
	"github.com/fathomhq/fathom-backend/internal/platform/llm"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
	"github.com/fathomhq/fathom-backend/internal/platform/searchindex"
)

const (
	leaseTTL    = 5 * time.Minute
	leasePrefix = "attempt_lease:"
)

// Runner executes index attempts: pull batches from the connector,
// chunk, embed, index, and keep the attempt row honest about progress.
type Runner struct {
	log    *logger.Logger
	repos  *repos.All
	kv     coordkv.Store
	fences *coordination.Fences
	index  searchindex.Index
	llm    llm.Client
	images imageproc.Processor
	files  filestore.Store
	pool   *httpx.Pool

	continueOnFailure bool
	repeatThreshold   int
}

func NewRunner(
	log *logger.Logger,
	all *repos.All,
	kv coordkv.Store,
	index searchindex.Index,
	llmClient llm.Client,
	images imageproc.Processor,
	files filestore.Store,
	pool *httpx.Pool,
) *Runner {
	return &Runner{
		log:               log.With("service", "DocFetching"),
		repos:             all,
		kv:                kv,
		fences:            coordination.NewFences(log, kv),
		index:             index,
		llm:               llmClient,
		images:            images,
		files:             files,
		pool:              pool,
		continueOnFailure: envBool("CONTINUE_ON_CONNECTOR_FAILURE", true),
		repeatThreshold:   envInt("NUM_REPEAT_ERRORS_BEFORE_REPEATED_ERROR_STATE", 5),
	}
}

// Run drives one attempt to a terminal status. Safe to call on an
// already-terminal attempt; it returns without touching anything.
func (r *Runner) Run(ctx context.Context, attemptID uuid.UUID) error {
	dbc := dbctx.New(ctx)
	attempt, err := r.repos.IndexAttempts.GetByID(dbc, attemptID)
	if err != nil {
		return fmt.Errorf("load attempt: %w", err)
	}
	if attempt.Status.Terminal() {
		r.log.Warn("attempt already terminal", "attempt_id", attemptID, "status", attempt.Status)
		return nil
	}
	pair, err := r.repos.Pairs.GetByID(dbc, attempt.PairID)
	if err != nil {
		return fmt.Errorf("load pair: %w", err)
	}
	settings, err := r.repos.SearchSettings.GetByID(dbc, attempt.SearchSettingsID)
	if err != nil {
		return fmt.Errorf("load search settings: %w", err)
	}

	lease, err := r.kv.Acquire(ctx, leasePrefix+attempt.ID.String(), leaseTTL)
	if err != nil {
		if errors.Is(err, coordkv.ErrLeaseHeld) {
			return fmt.Errorf("attempt %s is leased by another worker", attempt.ID)
		}
		return err
	}
	defer func() { _ = lease.Release(ctx) }()

	if err := r.fences.Raise(ctx, pair.ID, settings.ID, attempt.ID, attempt.TaskID); err != nil {
		return fmt.Errorf("raise fence: %w", err)
	}
	defer func() { _ = r.fences.Lower(ctx, pair.ID, settings.ID) }()

	if err := r.repos.IndexAttempts.MarkInProgress(dbc, attempt.ID); err != nil {
		return fmt.Errorf("mark in progress: %w", err)
	}

	run := &attemptRun{
		r:        r,
		dbc:      dbc,
		attempt:  attempt,
		pair:     pair,
		settings: settings,
		chunker:  chunker.New(r.log, settings),
		embedder: chunker.NewEmbedder(r.log, r.llm),
		hb: &leaseHeartbeat{
			lease:      lease,
			fences:     r.fences,
			pairID:     pair.ID,
			settingsID: settings.ID,
		},
	}
	runErr := run.execute(ctx)
	if runErr != nil {
		if err := r.repos.IndexAttempts.MarkTerminal(dbc, attempt.ID, domain.AttemptFailed, runErr.Error()); err != nil {
			r.log.Error("failed to mark attempt failed", "attempt_id", attempt.ID, "error", err)
		}
		if err := r.repos.Pairs.RecordRunFailure(dbc, pair.ID, r.repeatThreshold); err != nil {
			r.log.Error("failed to record pair failure", "pair_id", pair.ID, "error", err)
		}
		return runErr
	}
	if err := r.repos.IndexAttempts.MarkTerminal(dbc, attempt.ID, domain.AttemptSuccess, ""); err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	if err := r.repos.Pairs.RecordRunSuccess(dbc, pair.ID); err != nil {
		r.log.Error("failed to reset pair failures", "pair_id", pair.ID, "error", err)
	}
	r.log.Info("attempt finished",
		"attempt_id", attempt.ID, "docs_indexed", run.docsIndexed, "docs_removed", run.docsRemoved, "failures", run.failures)
	return nil
}

// leaseHeartbeat keeps the lease and the fence alive once per batch. A
// lost lease means another worker may own the attempt now; the run must
// abort instead of double processing.
type leaseHeartbeat struct {
	lease      *coordkv.Lease
	fences     *coordination.Fences
	pairID     uuid.UUID
	settingsID uuid.UUID
}

func (h *leaseHeartbeat) Progress(ctx context.Context, docs int) bool {
	if err := h.lease.Reacquire(ctx); err != nil {
		return false
	}
	_ = h.fences.Touch(ctx, h.pairID, h.settingsID)
	if activity.IsActivity(ctx) {
		activity.RecordHeartbeat(ctx, docs)
	}
	return true
}

type attemptRun struct {
	r        *Runner
	dbc      dbctx.Context
	attempt  *domain.IndexAttempt
	pair     *domain.ConnectorCredentialPair
	settings *domain.SearchSettings
	chunker  *chunker.Chunker
	embedder *chunker.Embedder
	hb       connectors.Heartbeat

	docsIndexed int
	docsRemoved int
	failures    int
}

func (run *attemptRun) execute(ctx context.Context) error {
	conn, err := run.r.buildConnector(run.dbc, run.pair)
	if err != nil {
		return fmt.Errorf("build connector: %w", err)
	}

	window, err := run.pollWindow(ctx)
	if err != nil {
		return err
	}
	started := time.Now().UTC()

	checkpoint := run.attempt.Checkpoint
	for {
		batch, err := conn.NextBatch(ctx, checkpoint, window)
		if err != nil {
			return fmt.Errorf("next batch: %w", err)
		}
		if !run.hb.Progress(ctx, len(batch.Items)) {
			return fmt.Errorf("lease lost; aborting attempt %s", run.attempt.ID)
		}
		for _, item := range batch.Items {
			if item.Failure != nil {
				run.failures++
				run.r.log.Warn("connector failure",
					"attempt_id", run.attempt.ID, "document_id", item.Failure.DocumentID, "error", item.Failure.Err)
				if !run.r.continueOnFailure {
					return fmt.Errorf("connector failure on %s: %w", item.Failure.DocumentID, item.Failure.Err)
				}
				continue
			}
			if err := run.indexDocument(ctx, item.Doc); err != nil {
				run.failures++
				run.r.log.Warn("indexing document failed",
					"attempt_id", run.attempt.ID, "document_id", item.Doc.ID, "error", err)
				if !run.r.continueOnFailure {
					return fmt.Errorf("index %s: %w", item.Doc.ID, err)
				}
				continue
			}
			run.docsIndexed++
		}
		if err := run.r.repos.IndexAttempts.UpdateProgress(run.dbc, run.attempt.ID, run.docsIndexed, run.docsRemoved, run.failures); err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
		checkpoint = batch.Checkpoint
		if err := run.r.repos.IndexAttempts.SaveCheckpoint(run.dbc, run.attempt.ID, checkpoint); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		if !batch.HasMore {
			break
		}
	}

	// A full run saw every live document; anything it didn't touch no
	// longer exists at the source.
	if run.attempt.FromBeginning {
		stale, err := run.r.repos.Documents.ListStaleForPair(run.dbc, run.pair.ID, started)
		if err != nil {
			return fmt.Errorf("list stale documents: %w", err)
		}
		if len(stale) > 0 {
			if err := run.r.index.DeleteDocuments(ctx, stale); err != nil {
				return fmt.Errorf("delete stale from index: %w", err)
			}
			if err := run.r.repos.DocAccess.DeleteForDocuments(run.dbc, stale); err != nil {
				return fmt.Errorf("delete stale access: %w", err)
			}
			if err := run.r.repos.Documents.DeleteByDocumentIDs(run.dbc, stale); err != nil {
				return fmt.Errorf("delete stale rows: %w", err)
			}
			run.docsRemoved = len(stale)
		}
	}
	return run.r.repos.IndexAttempts.UpdateProgress(run.dbc, run.attempt.ID, run.docsIndexed, run.docsRemoved, run.failures)
}

func (run *attemptRun) pollWindow(ctx context.Context) (connectors.TimeRange, error) {
	window := connectors.TimeRange{End: time.Now().UTC()}
	if !run.attempt.FromBeginning {
		lastSuccess, err := run.r.repos.IndexAttempts.GetLatestSuccess(run.dbc, run.pair.ID, run.settings.ID)
		if err != nil {
			return window, fmt.Errorf("load last success: %w", err)
		}
		if lastSuccess != nil && lastSuccess.PollRangeEnd != nil {
			window.Start = *lastSuccess.PollRangeEnd
		}
	}
	if err := run.r.repos.IndexAttempts.SetPollRange(run.dbc, run.attempt.ID, window.Start, window.End); err != nil {
		return window, fmt.Errorf("set poll range: %w", err)
	}
	return window, nil
}

// indexDocument turns one connector document into index writes: image
// sections become separate image documents pointing back at the parent
// and their text is appended to the parent under the embedded-images
// header.
func (run *attemptRun) indexDocument(ctx context.Context, doc *connectors.Document) error {
	parent := *doc
	parent.Sections = nil
	var imageTexts []string
	var imageDocs []*connectors.Document

	for _, sec := range doc.Sections {
		if len(sec.ImageBytes) == 0 {
			parent.Sections = append(parent.Sections, sec)
			continue
		}
		if run.r.images == nil {
			continue
		}
		res, err := run.r.images.Process(ctx, sec.ImageBytes, sec.ImageName)
		if err != nil {
			run.r.log.Warn("image processing failed", "document_id", doc.ID, "image", sec.ImageName, "error", err)
			continue
		}
		if strings.TrimSpace(res.Text) == "" {
			continue
		}
		imageTexts = append(imageTexts, res.Text)
		imageDocs = append(imageDocs, &connectors.Document{
			ID:           imageDocumentID(doc.ID, sec),
			Source:       doc.Source,
			SemanticID:   sec.ImageName,
			Title:        sec.ImageName,
			Link:         firstNonEmpty(sec.Link, doc.Link),
			Sections:     []connectors.Section{{Text: res.Text, Link: firstNonEmpty(sec.Link, doc.Link)}},
			DocUpdatedAt: doc.DocUpdatedAt,
			Metadata:     map[string]string{"source_document_id": doc.ID},
		})
	}

	if len(imageTexts) > 0 && len(parent.Sections) > 0 {
		last := &parent.Sections[len(parent.Sections)-1]
		last.Text = imageproc.AppendEmbeddedImages(last.Text, imageTexts)
	} else if len(imageTexts) > 0 {
		parent.Sections = []connectors.Section{{Text: imageproc.AppendEmbeddedImages("", imageTexts), Link: doc.Link}}
	}

	if err := run.indexOne(ctx, &parent); err != nil {
		return err
	}
	for _, img := range imageDocs {
		if err := run.indexOne(ctx, img); err != nil {
			return err
		}
	}
	return nil
}

func (run *attemptRun) indexOne(ctx context.Context, doc *connectors.Document) error {
	chunks := run.chunker.Chunk(doc)
	if len(chunks) == 0 {
		return nil
	}
	docCtx, err := run.docContext(doc.ID)
	if err != nil {
		return err
	}
	indexable, err := run.embedder.EmbedChunks(ctx, chunks, docCtx)
	if err != nil {
		return err
	}
	if err := run.r.index.Index(ctx, indexable); err != nil {
		return fmt.Errorf("index write: %w", err)
	}

	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	row := &domain.Document{
		DocumentID:   doc.ID,
		PairID:       run.pair.ID,
		SemanticID:   doc.SemanticID,
		Link:         doc.Link,
		Source:       doc.Source,
		Boost:        docCtx.Boost,
		Metadata:     meta,
		DocUpdatedAt: doc.DocUpdatedAt,
		LastSyncedAt: &now,
		ChunkCount:   len(chunks),
	}
	if err := run.r.repos.Documents.Upsert(run.dbc, []*domain.Document{row}); err != nil {
		return fmt.Errorf("upsert document row: %w", err)
	}
	return run.r.repos.Documents.MarkSynced(run.dbc, []string{doc.ID}, now)
}

// docContext resolves the access snapshot and boost a document's chunks
// inherit at index time. No snapshot means the document is visible to
// everyone in the workspace.
func (run *attemptRun) docContext(documentID string) (chunker.DocContext, error) {
	docCtx := chunker.DocContext{Boost: 1}

	if existing, err := run.r.repos.Documents.GetByDocumentID(run.dbc, documentID); err == nil && existing != nil {
		docCtx.Boost = existing.Boost
	}

	snap, err := run.r.repos.DocAccess.GetLatest(run.dbc, documentID)
	if err != nil {
		return docCtx, fmt.Errorf("load access snapshot: %w", err)
	}
	if snap == nil || snap.IsPublic {
		docCtx.AccessList = []string{"PUBLIC"}
		return docCtx, nil
	}
	docCtx.AccessList = append(docCtx.AccessList, snap.UserEmails...)
	docCtx.AccessList = append(docCtx.AccessList, snap.GroupIDs...)
	return docCtx, nil
}

func (r *Runner) buildConnector(dbc dbctx.Context, pair *domain.ConnectorCredentialPair) (connectors.Connector, error) {
	cred, err := r.repos.Credentials.GetByID(dbc, pair.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	config := map[string]any{}
	if len(pair.Config) > 0 {
		if err := json.Unmarshal(pair.Config, &config); err != nil {
			return nil, fmt.Errorf("decode pair config: %w", err)
		}
	}
	deps := connectors.Deps{
		Pool:   r.pool,
		Config: config,
		Files:  r.files,
		Log:    r.log,
	}
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
	return connectors.New(pair.Source, deps)
}

// imageDocumentID keys an image child document by the image's full URL
// when one exists; basenames collide across CDN-served images.
func imageDocumentID(docID string, sec connectors.Section) string {
	return docID + "#" + firstNonEmpty(sec.Link, sec.ImageName)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
