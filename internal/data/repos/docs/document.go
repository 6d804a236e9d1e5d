package docs

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/dbctx"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

type DocumentRepo interface {
	Upsert(dbc dbctx.Context, rows []*domain.Document) error
	GetByDocumentID(dbc dbctx.Context, documentID string) (*domain.Document, error)
	GetByDocumentIDs(dbc dbctx.Context, documentIDs []string) ([]*domain.Document, error)
	ListIDsForPair(dbc dbctx.Context, pairID uuid.UUID) ([]string, error)
	ListStaleForPair(dbc dbctx.Context, pairID uuid.UUID, before time.Time) ([]string, error)
	MarkSynced(dbc dbctx.Context, documentIDs []string, at time.Time) error
	MarkPermSynced(dbc dbctx.Context, documentIDs []string, at time.Time) error
	SetBoost(dbc dbctx.Context, documentID string, boost float64) error
	SetHidden(dbc dbctx.Context, documentID string, hidden bool) error
	DeleteByDocumentIDs(dbc dbctx.Context, documentIDs []string) error
}

type documentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDocumentRepo(db *gorm.DB, log *logger.Logger) DocumentRepo {
	return &documentRepo{db: db, log: log.With("repo", "DocumentRepo")}
}

func (r *documentRepo) Upsert(dbc dbctx.Context, rows []*domain.Document) error {
	if len(rows) == 0 {
		return nil
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now().UTC()
	for _, row := range rows {
		if row == nil {
			continue
		}
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		row.UpdatedAt = now
	}
	return transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "document_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"pair_id", "semantic_id", "link", "boost", "hidden", "metadata",
				"doc_updated_at", "last_synced_at", "chunk_count", "updated_at",
			}),
		}).
		Create(&rows).Error
}

func (r *documentRepo) GetByDocumentID(dbc dbctx.Context, documentID string) (*domain.Document, error) {
	if documentID == "" {
		return nil, fmt.Errorf("missing document id")
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out domain.Document
	if err := transaction.WithContext(dbc.Ctx).First(&out, "document_id = ?", documentID).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *documentRepo) GetByDocumentIDs(dbc dbctx.Context, documentIDs []string) ([]*domain.Document, error) {
	if len(documentIDs) == 0 {
		return nil, nil
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.Document
	if err := transaction.WithContext(dbc.Ctx).
		Where("document_id IN ?", documentIDs).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *documentRepo) ListIDsForPair(dbc dbctx.Context, pairID uuid.UUID) ([]string, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []string
	if err := transaction.WithContext(dbc.Ctx).
		Model(&domain.Document{}).
		Where("pair_id = ?", pairID).
		Pluck("document_id", &out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListStaleForPair returns documents a full reindex did not touch; they
// were deleted at the source and must be pruned from the index.
func (r *documentRepo) ListStaleForPair(dbc dbctx.Context, pairID uuid.UUID, before time.Time) ([]string, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []string
	if err := transaction.WithContext(dbc.Ctx).
		Model(&domain.Document{}).
		Where("pair_id = ? AND (last_synced_at IS NULL OR last_synced_at < ?)", pairID, before.UTC()).
		Pluck("document_id", &out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *documentRepo) MarkSynced(dbc dbctx.Context, documentIDs []string, at time.Time) error {
	if len(documentIDs) == 0 {
		return nil
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.Document{}).
		Where("document_id IN ?", documentIDs).
		Updates(map[string]any{"last_synced_at": at.UTC(), "updated_at": time.Now().UTC()}).Error
}

func (r *documentRepo) MarkPermSynced(dbc dbctx.Context, documentIDs []string, at time.Time) error {
	if len(documentIDs) == 0 {
		return nil
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.Document{}).
		Where("document_id IN ?", documentIDs).
		Updates(map[string]any{"last_perm_sync_at": at.UTC(), "updated_at": time.Now().UTC()}).Error
}

func (r *documentRepo) SetBoost(dbc dbctx.Context, documentID string, boost float64) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.Document{}).
		Where("document_id = ?", documentID).
		Updates(map[string]any{"boost": boost, "updated_at": time.Now().UTC()}).Error
}

func (r *documentRepo) SetHidden(dbc dbctx.Context, documentID string, hidden bool) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.Document{}).
		Where("document_id = ?", documentID).
		Updates(map[string]any{"hidden": hidden, "updated_at": time.Now().UTC()}).Error
}

func (r *documentRepo) DeleteByDocumentIDs(dbc dbctx.Context, documentIDs []string) error {
	if len(documentIDs) == 0 {
		return nil
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Where("document_id IN ?", documentIDs).
		Delete(&domain.Document{}).Error
}
