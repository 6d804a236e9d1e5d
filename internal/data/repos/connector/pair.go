package connector

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/dbctx"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

type PairRepo interface {
	Create(dbc dbctx.Context, row *domain.ConnectorCredentialPair) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.ConnectorCredentialPair, error)
	List(dbc dbctx.Context) ([]*domain.ConnectorCredentialPair, error)
	ListByStatus(dbc dbctx.Context, status domain.PairStatus) ([]*domain.ConnectorCredentialPair, error)
	SetStatus(dbc dbctx.Context, id uuid.UUID, status domain.PairStatus) error
	SetIndexingTrigger(dbc dbctx.Context, id uuid.UUID, trigger *domain.IndexingTrigger) error
	SetLastPermSync(dbc dbctx.Context, id uuid.UUID, at time.Time) error
	SetLastGroupSync(dbc dbctx.Context, id uuid.UUID, at time.Time) error
	RecordRunFailure(dbc dbctx.Context, id uuid.UUID, threshold int) error
	RecordRunSuccess(dbc dbctx.Context, id uuid.UUID) error
	Delete(dbc dbctx.Context, id uuid.UUID) error
}

type pairRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPairRepo(db *gorm.DB, log *logger.Logger) PairRepo {
	return &pairRepo{db: db, log: log.With("repo", "PairRepo")}
}

func (r *pairRepo) Create(dbc dbctx.Context, row *domain.ConnectorCredentialPair) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	if row.Status == "" {
		row.Status = domain.PairStatusActive
	}
	return transaction.WithContext(dbc.Ctx).Create(row).Error
}

func (r *pairRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.ConnectorCredentialPair, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing pair id")
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out domain.ConnectorCredentialPair
	if err := transaction.WithContext(dbc.Ctx).First(&out, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *pairRepo) List(dbc dbctx.Context) ([]*domain.ConnectorCredentialPair, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.ConnectorCredentialPair
	if err := transaction.WithContext(dbc.Ctx).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *pairRepo) ListByStatus(dbc dbctx.Context, status domain.PairStatus) ([]*domain.ConnectorCredentialPair, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.ConnectorCredentialPair
	if err := transaction.WithContext(dbc.Ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *pairRepo) SetStatus(dbc dbctx.Context, id uuid.UUID, status domain.PairStatus) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.ConnectorCredentialPair{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()}).Error
}

func (r *pairRepo) SetIndexingTrigger(dbc dbctx.Context, id uuid.UUID, trigger *domain.IndexingTrigger) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.ConnectorCredentialPair{}).
		Where("id = ?", id).
		Updates(map[string]any{"indexing_trigger": trigger, "updated_at": time.Now().UTC()}).Error
}

func (r *pairRepo) SetLastPermSync(dbc dbctx.Context, id uuid.UUID, at time.Time) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.ConnectorCredentialPair{}).
		Where("id = ?", id).
		Updates(map[string]any{"last_time_perm_sync": at.UTC(), "updated_at": time.Now().UTC()}).Error
}

func (r *pairRepo) SetLastGroupSync(dbc dbctx.Context, id uuid.UUID, at time.Time) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.ConnectorCredentialPair{}).
		Where("id = ?", id).
		Updates(map[string]any{"last_time_group_sync": at.UTC(), "updated_at": time.Now().UTC()}).Error
}

// RecordRunFailure bumps the consecutive-failure counter and flips the
// repeated-error flag once the threshold is crossed. Single statement so
// concurrent attempt finalizers cannot lose increments.
func (r *pairRepo) RecordRunFailure(dbc dbctx.Context, id uuid.UUID, threshold int) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.ConnectorCredentialPair{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"consecutive_failures":    gorm.Expr("consecutive_failures + 1"),
			"in_repeated_error_state": gorm.Expr("consecutive_failures + 1 >= ?", threshold),
			"updated_at":              time.Now().UTC(),
		}).Error
}

func (r *pairRepo) RecordRunSuccess(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.ConnectorCredentialPair{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"consecutive_failures":    0,
			"in_repeated_error_state": false,
			"updated_at":              time.Now().UTC(),
		}).Error
}

func (r *pairRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).Delete(&domain.ConnectorCredentialPair{}, "id = ?", id).Error
}
