package connector

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/dbctx"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

type SearchSettingsRepo interface {
	Create(dbc dbctx.Context, row *domain.SearchSettings) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.SearchSettings, error)
	GetPresent(dbc dbctx.Context) (*domain.SearchSettings, error)
	GetFuture(dbc dbctx.Context) (*domain.SearchSettings, error)
	ListActive(dbc dbctx.Context) ([]*domain.SearchSettings, error)
	SetStatus(dbc dbctx.Context, id uuid.UUID, status domain.SearchSettingsStatus) error
}

type searchSettingsRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSearchSettingsRepo(db *gorm.DB, log *logger.Logger) SearchSettingsRepo {
	return &searchSettingsRepo{db: db, log: log.With("repo", "SearchSettingsRepo")}
}

func (r *searchSettingsRepo) Create(dbc dbctx.Context, row *domain.SearchSettings) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	return transaction.WithContext(dbc.Ctx).Create(row).Error
}

func (r *searchSettingsRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.SearchSettings, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out domain.SearchSettings
	if err := transaction.WithContext(dbc.Ctx).First(&out, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *searchSettingsRepo) GetPresent(dbc dbctx.Context) (*domain.SearchSettings, error) {
	return r.getByStatus(dbc, domain.SettingsPresent)
}

// GetFuture returns nil without error when no model swap is underway.
func (r *searchSettingsRepo) GetFuture(dbc dbctx.Context) (*domain.SearchSettings, error) {
	out, err := r.getByStatus(dbc, domain.SettingsFuture)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return out, err
}

func (r *searchSettingsRepo) getByStatus(dbc dbctx.Context, status domain.SearchSettingsStatus) (*domain.SearchSettings, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out domain.SearchSettings
	if err := transaction.WithContext(dbc.Ctx).
		Where("status = ?", status).
		Order("created_at DESC").
		First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

// ListActive returns PRESENT plus FUTURE settings, the combinations the
// scheduler must keep indexed.
func (r *searchSettingsRepo) ListActive(dbc dbctx.Context) ([]*domain.SearchSettings, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.SearchSettings
	if err := transaction.WithContext(dbc.Ctx).
		Where("status IN ?", []domain.SearchSettingsStatus{domain.SettingsPresent, domain.SettingsFuture}).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *searchSettingsRepo) SetStatus(dbc dbctx.Context, id uuid.UUID, status domain.SearchSettingsStatus) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.SearchSettings{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()}).Error
}
