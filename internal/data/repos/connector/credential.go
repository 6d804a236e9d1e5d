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

type CredentialRepo interface {
	Create(dbc dbctx.Context, row *domain.Credential) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Credential, error)
	UpdateToken(dbc dbctx.Context, id uuid.UUID, accessToken, refreshToken string, expiry *time.Time) error
	MarkNeedsAttention(dbc dbctx.Context, id uuid.UUID, needs bool) error
	Delete(dbc dbctx.Context, id uuid.UUID) error
}

type credentialRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCredentialRepo(db *gorm.DB, log *logger.Logger) CredentialRepo {
	return &credentialRepo{db: db, log: log.With("repo", "CredentialRepo")}
}

func (r *credentialRepo) Create(dbc dbctx.Context, row *domain.Credential) error {
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

func (r *credentialRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Credential, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing credential id")
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out domain.Credential
	if err := transaction.WithContext(dbc.Ctx).First(&out, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *credentialRepo) UpdateToken(dbc dbctx.Context, id uuid.UUID, accessToken, refreshToken string, expiry *time.Time) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	updates := map[string]any{
		"access_token": accessToken,
		"token_expiry": expiry,
		"updated_at":   time.Now().UTC(),
	}
	if refreshToken != "" {
		updates["refresh_token"] = refreshToken
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.Credential{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *credentialRepo) MarkNeedsAttention(dbc dbctx.Context, id uuid.UUID, needs bool) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.Credential{}).
		Where("id = ?", id).
		Updates(map[string]any{"needs_attention": needs, "updated_at": time.Now().UTC()}).Error
}

func (r *credentialRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).Delete(&domain.Credential{}, "id = ?", id).Error
}
