package user

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/dbctx"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

type UserRepo interface {
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.User, error)
	GetByEmail(dbc dbctx.Context, email string) (*domain.User, error)
	// UpsertByEmail creates the user on first OIDC login and refreshes
	// the display name afterwards.
	UpsertByEmail(dbc dbctx.Context, email, name string) (*domain.User, error)
}

type userRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUserRepo(db *gorm.DB, log *logger.Logger) UserRepo {
	return &userRepo{db: db, log: log.With("repo", "UserRepo")}
}

func (r *userRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.User, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing user id")
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out domain.User
	if err := transaction.WithContext(dbc.Ctx).First(&out, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *userRepo) GetByEmail(dbc dbctx.Context, email string) (*domain.User, error) {
	if email == "" {
		return nil, fmt.Errorf("missing email")
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out domain.User
	if err := transaction.WithContext(dbc.Ctx).First(&out, "email = ?", email).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *userRepo) UpsertByEmail(dbc dbctx.Context, email, name string) (*domain.User, error) {
	if email == "" {
		return nil, fmt.Errorf("missing email")
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	existing, err := r.GetByEmail(dbc, email)
	if err == nil {
		if name != "" && name != existing.Name {
			if err := transaction.WithContext(dbc.Ctx).
				Model(&domain.User{}).
				Where("id = ?", existing.ID).
				Updates(map[string]any{"name": name, "updated_at": time.Now().UTC()}).Error; err != nil {
				return nil, err
			}
			existing.Name = name
		}
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	now := time.Now().UTC()
	row := &domain.User{ID: uuid.New(), Email: email, Name: name, CreatedAt: now, UpdatedAt: now}
	if err := transaction.WithContext(dbc.Ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}
