package chat

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

type SessionRepo interface {
	Create(dbc dbctx.Context, row *domain.ChatSession) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.ChatSession, error)
	ListByUser(dbc dbctx.Context, userID uuid.UUID) ([]*domain.ChatSession, error)
	SetDescription(dbc dbctx.Context, id uuid.UUID, description string) error
	Delete(dbc dbctx.Context, id uuid.UUID) error
}

type MessageRepo interface {
	Append(dbc dbctx.Context, row *domain.ChatMessage) error
	ListBySession(dbc dbctx.Context, sessionID uuid.UUID) ([]*domain.ChatMessage, error)
	ListRecent(dbc dbctx.Context, sessionID uuid.UUID, limit int) ([]*domain.ChatMessage, error)
	CountBySession(dbc dbctx.Context, sessionID uuid.UUID) (int64, error)
}

type sessionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSessionRepo(db *gorm.DB, log *logger.Logger) SessionRepo {
	return &sessionRepo{db: db, log: log.With("repo", "SessionRepo")}
}

func (r *sessionRepo) Create(dbc dbctx.Context, row *domain.ChatSession) error {
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

func (r *sessionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.ChatSession, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing session id")
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out domain.ChatSession
	if err := transaction.WithContext(dbc.Ctx).First(&out, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *sessionRepo) ListByUser(dbc dbctx.Context, userID uuid.UUID) ([]*domain.ChatSession, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.ChatSession
	if err := transaction.WithContext(dbc.Ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *sessionRepo) SetDescription(dbc dbctx.Context, id uuid.UUID, description string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.ChatSession{}).
		Where("id = ?", id).
		Updates(map[string]any{"description": description, "updated_at": time.Now().UTC()}).Error
}

func (r *sessionRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).Delete(&domain.ChatSession{}, "id = ?", id).Error
}

type messageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMessageRepo(db *gorm.DB, log *logger.Logger) MessageRepo {
	return &messageRepo{db: db, log: log.With("repo", "MessageRepo")}
}

// Append assigns the next seq for the session. Callers hold a tx spanning
// read and insert, so the unique (session, seq) index only trips on true
// concurrent writers; those should retry.
func (r *messageRepo) Append(dbc dbctx.Context, row *domain.ChatMessage) error {
	if row.SessionID == uuid.Nil {
		return fmt.Errorf("missing session id")
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now

	var maxSeq *int64
	if err := transaction.WithContext(dbc.Ctx).
		Model(&domain.ChatMessage{}).
		Where("session_id = ?", row.SessionID).
		Select("MAX(seq)").
		Scan(&maxSeq).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if maxSeq != nil {
		row.Seq = *maxSeq + 1
	} else {
		row.Seq = 1
	}
	return transaction.WithContext(dbc.Ctx).Create(row).Error
}

func (r *messageRepo) ListBySession(dbc dbctx.Context, sessionID uuid.UUID) ([]*domain.ChatMessage, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.ChatMessage
	if err := transaction.WithContext(dbc.Ctx).
		Where("session_id = ?", sessionID).
		Order("seq ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListRecent returns the last `limit` messages in chronological order.
func (r *messageRepo) ListRecent(dbc dbctx.Context, sessionID uuid.UUID, limit int) ([]*domain.ChatMessage, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.ChatMessage
	if err := transaction.WithContext(dbc.Ctx).
		Where("session_id = ?", sessionID).
		Order("seq DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *messageRepo) CountBySession(dbc dbctx.Context, sessionID uuid.UUID) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	if err := transaction.WithContext(dbc.Ctx).
		Model(&domain.ChatMessage{}).
		Where("session_id = ?", sessionID).
		Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}
