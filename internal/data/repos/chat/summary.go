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

type SummaryRepo interface {
	// CreateNext writes the summary with version = latest+1 and returns
	// the stored row.
	CreateNext(dbc dbctx.Context, sessionID uuid.UUID, summary string, messageCount int) (*domain.ChatSummary, error)
	GetLatest(dbc dbctx.Context, sessionID uuid.UUID) (*domain.ChatSummary, error)
}

type summaryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSummaryRepo(db *gorm.DB, log *logger.Logger) SummaryRepo {
	return &summaryRepo{db: db, log: log.With("repo", "SummaryRepo")}
}

func (r *summaryRepo) CreateNext(dbc dbctx.Context, sessionID uuid.UUID, summary string, messageCount int) (*domain.ChatSummary, error) {
	if sessionID == uuid.Nil {
		return nil, fmt.Errorf("missing session id")
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	latest, err := r.GetLatest(dbc, sessionID)
	if err != nil {
		return nil, err
	}
	version := 1
	if latest != nil {
		version = latest.SummaryVersion + 1
	}
	row := &domain.ChatSummary{
		ID:                     uuid.New(),
		SessionID:              sessionID,
		Summary:                summary,
		MessageCountAtCreation: messageCount,
		SummaryVersion:         version,
		CreatedAt:              time.Now().UTC(),
	}
	if err := transaction.WithContext(dbc.Ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *summaryRepo) GetLatest(dbc dbctx.Context, sessionID uuid.UUID) (*domain.ChatSummary, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out domain.ChatSummary
	if err := transaction.WithContext(dbc.Ctx).
		Where("session_id = ?", sessionID).
		Order("summary_version DESC").
		First(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}
