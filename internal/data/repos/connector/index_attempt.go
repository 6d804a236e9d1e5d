package connector

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

type IndexAttemptRepo interface {
	// TryCreate inserts an attempt only if no non-terminal attempt exists
	// for the same (pair, search settings). Returns the created attempt,
	// or nil when one was already in flight.
	TryCreate(dbc dbctx.Context, row *domain.IndexAttempt) (*domain.IndexAttempt, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.IndexAttempt, error)
	GetLatest(dbc dbctx.Context, pairID, settingsID uuid.UUID) (*domain.IndexAttempt, error)
	GetLatestSuccess(dbc dbctx.Context, pairID, settingsID uuid.UUID) (*domain.IndexAttempt, error)
	ListNonTerminal(dbc dbctx.Context) ([]*domain.IndexAttempt, error)
	ListByPair(dbc dbctx.Context, pairID uuid.UUID, limit int) ([]*domain.IndexAttempt, error)
	MarkInProgress(dbc dbctx.Context, id uuid.UUID) error
	MarkTerminal(dbc dbctx.Context, id uuid.UUID, status domain.IndexAttemptStatus, errMsg string) error
	UpdateProgress(dbc dbctx.Context, id uuid.UUID, docsIndexed, docsRemoved, failures int) error
	SaveCheckpoint(dbc dbctx.Context, id uuid.UUID, checkpoint string) error
	SetPollRange(dbc dbctx.Context, id uuid.UUID, start, end time.Time) error
}

type indexAttemptRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewIndexAttemptRepo(db *gorm.DB, log *logger.Logger) IndexAttemptRepo {
	return &indexAttemptRepo{db: db, log: log.With("repo", "IndexAttemptRepo")}
}

func (r *indexAttemptRepo) TryCreate(dbc dbctx.Context, row *domain.IndexAttempt) (*domain.IndexAttempt, error) {
	if row.PairID == uuid.Nil || row.SearchSettingsID == uuid.Nil {
		return nil, fmt.Errorf("missing pair or search settings id")
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	now := time.Now().UTC()
	row.CreatedAt = now
	row.UpdatedAt = now
	if row.Status == "" {
		row.Status = domain.AttemptNotStarted
	}

	// Guarded insert: the WHERE NOT EXISTS makes duplicate dispatch a
	// no-op instead of a second concurrent run.
	res := transaction.WithContext(dbc.Ctx).Exec(`
		INSERT INTO index_attempt
			(id, pair_id, search_settings_id, status, from_beginning, task_id,
			 docs_indexed, docs_removed, failures, error_msg, checkpoint, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, 0, 0, 0, '', '', ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM index_attempt
			WHERE pair_id = ? AND search_settings_id = ?
			  AND status IN ('NOT_STARTED', 'IN_PROGRESS')
			  AND deleted_at IS NULL
		)`,
		row.ID, row.PairID, row.SearchSettingsID, row.Status, row.FromBeginning, row.TaskID,
		row.CreatedAt, row.UpdatedAt,
		row.PairID, row.SearchSettingsID,
	)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return row, nil
}

func (r *indexAttemptRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.IndexAttempt, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out domain.IndexAttempt
	if err := transaction.WithContext(dbc.Ctx).First(&out, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *indexAttemptRepo) GetLatest(dbc dbctx.Context, pairID, settingsID uuid.UUID) (*domain.IndexAttempt, error) {
	return r.getLatest(dbc, pairID, settingsID, nil)
}

func (r *indexAttemptRepo) GetLatestSuccess(dbc dbctx.Context, pairID, settingsID uuid.UUID) (*domain.IndexAttempt, error) {
	status := domain.AttemptSuccess
	return r.getLatest(dbc, pairID, settingsID, &status)
}

func (r *indexAttemptRepo) getLatest(dbc dbctx.Context, pairID, settingsID uuid.UUID, status *domain.IndexAttemptStatus) (*domain.IndexAttempt, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx).
		Where("pair_id = ? AND search_settings_id = ?", pairID, settingsID)
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	var out domain.IndexAttempt
	if err := q.Order("created_at DESC").First(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (r *indexAttemptRepo) ListNonTerminal(dbc dbctx.Context) ([]*domain.IndexAttempt, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.IndexAttempt
	if err := transaction.WithContext(dbc.Ctx).
		Where("status IN ?", []domain.IndexAttemptStatus{domain.AttemptNotStarted, domain.AttemptInProgress}).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *indexAttemptRepo) ListByPair(dbc dbctx.Context, pairID uuid.UUID, limit int) ([]*domain.IndexAttempt, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 50
	}
	var out []*domain.IndexAttempt
	if err := transaction.WithContext(dbc.Ctx).
		Where("pair_id = ?", pairID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *indexAttemptRepo) MarkInProgress(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now().UTC()
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.IndexAttempt{}).
		Where("id = ? AND status = ?", id, domain.AttemptNotStarted).
		Updates(map[string]any{
			"status":       domain.AttemptInProgress,
			"time_started": now,
			"updated_at":   now,
		}).Error
}

// MarkTerminal refuses to overwrite a terminal status so a late heartbeat
// cannot resurrect a canceled attempt.
func (r *indexAttemptRepo) MarkTerminal(dbc dbctx.Context, id uuid.UUID, status domain.IndexAttemptStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.IndexAttempt{}).
		Where("id = ? AND status IN ?", id, []domain.IndexAttemptStatus{domain.AttemptNotStarted, domain.AttemptInProgress}).
		Updates(map[string]any{
			"status":     status,
			"error_msg":  errMsg,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *indexAttemptRepo) UpdateProgress(dbc dbctx.Context, id uuid.UUID, docsIndexed, docsRemoved, failures int) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.IndexAttempt{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"docs_indexed": docsIndexed,
			"docs_removed": docsRemoved,
			"failures":     failures,
			"updated_at":   time.Now().UTC(),
		}).Error
}

func (r *indexAttemptRepo) SaveCheckpoint(dbc dbctx.Context, id uuid.UUID, checkpoint string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.IndexAttempt{}).
		Where("id = ?", id).
		Updates(map[string]any{"checkpoint": checkpoint, "updated_at": time.Now().UTC()}).Error
}

func (r *indexAttemptRepo) SetPollRange(dbc dbctx.Context, id uuid.UUID, start, end time.Time) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.IndexAttempt{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"poll_range_start": start.UTC(),
			"poll_range_end":   end.UTC(),
			"updated_at":       time.Now().UTC(),
		}).Error
}
