package docs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/dbctx"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

// AccessSnapshot is the decoded form of a DocExternalAccess row.
type AccessSnapshot struct {
	DocumentID string
	UserEmails []string
	GroupIDs   []string
	IsPublic   bool
}

type DocAccessRepo interface {
	Record(dbc dbctx.Context, snaps []AccessSnapshot) error
	GetLatest(dbc dbctx.Context, documentID string) (*AccessSnapshot, error)
	GetLatestBatch(dbc dbctx.Context, documentIDs []string) (map[string]AccessSnapshot, error)
	DeleteForDocuments(dbc dbctx.Context, documentIDs []string) error
}

type ExternalGroupRepo interface {
	UpsertMembers(dbc dbctx.Context, source domain.Source, groupID string, members []string) error
	GroupsForUser(dbc dbctx.Context, email string) ([]string, error)
	DeleteForSource(dbc dbctx.Context, source domain.Source, keepGroupIDs []string) error
}

type docAccessRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDocAccessRepo(db *gorm.DB, log *logger.Logger) DocAccessRepo {
	return &docAccessRepo{db: db, log: log.With("repo", "DocAccessRepo")}
}

func (r *docAccessRepo) Record(dbc dbctx.Context, snaps []AccessSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now().UTC()
	rows := make([]*domain.DocExternalAccess, 0, len(snaps))
	for _, s := range snaps {
		if s.DocumentID == "" {
			return fmt.Errorf("access snapshot missing document id")
		}
		emails, err := json.Marshal(orEmpty(s.UserEmails))
		if err != nil {
			return err
		}
		groups, err := json.Marshal(orEmpty(s.GroupIDs))
		if err != nil {
			return err
		}
		rows = append(rows, &domain.DocExternalAccess{
			ID:         uuid.New(),
			DocumentID: s.DocumentID,
			UserEmails: datatypes.JSON(emails),
			GroupIDs:   datatypes.JSON(groups),
			IsPublic:   s.IsPublic,
			CreatedAt:  now,
		})
	}
	return transaction.WithContext(dbc.Ctx).Create(&rows).Error
}

func (r *docAccessRepo) GetLatest(dbc dbctx.Context, documentID string) (*AccessSnapshot, error) {
	out, err := r.GetLatestBatch(dbc, []string{documentID})
	if err != nil {
		return nil, err
	}
	snap, ok := out[documentID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (r *docAccessRepo) GetLatestBatch(dbc dbctx.Context, documentIDs []string) (map[string]AccessSnapshot, error) {
	if len(documentIDs) == 0 {
		return nil, nil
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var rows []*domain.DocExternalAccess
	if err := transaction.WithContext(dbc.Ctx).
		Where("document_id IN ?", documentIDs).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	// Ascending order + overwrite leaves the latest snapshot per doc.
	out := make(map[string]AccessSnapshot, len(rows))
	for _, row := range rows {
		var emails, groups []string
		if err := json.Unmarshal(row.UserEmails, &emails); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(row.GroupIDs, &groups); err != nil {
			return nil, err
		}
		out[row.DocumentID] = AccessSnapshot{
			DocumentID: row.DocumentID,
			UserEmails: emails,
			GroupIDs:   groups,
			IsPublic:   row.IsPublic,
		}
	}
	return out, nil
}

func (r *docAccessRepo) DeleteForDocuments(dbc dbctx.Context, documentIDs []string) error {
	if len(documentIDs) == 0 {
		return nil
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Where("document_id IN ?", documentIDs).
		Delete(&domain.DocExternalAccess{}).Error
}

type externalGroupRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewExternalGroupRepo(db *gorm.DB, log *logger.Logger) ExternalGroupRepo {
	return &externalGroupRepo{db: db, log: log.With("repo", "ExternalGroupRepo")}
}

func (r *externalGroupRepo) UpsertMembers(dbc dbctx.Context, source domain.Source, groupID string, members []string) error {
	if groupID == "" {
		return fmt.Errorf("missing group id")
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	raw, err := json.Marshal(orEmpty(members))
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	row := &domain.ExternalGroup{
		ID:        uuid.New(),
		Source:    source,
		GroupID:   groupID,
		Members:   datatypes.JSON(raw),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source"}, {Name: "group_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"members", "updated_at"}),
		}).
		Create(row).Error
}

// GroupsForUser resolves every external group the email belongs to,
// across sources. Used when building a retrieval access filter.
func (r *externalGroupRepo) GroupsForUser(dbc dbctx.Context, email string) ([]string, error) {
	if email == "" {
		return nil, nil
	}
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	member, err := json.Marshal([]string{email})
	if err != nil {
		return nil, err
	}
	var out []string
	if err := transaction.WithContext(dbc.Ctx).
		Model(&domain.ExternalGroup{}).
		Where("members @> ?", string(member)).
		Pluck("group_id", &out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteForSource removes groups that disappeared upstream; keepGroupIDs
// is the full set the latest group sync produced.
func (r *externalGroupRepo) DeleteForSource(dbc dbctx.Context, source domain.Source, keepGroupIDs []string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx).Where("source = ?", source)
	if len(keepGroupIDs) > 0 {
		q = q.Where("group_id NOT IN ?", keepGroupIDs)
	}
	return q.Delete(&domain.ExternalGroup{}).Error
}

func orEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
