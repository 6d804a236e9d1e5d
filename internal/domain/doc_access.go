package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// DocExternalAccess is an immutable permission snapshot for a document;
// the latest row per document wins and is what retrieval enforces.
type DocExternalAccess struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	DocumentID string         `gorm:"column:document_id;not null;index" json:"document_id"`
	UserEmails datatypes.JSON `gorm:"type:jsonb;column:user_emails;not null;default:'[]'" json:"user_emails"`
	GroupIDs   datatypes.JSON `gorm:"type:jsonb;column:group_ids;not null;default:'[]'" json:"group_ids"`
	IsPublic   bool           `gorm:"column:is_public;not null;default:false" json:"is_public"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (DocExternalAccess) TableName() string { return "doc_external_access" }

// ExternalGroup maps an external group id to its member emails; written
// by group sync and read when building a user's access filter.
type ExternalGroup struct {
	ID      uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Source  Source         `gorm:"column:source;not null;index:idx_external_group_source_gid,unique,priority:1" json:"source"`
	GroupID string         `gorm:"column:group_id;not null;index:idx_external_group_source_gid,unique,priority:2" json:"group_id"`
	Members datatypes.JSON `gorm:"type:jsonb;column:members;not null;default:'[]'" json:"members"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (ExternalGroup) TableName() string { return "external_group" }
