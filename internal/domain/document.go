package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Document is the relational row mirroring what lives in the search
// index. DocumentID is the connector-scoped id, not a uuid.
type Document struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	DocumentID string    `gorm:"column:document_id;not null;uniqueIndex" json:"document_id"`
	PairID     uuid.UUID `gorm:"type:uuid;column:pair_id;not null;index" json:"pair_id"`

	SemanticID string         `gorm:"column:semantic_id;not null;default:''" json:"semantic_id"`
	Link       string         `gorm:"column:link;not null;default:''" json:"link"`
	Source     Source         `gorm:"column:source;not null;index" json:"source"`
	Boost      float64        `gorm:"column:boost;not null;default:1" json:"boost"`
	Hidden     bool           `gorm:"column:hidden;not null;default:false" json:"hidden"`
	Metadata   datatypes.JSON `gorm:"type:jsonb;column:metadata;not null;default:'{}'" json:"metadata,omitempty"`

	DocUpdatedAt   *time.Time `gorm:"column:doc_updated_at" json:"doc_updated_at,omitempty"`
	LastSyncedAt   *time.Time `gorm:"column:last_synced_at;index" json:"last_synced_at,omitempty"`
	LastPermSyncAt *time.Time `gorm:"column:last_perm_sync_at" json:"last_perm_sync_at,omitempty"`
	ChunkCount     int        `gorm:"column:chunk_count;not null;default:0" json:"chunk_count"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now();index" json:"updated_at"`
}

func (Document) TableName() string { return "document" }
