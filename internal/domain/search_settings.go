package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SearchSettings versions the embedding model + tokenizer pair. Exactly
// one PRESENT row exists at a time; a FUTURE row exists only during a
// model swap while the new index backfills.
type SearchSettings struct {
	ID        uuid.UUID            `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ModelName string               `gorm:"column:model_name;not null" json:"model_name"`
	ModelDim  int                  `gorm:"column:model_dim;not null" json:"model_dim"`
	MaxTokens int                  `gorm:"column:max_tokens;not null;default:512" json:"max_tokens"`
	IndexName string               `gorm:"column:index_name;not null" json:"index_name"`
	Status    SearchSettingsStatus `gorm:"column:status;not null;index" json:"status"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (SearchSettings) TableName() string { return "search_settings" }
