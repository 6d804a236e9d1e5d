package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Credential stores a connector's auth material. AccessToken/Expiry are
// rewritten when the HTTP pool refreshes them.
type Credential struct {
	ID             uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Name           string         `gorm:"column:name;not null" json:"name"`
	Source         Source         `gorm:"column:source;not null;index" json:"source"`
	AccessToken    string         `gorm:"column:access_token;type:text" json:"-"`
	RefreshToken   string         `gorm:"column:refresh_token;type:text" json:"-"`
	TokenURL       string         `gorm:"column:token_url" json:"-"`
	TokenExpiry    *time.Time     `gorm:"column:token_expiry" json:"token_expiry,omitempty"`
	Config         datatypes.JSON `gorm:"type:jsonb;column:config;not null;default:'{}'" json:"config,omitempty"`
	NeedsAttention bool           `gorm:"column:needs_attention;not null;default:false;index" json:"needs_attention"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Credential) TableName() string { return "credential" }

// ConnectorCredentialPair is the unit of ingestion: one connector
// configuration bound to one credential.
type ConnectorCredentialPair struct {
	ID           uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Name         string         `gorm:"column:name;not null" json:"name"`
	Source       Source         `gorm:"column:source;not null;index" json:"source"`
	CredentialID uuid.UUID      `gorm:"type:uuid;column:credential_id;not null;index" json:"credential_id"`
	Config       datatypes.JSON `gorm:"type:jsonb;column:config;not null;default:'{}'" json:"config"`

	Status          PairStatus       `gorm:"column:status;not null;default:'ACTIVE';index" json:"status"`
	RefreshFreq     *int64           `gorm:"column:refresh_freq" json:"refresh_freq,omitempty"`
	IndexingTrigger *IndexingTrigger `gorm:"column:indexing_trigger" json:"indexing_trigger,omitempty"`
	UserUploaded    bool             `gorm:"column:user_uploaded;not null;default:false" json:"user_uploaded"`

	LastTimePermSync  *time.Time `gorm:"column:last_time_perm_sync" json:"last_time_perm_sync,omitempty"`
	LastTimeGroupSync *time.Time `gorm:"column:last_time_group_sync" json:"last_time_group_sync,omitempty"`

	// ConsecutiveFailures feeds the repeated-error admin surface.
	ConsecutiveFailures  int  `gorm:"column:consecutive_failures;not null;default:0" json:"consecutive_failures"`
	InRepeatedErrorState bool `gorm:"column:in_repeated_error_state;not null;default:false;index" json:"in_repeated_error_state"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ConnectorCredentialPair) TableName() string { return "connector_credential_pair" }
