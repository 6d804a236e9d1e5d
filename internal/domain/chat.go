package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	MessageRoleUser      = "USER"
	MessageRoleAssistant = "ASSISTANT"
	MessageRoleSystem    = "SYSTEM"
)

type ChatSession struct {
	ID          uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID      uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	Description string    `gorm:"column:description;not null;default:''" json:"description"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ChatSession) TableName() string { return "chat_session" }

type ChatMessage struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	SessionID uuid.UUID `gorm:"type:uuid;not null;index;index:idx_chat_message_session_seq,unique,priority:1" json:"session_id"`
	Seq       int64     `gorm:"column:seq;not null;index:idx_chat_message_session_seq,unique,priority:2" json:"seq"`

	Role       string         `gorm:"column:role;not null;index" json:"role"`
	Content    string         `gorm:"column:content;type:text;not null;default:''" json:"content"`
	TokenCount int            `gorm:"column:token_count;not null;default:0" json:"token_count"`
	CitedDocs  datatypes.JSON `gorm:"type:jsonb;column:cited_docs;not null;default:'[]'" json:"cited_docs,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ChatMessage) TableName() string { return "chat_message" }

// ChatSummary versions the incremental conversation summary. The row
// with the greatest SummaryVersion for a session is canonical.
type ChatSummary struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	SessionID uuid.UUID `gorm:"type:uuid;not null;index;index:idx_chat_summary_session_version,unique,priority:1" json:"session_id"`

	Summary                string `gorm:"column:summary;type:text;not null" json:"summary"`
	MessageCountAtCreation int    `gorm:"column:message_count_at_creation;not null" json:"message_count_at_creation"`
	SummaryVersion         int    `gorm:"column:summary_version;not null;index:idx_chat_summary_session_version,unique,priority:2" json:"summary_version"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (ChatSummary) TableName() string { return "chat_summary" }

type User struct {
	ID    uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Email string    `gorm:"column:email;not null;uniqueIndex" json:"email"`
	Name  string    `gorm:"column:name;not null;default:''" json:"name"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (User) TableName() string { return "app_user" }
