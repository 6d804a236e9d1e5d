package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// IndexAttempt is one execution of indexing for a (pair, search settings)
// combination. At most one non-terminal attempt may exist per combination;
// the repo's guarded insert enforces it.
type IndexAttempt struct {
	ID               uuid.UUID          `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	PairID           uuid.UUID          `gorm:"type:uuid;column:pair_id;not null;index" json:"pair_id"`
	SearchSettingsID uuid.UUID          `gorm:"type:uuid;column:search_settings_id;not null;index" json:"search_settings_id"`
	Status           IndexAttemptStatus `gorm:"column:status;not null;default:'NOT_STARTED';index" json:"status"`
	FromBeginning    bool               `gorm:"column:from_beginning;not null;default:false" json:"from_beginning"`
	TaskID           string             `gorm:"column:task_id;not null;default:'';index" json:"task_id"`

	DocsIndexed int    `gorm:"column:docs_indexed;not null;default:0" json:"docs_indexed"`
	DocsRemoved int    `gorm:"column:docs_removed;not null;default:0" json:"docs_removed"`
	Failures    int    `gorm:"column:failures;not null;default:0" json:"failures"`
	ErrorMsg    string `gorm:"column:error_msg;type:text;not null;default:''" json:"error_msg,omitempty"`

	Checkpoint string `gorm:"column:checkpoint;type:text;not null;default:''" json:"-"`

	PollRangeStart *time.Time `gorm:"column:poll_range_start" json:"poll_range_start,omitempty"`
	PollRangeEnd   *time.Time `gorm:"column:poll_range_end" json:"poll_range_end,omitempty"`

	TimeStarted *time.Time     `gorm:"column:time_started" json:"time_started,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (IndexAttempt) TableName() string { return "index_attempt" }
