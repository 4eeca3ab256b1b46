package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	scheduledomain "github.com/smallbiznis/cobro/internal/schedule/domain"
	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	// JobStatusFailed is set only when every row failed.
	JobStatusFailed JobStatus = "failed"
)

// CollectionJob is one uploaded batch file.
type CollectionJob struct {
	ID           snowflake.ID                                  `gorm:"primaryKey" json:"id"`
	Name         string                                        `gorm:"not null" json:"name"`
	FileName     string                                        `json:"file_name"`
	StorageKey   string                                        `json:"storage_key,omitempty"`
	Mode         scheduledomain.Mode                           `gorm:"not null" json:"mode"`
	Status       JobStatus                                     `gorm:"not null" json:"status"`
	TotalRows    int                                           `json:"total_rows"`
	SuccessCount int                                           `json:"success_count"`
	FailureCount int                                           `json:"failure_count"`
	Errors       datatypes.JSONType[[]scheduledomain.RowError] `gorm:"type:jsonb" json:"errors"`
	UploadedBy   string                                        `json:"uploaded_by,omitempty"`
	CreatedAt    time.Time                                     `json:"created_at"`
	UpdatedAt    time.Time                                     `json:"updated_at"`
	CompletedAt  *time.Time                                    `json:"completed_at,omitempty"`
}

func (CollectionJob) TableName() string { return "collection_jobs" }
