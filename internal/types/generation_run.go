package types

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// GenerationRun is the supervision record for one detached background
// generation. The fast path inserts it and returns; the background task keeps
// it current so callers can inspect a run they never awaited.
type GenerationRun struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CourseID   uuid.UUID  `gorm:"type:uuid;not null;index" json:"course_id"`
	Status     string     `gorm:"column:status;not null;index" json:"status"`
	Stage      string     `gorm:"column:stage;not null" json:"stage"`
	Progress   int        `gorm:"column:progress;not null;default:0" json:"progress"`
	Error      string     `gorm:"column:error" json:"error,omitempty"`
	StartedAt  time.Time  `gorm:"not null" json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"not null;default:now()" json:"updated_at"`
}

func (GenerationRun) TableName() string { return "course_generation_run" }
