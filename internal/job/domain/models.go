// Package domain contains the durable record for asynchronous generation and
// training runs.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	providerdomain "github.com/outsidersgit/vibephoto-sub003/internal/provider/domain"
	"gorm.io/datatypes"
)

type JobKind string

const (
	JobKindGeneration JobKind = "generation"
	JobKindTraining   JobKind = "training"
)

// JobState is the job lifecycle. COMPLETED and FAILED are terminal; no
// further transitions are accepted once either is reached.
type JobState string

const (
	JobStateQueued     JobState = "QUEUED"
	JobStateProcessing JobState = "PROCESSING"
	JobStateCompleted  JobState = "COMPLETED"
	JobStateFailed     JobState = "FAILED"
)

// Terminal reports whether the state accepts no further transitions.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

type Job struct {
	ID              snowflake.ID            `gorm:"primaryKey"`
	UserID          snowflake.ID            `gorm:"not null;index"`
	Kind            JobKind                 `gorm:"type:text;not null"`
	State           JobState                `gorm:"type:text;not null"`
	Provider        providerdomain.Provider `gorm:"type:text"`
	ExternalJobID   *string                 `gorm:"type:text;uniqueIndex"`
	CreditsCharged  int64                   `gorm:"not null;default:0"`
	CreditsRefunded bool                    `gorm:"not null;default:false"`
	RefundedAt      *time.Time              `gorm:""`
	FailureReason   *string                 `gorm:"type:text"`
	ErrorMessage    *string                 `gorm:"type:text"`
	OutputURL       *string                 `gorm:"type:text"`
	NeedsReview     bool                    `gorm:"not null;default:false"`
	Metadata        datatypes.JSONMap       `gorm:"type:jsonb"`
	CreatedAt       time.Time               `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time               `gorm:"not null;default:CURRENT_TIMESTAMP"`
	TerminalAt      *time.Time              `gorm:""`
}

// TableName sets the database table name.
func (Job) TableName() string { return "jobs" }

// LatchRefund flips the one-way refunded latch. The flip only succeeds once;
// callers must hold the job row lock so check-then-set stays atomic.
func (j *Job) LatchRefund(at time.Time) bool {
	if j.CreditsRefunded {
		return false
	}
	j.CreditsRefunded = true
	j.RefundedAt = &at
	return true
}

// Age returns how long the job has existed as of now.
func (j Job) Age(now time.Time) time.Duration {
	return now.Sub(j.CreatedAt)
}
