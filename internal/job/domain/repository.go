package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, job *Job) error
	Get(ctx context.Context, db *gorm.DB, jobID snowflake.ID) (*Job, error)
	GetForUpdate(ctx context.Context, tx *gorm.DB, jobID snowflake.ID) (*Job, error)
	GetByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*Job, error)
	Update(ctx context.Context, tx *gorm.DB, job *Job) error

	// ListProcessing returns jobs still in flight, for resuming poll loops
	// after a restart.
	ListProcessing(ctx context.Context, db *gorm.DB) ([]Job, error)
}
