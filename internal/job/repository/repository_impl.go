package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	jobdomain "github.com/outsidersgit/vibephoto-sub003/internal/job/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() jobdomain.Repository {
	return &repo{}
}

const jobColumns = `id, user_id, kind, state, provider, external_job_id,
	credits_charged, credits_refunded, refunded_at, failure_reason,
	error_message, output_url, needs_review, metadata, created_at,
	updated_at, terminal_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, job *jobdomain.Job) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.UserID,
		job.Kind,
		job.State,
		job.Provider,
		job.ExternalJobID,
		job.CreditsCharged,
		job.CreditsRefunded,
		job.RefundedAt,
		job.FailureReason,
		job.ErrorMessage,
		job.OutputURL,
		job.NeedsReview,
		job.Metadata,
		job.CreatedAt,
		job.UpdatedAt,
		job.TerminalAt,
	).Error
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, jobID snowflake.ID) (*jobdomain.Job, error) {
	var row jobdomain.Job
	err := db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`,
		jobID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) GetForUpdate(ctx context.Context, tx *gorm.DB, jobID snowflake.ID) (*jobdomain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	if tx.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}

	var row jobdomain.Job
	if err := tx.WithContext(ctx).Raw(query, jobID).Scan(&row).Error; err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) GetByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*jobdomain.Job, error) {
	var row jobdomain.Job
	err := db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+` FROM jobs WHERE external_job_id = ?`,
		externalID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) Update(ctx context.Context, tx *gorm.DB, job *jobdomain.Job) error {
	job.UpdatedAt = time.Now().UTC()
	return tx.WithContext(ctx).Exec(
		`UPDATE jobs SET
			state = ?, provider = ?, external_job_id = ?, credits_charged = ?,
			credits_refunded = ?, refunded_at = ?, failure_reason = ?,
			error_message = ?, output_url = ?, needs_review = ?, updated_at = ?,
			terminal_at = ?
		 WHERE id = ?`,
		job.State,
		job.Provider,
		job.ExternalJobID,
		job.CreditsCharged,
		job.CreditsRefunded,
		job.RefundedAt,
		job.FailureReason,
		job.ErrorMessage,
		job.OutputURL,
		job.NeedsReview,
		job.UpdatedAt,
		job.TerminalAt,
		job.ID,
	).Error
}

func (r *repo) ListProcessing(ctx context.Context, db *gorm.DB) ([]jobdomain.Job, error) {
	var rows []jobdomain.Job
	err := db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+` FROM jobs WHERE state = ? ORDER BY created_at ASC`,
		jobdomain.JobStateProcessing,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
