package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/outsidersgit/vibephoto-sub003/internal/clock"
	creditdomain "github.com/outsidersgit/vibephoto-sub003/internal/credit/domain"
	"github.com/outsidersgit/vibephoto-sub003/internal/failure"
	jobdomain "github.com/outsidersgit/vibephoto-sub003/internal/job/domain"
	ledgerdomain "github.com/outsidersgit/vibephoto-sub003/internal/ledger/domain"
	obsmetrics "github.com/outsidersgit/vibephoto-sub003/internal/observability/metrics"
	refunddomain "github.com/outsidersgit/vibephoto-sub003/internal/refund/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxAttempts  = 2
	retryBackoff = 500 * time.Millisecond
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Jobs       jobdomain.Repository
	CreditSvc  creditdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	jobs       jobdomain.Repository
	creditSvc  creditdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) refunddomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("refund.service"),
		clock:      p.Clock,
		jobs:       p.Jobs,
		creditSvc:  p.CreditSvc,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) HandleFailure(ctx context.Context, jobID snowflake.ID, errorMessage string) (refunddomain.Result, error) {
	var result refunddomain.Result

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The latch check and flip must both happen with the row locked to
		// close the race between concurrent failure-handling attempts.
		job, err := s.jobs.GetForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return jobdomain.ErrJobNotFound
		}

		category := failure.Classify(errorMessage)
		result.Category = category
		result.Message = failure.UserMessage(category)

		if job.State != jobdomain.JobStateFailed {
			result.Outcome = refunddomain.OutcomeNotFailed
			s.log.Warn("failure handling invoked on non-failed job",
				zap.String("job_id", jobID.String()),
				zap.String("state", string(job.State)),
			)
			return nil
		}

		if job.CreditsRefunded {
			result.Outcome = refunddomain.OutcomeAlreadyRefunded
			s.log.Debug("refund already applied",
				zap.String("job_id", jobID.String()),
			)
			if job.NeedsReview {
				job.NeedsReview = false
				return s.jobs.Update(ctx, tx, job)
			}
			return nil
		}

		reason := string(category)
		job.FailureReason = &reason
		if errorMessage != "" {
			job.ErrorMessage = &errorMessage
		}

		if job.CreditsCharged == 0 {
			result.Outcome = refunddomain.OutcomeNothingCharged
			job.NeedsReview = false
			return s.jobs.Update(ctx, tx, job)
		}

		if _, err := s.creditSvc.CreditTx(ctx, tx, creditdomain.CreditRequest{
			UserID:      job.UserID,
			Amount:      job.CreditsCharged,
			Description: "refund: " + string(category),
			ReferenceID: &job.ID,
			Source:      ledgerdomain.SourceRefund,
		}); err != nil {
			return err
		}

		job.LatchRefund(s.clock.Now())
		// Settling the refund discharges the pending marker set by the
		// failure transition.
		job.NeedsReview = false
		if err := s.jobs.Update(ctx, tx, job); err != nil {
			return err
		}

		result.Refunded = true
		result.Outcome = refunddomain.OutcomeRefunded
		return nil
	})
	if err != nil {
		return refunddomain.Result{}, err
	}

	if result.Refunded {
		s.obsMetrics.RecordRefund(ctx, string(result.Category))
	}
	return result, nil
}

func (s *Service) HandleFailureWithRetry(ctx context.Context, jobID snowflake.ID, errorMessage string) (refunddomain.Result, error) {
	var lastErr error
	backoff := retryBackoff

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := s.HandleFailure(ctx, jobID, errorMessage)
		if err == nil {
			return result, nil
		}
		lastErr = err
		s.log.Warn("refund attempt failed",
			zap.String("job_id", jobID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return refunddomain.Result{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	// Fail loud, stay auditable: the job keeps FAILED with the latch unset
	// and is flagged for manual reconciliation.
	s.flagForReview(ctx, jobID)
	return refunddomain.Result{}, lastErr
}

func (s *Service) flagForReview(ctx context.Context, jobID snowflake.ID) {
	err := s.db.WithContext(ctx).Exec(
		`UPDATE jobs SET needs_review = ?, updated_at = ? WHERE id = ?`,
		true,
		s.clock.Now(),
		jobID,
	).Error
	if err != nil {
		s.log.Error("failed to flag job for manual reconciliation",
			zap.String("job_id", jobID.String()),
			zap.Error(err),
		)
		return
	}
	s.log.Error("refund exhausted retries, job flagged for manual reconciliation",
		zap.String("job_id", jobID.String()),
	)
}
