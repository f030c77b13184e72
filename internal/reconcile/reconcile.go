// Package reconcile merges job status updates arriving from two independent,
// unordered sources, webhook pushes and a polling loop, into one consistent
// job record. Ordering guarantees come entirely from the database transaction
// around applyStatus, never from the callers.
package reconcile

import (
	"context"
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/outsidersgit/vibephoto-sub003/internal/clock"
	"github.com/outsidersgit/vibephoto-sub003/internal/config"
	jobdomain "github.com/outsidersgit/vibephoto-sub003/internal/job/domain"
	obsmetrics "github.com/outsidersgit/vibephoto-sub003/internal/observability/metrics"
	"github.com/outsidersgit/vibephoto-sub003/internal/provider/adapters"
	providerdomain "github.com/outsidersgit/vibephoto-sub003/internal/provider/domain"
	refunddomain "github.com/outsidersgit/vibephoto-sub003/internal/refund/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Path labels which driver produced a status update.
type Path string

const (
	PathWebhook Path = "webhook"
	PathPoll    Path = "poll"
)

// StatusUpdate is a proposed transition fed into applyStatus by either path.
type StatusUpdate struct {
	State        jobdomain.JobState
	OutputURL    string
	ErrorMessage string
}

// ApplyResult reports whether a proposed transition took effect and the
// job's state after the call, so the poll loop can self-terminate.
type ApplyResult struct {
	Applied bool
	State   jobdomain.JobState
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Cfg        config.Config
	Jobs       jobdomain.Repository
	JobSvc     jobdomain.Service
	RefundSvc  refunddomain.Service
	Registry   *adapters.Registry
	Locker     *Locker             `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	cfg        config.ReconcileConfig
	jobs       jobdomain.Repository
	jobSvc     jobdomain.Service
	refundSvc  refunddomain.Service
	registry   *adapters.Registry
	locker     *Locker
	obsMetrics *obsmetrics.Metrics
	fallback   providerdomain.Provider

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(p Params) *Service {
	fallback := providerdomain.Provider(strings.ToLower(p.Cfg.Providers.Fallback))
	if !fallback.Concrete() {
		fallback = providerdomain.ProviderReplicate
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("reconcile.service"),
		clock:      p.Clock,
		cfg:        p.Cfg.Reconcile,
		jobs:       p.Jobs,
		jobSvc:     p.JobSvc,
		refundSvc:  p.RefundSvc,
		registry:   p.Registry,
		locker:     p.Locker,
		obsMetrics: p.ObsMetrics,
		fallback:   fallback,
	}
}

// ApplyStatus is the single transition function both paths feed. It accepts
// the proposed state only while the job is not yet terminal; a write to an
// already-terminal job is an expected no-op, logged at low severity. All side
// effects of a terminal acceptance land in the same transaction that flips
// the state, so a duplicate delivery is a guaranteed no-op the second time.
func (s *Service) ApplyStatus(ctx context.Context, jobID snowflake.ID, update StatusUpdate, path Path) (ApplyResult, error) {
	var result ApplyResult
	var failedApplied bool
	var failureMessage string

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := s.jobs.GetForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return jobdomain.ErrJobNotFound
		}

		if job.State.Terminal() {
			result = ApplyResult{Applied: false, State: job.State}
			s.log.Debug("ignoring status for terminal job",
				zap.String("job_id", jobID.String()),
				zap.String("proposed", string(update.State)),
				zap.String("current", string(job.State)),
				zap.String("path", string(path)),
			)
			return nil
		}

		switch update.State {
		case jobdomain.JobStateProcessing:
			if job.State == jobdomain.JobStateQueued {
				job.State = jobdomain.JobStateProcessing
				if err := s.jobs.Update(ctx, tx, job); err != nil {
					return err
				}
				result = ApplyResult{Applied: true, State: job.State}
				return nil
			}
			result = ApplyResult{Applied: false, State: job.State}
			return nil

		case jobdomain.JobStateCompleted:
			now := s.clock.Now()
			job.State = jobdomain.JobStateCompleted
			job.TerminalAt = &now
			if update.OutputURL != "" {
				job.OutputURL = &update.OutputURL
			}

		case jobdomain.JobStateFailed:
			now := s.clock.Now()
			job.State = jobdomain.JobStateFailed
			job.TerminalAt = &now
			if update.ErrorMessage != "" {
				job.ErrorMessage = &update.ErrorMessage
			}
			// The refund runs after this transaction commits. Flag the job in
			// the same transaction that flips the state so a crash before the
			// refund lands leaves a visible marker instead of a lost refund;
			// the refund transaction clears it once the credits are settled.
			job.NeedsReview = true
			failedApplied = true
			failureMessage = update.ErrorMessage

		default:
			result = ApplyResult{Applied: false, State: job.State}
			return nil
		}

		if err := s.jobs.Update(ctx, tx, job); err != nil {
			return err
		}
		result = ApplyResult{Applied: true, State: job.State}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}

	if result.Applied {
		s.obsMetrics.RecordTransition(ctx, string(result.State), string(path))
	}

	if failedApplied {
		if _, err := s.refundSvc.HandleFailureWithRetry(ctx, jobID, failureMessage); err != nil {
			s.log.Error("failure handling did not complete",
				zap.String("job_id", jobID.String()),
				zap.Error(err),
			)
		}
	}

	return result, nil
}

// HandleWebhook ingests one pushed status event. Deliveries may be
// duplicated or arrive after the poll path already finished the job.
func (s *Service) HandleWebhook(ctx context.Context, externalID, state, errorMessage string) (ApplyResult, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return ApplyResult{}, jobdomain.ErrInvalidExternal
	}

	job, err := s.jobs.GetByExternalID(ctx, s.db, externalID)
	if err != nil {
		return ApplyResult{}, err
	}
	if job == nil {
		return ApplyResult{}, jobdomain.ErrJobNotFound
	}

	update := StatusUpdate{
		State:        mapWireState(state),
		ErrorMessage: errorMessage,
	}
	return s.ApplyStatus(ctx, job.ID, update, PathWebhook)
}

// mapWireState normalizes provider-side status names onto the job lifecycle.
func mapWireState(state string) jobdomain.JobState {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "COMPLETED", "SUCCEED", "SUCCEEDED", "SUCCESS":
		return jobdomain.JobStateCompleted
	case "FAILED", "CANCELED", "CANCELLED", "ERROR":
		return jobdomain.JobStateFailed
	default:
		return jobdomain.JobStateProcessing
	}
}

func mapProviderStatus(status providerdomain.Status) StatusUpdate {
	update := StatusUpdate{
		OutputURL:    status.OutputURL,
		ErrorMessage: status.Error,
	}
	switch status.State {
	case providerdomain.StatusSucceeded:
		update.State = jobdomain.JobStateCompleted
	case providerdomain.StatusFailed:
		update.State = jobdomain.JobStateFailed
	default:
		update.State = jobdomain.JobStateProcessing
	}
	return update
}
