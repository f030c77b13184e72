package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/outsidersgit/vibephoto-sub003/internal/clock"
	"github.com/outsidersgit/vibephoto-sub003/internal/config"
	jobdomain "github.com/outsidersgit/vibephoto-sub003/internal/job/domain"
	ledgerdomain "github.com/outsidersgit/vibephoto-sub003/internal/ledger/domain"
	providerdomain "github.com/outsidersgit/vibephoto-sub003/internal/provider/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Jobs      jobdomain.Repository
	LedgerSvc ledgerdomain.Service
	Cfg       config.Config
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	jobs      jobdomain.Repository
	ledgerSvc ledgerdomain.Service
	fallback  providerdomain.Provider
}

func NewService(p Params) jobdomain.Service {
	fallback := providerdomain.Provider(strings.ToLower(p.Cfg.Providers.Fallback))
	if !fallback.Concrete() {
		fallback = providerdomain.ProviderReplicate
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("job.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		jobs:      p.Jobs,
		ledgerSvc: p.LedgerSvc,
		fallback:  fallback,
	}
}

func (s *Service) Create(ctx context.Context, userID snowflake.ID, kind jobdomain.JobKind, creditsCharged int64) (*jobdomain.Job, error) {
	switch kind {
	case jobdomain.JobKindGeneration, jobdomain.JobKindTraining:
	default:
		return nil, jobdomain.ErrInvalidKind
	}

	now := s.clock.Now()
	job := &jobdomain.Job{
		ID:             s.genID.Generate(),
		UserID:         userID,
		Kind:           kind,
		State:          jobdomain.JobStateQueued,
		CreditsCharged: creditsCharged,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.jobs.Insert(ctx, s.db, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Service) AttachExternalID(ctx context.Context, jobID snowflake.ID, externalID string, declared providerdomain.Provider) (*jobdomain.Job, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, jobdomain.ErrInvalidExternal
	}

	resolved, confident := providerdomain.ResolveOrigin(externalID, declared, s.fallback)
	if !confident {
		s.log.Warn("ambiguous external id shape, using fallback provider",
			zap.String("job_id", jobID.String()),
			zap.String("external_id", externalID),
			zap.String("declared", string(declared)),
			zap.String("resolved", string(resolved)),
		)
	}

	var updated *jobdomain.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := s.jobs.GetForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return jobdomain.ErrJobNotFound
		}
		if job.State.Terminal() {
			// Both reconciliation paths may have already finished the job;
			// a late attach is expected, not an error.
			s.log.Info("ignoring external id attach on terminal job",
				zap.String("job_id", jobID.String()),
				zap.String("state", string(job.State)),
			)
			updated = job
			return nil
		}

		job.ExternalJobID = &externalID
		job.Provider = resolved
		job.State = jobdomain.JobStateProcessing
		if err := s.jobs.Update(ctx, tx, job); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) Abort(ctx context.Context, jobID snowflake.ID, reason string) (*jobdomain.Job, error) {
	var updated *jobdomain.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := s.jobs.GetForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return jobdomain.ErrJobNotFound
		}
		if job.State.Terminal() {
			updated = job
			return nil
		}

		now := s.clock.Now()
		job.State = jobdomain.JobStateFailed
		job.CreditsCharged = 0
		job.ErrorMessage = &reason
		job.TerminalAt = &now
		if err := s.jobs.Update(ctx, tx, job); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) Get(ctx context.Context, jobID snowflake.ID) (*jobdomain.Job, error) {
	job, err := s.jobs.Get(ctx, s.db, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, jobdomain.ErrJobNotFound
	}
	return job, nil
}

func (s *Service) Report(ctx context.Context, jobID snowflake.ID) (jobdomain.Report, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return jobdomain.Report{}, err
	}

	entries, err := s.ledgerSvc.ListByReference(ctx, jobID)
	if err != nil {
		return jobdomain.Report{}, err
	}

	return jobdomain.Report{
		Job:     *job,
		Entries: entries,
	}, nil
}
