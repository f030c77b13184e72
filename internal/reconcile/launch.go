package reconcile

import (
	"context"
	"errors"

	jobdomain "github.com/outsidersgit/vibephoto-sub003/internal/job/domain"
	providerdomain "github.com/outsidersgit/vibephoto-sub003/internal/provider/domain"
	"go.uber.org/zap"
)

// Launch submits a QUEUED job to a downstream provider and starts its poll
// loop. The submission is not trusted: when StartJob errors, the remote job
// may still have started, so the idempotency key (the job's own id) is
// looked up before the failure is declared local. Providers without such a
// lookup fail the job outright; the refund path makes the user whole.
func (s *Service) Launch(ctx context.Context, job *jobdomain.Job, target providerdomain.Provider, prompt string) (*jobdomain.Job, error) {
	if job == nil {
		return nil, jobdomain.ErrJobNotFound
	}

	declared := target
	if !declared.Concrete() && declared != providerdomain.ProviderHybrid {
		declared = s.fallback
	}
	concrete := declared
	if !concrete.Concrete() {
		concrete = s.fallback
	}

	client, err := s.registry.Client(concrete)
	if err != nil {
		return nil, err
	}

	key := job.ID.String()
	params := providerdomain.StartJobParams{
		Kind:           string(job.Kind),
		Prompt:         prompt,
		IdempotencyKey: key,
	}

	externalID, startErr := client.StartJob(ctx, params)
	if startErr != nil {
		externalID, startErr = s.recoverStart(ctx, client, job, key, startErr)
	}
	if startErr != nil {
		update := StatusUpdate{
			State:        jobdomain.JobStateFailed,
			ErrorMessage: startErr.Error(),
		}
		if _, applyErr := s.ApplyStatus(ctx, job.ID, update, PathPoll); applyErr != nil {
			s.log.Error("could not fail unstartable job",
				zap.String("job_id", key), zap.Error(applyErr))
		}
		return nil, startErr
	}

	attached, err := s.jobSvc.AttachExternalID(ctx, job.ID, externalID, declared)
	if err != nil {
		return nil, err
	}

	s.StartPolling(job.ID)
	return attached, nil
}

// recoverStart decides whether a failed submission actually started remotely.
func (s *Service) recoverStart(ctx context.Context, client providerdomain.Client, job *jobdomain.Job, key string, startErr error) (string, error) {
	externalID, lookupErr := client.FindByIdempotencyKey(ctx, key)
	if lookupErr == nil && externalID != "" {
		s.log.Info("recovered remote job after failed submission",
			zap.String("job_id", key),
			zap.String("external_job_id", externalID),
		)
		return externalID, nil
	}
	if errors.Is(lookupErr, providerdomain.ErrLookupNotSupported) {
		s.log.Warn("provider has no idempotency lookup, declaring local failure",
			zap.String("job_id", key), zap.Error(startErr))
		return "", startErr
	}
	if lookupErr != nil && !errors.Is(lookupErr, providerdomain.ErrJobNotFound) {
		s.log.Warn("idempotency lookup failed",
			zap.String("job_id", key), zap.Error(lookupErr))
	}
	return "", startErr
}
