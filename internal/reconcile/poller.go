package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	jobdomain "github.com/outsidersgit/vibephoto-sub003/internal/job/domain"
	providerdomain "github.com/outsidersgit/vibephoto-sub003/internal/provider/domain"
	"go.uber.org/zap"
)

// errPollDone signals the loop's current job reached a terminal state.
var errPollDone = errors.New("poll_done")

// StartPolling launches the per-job poll loop. The loop waits an initial
// delay (the provider never answers usefully right after submission), then
// asks for status on a fixed interval until the job turns terminal, the
// processing ceiling passes, or the service shuts down. If the very first
// tick cannot run at all, the loop is re-scheduled once after a longer
// delay before giving up.
func (s *Service) StartPolling(jobID snowflake.ID) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollLoop(ctx, jobID)
	}()
}

func (s *Service) pollLoop(ctx context.Context, jobID snowflake.ID) {
	log := s.log.With(zap.String("job_id", jobID.String()))

	if !sleepCtx(ctx, s.cfg.PollInitialDelay) {
		return
	}

	// First tick doubles as the scheduling check: when it fails before any
	// status request could be made, re-schedule once after the retry delay.
	if err := s.pollOnce(ctx, jobID); err != nil {
		if errors.Is(err, errPollDone) {
			return
		}
		if errors.Is(err, providerdomain.ErrUnknownProvider) || errors.Is(err, jobdomain.ErrJobNotFound) {
			log.Warn("poll loop failed to start, re-scheduling once", zap.Error(err))
			if !sleepCtx(ctx, s.cfg.PollRetryDelay) {
				return
			}
			if err := s.pollOnce(ctx, jobID); err != nil {
				if errors.Is(err, errPollDone) {
					return
				}
				log.Error("poll loop could not be started, giving up", zap.Error(err))
				return
			}
		} else {
			log.Warn("poll tick failed", zap.Error(err))
		}
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.pollOnce(ctx, jobID); err != nil {
				if errors.Is(err, errPollDone) {
					return
				}
				// Transient: the next tick tries again.
				log.Warn("poll tick failed", zap.Error(err))
			}
		}
	}
}

// pollOnce performs a single status check. Returns errPollDone when the job
// no longer needs polling.
func (s *Service) pollOnce(ctx context.Context, jobID snowflake.ID) error {
	if s.locker != nil {
		release, ok, err := s.locker.TryLock(ctx, "reconcile:poll:"+jobID.String(), s.cfg.PollInterval)
		if err != nil {
			s.log.Warn("poll lock unavailable, proceeding without it",
				zap.String("job_id", jobID.String()), zap.Error(err))
		} else if !ok {
			// Another replica holds this job's tick.
			return nil
		} else {
			defer release()
		}
	}

	job, err := s.jobs.Get(ctx, s.db, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return jobdomain.ErrJobNotFound
	}
	if job.State.Terminal() {
		return errPollDone
	}
	if job.ExternalJobID == nil || *job.ExternalJobID == "" {
		// Submission never completed; nothing to poll against.
		return errPollDone
	}

	if job.Age(s.clock.Now()) > s.cfg.ProcessingCeiling {
		update := StatusUpdate{
			State:        jobdomain.JobStateFailed,
			ErrorMessage: fmt.Sprintf("processing timed out after %s", s.cfg.ProcessingCeiling),
		}
		if _, err := s.ApplyStatus(ctx, jobID, update, PathPoll); err != nil {
			return err
		}
		return errPollDone
	}

	client, err := s.registry.Client(job.Provider)
	if err != nil {
		return err
	}

	status, err := client.GetStatus(ctx, *job.ExternalJobID)
	if err != nil {
		return err
	}

	result, err := s.ApplyStatus(ctx, jobID, mapProviderStatus(status), PathPoll)
	if err != nil {
		return err
	}
	if result.State.Terminal() {
		return errPollDone
	}
	return nil
}

// ResumeProcessing restarts poll loops for jobs that were in flight when the
// previous process stopped.
func (s *Service) ResumeProcessing(ctx context.Context) error {
	jobs, err := s.jobs.ListProcessing(ctx, s.db)
	if err != nil {
		return err
	}
	for i := range jobs {
		s.StartPolling(jobs[i].ID)
	}
	if len(jobs) > 0 {
		s.log.Info("resumed polling for in-flight jobs", zap.Int("count", len(jobs)))
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
