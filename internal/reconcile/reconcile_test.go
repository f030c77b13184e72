package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	balancerepo "github.com/outsidersgit/vibephoto-sub003/internal/balance/repository"
	"github.com/outsidersgit/vibephoto-sub003/internal/clock"
	"github.com/outsidersgit/vibephoto-sub003/internal/config"
	creditdomain "github.com/outsidersgit/vibephoto-sub003/internal/credit/domain"
	creditservice "github.com/outsidersgit/vibephoto-sub003/internal/credit/service"
	jobdomain "github.com/outsidersgit/vibephoto-sub003/internal/job/domain"
	jobrepo "github.com/outsidersgit/vibephoto-sub003/internal/job/repository"
	jobservice "github.com/outsidersgit/vibephoto-sub003/internal/job/service"
	ledgerservice "github.com/outsidersgit/vibephoto-sub003/internal/ledger/service"
	"github.com/outsidersgit/vibephoto-sub003/internal/provider/adapters"
	providerdomain "github.com/outsidersgit/vibephoto-sub003/internal/provider/domain"
	refunddomain "github.com/outsidersgit/vibephoto-sub003/internal/refund/domain"
	refundservice "github.com/outsidersgit/vibephoto-sub003/internal/refund/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const reconcileTestSchema = `
CREATE TABLE user_balances (
	user_id INTEGER PRIMARY KEY,
	subscription_used INTEGER NOT NULL DEFAULT 0,
	subscription_limit INTEGER NOT NULL DEFAULT 0,
	subscription_expires_at TIMESTAMP,
	purchased_balance INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE credit_lots (
	id INTEGER PRIMARY KEY,
	user_id INTEGER NOT NULL,
	credit_amount INTEGER NOT NULL,
	bonus_credits INTEGER NOT NULL DEFAULT 0,
	used_credits INTEGER NOT NULL DEFAULT 0,
	source TEXT NOT NULL,
	valid_until TIMESTAMP NOT NULL,
	expired BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE ledger_entries (
	id INTEGER PRIMARY KEY,
	user_id INTEGER NOT NULL,
	entry_type TEXT NOT NULL,
	source TEXT NOT NULL,
	amount INTEGER NOT NULL,
	balance_before INTEGER NOT NULL,
	balance_after INTEGER NOT NULL,
	reference_id INTEGER,
	description TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE jobs (
	id INTEGER PRIMARY KEY,
	user_id INTEGER NOT NULL,
	kind TEXT NOT NULL,
	state TEXT NOT NULL,
	provider TEXT,
	external_job_id TEXT UNIQUE,
	credits_charged INTEGER NOT NULL DEFAULT 0,
	credits_refunded BOOLEAN NOT NULL DEFAULT FALSE,
	refunded_at TIMESTAMP,
	failure_reason TEXT,
	error_message TEXT,
	output_url TEXT,
	needs_review BOOLEAN NOT NULL DEFAULT FALSE,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	terminal_at TIMESTAMP
);
`

// fakeClient scripts one provider's answers.
type fakeClient struct {
	startID   string
	startErr  error
	status    providerdomain.Status
	statusErr error
	lookupID  string
	lookupErr error

	startCalls  int
	lookupCalls int
}

func (f *fakeClient) StartJob(ctx context.Context, params providerdomain.StartJobParams) (string, error) {
	f.startCalls++
	return f.startID, f.startErr
}

func (f *fakeClient) GetStatus(ctx context.Context, externalID string) (providerdomain.Status, error) {
	return f.status, f.statusErr
}

func (f *fakeClient) FindByIdempotencyKey(ctx context.Context, key string) (string, error) {
	f.lookupCalls++
	return f.lookupID, f.lookupErr
}

// brokenRefund simulates the refund path never reaching the database, as
// after a crash between the failed transition's commit and the refund call.
type brokenRefund struct{}

func (brokenRefund) HandleFailure(ctx context.Context, jobID snowflake.ID, errorMessage string) (refunddomain.Result, error) {
	return refunddomain.Result{}, errors.New("refund backend offline")
}

func (brokenRefund) HandleFailureWithRetry(ctx context.Context, jobID snowflake.ID, errorMessage string) (refunddomain.Result, error) {
	return refunddomain.Result{}, errors.New("refund backend offline")
}

type reconcileFixture struct {
	db        *gorm.DB
	svc       *Service
	creditSvc creditdomain.Service
	jobs      jobdomain.Repository
	jobSvc    jobdomain.Service
	kling     *fakeClient
	replicate *fakeClient
	genID     *snowflake.Node
	clk       *clock.FakeClock
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Exec(reconcileTestSchema).Error)

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	cfg := config.Config{
		Providers: config.ProvidersConfig{Fallback: "replicate"},
		Reconcile: config.ReconcileConfig{
			PollInterval:      10 * time.Millisecond,
			PollInitialDelay:  time.Millisecond,
			PollRetryDelay:    time.Millisecond,
			ProcessingCeiling: 30 * time.Minute,
			ExpireSweepEvery:  time.Hour,
		},
		GrantValidity: 365 * 24 * time.Hour,
	}

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node})
	creditSvc := creditservice.NewService(creditservice.Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		Balances:  balancerepo.Provide(),
		LedgerSvc: ledgerSvc,
		Cfg:       cfg,
	})

	jobs := jobrepo.Provide()
	jobSvc := jobservice.NewService(jobservice.Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		Jobs:      jobs,
		LedgerSvc: ledgerSvc,
		Cfg:       cfg,
	})

	refundSvc := refundservice.NewService(refundservice.Params{
		DB:        db,
		Log:       log,
		Clock:     clk,
		Jobs:      jobs,
		CreditSvc: creditSvc,
	})

	kling := &fakeClient{}
	replicate := &fakeClient{}
	registry := adapters.NewRegistry()
	registry.Register(providerdomain.ProviderKling, kling)
	registry.Register(providerdomain.ProviderReplicate, replicate)

	svc := New(Params{
		DB:        db,
		Log:       log,
		Clock:     clk,
		Cfg:       cfg,
		Jobs:      jobs,
		JobSvc:    jobSvc,
		RefundSvc: refundSvc,
		Registry:  registry,
	})

	return &reconcileFixture{
		db:        db,
		svc:       svc,
		creditSvc: creditSvc,
		jobs:      jobs,
		jobSvc:    jobSvc,
		kling:     kling,
		replicate: replicate,
		genID:     node,
		clk:       clk,
	}
}

func (f *reconcileFixture) insertUser(t *testing.T) snowflake.ID {
	t.Helper()
	userID := f.genID.Generate()
	now := f.clk.Now()
	require.NoError(t, f.db.Exec(
		`INSERT INTO user_balances (user_id, subscription_used, subscription_limit,
		 subscription_expires_at, purchased_balance, created_at, updated_at)
		 VALUES (?, 0, 0, NULL, 0, ?, ?)`,
		userID, now, now,
	).Error)
	return userID
}

func (f *reconcileFixture) insertJob(t *testing.T, userID snowflake.ID, state jobdomain.JobState, charged int64, externalID string) *jobdomain.Job {
	t.Helper()
	job := &jobdomain.Job{
		ID:             f.genID.Generate(),
		UserID:         userID,
		Kind:           jobdomain.JobKindGeneration,
		State:          state,
		Provider:       providerdomain.ProviderReplicate,
		CreditsCharged: charged,
		CreatedAt:      f.clk.Now(),
		UpdatedAt:      f.clk.Now(),
	}
	if externalID != "" {
		job.ExternalJobID = &externalID
	}
	require.NoError(t, f.jobs.Insert(context.Background(), f.db, job))
	return job
}

func TestApplyStatus_CompletedIsTerminal(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	userID := f.insertUser(t)
	job := f.insertJob(t, userID, jobdomain.JobStateProcessing, 5, "ext-1")

	result, err := f.svc.ApplyStatus(ctx, job.ID, StatusUpdate{
		State:     jobdomain.JobStateCompleted,
		OutputURL: "https://cdn.example.com/out.png",
	}, PathWebhook)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, jobdomain.JobStateCompleted, result.State)

	stored, err := f.jobs.Get(ctx, f.db, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.JobStateCompleted, stored.State)
	require.NotNil(t, stored.OutputURL)
	assert.Equal(t, "https://cdn.example.com/out.png", *stored.OutputURL)
	assert.NotNil(t, stored.TerminalAt)

	// A late FAILED from the other path must not undo completion or refund.
	late, err := f.svc.ApplyStatus(ctx, job.ID, StatusUpdate{
		State:        jobdomain.JobStateFailed,
		ErrorMessage: "timed out",
	}, PathPoll)
	require.NoError(t, err)
	assert.False(t, late.Applied)
	assert.Equal(t, jobdomain.JobStateCompleted, late.State)

	balance, err := f.creditSvc.GetAvailableBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Total)
}

func TestApplyStatus_FailedTriggersSingleRefund(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	userID := f.insertUser(t)
	job := f.insertJob(t, userID, jobdomain.JobStateProcessing, 5, "ext-2")

	update := StatusUpdate{State: jobdomain.JobStateFailed, ErrorMessage: "NSFW content detected"}

	first, err := f.svc.ApplyStatus(ctx, job.ID, update, PathWebhook)
	require.NoError(t, err)
	assert.True(t, first.Applied)

	// The racing poll path delivers the same terminal state again.
	second, err := f.svc.ApplyStatus(ctx, job.ID, update, PathPoll)
	require.NoError(t, err)
	assert.False(t, second.Applied)

	balance, err := f.creditSvc.GetAvailableBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance.Total)

	stored, err := f.jobs.Get(ctx, f.db, job.ID)
	require.NoError(t, err)
	assert.True(t, stored.CreditsRefunded)
	require.NotNil(t, stored.FailureReason)
	assert.Equal(t, "SAFETY_BLOCKED", *stored.FailureReason)
	// The settled refund discharged the pending marker.
	assert.False(t, stored.NeedsReview)
}

func TestApplyStatus_FailedLeavesMarkerWhenRefundCannotRun(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	userID := f.insertUser(t)
	job := f.insertJob(t, userID, jobdomain.JobStateProcessing, 5, "ext-11")

	settle := f.svc.refundSvc
	f.svc.refundSvc = brokenRefund{}

	result, err := f.svc.ApplyStatus(ctx, job.ID, StatusUpdate{
		State:        jobdomain.JobStateFailed,
		ErrorMessage: "internal error",
	}, PathWebhook)
	require.NoError(t, err)
	assert.True(t, result.Applied)

	// The failed transition committed with the refund still owed. The same
	// transaction must have flagged the job, so the owed refund is visible
	// even though nothing will re-deliver the terminal state.
	stored, err := f.jobs.Get(ctx, f.db, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.JobStateFailed, stored.State)
	assert.False(t, stored.CreditsRefunded)
	assert.True(t, stored.NeedsReview)

	balance, err := f.creditSvc.GetAvailableBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Total)

	// A duplicate delivery is absorbed at the terminal guard and does not
	// clear the marker.
	dup, err := f.svc.ApplyStatus(ctx, job.ID, StatusUpdate{
		State:        jobdomain.JobStateFailed,
		ErrorMessage: "internal error",
	}, PathPoll)
	require.NoError(t, err)
	assert.False(t, dup.Applied)

	stored, err = f.jobs.Get(ctx, f.db, job.ID)
	require.NoError(t, err)
	assert.True(t, stored.NeedsReview)

	// Settling the owed refund clears the marker in the same transaction.
	f.svc.refundSvc = settle
	res, err := settle.HandleFailure(ctx, job.ID, "internal error")
	require.NoError(t, err)
	assert.True(t, res.Refunded)

	stored, err = f.jobs.Get(ctx, f.db, job.ID)
	require.NoError(t, err)
	assert.True(t, stored.CreditsRefunded)
	assert.False(t, stored.NeedsReview)

	balance, err = f.creditSvc.GetAvailableBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance.Total)
}

func TestApplyStatus_ProcessingFromQueued(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	userID := f.insertUser(t)
	job := f.insertJob(t, userID, jobdomain.JobStateQueued, 5, "")

	result, err := f.svc.ApplyStatus(ctx, job.ID, StatusUpdate{State: jobdomain.JobStateProcessing}, PathPoll)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, jobdomain.JobStateProcessing, result.State)

	// Repeating PROCESSING is a no-op, not an error.
	again, err := f.svc.ApplyStatus(ctx, job.ID, StatusUpdate{State: jobdomain.JobStateProcessing}, PathPoll)
	require.NoError(t, err)
	assert.False(t, again.Applied)
}

func TestHandleWebhook(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	userID := f.insertUser(t)
	f.insertJob(t, userID, jobdomain.JobStateProcessing, 5, "task-123")

	t.Run("unknown external id", func(t *testing.T) {
		_, err := f.svc.HandleWebhook(ctx, "no-such-task", "succeed", "")
		require.ErrorIs(t, err, jobdomain.ErrJobNotFound)
	})

	t.Run("empty external id", func(t *testing.T) {
		_, err := f.svc.HandleWebhook(ctx, "  ", "succeed", "")
		require.ErrorIs(t, err, jobdomain.ErrInvalidExternal)
	})

	t.Run("provider status name maps to terminal state", func(t *testing.T) {
		result, err := f.svc.HandleWebhook(ctx, "task-123", "succeed", "")
		require.NoError(t, err)
		assert.True(t, result.Applied)
		assert.Equal(t, jobdomain.JobStateCompleted, result.State)
	})

	t.Run("duplicate delivery", func(t *testing.T) {
		result, err := f.svc.HandleWebhook(ctx, "task-123", "succeed", "")
		require.NoError(t, err)
		assert.False(t, result.Applied)
	})
}

func TestPollOnce_AppliesProviderStatus(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	userID := f.insertUser(t)
	job := f.insertJob(t, userID, jobdomain.JobStateProcessing, 5, "ext-3")

	f.replicate.status = providerdomain.Status{
		State:     providerdomain.StatusSucceeded,
		OutputURL: "https://cdn.example.com/answer.png",
	}

	err := f.svc.pollOnce(ctx, job.ID)
	require.ErrorIs(t, err, errPollDone)

	stored, err := f.jobs.Get(ctx, f.db, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.JobStateCompleted, stored.State)
	require.NotNil(t, stored.OutputURL)
	assert.Equal(t, "https://cdn.example.com/answer.png", *stored.OutputURL)
}

func TestPollOnce_ForceFailsPastProcessingCeiling(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	userID := f.insertUser(t)
	job := f.insertJob(t, userID, jobdomain.JobStateProcessing, 5, "ext-4")

	// Provider keeps reporting running while the job ages past the ceiling.
	f.replicate.status = providerdomain.Status{State: providerdomain.StatusRunning}
	f.clk.Advance(31 * time.Minute)

	err := f.svc.pollOnce(ctx, job.ID)
	require.ErrorIs(t, err, errPollDone)

	stored, err := f.jobs.Get(ctx, f.db, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.JobStateFailed, stored.State)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "timed out")
	require.NotNil(t, stored.FailureReason)
	assert.Equal(t, "TIMEOUT_ERROR", *stored.FailureReason)
	assert.True(t, stored.CreditsRefunded)
}

func TestPollOnce_TransientProviderError(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	userID := f.insertUser(t)
	job := f.insertJob(t, userID, jobdomain.JobStateProcessing, 5, "ext-5")

	f.replicate.statusErr = providerdomain.ErrProviderUnavailable

	err := f.svc.pollOnce(ctx, job.ID)
	require.ErrorIs(t, err, providerdomain.ErrProviderUnavailable)

	// The job stays in flight for the next tick.
	stored, err := f.jobs.Get(ctx, f.db, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.JobStateProcessing, stored.State)
}

func TestPollOnce_TerminalJobStopsLoop(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	userID := f.insertUser(t)
	job := f.insertJob(t, userID, jobdomain.JobStateCompleted, 5, "ext-6")

	err := f.svc.pollOnce(ctx, job.ID)
	require.ErrorIs(t, err, errPollDone)
}

func TestLaunch_RecoversViaIdempotencyLookup(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	userID := f.insertUser(t)
	job := f.insertJob(t, userID, jobdomain.JobStateQueued, 5, "")

	f.kling.startErr = providerdomain.ErrProviderUnavailable
	f.kling.lookupID = "123456789012345"
	f.kling.status = providerdomain.Status{State: providerdomain.StatusSucceeded}

	launched, err := f.svc.Launch(ctx, job, providerdomain.ProviderKling, "a red fox")
	require.NoError(t, err)
	require.NotNil(t, launched.ExternalJobID)
	assert.Equal(t, "123456789012345", *launched.ExternalJobID)
	assert.Equal(t, jobdomain.JobStateProcessing, launched.State)
	assert.Equal(t, providerdomain.ProviderKling, launched.Provider)
	assert.Equal(t, 1, f.kling.lookupCalls)
}

func TestLaunch_FailsJobWhenLookupUnsupported(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	userID := f.insertUser(t)
	job := f.insertJob(t, userID, jobdomain.JobStateQueued, 5, "")

	f.replicate.startErr = providerdomain.ErrProviderUnavailable
	f.replicate.lookupErr = providerdomain.ErrLookupNotSupported

	_, err := f.svc.Launch(ctx, job, providerdomain.ProviderReplicate, "a red fox")
	require.Error(t, err)

	stored, jerr := f.jobs.Get(ctx, f.db, job.ID)
	require.NoError(t, jerr)
	assert.Equal(t, jobdomain.JobStateFailed, stored.State)
	assert.True(t, stored.CreditsRefunded)

	balance, berr := f.creditSvc.GetAvailableBalance(ctx, userID)
	require.NoError(t, berr)
	assert.Equal(t, int64(5), balance.Total)
}

func TestLaunch_HybridResolvesOriginFromIDShape(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	userID := f.insertUser(t)
	job := f.insertJob(t, userID, jobdomain.JobStateQueued, 5, "")

	// The multiplexing layer delegated to kling; the long numeric id gives
	// the true origin away even though the declared provider is hybrid.
	f.replicate.startID = "758392047583920475"
	f.kling.status = providerdomain.Status{State: providerdomain.StatusSucceeded}

	launched, err := f.svc.Launch(ctx, job, providerdomain.ProviderHybrid, "a red fox")
	require.NoError(t, err)
	assert.Equal(t, providerdomain.ProviderKling, launched.Provider)
}

func TestMapWireState(t *testing.T) {
	tests := []struct {
		in   string
		want jobdomain.JobState
	}{
		{"succeed", jobdomain.JobStateCompleted},
		{"SUCCEEDED", jobdomain.JobStateCompleted},
		{"completed", jobdomain.JobStateCompleted},
		{"failed", jobdomain.JobStateFailed},
		{"canceled", jobdomain.JobStateFailed},
		{"processing", jobdomain.JobStateProcessing},
		{"submitted", jobdomain.JobStateProcessing},
		{"", jobdomain.JobStateProcessing},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, mapWireState(tc.in), tc.in)
	}
}

func TestResumeProcessing(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	userID := f.insertUser(t)
	f.insertJob(t, userID, jobdomain.JobStateProcessing, 5, "ext-7")
	f.insertJob(t, userID, jobdomain.JobStateCompleted, 5, "ext-8")

	f.svc.mu.Lock()
	f.svc.baseCtx, f.svc.cancel = context.WithCancel(context.Background())
	f.svc.mu.Unlock()
	defer f.svc.cancel()

	require.NoError(t, f.svc.ResumeProcessing(ctx))
	f.svc.cancel()
	f.svc.wg.Wait()
}
