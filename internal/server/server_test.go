package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
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
	"github.com/outsidersgit/vibephoto-sub003/internal/reconcile"
	refundservice "github.com/outsidersgit/vibephoto-sub003/internal/refund/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const serverTestSchema = `
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

type scriptedClient struct {
	startID  string
	startErr error
	status   providerdomain.Status
}

func (c *scriptedClient) StartJob(ctx context.Context, params providerdomain.StartJobParams) (string, error) {
	return c.startID, c.startErr
}

func (c *scriptedClient) GetStatus(ctx context.Context, externalID string) (providerdomain.Status, error) {
	return c.status, nil
}

func (c *scriptedClient) FindByIdempotencyKey(ctx context.Context, key string) (string, error) {
	return "", providerdomain.ErrLookupNotSupported
}

type serverFixture struct {
	srv       *Server
	db        *gorm.DB
	genID     *snowflake.Node
	clk       *clock.FakeClock
	creditSvc creditdomain.Service
	replicate *scriptedClient
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Exec(serverTestSchema).Error)

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	cfg := config.Config{
		HTTPAddr:  ":0",
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
		DB: db, Log: log, GenID: node, Clock: clk,
		Balances: balancerepo.Provide(), LedgerSvc: ledgerSvc, Cfg: cfg,
	})
	jobs := jobrepo.Provide()
	jobSvc := jobservice.NewService(jobservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk,
		Jobs: jobs, LedgerSvc: ledgerSvc, Cfg: cfg,
	})
	refundSvc := refundservice.NewService(refundservice.Params{
		DB: db, Log: log, Clock: clk, Jobs: jobs, CreditSvc: creditSvc,
	})

	replicate := &scriptedClient{
		startID: "1b2c3d4e-5f60-4789-9abc-def012345678",
		status:  providerdomain.Status{State: providerdomain.StatusSucceeded},
	}
	registry := adapters.NewRegistry()
	registry.Register(providerdomain.ProviderReplicate, replicate)

	reconcileSvc := reconcile.New(reconcile.Params{
		DB: db, Log: log, Clock: clk, Cfg: cfg,
		Jobs: jobs, JobSvc: jobSvc, RefundSvc: refundSvc, Registry: registry,
	})

	srv := NewServer(ServerParams{
		Gin:       NewEngine(),
		Cfg:       cfg,
		DB:        db,
		Log:       log,
		GenID:     node,
		CreditSvc: creditSvc,
		JobSvc:    jobSvc,
		Reconcile: reconcileSvc,
	})

	return &serverFixture{
		srv: srv, db: db, genID: node, clk: clk,
		creditSvc: creditSvc, replicate: replicate,
	}
}

func (f *serverFixture) insertUser(t *testing.T, limit, used, purchased int64) snowflake.ID {
	t.Helper()
	userID := f.genID.Generate()
	now := f.clk.Now()
	require.NoError(t, f.db.Exec(
		`INSERT INTO user_balances (user_id, subscription_used, subscription_limit,
		 subscription_expires_at, purchased_balance, created_at, updated_at)
		 VALUES (?, ?, ?, NULL, ?, ?, ?)`,
		userID, used, limit, purchased, now, now,
	).Error)
	return userID
}

func (f *serverFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.srv.Engine().ServeHTTP(w, req)
	return w
}

func TestCreateGeneration(t *testing.T) {
	f := newServerFixture(t)
	userID := f.insertUser(t, 100, 0, 0)

	w := f.do(t, http.MethodPost, "/v1/generations", gin.H{
		"user_id": userID.String(),
		"kind":    "generation",
		"prompt":  "a red fox in the snow",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var job jobdomain.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, jobdomain.JobStateProcessing, job.State)
	assert.Equal(t, int64(5), job.CreditsCharged)
	require.NotNil(t, job.ExternalJobID)

	balance, err := f.creditSvc.GetAvailableBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(95), balance.Total)
}

func TestCreateGeneration_InsufficientBalance(t *testing.T) {
	f := newServerFixture(t)
	userID := f.insertUser(t, 100, 98, 0)

	w := f.do(t, http.MethodPost, "/v1/generations", gin.H{
		"user_id": userID.String(),
		"kind":    "generation",
		"prompt":  "a red fox",
	})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient_balance")
}

func TestCreateGeneration_UnknownKind(t *testing.T) {
	f := newServerFixture(t)
	userID := f.insertUser(t, 100, 0, 0)

	w := f.do(t, http.MethodPost, "/v1/generations", gin.H{
		"user_id": userID.String(),
		"kind":    "mining",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProviderWebhookRoundTrip(t *testing.T) {
	f := newServerFixture(t)
	userID := f.insertUser(t, 100, 0, 0)

	w := f.do(t, http.MethodPost, "/v1/generations", gin.H{
		"user_id": userID.String(),
		"kind":    "generation",
		"prompt":  "a red fox",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var job jobdomain.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	require.NotNil(t, job.ExternalJobID)

	hook := f.do(t, http.MethodPost, "/v1/webhooks/replicate", gin.H{
		"id":     *job.ExternalJobID,
		"status": "succeeded",
	})
	require.Equal(t, http.StatusOK, hook.Code)

	// Duplicate delivery reports applied=false and stays 200.
	dup := f.do(t, http.MethodPost, "/v1/webhooks/replicate", gin.H{
		"id":     *job.ExternalJobID,
		"status": "succeeded",
	})
	require.Equal(t, http.StatusOK, dup.Code)
	assert.Contains(t, dup.Body.String(), `"applied":false`)

	unknown := f.do(t, http.MethodPost, "/v1/webhooks/replicate", gin.H{
		"id":     "no-such-task",
		"status": "succeeded",
	})
	assert.Equal(t, http.StatusNotFound, unknown.Code)
}

func TestGetUserBalance(t *testing.T) {
	f := newServerFixture(t)
	userID := f.insertUser(t, 500, 490, 0)

	w := f.do(t, http.MethodGet, "/v1/users/"+userID.String()+"/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var balance creditdomain.Balance
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &balance))
	assert.Equal(t, int64(10), balance.SubscriptionAvailable)

	missing := f.do(t, http.MethodGet, "/v1/users/"+f.genID.Generate().String()+"/balance", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestDepositCredits(t *testing.T) {
	f := newServerFixture(t)
	userID := f.insertUser(t, 0, 0, 0)

	w := f.do(t, http.MethodPost, "/v1/users/"+userID.String()+"/credits", gin.H{
		"amount":      200,
		"source":      "PURCHASE",
		"description": "starter pack",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	balance, err := f.creditSvc.GetAvailableBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), balance.PurchasedAvailable)

	bad := f.do(t, http.MethodPost, "/v1/users/"+userID.String()+"/credits", gin.H{
		"amount": 10,
		"source": "GENERATION",
	})
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestGetJobReport(t *testing.T) {
	f := newServerFixture(t)
	userID := f.insertUser(t, 100, 0, 0)

	created := f.do(t, http.MethodPost, "/v1/generations", gin.H{
		"user_id": userID.String(),
		"kind":    "generation",
		"prompt":  "a red fox",
	})
	require.Equal(t, http.StatusCreated, created.Code)

	var job jobdomain.Job
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &job))

	w := f.do(t, http.MethodGet, "/v1/jobs/"+job.ID.String()+"/report", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var report jobdomain.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, job.ID, report.Job.ID)
	require.NotEmpty(t, report.Entries)
	assert.Equal(t, int64(-5), report.Entries[0].Amount)
}
