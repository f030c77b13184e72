package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	creditdomain "github.com/outsidersgit/vibephoto-sub003/internal/credit/domain"
	jobdomain "github.com/outsidersgit/vibephoto-sub003/internal/job/domain"
	providerdomain "github.com/outsidersgit/vibephoto-sub003/internal/provider/domain"
	"go.uber.org/zap"
)

// jobCosts is the flat per-kind price in credits.
var jobCosts = map[jobdomain.JobKind]int64{
	jobdomain.JobKindGeneration: 5,
	jobdomain.JobKindTraining:   20,
}

type createGenerationRequest struct {
	UserID   string `json:"user_id"`
	Kind     string `json:"kind"`
	Prompt   string `json:"prompt"`
	Provider string `json:"provider"`
}

type affordabilityResponse struct {
	Error  errorPayload             `json:"error"`
	Reason creditdomain.AffordReason `json:"reason"`
}

func (s *Server) CreateGeneration(c *gin.Context) {
	var req createGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	kind := jobdomain.JobKind(strings.ToLower(strings.TrimSpace(req.Kind)))
	if kind == "" {
		kind = jobdomain.JobKindGeneration
	}
	cost, ok := jobCosts[kind]
	if !ok {
		AbortWithError(c, jobdomain.ErrInvalidKind)
		return
	}

	ctx := c.Request.Context()

	afford, err := s.creditSvc.CanAfford(ctx, userID, cost)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !afford.OK {
		c.JSON(http.StatusPaymentRequired, affordabilityResponse{
			Error: errorPayload{
				Type:    "insufficient_balance",
				Message: "not enough credits",
			},
			Reason: afford.Reason,
		})
		return
	}

	job, err := s.jobSvc.Create(ctx, userID, kind, cost)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ref := job.ID
	_, err = s.creditSvc.Debit(ctx, creditdomain.DebitRequest{
		UserID:      userID,
		Amount:      cost,
		Description: "job " + string(kind),
		ReferenceID: &ref,
	})
	if err != nil {
		// The authorization check passed moments ago; a concurrent spend won
		// the race. The job was never charged, so abort it outside the refund
		// path.
		if _, abortErr := s.jobSvc.Abort(ctx, job.ID, "debit failed: "+err.Error()); abortErr != nil {
			s.log.Error("could not abort uncharged job",
				zap.String("job_id", job.ID.String()), zap.Error(abortErr))
		}
		AbortWithError(c, err)
		return
	}

	target := providerdomain.Provider(strings.ToLower(strings.TrimSpace(req.Provider)))
	launched, err := s.reconcile.Launch(ctx, job, target, req.Prompt)
	if err != nil {
		// Launch already failed the job; the refund path returns the charge.
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, launched)
}

func (s *Server) GetJobReport(c *gin.Context) {
	jobID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	report, err := s.jobSvc.Report(c.Request.Context(), jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

type providerWebhookRequest struct {
	ExternalJobID string `json:"external_job_id"`
	TaskID        string `json:"task_id"`
	ID            string `json:"id"`
	Status        string `json:"status"`
	Error         string `json:"error"`
}

func (r providerWebhookRequest) externalID() string {
	for _, id := range []string{r.ExternalJobID, r.TaskID, r.ID} {
		if strings.TrimSpace(id) != "" {
			return strings.TrimSpace(id)
		}
	}
	return ""
}

// HandleProviderWebhook is the push half of reconciliation. Deliveries are
// unauthenticated at this layer, unordered, and may duplicate what the poll
// loop already applied; all of that is absorbed downstream.
func (s *Server) HandleProviderWebhook(c *gin.Context) {
	var req providerWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.reconcile.HandleWebhook(c.Request.Context(), req.externalID(), req.Status, req.Error)
	if err != nil {
		if errors.Is(err, jobdomain.ErrJobNotFound) {
			s.log.Warn("webhook for unknown external id",
				zap.String("provider", c.Param("provider")),
				zap.String("external_id", req.externalID()),
			)
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"applied": result.Applied,
		"state":   result.State,
	})
}
