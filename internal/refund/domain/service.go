// Package domain defines the refund orchestrator boundary: on terminal
// failure, classify the error and credit the user back exactly once.
package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/outsidersgit/vibephoto-sub003/internal/failure"
)

// Outcome explains why a handleFailure call did or did not refund.
type Outcome string

const (
	OutcomeRefunded        Outcome = "REFUNDED"
	OutcomeAlreadyRefunded Outcome = "ALREADY_REFUNDED"
	OutcomeNotFailed       Outcome = "NOT_FAILED"
	OutcomeNothingCharged  Outcome = "NOTHING_CHARGED"
)

type Result struct {
	Refunded bool            `json:"refunded"`
	Outcome  Outcome         `json:"outcome"`
	Category failure.Reason  `json:"category"`
	Message  string          `json:"message"`
}

type Service interface {
	// HandleFailure classifies the error, persists the classification, and,
	// guarded by the job's refund latch inside a single transaction, credits
	// the user back at most once. Duplicate calls are expected no-ops, not
	// errors.
	HandleFailure(ctx context.Context, jobID snowflake.ID, errorMessage string) (Result, error)

	// HandleFailureWithRetry wraps HandleFailure with bounded exponential
	// backoff. When retries are exhausted the job is flagged for manual
	// reconciliation rather than silently dropped.
	HandleFailureWithRetry(ctx context.Context, jobID snowflake.ID, errorMessage string) (Result, error)
}
