// Package domain describes the downstream compute provider boundary. Calls
// across it are unreliable: every failure must be treated as "maybe
// succeeded, maybe not".
package domain

import (
	"context"
	"errors"
)

// Provider identifies a downstream compute backend.
type Provider string

const (
	ProviderKling     Provider = "kling"
	ProviderReplicate Provider = "replicate"
	// ProviderHybrid is the multiplexing layer that silently delegates to one
	// of the concrete providers; it is never a resolved origin.
	ProviderHybrid Provider = "hybrid"
)

// Concrete reports whether p names an actual backend rather than the
// multiplexing layer.
func (p Provider) Concrete() bool {
	return p == ProviderKling || p == ProviderReplicate
}

// StatusState is the provider-side lifecycle of a remote job.
type StatusState string

const (
	StatusPending   StatusState = "pending"
	StatusRunning   StatusState = "running"
	StatusSucceeded StatusState = "succeeded"
	StatusFailed    StatusState = "failed"
)

// Status is one point-in-time answer from a provider's status endpoint.
type Status struct {
	State     StatusState
	OutputURL string
	Error     string
}

// StartJobParams carries everything a provider needs to begin work. The
// idempotency key doubles as the provider-side request title so an
// already-started remote job can be recovered after a network error.
type StartJobParams struct {
	Kind           string
	Prompt         string
	IdempotencyKey string
}

var (
	ErrJobNotFound         = errors.New("provider_job_not_found")
	ErrLookupNotSupported  = errors.New("provider_lookup_not_supported")
	ErrProviderUnavailable = errors.New("provider_unavailable")
	ErrUnknownProvider     = errors.New("unknown_provider")
)

// Client is one concrete provider's API surface.
type Client interface {
	StartJob(ctx context.Context, params StartJobParams) (string, error)
	GetStatus(ctx context.Context, externalID string) (Status, error)
	// FindByIdempotencyKey recovers the external id of a job that may have
	// started despite the initiating call failing. Returns ErrJobNotFound
	// when no such job exists, ErrLookupNotSupported when the provider has
	// no such lookup.
	FindByIdempotencyKey(ctx context.Context, key string) (string, error)
}
