package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/outsidersgit/vibephoto-sub003/internal/ledger/domain"
	providerdomain "github.com/outsidersgit/vibephoto-sub003/internal/provider/domain"
)

var (
	ErrJobNotFound     = errors.New("job_not_found")
	ErrInvalidKind     = errors.New("invalid_job_kind")
	ErrInvalidExternal = errors.New("invalid_external_id")
)

// Report is the point-in-time diagnostic view of one job: current state, the
// ledger entries it produced, and its refund status. Read-only.
type Report struct {
	Job     Job                        `json:"job"`
	Entries []ledgerdomain.LedgerEntry `json:"entries"`
}

type Service interface {
	// Create records a new job in QUEUED at authorization time.
	Create(ctx context.Context, userID snowflake.ID, kind JobKind, creditsCharged int64) (*Job, error)

	// AttachExternalID moves QUEUED to PROCESSING once the downstream call
	// returned an id, resolving the true origin from the id's shape when the
	// declared provider is the multiplexing layer. A terminal job is left
	// untouched and the attempt logged.
	AttachExternalID(ctx context.Context, jobID snowflake.ID, externalID string, declared providerdomain.Provider) (*Job, error)

	// Abort fails a job before any credits were charged, typically when the
	// debit lost a race after authorization. Zeroes creditsCharged so the
	// refund path never fires for it.
	Abort(ctx context.Context, jobID snowflake.ID, reason string) (*Job, error)

	Get(ctx context.Context, jobID snowflake.ID) (*Job, error)

	// Report assembles the diagnostic read model for troubleshooting.
	Report(ctx context.Context, jobID snowflake.ID) (Report, error)
}
