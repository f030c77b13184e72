// Package domain defines the credit accountant boundary. All balance
// mutations in the system funnel through this service.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/outsidersgit/vibephoto-sub003/internal/ledger/domain"
	"gorm.io/gorm"
)

// Balance is the point-in-time available-credits view, expiry already applied.
type Balance struct {
	SubscriptionAvailable int64 `json:"subscription_available"`
	PurchasedAvailable    int64 `json:"purchased_available"`
	Total                 int64 `json:"total"`
}

// AffordReason explains a negative affordability answer for user messaging.
type AffordReason string

const (
	AffordReasonPlanExpired  AffordReason = "plan_expired"
	AffordReasonInsufficient AffordReason = "insufficient_balance"
)

// Affordability is the read-only answer to "can this user spend amount now".
type Affordability struct {
	OK     bool         `json:"ok"`
	Reason AffordReason `json:"reason,omitempty"`
}

type DebitRequest struct {
	UserID      snowflake.ID
	Amount      int64
	Description string
	ReferenceID *snowflake.ID
}

type DebitResult struct {
	NewBalance Balance
}

type CreditRequest struct {
	UserID      snowflake.ID
	Amount      int64
	Description string
	ReferenceID *snowflake.ID
	Source      ledgerdomain.EntrySource
}

type CreditResult struct {
	LotID      snowflake.ID
	NewBalance Balance
}

// ExpireResult summarizes one expiration sweep pass.
type ExpireResult struct {
	LotsExpired    int
	CreditsExpired int64
}

var (
	ErrUserNotFound        = errors.New("user_not_found")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidSource       = errors.New("invalid_source")
)

type Service interface {
	// GetAvailableBalance is a pure read; expired allowance and lapsed lots
	// contribute zero.
	GetAvailableBalance(ctx context.Context, userID snowflake.ID) (Balance, error)

	// CanAfford is read-only; the reason distinguishes an expired plan from
	// plain insufficient credits.
	CanAfford(ctx context.Context, userID snowflake.ID, amount int64) (Affordability, error)

	// Debit spends subscription allowance first, spilling the remainder into
	// purchased lots nearest expiry first. Affordability is re-checked under
	// the row lock; the debit fails atomically when it no longer holds.
	Debit(ctx context.Context, req DebitRequest) (DebitResult, error)

	// Credit deposits into the purchased bucket as a fresh lot. Refunds never
	// restore subscription allowance.
	Credit(ctx context.Context, req CreditRequest) (CreditResult, error)

	// CreditTx is Credit running inside the caller's transaction, for callers
	// that must pair the deposit with their own writes.
	CreditTx(ctx context.Context, tx *gorm.DB, req CreditRequest) (CreditResult, error)

	// ExpireLapsedLots reclaims credits from lots past valid_until, writing
	// one EXPIRED ledger entry per lot.
	ExpireLapsedLots(ctx context.Context, now time.Time, limit int) (ExpireResult, error)
}
