package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository reads and writes balance rows. Methods take the caller's
// transaction handle so locked reads stay inside the caller's transaction.
type Repository interface {
	Get(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*UserBalance, error)
	GetForUpdate(ctx context.Context, tx *gorm.DB, userID snowflake.ID) (*UserBalance, error)
	UpdateCounters(ctx context.Context, tx *gorm.DB, balance *UserBalance) error

	// ActiveLots returns unexpired lots with credits remaining, ordered
	// nearest valid_until first.
	ActiveLots(ctx context.Context, db *gorm.DB, userID snowflake.ID, now time.Time) ([]CreditLot, error)
	// ActiveLotsForUpdate is ActiveLots with the rows locked for the
	// caller's transaction.
	ActiveLotsForUpdate(ctx context.Context, tx *gorm.DB, userID snowflake.ID, now time.Time) ([]CreditLot, error)
	InsertLot(ctx context.Context, tx *gorm.DB, lot *CreditLot) error
	UpdateLotUsed(ctx context.Context, tx *gorm.DB, lotID snowflake.ID, usedCredits int64, now time.Time) error

	// LapsedLotsForUpdate returns lots past valid_until that still carry
	// unreclaimed credits, for the expiration sweep.
	LapsedLotsForUpdate(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]CreditLot, error)
	MarkLotExpired(ctx context.Context, tx *gorm.DB, lotID snowflake.ID, now time.Time) error
}
