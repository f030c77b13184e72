// Package domain contains persistence models for user credit balances.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// UserBalance is the single hot row per user. All mutations go through the
// credit service inside one transaction; no other component writes counters.
type UserBalance struct {
	UserID                snowflake.ID `gorm:"primaryKey;column:user_id"`
	SubscriptionUsed      int64        `gorm:"not null;default:0"`
	SubscriptionLimit     int64        `gorm:"not null;default:0"`
	SubscriptionExpiresAt *time.Time   `gorm:""`
	PurchasedBalance      int64        `gorm:"not null;default:0"`
	CreatedAt             time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt             time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UserBalance) TableName() string { return "user_balances" }

// SubscriptionAvailable returns the unexpired allowance remainder. An expired
// allowance contributes zero regardless of the counters.
func (b UserBalance) SubscriptionAvailable(now time.Time) int64 {
	if b.SubscriptionExpiresAt != nil && !now.Before(*b.SubscriptionExpiresAt) {
		return 0
	}
	remaining := b.SubscriptionLimit - b.SubscriptionUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SubscriptionExpired reports whether the allowance window has passed.
func (b UserBalance) SubscriptionExpired(now time.Time) bool {
	return b.SubscriptionExpiresAt != nil && !now.Before(*b.SubscriptionExpiresAt)
}

// LotSource records how a credit lot came to exist.
type LotSource string

const (
	LotSourcePurchase LotSource = "purchase"
	LotSourceBonus    LotSource = "bonus"
	LotSourceRefund   LotSource = "refund"
)

// CreditLot is one purchased batch of credits with its own expiration date.
// Lots are consumed oldest-expiry-first, never by amount.
type CreditLot struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	UserID       snowflake.ID `gorm:"not null;index:ix_credit_lots_user_valid_until,priority:1"`
	CreditAmount int64        `gorm:"not null"`
	BonusCredits int64        `gorm:"not null;default:0"`
	UsedCredits  int64        `gorm:"not null;default:0"`
	Source       LotSource    `gorm:"type:text;not null"`
	ValidUntil   time.Time    `gorm:"not null;index:ix_credit_lots_user_valid_until,priority:2"`
	Expired      bool         `gorm:"not null;default:false"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditLot) TableName() string { return "credit_lots" }

// Remaining returns the spendable credits left in the lot, zero once
// valid_until has passed.
func (l CreditLot) Remaining(now time.Time) int64 {
	if l.Expired || !now.Before(l.ValidUntil) {
		return 0
	}
	remaining := l.CreditAmount + l.BonusCredits - l.UsedCredits
	if remaining < 0 {
		return 0
	}
	return remaining
}
