// Package domain contains the append-only credit ledger model.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// EntryType classifies the direction of a ledger entry.
type EntryType string

const (
	EntryTypeEarned   EntryType = "EARNED"
	EntryTypeSpent    EntryType = "SPENT"
	EntryTypeRefunded EntryType = "REFUNDED"
	EntryTypeExpired  EntryType = "EXPIRED"
)

// EntrySource records which bucket or workflow produced the entry.
type EntrySource string

const (
	SourceSubscription EntrySource = "SUBSCRIPTION"
	SourcePurchase     EntrySource = "PURCHASE"
	SourceBonus        EntrySource = "BONUS"
	SourceGeneration   EntrySource = "GENERATION"
	SourceTraining     EntrySource = "TRAINING"
	SourceRefund       EntrySource = "REFUND"
	SourceExpiration   EntrySource = "EXPIRATION"
)

// LedgerEntry is immutable once written. Replaying a user's entries in
// creation order must reproduce the live balance exactly.
type LedgerEntry struct {
	ID            snowflake.ID  `gorm:"primaryKey"`
	UserID        snowflake.ID  `gorm:"not null;index"`
	EntryType     EntryType     `gorm:"type:text;not null;column:entry_type"`
	Source        EntrySource   `gorm:"type:text;not null"`
	Amount        int64         `gorm:"not null"`
	BalanceBefore int64         `gorm:"not null"`
	BalanceAfter  int64         `gorm:"not null"`
	ReferenceID   *snowflake.ID `gorm:"index"`
	Description   string        `gorm:"type:text"`
	CreatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }

var (
	ErrInvalidUser      = errors.New("invalid_user")
	ErrInvalidEntryType = errors.New("invalid_entry_type")
	ErrInvalidSource    = errors.New("invalid_source")
	ErrZeroAmount       = errors.New("zero_amount")
	ErrUnbalancedEntry  = errors.New("unbalanced_entry")
	ErrReplayMismatch   = errors.New("replay_mismatch")
)

// Validate checks an entry's internal arithmetic before it is written.
func (e LedgerEntry) Validate() error {
	if e.UserID == 0 {
		return ErrInvalidUser
	}
	switch e.EntryType {
	case EntryTypeEarned, EntryTypeSpent, EntryTypeRefunded, EntryTypeExpired:
	default:
		return ErrInvalidEntryType
	}
	switch e.Source {
	case SourceSubscription, SourcePurchase, SourceBonus, SourceGeneration,
		SourceTraining, SourceRefund, SourceExpiration:
	default:
		return ErrInvalidSource
	}
	if e.Amount == 0 {
		return ErrZeroAmount
	}
	if e.BalanceBefore+e.Amount != e.BalanceAfter {
		return ErrUnbalancedEntry
	}
	return nil
}

// Replay folds entries in creation order and returns the final balance. The
// chain must be contiguous: each entry starts where the previous one ended.
func Replay(entries []LedgerEntry) (int64, error) {
	var balance int64
	for i, entry := range entries {
		if i > 0 && entry.BalanceBefore != entries[i-1].BalanceAfter {
			return 0, ErrReplayMismatch
		}
		if entry.BalanceBefore+entry.Amount != entry.BalanceAfter {
			return 0, ErrReplayMismatch
		}
		balance = entry.BalanceAfter
	}
	return balance, nil
}
