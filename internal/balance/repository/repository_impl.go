package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/outsidersgit/vibephoto-sub003/internal/balance/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() balancedomain.Repository {
	return &repo{}
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*balancedomain.UserBalance, error) {
	var row balancedomain.UserBalance
	err := db.WithContext(ctx).Raw(
		`SELECT user_id, subscription_used, subscription_limit, subscription_expires_at,
		        purchased_balance, created_at, updated_at
		 FROM user_balances
		 WHERE user_id = ?`,
		userID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.UserID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) GetForUpdate(ctx context.Context, tx *gorm.DB, userID snowflake.ID) (*balancedomain.UserBalance, error) {
	query := `SELECT user_id, subscription_used, subscription_limit, subscription_expires_at,
	                 purchased_balance, created_at, updated_at
	          FROM user_balances
	          WHERE user_id = ?`
	if tx.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}

	var row balancedomain.UserBalance
	if err := tx.WithContext(ctx).Raw(query, userID).Scan(&row).Error; err != nil {
		return nil, err
	}
	if row.UserID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) UpdateCounters(ctx context.Context, tx *gorm.DB, balance *balancedomain.UserBalance) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE user_balances
		 SET subscription_used = ?, purchased_balance = ?, updated_at = ?
		 WHERE user_id = ?`,
		balance.SubscriptionUsed,
		balance.PurchasedBalance,
		time.Now().UTC(),
		balance.UserID,
	).Error
}

const activeLotsQuery = `SELECT id, user_id, credit_amount, bonus_credits, used_credits, source,
	       valid_until, expired, created_at, updated_at
	FROM credit_lots
	WHERE user_id = ?
	  AND expired = ?
	  AND valid_until > ?
	  AND credit_amount + bonus_credits - used_credits > 0
	ORDER BY valid_until ASC, id ASC`

func (r *repo) ActiveLots(ctx context.Context, db *gorm.DB, userID snowflake.ID, now time.Time) ([]balancedomain.CreditLot, error) {
	var lots []balancedomain.CreditLot
	if err := db.WithContext(ctx).Raw(activeLotsQuery, userID, false, now.UTC()).Scan(&lots).Error; err != nil {
		return nil, err
	}
	return lots, nil
}

func (r *repo) ActiveLotsForUpdate(ctx context.Context, tx *gorm.DB, userID snowflake.ID, now time.Time) ([]balancedomain.CreditLot, error) {
	query := activeLotsQuery
	if tx.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}

	var lots []balancedomain.CreditLot
	if err := tx.WithContext(ctx).Raw(query, userID, false, now.UTC()).Scan(&lots).Error; err != nil {
		return nil, err
	}
	return lots, nil
}

func (r *repo) InsertLot(ctx context.Context, tx *gorm.DB, lot *balancedomain.CreditLot) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO credit_lots (
			id, user_id, credit_amount, bonus_credits, used_credits, source,
			valid_until, expired, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lot.ID,
		lot.UserID,
		lot.CreditAmount,
		lot.BonusCredits,
		lot.UsedCredits,
		lot.Source,
		lot.ValidUntil.UTC(),
		lot.Expired,
		lot.CreatedAt,
		lot.UpdatedAt,
	).Error
}

func (r *repo) UpdateLotUsed(ctx context.Context, tx *gorm.DB, lotID snowflake.ID, usedCredits int64, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE credit_lots SET used_credits = ?, updated_at = ? WHERE id = ?`,
		usedCredits,
		now.UTC(),
		lotID,
	).Error
}

func (r *repo) LapsedLotsForUpdate(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]balancedomain.CreditLot, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, user_id, credit_amount, bonus_credits, used_credits, source,
	                 valid_until, expired, created_at, updated_at
	          FROM credit_lots
	          WHERE expired = ?
	            AND valid_until <= ?
	            AND credit_amount + bonus_credits - used_credits > 0
	          ORDER BY valid_until ASC
	          LIMIT ?`
	if tx.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE SKIP LOCKED"
	}

	var lots []balancedomain.CreditLot
	if err := tx.WithContext(ctx).Raw(query, false, now.UTC(), limit).Scan(&lots).Error; err != nil {
		return nil, err
	}
	return lots, nil
}

func (r *repo) MarkLotExpired(ctx context.Context, tx *gorm.DB, lotID snowflake.ID, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE credit_lots SET expired = ?, updated_at = ? WHERE id = ?`,
		true,
		now.UTC(),
		lotID,
	).Error
}
