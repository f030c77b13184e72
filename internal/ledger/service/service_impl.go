package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/outsidersgit/vibephoto-sub003/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
	}
}

func (s *Service) AppendTx(ctx context.Context, tx *gorm.DB, entry *ledgerdomain.LedgerEntry) error {
	if entry.ID == 0 {
		entry.ID = s.genID.Generate()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := entry.Validate(); err != nil {
		return err
	}

	return tx.WithContext(ctx).Exec(
		`INSERT INTO ledger_entries (
			id, user_id, entry_type, source, amount,
			balance_before, balance_after, reference_id, description, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.UserID,
		entry.EntryType,
		entry.Source,
		entry.Amount,
		entry.BalanceBefore,
		entry.BalanceAfter,
		entry.ReferenceID,
		entry.Description,
		entry.CreatedAt,
	).Error
}

func (s *Service) List(ctx context.Context, userID snowflake.ID) ([]ledgerdomain.LedgerEntry, error) {
	if userID == 0 {
		return nil, ledgerdomain.ErrInvalidUser
	}

	var entries []ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, user_id, entry_type, source, amount,
		        balance_before, balance_after, reference_id, description, created_at
		 FROM ledger_entries
		 WHERE user_id = ?
		 ORDER BY created_at ASC, id ASC`,
		userID,
	).Scan(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Service) ListByReference(ctx context.Context, referenceID snowflake.ID) ([]ledgerdomain.LedgerEntry, error) {
	var entries []ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, user_id, entry_type, source, amount,
		        balance_before, balance_after, reference_id, description, created_at
		 FROM ledger_entries
		 WHERE reference_id = ?
		 ORDER BY created_at ASC, id ASC`,
		referenceID,
	).Scan(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
