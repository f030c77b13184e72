package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/outsidersgit/vibephoto-sub003/internal/balance/domain"
	"github.com/outsidersgit/vibephoto-sub003/internal/clock"
	"github.com/outsidersgit/vibephoto-sub003/internal/config"
	creditdomain "github.com/outsidersgit/vibephoto-sub003/internal/credit/domain"
	ledgerdomain "github.com/outsidersgit/vibephoto-sub003/internal/ledger/domain"
	obsmetrics "github.com/outsidersgit/vibephoto-sub003/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Balances   balancedomain.Repository
	LedgerSvc  ledgerdomain.Service
	Cfg        config.Config
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	balances      balancedomain.Repository
	ledgerSvc     ledgerdomain.Service
	grantValidity time.Duration
	obsMetrics    *obsmetrics.Metrics
}

func NewService(p Params) creditdomain.Service {
	validity := p.Cfg.GrantValidity
	if validity <= 0 {
		validity = 365 * 24 * time.Hour
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("credit.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		balances:      p.Balances,
		ledgerSvc:     p.LedgerSvc,
		grantValidity: validity,
		obsMetrics:    p.ObsMetrics,
	}
}

func (s *Service) GetAvailableBalance(ctx context.Context, userID snowflake.ID) (creditdomain.Balance, error) {
	if userID == 0 {
		return creditdomain.Balance{}, creditdomain.ErrUserNotFound
	}

	bal, err := s.balances.Get(ctx, s.db, userID)
	if err != nil {
		return creditdomain.Balance{}, err
	}
	if bal == nil {
		return creditdomain.Balance{}, creditdomain.ErrUserNotFound
	}

	now := s.clock.Now()
	lots, err := s.balances.ActiveLots(ctx, s.db, userID, now)
	if err != nil {
		return creditdomain.Balance{}, err
	}

	return available(*bal, lots, now), nil
}

func (s *Service) CanAfford(ctx context.Context, userID snowflake.ID, amount int64) (creditdomain.Affordability, error) {
	if amount <= 0 {
		return creditdomain.Affordability{}, creditdomain.ErrInvalidAmount
	}

	bal, err := s.balances.Get(ctx, s.db, userID)
	if err != nil {
		return creditdomain.Affordability{}, err
	}
	if bal == nil {
		return creditdomain.Affordability{}, creditdomain.ErrUserNotFound
	}

	now := s.clock.Now()
	lots, err := s.balances.ActiveLots(ctx, s.db, userID, now)
	if err != nil {
		return creditdomain.Affordability{}, err
	}

	return affordability(*bal, lots, now, amount), nil
}

func (s *Service) Debit(ctx context.Context, req creditdomain.DebitRequest) (creditdomain.DebitResult, error) {
	if req.Amount <= 0 {
		return creditdomain.DebitResult{}, creditdomain.ErrInvalidAmount
	}
	if req.UserID == 0 {
		return creditdomain.DebitResult{}, creditdomain.ErrUserNotFound
	}

	var result creditdomain.DebitResult
	var sourcesTouched []ledgerdomain.EntrySource

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := s.balances.GetForUpdate(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		if bal == nil {
			return creditdomain.ErrUserNotFound
		}

		now := s.clock.Now()
		lots, err := s.balances.ActiveLotsForUpdate(ctx, tx, req.UserID, now)
		if err != nil {
			return err
		}

		// Affordability is re-checked here, under the lock, to close the
		// race with concurrent debits for the same user.
		afford := affordability(*bal, lots, now, req.Amount)
		if !afford.OK {
			return fmt.Errorf("%w: %s", creditdomain.ErrInsufficientBalance, afford.Reason)
		}

		fromSubscription := bal.SubscriptionAvailable(now)
		if fromSubscription > req.Amount {
			fromSubscription = req.Amount
		}
		fromPurchased := req.Amount - fromSubscription

		running := bal.SubscriptionAvailable(now) + bal.PurchasedBalance

		if fromSubscription > 0 {
			entry := &ledgerdomain.LedgerEntry{
				UserID:        req.UserID,
				EntryType:     ledgerdomain.EntryTypeSpent,
				Source:        ledgerdomain.SourceSubscription,
				Amount:        -fromSubscription,
				BalanceBefore: running,
				BalanceAfter:  running - fromSubscription,
				ReferenceID:   req.ReferenceID,
				Description:   req.Description,
				CreatedAt:     now,
			}
			if err := s.ledgerSvc.AppendTx(ctx, tx, entry); err != nil {
				return err
			}
			running -= fromSubscription
			bal.SubscriptionUsed += fromSubscription
			sourcesTouched = append(sourcesTouched, ledgerdomain.SourceSubscription)
		}

		if fromPurchased > 0 {
			// Lots drain nearest expiry first.
			remainder := fromPurchased
			for _, lot := range lots {
				if remainder == 0 {
					break
				}
				take := lot.Remaining(now)
				if take > remainder {
					take = remainder
				}
				if take == 0 {
					continue
				}
				if err := s.balances.UpdateLotUsed(ctx, tx, lot.ID, lot.UsedCredits+take, now); err != nil {
					return err
				}
				remainder -= take
			}
			if remainder > 0 {
				return fmt.Errorf("%w: %s", creditdomain.ErrInsufficientBalance, creditdomain.AffordReasonInsufficient)
			}

			entry := &ledgerdomain.LedgerEntry{
				UserID:        req.UserID,
				EntryType:     ledgerdomain.EntryTypeSpent,
				Source:        ledgerdomain.SourcePurchase,
				Amount:        -fromPurchased,
				BalanceBefore: running,
				BalanceAfter:  running - fromPurchased,
				ReferenceID:   req.ReferenceID,
				Description:   req.Description,
				CreatedAt:     now,
			}
			if err := s.ledgerSvc.AppendTx(ctx, tx, entry); err != nil {
				return err
			}
			running -= fromPurchased
			bal.PurchasedBalance -= fromPurchased
			sourcesTouched = append(sourcesTouched, ledgerdomain.SourcePurchase)
		}

		if err := s.balances.UpdateCounters(ctx, tx, bal); err != nil {
			return err
		}

		result = creditdomain.DebitResult{
			NewBalance: creditdomain.Balance{
				SubscriptionAvailable: bal.SubscriptionAvailable(now),
				PurchasedAvailable:    bal.PurchasedBalance,
				Total:                 bal.SubscriptionAvailable(now) + bal.PurchasedBalance,
			},
		}
		return nil
	})
	if err != nil {
		return creditdomain.DebitResult{}, err
	}

	for _, source := range sourcesTouched {
		s.obsMetrics.RecordDebit(ctx, string(source))
	}
	return result, nil
}

func (s *Service) Credit(ctx context.Context, req creditdomain.CreditRequest) (creditdomain.CreditResult, error) {
	var result creditdomain.CreditResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.CreditTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return creditdomain.CreditResult{}, err
	}
	return result, nil
}

func (s *Service) CreditTx(ctx context.Context, tx *gorm.DB, req creditdomain.CreditRequest) (creditdomain.CreditResult, error) {
	if req.Amount <= 0 {
		return creditdomain.CreditResult{}, creditdomain.ErrInvalidAmount
	}
	if req.UserID == 0 {
		return creditdomain.CreditResult{}, creditdomain.ErrUserNotFound
	}

	lotSource, entryType, err := classifyDeposit(req.Source)
	if err != nil {
		return creditdomain.CreditResult{}, err
	}

	bal, err := s.balances.GetForUpdate(ctx, tx, req.UserID)
	if err != nil {
		return creditdomain.CreditResult{}, err
	}
	if bal == nil {
		return creditdomain.CreditResult{}, creditdomain.ErrUserNotFound
	}

	now := s.clock.Now()
	lot := &balancedomain.CreditLot{
		ID:           s.genID.Generate(),
		UserID:       req.UserID,
		CreditAmount: req.Amount,
		Source:       lotSource,
		ValidUntil:   now.Add(s.grantValidity),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.balances.InsertLot(ctx, tx, lot); err != nil {
		return creditdomain.CreditResult{}, err
	}

	before := bal.SubscriptionAvailable(now) + bal.PurchasedBalance
	entry := &ledgerdomain.LedgerEntry{
		UserID:        req.UserID,
		EntryType:     entryType,
		Source:        req.Source,
		Amount:        req.Amount,
		BalanceBefore: before,
		BalanceAfter:  before + req.Amount,
		ReferenceID:   req.ReferenceID,
		Description:   req.Description,
		CreatedAt:     now,
	}
	if err := s.ledgerSvc.AppendTx(ctx, tx, entry); err != nil {
		return creditdomain.CreditResult{}, err
	}

	bal.PurchasedBalance += req.Amount
	if err := s.balances.UpdateCounters(ctx, tx, bal); err != nil {
		return creditdomain.CreditResult{}, err
	}

	return creditdomain.CreditResult{
		LotID: lot.ID,
		NewBalance: creditdomain.Balance{
			SubscriptionAvailable: bal.SubscriptionAvailable(now),
			PurchasedAvailable:    bal.PurchasedBalance,
			Total:                 bal.SubscriptionAvailable(now) + bal.PurchasedBalance,
		},
	}, nil
}

func (s *Service) ExpireLapsedLots(ctx context.Context, now time.Time, limit int) (creditdomain.ExpireResult, error) {
	var result creditdomain.ExpireResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lots, err := s.balances.LapsedLotsForUpdate(ctx, tx, now, limit)
		if err != nil {
			return err
		}

		for _, lot := range lots {
			bal, err := s.balances.GetForUpdate(ctx, tx, lot.UserID)
			if err != nil {
				return err
			}
			if bal == nil {
				s.log.Warn("lapsed lot without balance row",
					zap.String("lot_id", lot.ID.String()),
					zap.String("user_id", lot.UserID.String()),
				)
				continue
			}

			leftover := lot.CreditAmount + lot.BonusCredits - lot.UsedCredits
			if leftover <= 0 {
				continue
			}

			before := bal.SubscriptionAvailable(now) + bal.PurchasedBalance
			entry := &ledgerdomain.LedgerEntry{
				UserID:        lot.UserID,
				EntryType:     ledgerdomain.EntryTypeExpired,
				Source:        ledgerdomain.SourceExpiration,
				Amount:        -leftover,
				BalanceBefore: before,
				BalanceAfter:  before - leftover,
				Description:   "credit lot expired",
				CreatedAt:     now,
			}
			if err := s.ledgerSvc.AppendTx(ctx, tx, entry); err != nil {
				return err
			}

			if err := s.balances.MarkLotExpired(ctx, tx, lot.ID, now); err != nil {
				return err
			}

			bal.PurchasedBalance -= leftover
			if bal.PurchasedBalance < 0 {
				bal.PurchasedBalance = 0
			}
			if err := s.balances.UpdateCounters(ctx, tx, bal); err != nil {
				return err
			}

			result.LotsExpired++
			result.CreditsExpired += leftover
		}
		return nil
	})
	if err != nil {
		return creditdomain.ExpireResult{}, err
	}

	s.obsMetrics.RecordExpiredCredits(ctx, result.CreditsExpired)
	return result, nil
}

func available(bal balancedomain.UserBalance, lots []balancedomain.CreditLot, now time.Time) creditdomain.Balance {
	var purchased int64
	for _, lot := range lots {
		purchased += lot.Remaining(now)
	}
	sub := bal.SubscriptionAvailable(now)
	return creditdomain.Balance{
		SubscriptionAvailable: sub,
		PurchasedAvailable:    purchased,
		Total:                 sub + purchased,
	}
}

func affordability(bal balancedomain.UserBalance, lots []balancedomain.CreditLot, now time.Time, amount int64) creditdomain.Affordability {
	avail := available(bal, lots, now)
	if avail.Total >= amount {
		return creditdomain.Affordability{OK: true}
	}

	reason := creditdomain.AffordReasonInsufficient
	if bal.SubscriptionExpired(now) && bal.SubscriptionLimit-bal.SubscriptionUsed > 0 {
		reason = creditdomain.AffordReasonPlanExpired
	}
	return creditdomain.Affordability{OK: false, Reason: reason}
}

func classifyDeposit(source ledgerdomain.EntrySource) (balancedomain.LotSource, ledgerdomain.EntryType, error) {
	switch source {
	case ledgerdomain.SourcePurchase:
		return balancedomain.LotSourcePurchase, ledgerdomain.EntryTypeEarned, nil
	case ledgerdomain.SourceBonus:
		return balancedomain.LotSourceBonus, ledgerdomain.EntryTypeEarned, nil
	case ledgerdomain.SourceRefund:
		return balancedomain.LotSourceRefund, ledgerdomain.EntryTypeRefunded, nil
	default:
		return "", "", creditdomain.ErrInvalidSource
	}
}
