package reconcile

import (
	"context"
	"time"

	creditdomain "github.com/outsidersgit/vibephoto-sub003/internal/credit/domain"
	"go.uber.org/zap"
)

const sweepBatchSize = 100

// Sweeper periodically reclaims credits from lapsed lots. Balances stay
// correct without it (expired lots are excluded from spending arithmetic),
// but the sweep writes the EXPIRED ledger entries that keep the ledger
// replayable against stored counters.
type Sweeper struct {
	svc     *Service
	credits creditdomain.Service
	every   time.Duration
}

func NewSweeper(svc *Service, credits creditdomain.Service) *Sweeper {
	return &Sweeper{
		svc:     svc,
		credits: credits,
		every:   svc.cfg.ExpireSweepEvery,
	}
}

func (w *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(w.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

func (w *Sweeper) sweepOnce(ctx context.Context) {
	log := w.svc.log.Named("sweep")

	if w.svc.locker != nil {
		release, ok, err := w.svc.locker.TryLock(ctx, "reconcile:expire_sweep", w.every)
		if err != nil {
			log.Warn("sweep lock unavailable, proceeding without it", zap.Error(err))
		} else if !ok {
			return
		} else {
			defer release()
		}
	}

	for {
		result, err := w.credits.ExpireLapsedLots(ctx, w.svc.clock.Now(), sweepBatchSize)
		if err != nil {
			log.Error("expiration sweep failed", zap.Error(err))
			return
		}
		if result.LotsExpired > 0 {
			log.Info("expired lapsed credit lots",
				zap.Int("lots", result.LotsExpired),
				zap.Int64("credits", result.CreditsExpired),
			)
		}
		if result.LotsExpired < sweepBatchSize {
			return
		}
	}
}
