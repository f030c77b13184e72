package reconcile

import (
	"context"

	"github.com/outsidersgit/vibephoto-sub003/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("reconcile",
	fx.Provide(
		provideLocker,
		New,
		NewSweeper,
	),
	fx.Invoke(registerLifecycle),
)

// provideLocker returns nil when no redis address is configured; every
// caller is nil-safe and degrades to single-process behavior.
func provideLocker(cfg config.Config, log *zap.Logger) *Locker {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	log.Info("reconcile locking enabled", zap.String("redis_addr", cfg.RedisAddr))
	return NewLocker(client)
}

func registerLifecycle(lc fx.Lifecycle, svc *Service, sweeper *Sweeper) {
	var cancel context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			base, c := context.WithCancel(context.Background())
			cancel = c

			svc.mu.Lock()
			svc.baseCtx = base
			svc.cancel = c
			svc.mu.Unlock()

			if err := svc.ResumeProcessing(ctx); err != nil {
				return err
			}

			svc.wg.Add(1)
			go func() {
				defer svc.wg.Done()
				sweeper.run(base)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			done := make(chan struct{})
			go func() {
				svc.wg.Wait()
				close(done)
			}()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-done:
				return nil
			}
		},
	})
}
