package scheduler

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	appconfig "github.com/soundloom/tunesmith/internal/config"
	"github.com/soundloom/tunesmith/internal/reconciler"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(ProvideRedis),
	fx.Provide(NewLocker),
	fx.Provide(func(r *reconciler.Reconciler) ReconcileRunner { return r }),
	fx.Provide(New),
	fx.Invoke(Start),
)

// ProvideRedis returns nil when no redis address is configured; the
// scheduler then runs in single-instance mode.
func ProvideRedis(cfg appconfig.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
}

func Start(lc fx.Lifecycle, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
