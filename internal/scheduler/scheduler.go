// Package scheduler runs the periodic maintenance jobs, currently storage
// reconciliation. Jobs are serialized across replicas with a redis lock
// when one is configured.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soundloom/tunesmith/internal/clock"
	appconfig "github.com/soundloom/tunesmith/internal/config"
	"github.com/soundloom/tunesmith/internal/reconciler"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ReconcileRunner is the reconciliation entrypoint the scheduler drives.
type ReconcileRunner interface {
	Run(ctx context.Context) (*reconciler.Report, error)
}

var ErrInvalidConfig = errors.New("scheduler: missing dependencies")

type Params struct {
	fx.In

	AppConfig  appconfig.Config
	Log        *zap.Logger
	Clock      clock.Clock
	Reconciler ReconcileRunner
	Locker     *Locker `optional:"true"`
	Config     Config  `optional:"true"`
}

type Scheduler struct {
	cfg        Config
	enabled    bool
	log        *zap.Logger
	clock      clock.Clock
	reconciler ReconcileRunner
	locker     *Locker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.Reconciler == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		cfg:        p.Config.withDefaults(),
		enabled:    p.AppConfig.Reconciler.Enabled,
		log:        p.Log.Named("scheduler"),
		clock:      p.Clock,
		reconciler: p.Reconciler,
		locker:     p.Locker,
	}, nil
}

// RunOnce executes every enabled job one time.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var err error
	if s.enabled {
		err = errors.Join(err, s.runJob(ctx, "reconcile", func(ctx context.Context) error {
			_, runErr := s.reconciler.Run(ctx)
			return runErr
		}))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runJob wraps one job with the distributed lock and a deadline. A lock
// held elsewhere means another replica is already on it; that is a skip,
// not an error.
func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	lockKey := "tunesmith:scheduler:" + name
	token, acquired, err := s.locker.TryLock(ctx, lockKey, s.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("%s: acquire lock: %w", name, err)
	}
	if !acquired {
		s.log.Info("job lock held elsewhere, skipping", zap.String("job", name))
		return nil
	}
	defer func() {
		if releaseErr := s.locker.Release(context.WithoutCancel(ctx), lockKey, token); releaseErr != nil {
			s.log.Warn("failed to release job lock",
				zap.String("job", name),
				zap.Error(releaseErr),
			)
		}
	}()

	start := s.clock.Now()
	err = fn(ctx)
	elapsed := s.clock.Now().Sub(start)

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	s.log.Debug("job finished",
		zap.String("job", name),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}
