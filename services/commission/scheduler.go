package commission

import (
	"context"
	"time"

	"smallbiznis-commission/pkg/config"
	"smallbiznis-commission/pkg/featureflags"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Scheduler queues payout resolution once a day.
type Scheduler struct {
	service *Service
	hour    int
	loc     *time.Location
	now     func() time.Time
	flags   featureflags.FeatureFlag
}

type SchedulerParams struct {
	fx.In

	Service *Service
	Config  *config.Config
	Flags   featureflags.FeatureFlag `optional:"true"`
}

func NewScheduler(p SchedulerParams) *Scheduler {
	return &Scheduler{
		service: p.Service,
		hour:    p.Config.Commission.SchedulerHour,
		loc:     p.Config.Location(),
		now:     time.Now,
		flags:   p.Flags,
	}
}

// StartScheduler runs the daily loop for the lifetime of the app.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				s.run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started payout resolution scheduler", zap.Int("hour", s.hour))

	for {
		now := s.now()
		next := nextRunTime(now.In(s.loc), s.hour, 0)

		sleepDuration := next.Sub(now)
		zap.L().Info("[Scheduler] next run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", sleepDuration),
		)

		timer := time.NewTimer(sleepDuration)
		select {
		case <-timer.C:
			s.runDaily(ctx)
		case <-ctx.Done():
			timer.Stop()
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context) {
	if s.flags != nil && !s.flags.Enabled(ctx, featureflags.PayoutScheduler, true) {
		zap.L().Warn("[Scheduler] payout scheduler disabled by feature flag")
		return
	}

	start := time.Now()
	zap.L().Info("[Scheduler] queueing due payout resolutions")

	n, err := s.service.EnqueueDuePayoutResolutions(ctx, s.now())
	if err != nil {
		zap.L().Error("[Scheduler] failed to queue payout resolutions", zap.Error(err))
		return
	}

	zap.L().Info("[Scheduler] payout resolutions queued",
		zap.Int("venues", n),
		zap.Duration("duration", time.Since(start)),
	)
}

// nextRunTime returns the next hour:minute on now's wall clock strictly after now.
func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !now.Before(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
