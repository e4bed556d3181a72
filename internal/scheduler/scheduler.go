package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantbilling/internal/clock"
	"github.com/smallbiznis/tenantbilling/internal/config"
	"github.com/smallbiznis/tenantbilling/internal/errs"
	notificationdomain "github.com/smallbiznis/tenantbilling/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/tenantbilling/internal/observability/metrics"
	"github.com/smallbiznis/tenantbilling/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const dailyLockKey = "tenantbilling:scheduler:daily"

const (
	jobLifecycle     = "lifecycle"
	jobNotifications = "notifications"
)

var (
	ErrInvalidConfig = errors.New("scheduler: missing dependency")
	ErrRunInProgress = errs.New(errs.ErrConcurrencyConflict, "scheduler_run_in_progress")
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Billing       *config.BillingConfigHolder
	Subscriptions subscriptiondomain.Service
	Notifications notificationdomain.Service
	Locker        *ratelimit.Locker           `optional:"true"`
	Metrics       *obsmetrics.SchedulerMetrics `optional:"true"`
	Config        Config                       `optional:"true"`
}

type Scheduler struct {
	db            *gorm.DB
	log           *zap.Logger
	cfg           Config
	genID         *snowflake.Node
	clock         clock.Clock
	billing       *config.BillingConfigHolder
	subscriptions subscriptiondomain.Service
	notifications notificationdomain.Service
	locker        *ratelimit.Locker
	metrics       *obsmetrics.SchedulerMetrics

	running sync.Mutex
}

// Report summarizes one daily run.
type Report struct {
	RunID           string                            `json:"runId"`
	StartedAt       time.Time                         `json:"startedAt"`
	FinishedAt      time.Time                         `json:"finishedAt"`
	Processed       int                               `json:"processed"`
	Failed          int                               `json:"failed"`
	Transitions     int                               `json:"transitions"`
	RenewalsIssued  int                               `json:"renewalsIssued"`
	RemindersQueued int                               `json:"remindersQueued"`
	Notifications   notificationdomain.DispatchReport `json:"notifications"`
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Billing == nil || p.Subscriptions == nil || p.Notifications == nil {
		return nil, ErrInvalidConfig
	}
	metrics := p.Metrics
	if metrics == nil {
		metrics = obsmetrics.Scheduler()
	}
	return &Scheduler{
		db:            p.DB,
		log:           p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:           p.Config.withDefaults(),
		genID:         p.GenID,
		clock:         p.Clock,
		billing:       p.Billing,
		subscriptions: p.Subscriptions,
		notifications: p.Notifications,
		locker:        p.Locker,
		metrics:       metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if _, failed := run.counts(); err != nil && failed == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A job past its deadline keeps what it committed; the next run resumes.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout && parent.Err() == nil {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunDaily sweeps every non-terminal subscription and then drains the
// notification outbox. Only one run executes at a time: a second trigger,
// on this node or on another node sharing redis, gets ErrRunInProgress.
func (s *Scheduler) RunDaily(ctx context.Context) (Report, error) {
	if !s.running.TryLock() {
		s.metrics.IncLockContended()
		return Report{}, ErrRunInProgress
	}
	defer s.running.Unlock()

	var report Report
	err := s.locker.WithLock(ctx, dailyLockKey, s.cfg.LockTTL, func(ctx context.Context) error {
		var err error
		report, err = s.runOnce(ctx)
		return err
	})
	if errs.Is(err, ratelimit.ErrLockHeld) {
		s.metrics.IncLockContended()
		s.log.Info("daily run skipped, lock held elsewhere")
		return Report{}, ErrRunInProgress
	}
	return report, err
}

func (s *Scheduler) runOnce(parent context.Context) (Report, error) {
	report := Report{
		RunID:     s.genID.Generate().String(),
		StartedAt: s.clock.Now(),
	}
	log := s.log.With(zap.String("run_id", report.RunID))
	log.Info("daily run started", zap.Time("now", report.StartedAt))

	var err error
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{jobLifecycle, func(ctx context.Context) error {
			return s.runJob(ctx, jobLifecycle, s.cfg.BatchSize, s.cfg.LifecycleTimeout, func(ctx context.Context) error {
				return s.LifecycleJob(ctx, &report)
			})
		}},
		{jobNotifications, func(ctx context.Context) error {
			return s.runJob(ctx, jobNotifications, s.cfg.DispatchBatchSize, s.cfg.DispatchTimeout, func(ctx context.Context) error {
				return s.NotificationsJob(ctx, &report)
			})
		}},
	}
	for _, job := range jobs {
		err = errors.Join(err, job.Run(parent))
	}

	report.FinishedAt = s.clock.Now()
	log.Info("daily run finished",
		zap.Int("processed", report.Processed),
		zap.Int("failed", report.Failed),
		zap.Int("transitions", report.Transitions),
		zap.Int("renewals_issued", report.RenewalsIssued),
		zap.Int("reminders_queued", report.RemindersQueued),
		zap.Int("notifications_sent", report.Notifications.Sent),
	)
	return report, err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if _, err := s.RunDaily(ctx); err != nil && !errs.Is(err, ErrRunInProgress) {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// NotificationsJob drains due outbox rows page by page until a page comes
// back short.
func (s *Scheduler) NotificationsJob(ctx context.Context, report *Report) error {
	run := jobRunFromContext(ctx)
	for {
		batch, err := s.notifications.Dispatch(ctx, s.cfg.DispatchBatchSize)
		if err != nil {
			return err
		}
		report.Notifications.Sent += batch.Sent
		report.Notifications.Failed += batch.Failed
		report.Notifications.Parked += batch.Parked

		handled := batch.Sent + batch.Failed + batch.Parked
		run.AddProcessed(handled)
		s.metrics.AddProcessed(jobNotifications, "notification", handled)
		if handled < s.cfg.DispatchBatchSize {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
