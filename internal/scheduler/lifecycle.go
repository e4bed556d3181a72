package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	notificationdomain "github.com/smallbiznis/tenantbilling/internal/notification/domain"
	"github.com/smallbiznis/tenantbilling/internal/scheduler/guard"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var sweepStatuses = []subscriptiondomain.SubscriptionStatus{
	subscriptiondomain.SubscriptionStatusTrial,
	subscriptiondomain.SubscriptionStatusActive,
	subscriptiondomain.SubscriptionStatusGracePeriod,
}

type itemResult struct {
	transitions    int
	renewalIssued  bool
	reminderQueued bool
}

// LifecycleJob walks non-terminal subscriptions by id. Every subscription is
// handled in its own transaction, so one failure leaves the rest of the
// sweep untouched.
func (s *Scheduler) LifecycleJob(ctx context.Context, report *Report) error {
	run := jobRunFromContext(ctx)
	now := s.clock.Now()

	var (
		mu      sync.Mutex
		afterID snowflake.ID
	)
	for {
		page, err := s.subscriptions.List(ctx, subscriptiondomain.ListRequest{
			Statuses: sweepStatuses,
			AfterID:  afterID,
			PageSize: s.cfg.BatchSize,
		})
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}

		p := pool.New().WithMaxGoroutines(s.cfg.MaxWorkers)
		for _, sub := range page {
			id, orgID := sub.ID, sub.OrgID
			p.Go(func() {
				res, err := s.processSubscription(ctx, id, now)

				mu.Lock()
				defer mu.Unlock()
				report.Processed++
				if err != nil {
					report.Failed++
					s.metrics.IncItemFailed(jobLifecycle, err)
					s.logSchedulerError(ctx, run, "scheduler.subscription.failed", orgID, err,
						zap.String("subscription_id", id.String()),
					)
					return
				}
				report.Transitions += res.transitions
				if res.renewalIssued {
					report.RenewalsIssued++
				}
				if res.reminderQueued {
					report.RemindersQueued++
				}
			})
		}
		p.Wait()

		run.AddProcessed(len(page))
		s.metrics.AddProcessed(jobLifecycle, "subscription", len(page))
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(page) < s.cfg.BatchSize {
			return nil
		}
		afterID = page[len(page)-1].ID
	}
}

func (s *Scheduler) processSubscription(ctx context.Context, id snowflake.ID, now time.Time) (itemResult, error) {
	var res itemResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res = itemResult{}
		sub, err := s.subscriptions.LockForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if sub.Terminal() {
			return nil
		}

		transitions, err := s.subscriptions.AdvanceLifecycle(ctx, tx, sub, now)
		if err != nil {
			return err
		}
		for _, tr := range transitions {
			res.transitions++
			s.metrics.IncTransition(string(tr.From), string(tr.To))
			s.logTransition(ctx, sub.OrgID, sub.ID, string(tr.From), string(tr.To), tr.Reason)
			if err := s.enqueueTransitionNotice(ctx, tx, sub, tr); err != nil {
				return err
			}
		}

		invoice, issued, err := s.subscriptions.IssueRenewal(ctx, tx, sub, now)
		if err != nil {
			return err
		}
		if issued {
			res.renewalIssued = true
			s.logger(s.withLogContext(ctx, sub.OrgID)).Info("renewal invoice issued",
				zap.String("subscription_id", sub.ID.String()),
				zap.String("invoice_id", invoice.ID.String()),
				zap.String("invoice_number", invoice.InvoiceNumber),
				zap.Int64("total", invoice.Total),
			)
		}

		queued, err := s.enqueueReminder(ctx, tx, sub, now)
		if err != nil {
			return err
		}
		res.reminderQueued = queued
		return nil
	})
	return res, err
}

func (s *Scheduler) enqueueTransitionNotice(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, tr subscriptiondomain.Transition) error {
	kind, ok := guard.TransitionNotice(tr.To)
	if !ok {
		return nil
	}
	_, err := s.notifications.Enqueue(ctx, tx, notificationdomain.Message{
		OrgID:          sub.OrgID,
		SubscriptionID: sub.ID,
		Kind:           kind,
		Reference:      tr.At.UTC().Format(time.RFC3339),
		Payload: map[string]any{
			"from":   tr.From,
			"to":     tr.To,
			"reason": tr.Reason,
			"at":     tr.At.UTC(),
			"tier":   sub.Tier,
		},
	})
	return err
}

func (s *Scheduler) enqueueReminder(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) (bool, error) {
	reminder, ok := guard.ReminderDue(*sub, now, s.billing.Get().ReminderOffsetsDays)
	if !ok {
		return false, nil
	}
	return s.notifications.Enqueue(ctx, tx, notificationdomain.Message{
		OrgID:          sub.OrgID,
		SubscriptionID: sub.ID,
		Kind:           reminder.Kind,
		DedupeKey:      notificationdomain.ReminderKey(reminder.Kind, sub.ID, reminder.OffsetDays, reminder.EndsAt),
		Payload: map[string]any{
			"tier":     sub.Tier,
			"daysLeft": reminder.OffsetDays,
			"endsAt":   reminder.EndsAt.UTC(),
			"price":    sub.Price,
			"currency": sub.Currency,
		},
	})
}
