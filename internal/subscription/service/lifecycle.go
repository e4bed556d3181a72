package service

import (
	"context"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/tenantbilling/internal/catalog/domain"
	invoicedomain "github.com/smallbiznis/tenantbilling/internal/invoice/domain"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ApplyPaymentOutcome moves the subscription forward for a settled invoice.
// It must run in the same transaction that marked the invoice PAID.
func (s *Service) ApplyPaymentOutcome(ctx context.Context, tx *gorm.DB, outcome subscriptiondomain.PaymentOutcome) ([]subscriptiondomain.Transition, error) {
	return s.applyPaymentOutcome(ctx, tx, outcome)
}

func (s *Service) applyPaymentOutcome(ctx context.Context, tx *gorm.DB, outcome subscriptiondomain.PaymentOutcome) ([]subscriptiondomain.Transition, error) {
	sub, err := s.LockForUpdate(ctx, tx, outcome.SubscriptionID)
	if err != nil {
		return nil, err
	}
	paidAt := outcome.PaidAt
	if paidAt.IsZero() {
		paidAt = s.clock.Now()
	}

	if sub.Status == subscriptiondomain.SubscriptionStatusCancelled {
		s.log.Warn("payment received for cancelled subscription",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("invoice_kind", string(outcome.InvoiceKind)),
		)
		return nil, nil
	}

	var transitions []subscriptiondomain.Transition
	if outcome.InvoiceKind.ExtendsPeriod() {
		switch sub.Status {
		case subscriptiondomain.SubscriptionStatusTrial:
			if err := s.transit(ctx, sub, subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.ReasonPaymentReceived, paidAt, &transitions); err != nil {
				return nil, err
			}
			sub.TrialEndDate = nil
			sub.CurrentPeriodStart = paidAt
			sub.CurrentPeriodEnd = catalogdomain.AddCycle(paidAt, sub.BillingCycle)
		case subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.SubscriptionStatusGracePeriod:
			if outcome.PeriodStart != nil && !outcome.PeriodStart.Equal(sub.CurrentPeriodEnd) {
				s.log.Warn("payment for a period the subscription is not entering",
					zap.String("subscription_id", sub.ID.String()),
					zap.Time("period_start", *outcome.PeriodStart),
					zap.Time("current_period_end", sub.CurrentPeriodEnd),
				)
				break
			}
			if sub.Status == subscriptiondomain.SubscriptionStatusGracePeriod {
				if err := s.transit(ctx, sub, subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.ReasonPaymentReceived, paidAt, &transitions); err != nil {
					return nil, err
				}
			}
			sub.CurrentPeriodStart = sub.CurrentPeriodEnd
			sub.CurrentPeriodEnd = catalogdomain.AddCycle(sub.CurrentPeriodEnd, sub.BillingCycle)
		case subscriptiondomain.SubscriptionStatusExpired:
			if err := s.transit(ctx, sub, subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.ReasonPaymentReceived, paidAt, &transitions); err != nil {
				return nil, err
			}
			sub.EndDate = nil
			sub.CurrentPeriodStart = paidAt
			sub.CurrentPeriodEnd = catalogdomain.AddCycle(paidAt, sub.BillingCycle)
		}
		sub.NextBillingDate = lo.ToPtr(sub.CurrentPeriodEnd)
	}

	sub.LastPaymentDate = lo.ToPtr(paidAt)
	sub.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, tx, sub); err != nil {
		return nil, err
	}

	s.log.Info("payment applied",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("invoice_kind", string(outcome.InvoiceKind)),
		zap.String("status", string(sub.Status)),
		zap.Time("current_period_end", sub.CurrentPeriodEnd),
	)
	return transitions, nil
}

// AdvanceLifecycle applies every time-based transition due at now to a
// subscription the caller has locked in tx. A sweep that missed days chains
// transitions, so an ACTIVE subscription long past its grace window ends
// EXPIRED in one call.
func (s *Service) AdvanceLifecycle(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) ([]subscriptiondomain.Transition, error) {
	graceDays := s.billing.Get().GracePeriodDays

	var (
		transitions []subscriptiondomain.Transition
		changed     bool
	)
	for {
		step, err := s.nextTimedTransition(ctx, sub, now, graceDays, &transitions)
		if err != nil {
			return nil, err
		}
		if !step {
			break
		}
		changed = true
	}

	if sub.DiscountEndDate != nil && !now.Before(*sub.DiscountEndDate) && !sub.DiscountPercent.IsZero() {
		sub.DiscountPercent = decimal.Zero
		sub.DiscountEndDate = nil
		changed = true
	}

	if !changed {
		return nil, nil
	}
	sub.UpdatedAt = now
	if err := s.repo.Update(ctx, tx, sub); err != nil {
		return nil, err
	}
	return transitions, nil
}

func (s *Service) nextTimedTransition(ctx context.Context, sub *subscriptiondomain.Subscription, now time.Time, graceDays int, transitions *[]subscriptiondomain.Transition) (bool, error) {
	switch sub.Status {
	case subscriptiondomain.SubscriptionStatusTrial:
		trialEnd := sub.CurrentPeriodEnd
		if sub.TrialEndDate != nil {
			trialEnd = *sub.TrialEndDate
		}
		if now.Before(trialEnd) {
			return false, nil
		}
		// A trial has no grace window.
		if err := s.transit(ctx, sub, subscriptiondomain.SubscriptionStatusExpired, subscriptiondomain.ReasonTrialEnded, trialEnd, transitions); err != nil {
			return false, err
		}
		sub.EndDate = lo.ToPtr(trialEnd)
		sub.NextBillingDate = nil
		return true, nil
	case subscriptiondomain.SubscriptionStatusActive:
		if now.Before(sub.CurrentPeriodEnd) {
			return false, nil
		}
		return true, s.transit(ctx, sub, subscriptiondomain.SubscriptionStatusGracePeriod, subscriptiondomain.ReasonPeriodEnded, sub.CurrentPeriodEnd, transitions)
	case subscriptiondomain.SubscriptionStatusGracePeriod:
		graceEnd := sub.CurrentPeriodEnd.AddDate(0, 0, graceDays)
		if now.Before(graceEnd) {
			return false, nil
		}
		if err := s.transit(ctx, sub, subscriptiondomain.SubscriptionStatusExpired, subscriptiondomain.ReasonGraceElapsed, graceEnd, transitions); err != nil {
			return false, err
		}
		sub.EndDate = lo.ToPtr(graceEnd)
		sub.NextBillingDate = nil
		return true, nil
	default:
		return false, nil
	}
}

// IssueRenewal bills the next period of an ACTIVE or GRACE_PERIOD
// subscription once now is within the renewal lead window. The carried
// proration balance is consumed by the invoice. The returned bool is false
// when nothing new was issued.
func (s *Service) IssueRenewal(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) (*invoicedomain.Invoice, bool, error) {
	if sub.Status != subscriptiondomain.SubscriptionStatusActive && sub.Status != subscriptiondomain.SubscriptionStatusGracePeriod {
		return nil, false, nil
	}
	lead := s.billing.Get().RenewalLeadDays
	if now.Before(sub.CurrentPeriodEnd.AddDate(0, 0, -lead)) {
		return nil, false, nil
	}

	periodStart := sub.CurrentPeriodEnd
	periodEnd := catalogdomain.AddCycle(periodStart, sub.BillingCycle)
	created, err := s.invoices.CreateForSubscription(ctx, tx, invoicedomain.CreateRequest{
		OrgID:           sub.OrgID,
		SubscriptionID:  sub.ID,
		Kind:            invoicedomain.InvoiceKindRenewal,
		Lines:           []invoicedomain.LineItem{planLine(sub.Tier, sub.BillingCycle, sub.Price)},
		Balance:         sub.ProrationBalance,
		DiscountPercent: sub.ActiveDiscount(now),
		PeriodStart:     &periodStart,
		PeriodEnd:       &periodEnd,
		IssuedAt:        now,
	})
	if err != nil {
		return nil, false, err
	}
	if created.Existing {
		return created.Invoice, false, nil
	}

	if sub.ProrationBalance != created.Balance {
		sub.ProrationBalance = created.Balance
		sub.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, sub); err != nil {
			return nil, false, err
		}
	}

	if created.Invoice.Status == invoicedomain.InvoiceStatusPaid {
		if _, err := s.applyPaymentOutcome(ctx, tx, subscriptiondomain.PaymentOutcome{
			SubscriptionID: sub.ID,
			InvoiceKind:    created.Invoice.Kind,
			PeriodStart:    created.Invoice.PeriodStart,
			PaidAt:         now,
		}); err != nil {
			return nil, false, err
		}
		fresh, err := s.repo.FindByID(ctx, tx, sub.ID)
		if err != nil {
			return nil, false, err
		}
		*sub = *fresh
	}
	return created.Invoice, true, nil
}

func (s *Service) transit(ctx context.Context, sub *subscriptiondomain.Subscription, to subscriptiondomain.SubscriptionStatus, reason string, at time.Time, transitions *[]subscriptiondomain.Transition) error {
	from := sub.Status
	if err := subscriptiondomain.Transit(sub, to); err != nil {
		return err
	}
	*transitions = append(*transitions, subscriptiondomain.Transition{From: from, To: to, At: at, Reason: reason})
	s.obsMetrics.RecordSubscriptionTransition(ctx, string(from), string(to))
	return nil
}
