package service

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	catalogdomain "github.com/smallbiznis/tenantbilling/internal/catalog/domain"
	invoicedomain "github.com/smallbiznis/tenantbilling/internal/invoice/domain"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Change moves a subscription to another tier or billing cycle.
//
// The tier switch applies at once. For ACTIVE and GRACE_PERIOD subscriptions
// the price difference over the days left from the effective date is either
// invoiced now (IMMEDIATE, charges only) or carried on the subscription to the
// next renewal invoice. Credits are always carried. A cycle switch restarts
// the period at the effective date and charges the full new-cycle price less
// the unused value of the old one.
//
// A GRACE_PERIOD subscription has no days left in its lapsed period, so the
// effective date defaults to the period end and the tier switch prorates to
// zero. Its billing cycle cannot change until the overdue renewal is paid.
//
// A renewal already issued for the next period follows the change: a tier
// switch reprices it, a cycle switch voids it and returns the balance it
// consumed. Open charges against either are cancelled.
func (s *Service) Change(ctx context.Context, req subscriptiondomain.ChangeRequest) (subscriptiondomain.ChangeResult, error) {
	option, err := subscriptiondomain.ParseProrationOption(string(req.ProrationOption))
	if err != nil {
		return subscriptiondomain.ChangeResult{}, err
	}
	newTier, err := catalogdomain.ParseTier(string(req.NewTier))
	if err != nil {
		return subscriptiondomain.ChangeResult{}, err
	}

	var result subscriptiondomain.ChangeResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.LockForUpdate(ctx, tx, req.SubscriptionID)
		if err != nil {
			return err
		}
		if sub.Terminal() {
			return subscriptiondomain.ErrInvalidStateTransition
		}

		newCycle := sub.BillingCycle
		if req.NewBillingCycle != nil {
			if newCycle, err = catalogdomain.ParseBillingCycle(string(*req.NewBillingCycle)); err != nil {
				return err
			}
		}
		if newTier == sub.Tier && newCycle == sub.BillingCycle {
			return subscriptiondomain.ErrInvalidTierTransition
		}
		cycleSwitch := newCycle != sub.BillingCycle
		if cycleSwitch && sub.Status == subscriptiondomain.SubscriptionStatusGracePeriod {
			return subscriptiondomain.ErrInvalidTierTransition
		}
		newPlan, err := s.catalog.GetPlan(ctx, newTier, newCycle)
		if err != nil {
			return err
		}
		if !newPlan.SelfServe() {
			return subscriptiondomain.ErrInvalidTierTransition
		}
		newPrice, err := newPlan.Amount()
		if err != nil {
			return err
		}

		now := s.clock.Now()
		effective := now
		if req.EffectiveDate != nil {
			effective = *req.EffectiveDate
		}
		if sub.Status == subscriptiondomain.SubscriptionStatusGracePeriod &&
			effective.After(sub.CurrentPeriodEnd) && !effective.After(now) {
			effective = sub.CurrentPeriodEnd
		}
		if effective.Before(sub.CurrentPeriodStart) || effective.After(sub.CurrentPeriodEnd) {
			return subscriptiondomain.ErrInvalidEffectiveDate
		}

		oldTier, oldCycle := sub.Tier, sub.BillingCycle
		currentPlan := catalogdomain.Plan{Tier: sub.Tier, BillingCycle: sub.BillingCycle, Price: lo.ToPtr(sub.Price)}

		// settled is an invoice the change left covered by credit.
		var settled *invoicedomain.Invoice
		if sub.Status == subscriptiondomain.SubscriptionStatusTrial {
			sub.Tier, sub.BillingCycle, sub.Price = newTier, newCycle, newPrice
			invoice, err := s.repriceTrialInvoice(ctx, tx, sub, now)
			if err != nil {
				return err
			}
			result.Invoice = invoice
			if invoice.Status == invoicedomain.InvoiceStatusPaid {
				settled = invoice
			}
		} else {
			renewal, err := s.pendingRenewal(ctx, tx, sub)
			if err != nil {
				return err
			}
			amount, err := s.prorate(sub, currentPlan, newPlan, newCycle, effective)
			if err != nil {
				return err
			}
			sub.Tier, sub.BillingCycle, sub.Price = newTier, newCycle, newPrice
			result.ProrationAmount = amount

			switch {
			case option == subscriptiondomain.ProrationImmediate && amount > 0:
				line := invoicedomain.NewLineItem(
					fmt.Sprintf("PRORATION-%s-%s", newTier, newCycle),
					fmt.Sprintf("Proration %s %s to %s %s", oldTier, oldCycle, newTier, newCycle),
					amount,
					1,
				)
				created, err := s.invoices.CreateForSubscription(ctx, tx, invoicedomain.CreateRequest{
					OrgID:           sub.OrgID,
					SubscriptionID:  sub.ID,
					Kind:            invoicedomain.InvoiceKindProration,
					Lines:           []invoicedomain.LineItem{line},
					DiscountPercent: sub.ActiveDiscount(now),
					IssuedAt:        now,
				})
				if err != nil {
					return err
				}
				result.Invoice = created.Invoice
			case amount != 0:
				sub.ProrationBalance += amount
			}

			if renewal != nil {
				if result.Renewal, err = s.restateRenewal(ctx, tx, sub, renewal, cycleSwitch, now); err != nil {
					return err
				}
				if result.Renewal.Status == invoicedomain.InvoiceStatusPaid {
					settled = result.Renewal
				}
			}
		}

		sub.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, sub); err != nil {
			return err
		}

		if settled != nil {
			if _, err := s.applyPaymentOutcome(ctx, tx, subscriptiondomain.PaymentOutcome{
				SubscriptionID: sub.ID,
				InvoiceKind:    settled.Kind,
				PeriodStart:    settled.PeriodStart,
				PaidAt:         now,
			}); err != nil {
				return err
			}
			if sub, err = s.repo.FindByID(ctx, tx, sub.ID); err != nil {
				return err
			}
		}
		if result.Renewal != nil && result.Renewal.Status == invoicedomain.InvoiceStatusVoid {
			reissued, issued, err := s.IssueRenewal(ctx, tx, sub, now)
			if err != nil {
				return err
			}
			if issued {
				result.Renewal = reissued
			}
		}
		result.Subscription = sub

		s.log.Info("subscription changed",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("from_tier", string(oldTier)),
			zap.String("to_tier", string(newTier)),
			zap.String("billing_cycle", string(newCycle)),
			zap.String("proration_option", string(option)),
			zap.Int64("proration_amount", result.ProrationAmount),
			zap.Bool("renewal_restated", result.Renewal != nil),
		)
		return nil
	})
	if err != nil {
		return subscriptiondomain.ChangeResult{}, err
	}
	return result, nil
}

// prorate returns the signed amount owed for the change. On a cycle switch it
// also restarts the period at effective.
func (s *Service) prorate(sub *subscriptiondomain.Subscription, current, next catalogdomain.Plan, newCycle catalogdomain.BillingCycle, effective time.Time) (int64, error) {
	totalDays := catalogdomain.TotalDaysInCycle(sub.BillingCycle)
	daysRemaining := catalogdomain.DaysRemaining(sub.CurrentPeriodEnd, effective, sub.BillingCycle)

	if newCycle == sub.BillingCycle {
		return catalogdomain.CalculateProration(current, next, daysRemaining, totalDays)
	}

	unused, err := catalogdomain.UnusedCredit(current, daysRemaining, totalDays)
	if err != nil {
		return 0, err
	}
	newPrice, err := next.Amount()
	if err != nil {
		return 0, err
	}
	sub.CurrentPeriodStart = effective
	sub.CurrentPeriodEnd = catalogdomain.AddCycle(effective, newCycle)
	sub.NextBillingDate = lo.ToPtr(sub.CurrentPeriodEnd)
	return newPrice - unused, nil
}

// repriceTrialInvoice keeps the open first-cycle invoice of a trial in step
// with its tier, issuing one if the trial started on the free tier.
func (s *Service) repriceTrialInvoice(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) (*invoicedomain.Invoice, error) {
	lines := []invoicedomain.LineItem{planLine(sub.Tier, sub.BillingCycle, sub.Price)}

	open, err := s.invoices.FindOpenBySubscription(ctx, tx, sub.ID, invoicedomain.InvoiceKindNew)
	if err != nil {
		return nil, err
	}
	if open != nil {
		if _, err := s.payments.SupersedeOpenCharges(ctx, tx, open.ID, supersededBySubscriptionChange); err != nil {
			return nil, err
		}
		repriced, err := s.invoices.Reprice(ctx, tx, open.ID, invoicedomain.RepriceRequest{
			Lines:           lines,
			Balance:         sub.ProrationBalance,
			DiscountPercent: sub.ActiveDiscount(now),
		})
		if err != nil {
			return nil, err
		}
		sub.ProrationBalance = repriced.Balance
		return repriced.Invoice, nil
	}

	periodStart := now
	periodEnd := catalogdomain.AddCycle(now, sub.BillingCycle)
	created, err := s.invoices.CreateForSubscription(ctx, tx, invoicedomain.CreateRequest{
		OrgID:           sub.OrgID,
		SubscriptionID:  sub.ID,
		Kind:            invoicedomain.InvoiceKindNew,
		Lines:           lines,
		Balance:         sub.ProrationBalance,
		DiscountPercent: sub.ActiveDiscount(now),
		PeriodStart:     &periodStart,
		PeriodEnd:       &periodEnd,
		IssuedAt:        now,
	})
	if err != nil {
		return nil, err
	}
	sub.ProrationBalance = created.Balance
	return created.Invoice, nil
}

const supersededBySubscriptionChange = "subscription_changed"

// pendingRenewal returns the unpaid renewal issued for the period after the
// current one, if any. It must run before a cycle switch moves the period.
func (s *Service) pendingRenewal(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription) (*invoicedomain.Invoice, error) {
	renewal, err := s.invoices.FindOpenBySubscription(ctx, tx, sub.ID, invoicedomain.InvoiceKindRenewal)
	if err != nil || renewal == nil {
		return nil, err
	}
	if renewal.PeriodStart == nil || !renewal.PeriodStart.Equal(sub.CurrentPeriodEnd) {
		return nil, nil
	}
	return renewal, nil
}

// restateRenewal brings an issued renewal in line with the changed
// subscription. A tier switch reprices it against the carried balance. A
// cycle switch voids it, since its period no longer follows the current one,
// and returns the balance it consumed to the subscription.
func (s *Service) restateRenewal(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, renewal *invoicedomain.Invoice, cycleSwitch bool, now time.Time) (*invoicedomain.Invoice, error) {
	if _, err := s.payments.SupersedeOpenCharges(ctx, tx, renewal.ID, supersededBySubscriptionChange); err != nil {
		return nil, err
	}
	if cycleSwitch {
		voided, err := s.invoices.Void(ctx, tx, renewal.ID)
		if err != nil {
			return nil, err
		}
		sub.ProrationBalance += voided.AppliedBalance
		return voided, nil
	}
	repriced, err := s.invoices.Reprice(ctx, tx, renewal.ID, invoicedomain.RepriceRequest{
		Lines:           []invoicedomain.LineItem{planLine(sub.Tier, sub.BillingCycle, sub.Price)},
		Balance:         sub.ProrationBalance,
		DiscountPercent: sub.ActiveDiscount(now),
	})
	if err != nil {
		return nil, err
	}
	sub.ProrationBalance = repriced.Balance
	return repriced.Invoice, nil
}
