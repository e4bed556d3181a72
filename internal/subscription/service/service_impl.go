package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/tenantbilling/internal/catalog/domain"
	"github.com/smallbiznis/tenantbilling/internal/clock"
	"github.com/smallbiznis/tenantbilling/internal/config"
	"github.com/smallbiznis/tenantbilling/internal/errs"
	invoicedomain "github.com/smallbiznis/tenantbilling/internal/invoice/domain"
	notificationdomain "github.com/smallbiznis/tenantbilling/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/tenantbilling/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/tenantbilling/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"github.com/smallbiznis/tenantbilling/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	clock    clock.Clock
	currency string
	billing  *config.BillingConfigHolder
	repo     subscriptiondomain.Repository

	catalog       catalogdomain.Service
	invoices      invoicedomain.Service
	payments      paymentdomain.Service
	notifications notificationdomain.Service
	obsMetrics    *obsmetrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Cfg     config.Config
	Billing *config.BillingConfigHolder
	Repo    subscriptiondomain.Repository

	Catalog       catalogdomain.Service
	Invoices      invoicedomain.Service
	Payments      paymentdomain.Service
	Notifications notificationdomain.Service
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:    p.GenID,
		clock:    p.Clock,
		currency: p.Cfg.Currency,
		billing:  p.Billing,
		repo:     p.Repo,

		catalog:       p.Catalog,
		invoices:      p.Invoices,
		payments:      p.Payments,
		notifications: p.Notifications,
		obsMetrics:    p.ObsMetrics,
	}
}

// Create starts the tenant's subscription. Without a payment the tenant gets
// a trial on the requested tier and, for paid tiers, a PENDING invoice for
// the first cycle. With an initial payment the subscription starts ACTIVE.
func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateRequest) (subscriptiondomain.CreateResult, error) {
	if req.OrgID == 0 {
		return subscriptiondomain.CreateResult{}, subscriptiondomain.ErrInvalidOrganization
	}
	tier, err := catalogdomain.ParseTier(string(req.Tier))
	if err != nil {
		return subscriptiondomain.CreateResult{}, err
	}
	cycle, err := catalogdomain.ParseBillingCycle(string(req.BillingCycle))
	if err != nil {
		return subscriptiondomain.CreateResult{}, err
	}
	if err := validateDiscount(req.DiscountPercent); err != nil {
		return subscriptiondomain.CreateResult{}, err
	}
	if req.InitialPayment != nil && strings.TrimSpace(req.InitialPayment.Method) == "" {
		return subscriptiondomain.CreateResult{}, subscriptiondomain.ErrInvalidInitialPayment
	}

	plan, err := s.catalog.GetPlan(ctx, tier, cycle)
	if err != nil {
		return subscriptiondomain.CreateResult{}, err
	}
	price, err := plan.Amount()
	if err != nil {
		return subscriptiondomain.CreateResult{}, err
	}
	if tier == catalogdomain.TierTrial && req.InitialPayment != nil {
		return subscriptiondomain.CreateResult{}, subscriptiondomain.ErrInvalidInitialPayment
	}

	cfg := s.billing.Get()
	now := s.clock.Now()

	var result subscriptiondomain.CreateResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindByOrgID(ctx, tx, req.OrgID)
		if err != nil {
			return err
		}
		if existing != nil {
			return subscriptiondomain.ErrDuplicateSubscription
		}

		sub := &subscriptiondomain.Subscription{
			ID:              s.genID.Generate(),
			OrgID:           req.OrgID,
			Tier:            tier,
			BillingCycle:    cycle,
			Price:           price,
			Currency:        s.currency,
			DiscountPercent: req.DiscountPercent,
			DiscountEndDate: req.DiscountEndDate,
			StartDate:       now,
			Version:         1,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if req.InitialPayment != nil {
			periodEnd := catalogdomain.AddCycle(now, cycle)
			sub.Status = subscriptiondomain.SubscriptionStatusActive
			sub.CurrentPeriodStart = now
			sub.CurrentPeriodEnd = periodEnd
			sub.NextBillingDate = lo.ToPtr(periodEnd)
			sub.LastPaymentDate = lo.ToPtr(now)
		} else {
			trialEnd := now.AddDate(0, 0, cfg.TrialDays)
			sub.Status = subscriptiondomain.SubscriptionStatusTrial
			sub.TrialEndDate = lo.ToPtr(trialEnd)
			sub.CurrentPeriodStart = now
			sub.CurrentPeriodEnd = trialEnd
			sub.NextBillingDate = lo.ToPtr(trialEnd)
		}

		if err := s.repo.Insert(ctx, tx, sub); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return errs.Mark(err, subscriptiondomain.ErrDuplicateSubscription)
			}
			return err
		}
		result.Subscription = sub

		if tier == catalogdomain.TierTrial {
			return nil
		}

		periodStart := now
		periodEnd := catalogdomain.AddCycle(now, cycle)
		created, err := s.invoices.CreateForSubscription(ctx, tx, invoicedomain.CreateRequest{
			OrgID:           sub.OrgID,
			SubscriptionID:  sub.ID,
			Kind:            invoicedomain.InvoiceKindNew,
			Lines:           []invoicedomain.LineItem{planLine(sub.Tier, sub.BillingCycle, sub.Price)},
			DiscountPercent: sub.ActiveDiscount(now),
			PeriodStart:     &periodStart,
			PeriodEnd:       &periodEnd,
			IssuedAt:        now,
		})
		if err != nil {
			return err
		}
		invoice := created.Invoice

		if req.InitialPayment != nil && invoice.Status != invoicedomain.InvoiceStatusPaid {
			invoice, err = s.invoices.MarkPaid(ctx, tx, invoice.ID, now, req.InitialPayment.Method)
			if err != nil {
				return err
			}
			if _, err := s.payments.RecordManualPayment(ctx, tx, invoice.ID, sub.ID, sub.OrgID,
				invoice.Total, req.InitialPayment.Method, req.InitialPayment.Reference, now); err != nil {
				return err
			}
		} else if req.InitialPayment == nil && invoice.Status == invoicedomain.InvoiceStatusPaid {
			if _, err := s.applyPaymentOutcome(ctx, tx, subscriptiondomain.PaymentOutcome{
				SubscriptionID: sub.ID,
				InvoiceKind:    invoice.Kind,
				PeriodStart:    invoice.PeriodStart,
				PaidAt:         now,
			}); err != nil {
				return err
			}
			if sub, err = s.repo.FindByID(ctx, tx, sub.ID); err != nil {
				return err
			}
			result.Subscription = sub
		}
		result.Invoice = invoice
		return nil
	})
	if err != nil {
		return subscriptiondomain.CreateResult{}, err
	}

	s.log.Info("subscription created",
		zap.String("subscription_id", result.Subscription.ID.String()),
		zap.String("org_id", result.Subscription.OrgID.String()),
		zap.String("tier", string(result.Subscription.Tier)),
		zap.String("status", string(result.Subscription.Status)),
	)
	return result, nil
}

// Cancel is idempotent: cancelling a CANCELLED subscription returns it as is.
func (s *Service) Cancel(ctx context.Context, id snowflake.ID, reason string) (*subscriptiondomain.Subscription, error) {
	var sub *subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		sub, err = s.LockForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if sub.Status == subscriptiondomain.SubscriptionStatusCancelled {
			return nil
		}

		now := s.clock.Now()
		var transitions []subscriptiondomain.Transition
		if err := s.transit(ctx, sub, subscriptiondomain.SubscriptionStatusCancelled, subscriptiondomain.ReasonAdminCancellation, now, &transitions); err != nil {
			return err
		}
		transition := transitions[0]
		sub.EndDate = lo.ToPtr(now)
		sub.NextBillingDate = nil
		if reason = strings.TrimSpace(reason); reason != "" {
			sub.CancelReason = lo.ToPtr(reason)
		}
		sub.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, sub); err != nil {
			return err
		}
		s.log.Info("subscription cancelled",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("from", string(transition.From)),
			zap.String("transition_reason", transition.Reason),
			zap.String("cancel_reason", reason),
		)

		_, err = s.notifications.Enqueue(ctx, tx, notificationdomain.Message{
			OrgID:          sub.OrgID,
			SubscriptionID: sub.ID,
			Kind:           notificationdomain.KindSubscriptionCancelled,
			Reference:      now.Format(time.RFC3339),
			Payload: map[string]any{
				"reason":           reason,
				"endDate":          now,
				"previousStatus":   transition.From,
				"transitionReason": transition.Reason,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Service) LockForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	sub, err := s.repo.FindByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) GetByOrgID(ctx context.Context, orgID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if orgID == 0 {
		return nil, subscriptiondomain.ErrInvalidOrganization
	}
	sub, err := s.repo.FindByOrgID(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) List(ctx context.Context, req subscriptiondomain.ListRequest) ([]subscriptiondomain.Subscription, error) {
	return s.repo.List(ctx, s.db, req)
}

func validateDiscount(percent decimal.Decimal) error {
	if percent.IsNegative() || percent.GreaterThan(decimal.NewFromInt(100)) {
		return subscriptiondomain.ErrInvalidDiscount
	}
	return nil
}

// planLine is the single line a plan charge is billed with.
func planLine(tier catalogdomain.Tier, cycle catalogdomain.BillingCycle, price int64) invoicedomain.LineItem {
	return invoicedomain.NewLineItem(
		fmt.Sprintf("%s-%s", tier, cycle),
		fmt.Sprintf("%s plan (%s)", tier, strings.ToLower(string(cycle))),
		price,
		1,
	)
}
