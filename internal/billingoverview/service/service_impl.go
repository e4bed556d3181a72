package service

import (
	"context"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	billingoverview "github.com/smallbiznis/tenantbilling/internal/billingoverview/domain"
	catalogdomain "github.com/smallbiznis/tenantbilling/internal/catalog/domain"
	"github.com/smallbiznis/tenantbilling/internal/clock"
	invoicedomain "github.com/smallbiznis/tenantbilling/internal/invoice/domain"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/tenantbilling/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	Subscriptions subscriptiondomain.Service
	Catalog       catalogdomain.Service
	Usage         usagedomain.Service
	Invoices      invoicedomain.Service
}

type Service struct {
	log           *zap.Logger
	clock         clock.Clock
	subscriptions subscriptiondomain.Service
	catalog       catalogdomain.Service
	usage         usagedomain.Service
	invoices      invoicedomain.Service
}

func NewService(p Params) billingoverview.Service {
	return &Service{
		log:           p.Log.Named("billingoverview.service"),
		clock:         p.Clock,
		subscriptions: p.Subscriptions,
		catalog:       p.Catalog,
		usage:         p.Usage,
		invoices:      p.Invoices,
	}
}

func (s *Service) GetSubscriptionWithUsage(ctx context.Context, orgID snowflake.ID) (billingoverview.SubscriptionOverview, error) {
	sub, err := s.subscriptions.GetByOrgID(ctx, orgID)
	if err != nil {
		return billingoverview.SubscriptionOverview{}, err
	}
	plan, err := s.catalog.GetPlan(ctx, sub.Tier, sub.BillingCycle)
	if err != nil {
		return billingoverview.SubscriptionOverview{}, err
	}
	report, err := s.usage.CheckUsageLimits(ctx, orgID)
	if err != nil {
		return billingoverview.SubscriptionOverview{}, err
	}
	invoices, err := s.invoices.ListBySubscription(ctx, sub.ID)
	if err != nil {
		return billingoverview.SubscriptionOverview{}, err
	}

	now := s.clock.Now()
	overview := billingoverview.SubscriptionOverview{
		Subscription:     sub,
		Plan:             plan,
		Usage:            report.Usage,
		Limits:           report.Limits,
		UsagePercentages: report.UsagePercentages,
		Warnings:         report.Warnings,
		IsWithinLimits:   report.IsWithinLimits,
		OpenInvoices: lo.Filter(invoices, func(inv invoicedomain.Invoice, _ int) bool {
			return inv.Status.Payable()
		}),
		GeneratedAt: now,
	}
	if !sub.Terminal() {
		overview.DaysUntilPeriodEnd = daysUntil(sub.CurrentPeriodEnd, now)
	}
	if sub.Status == subscriptiondomain.SubscriptionStatusTrial {
		trialEnd := sub.CurrentPeriodEnd
		if sub.TrialEndDate != nil {
			trialEnd = *sub.TrialEndDate
		}
		overview.TrialDaysRemaining = lo.ToPtr(daysUntil(trialEnd, now))
	}
	if overview.Warnings == nil {
		overview.Warnings = []usagedomain.Warning{}
	}
	return overview, nil
}

// daysUntil counts a partial day as a whole one and never goes negative.
func daysUntil(end, now time.Time) int {
	days := int(math.Ceil(end.Sub(now).Hours() / 24))
	return max(days, 0)
}
