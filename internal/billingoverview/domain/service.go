// Package domain describes the read model that joins a tenant's
// subscription, plan and usage into one answer.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/tenantbilling/internal/catalog/domain"
	invoicedomain "github.com/smallbiznis/tenantbilling/internal/invoice/domain"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/tenantbilling/internal/usage/domain"
)

type SubscriptionOverview struct {
	Subscription       *subscriptiondomain.Subscription `json:"subscription"`
	Plan               catalogdomain.Plan               `json:"plan"`
	Usage              usagedomain.Usage                `json:"usage"`
	Limits             map[usagedomain.Metric]int64     `json:"limits"`
	UsagePercentages   map[usagedomain.Metric]int64     `json:"usagePercentages"`
	Warnings           []usagedomain.Warning            `json:"warnings"`
	IsWithinLimits     bool                             `json:"isWithinLimits"`
	DaysUntilPeriodEnd int                              `json:"daysUntilPeriodEnd"`
	TrialDaysRemaining *int                             `json:"trialDaysRemaining,omitempty"`
	OpenInvoices       []invoicedomain.Invoice          `json:"openInvoices"`
	GeneratedAt        time.Time                        `json:"generatedAt"`
}

type Service interface {
	GetSubscriptionWithUsage(ctx context.Context, orgID snowflake.ID) (SubscriptionOverview, error)
}
