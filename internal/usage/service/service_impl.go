package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/tenantbilling/internal/catalog/domain"
	"github.com/smallbiznis/tenantbilling/internal/clock"
	obsmetrics "github.com/smallbiznis/tenantbilling/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/tenantbilling/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          usagedomain.Repository
	Subscriptions subscriptiondomain.Repository
	Catalog       catalogdomain.Service
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          usagedomain.Repository
	subscriptions subscriptiondomain.Repository
	catalog       catalogdomain.Service
	obsMetrics    *obsmetrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("usage.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		subscriptions: p.Subscriptions,
		catalog:       p.Catalog,
		obsMetrics:    p.ObsMetrics,
	}
}

// TrackUsage adds increment to the tenant's counter for the current period.
// Cumulative metrics accept negative deltas; monthly ones only count up.
func (s *Service) TrackUsage(ctx context.Context, orgID snowflake.ID, metricName string, increment int64) (int64, error) {
	metric, err := usagedomain.ParseMetric(metricName)
	if err != nil {
		return 0, err
	}
	if increment == 0 || (increment < 0 && !metric.Cumulative()) {
		return 0, usagedomain.ErrInvalidIncrement
	}

	sub, err := s.subscription(ctx, orgID)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	periodKey := usagedomain.PeriodKey(metric, windowAnchor(sub), now)
	value, err := s.repo.Increment(ctx, s.db, s.genID.Generate(), orgID, metric, periodKey, increment, now)
	if err != nil {
		return 0, err
	}

	s.obsMetrics.RecordUsageIncrement(ctx, string(metric), increment)
	return value, nil
}

// SetUsage resyncs a cumulative counter to an absolute value.
func (s *Service) SetUsage(ctx context.Context, orgID snowflake.ID, metricName string, value int64) error {
	metric, err := usagedomain.ParseMetric(metricName)
	if err != nil {
		return err
	}
	if !metric.Cumulative() {
		return usagedomain.ErrNotCumulative
	}
	if value < 0 {
		return usagedomain.ErrInvalidUsageValue
	}
	if _, err := s.subscription(ctx, orgID); err != nil {
		return err
	}

	now := s.clock.Now()
	if err := s.repo.Set(ctx, s.db, s.genID.Generate(), orgID, metric, usagedomain.PeriodKeyCumulative, value, now); err != nil {
		return err
	}
	s.log.Info("usage resynced",
		zap.String("org_id", orgID.String()),
		zap.String("metric", string(metric)),
		zap.Int64("value", value),
	)
	return nil
}

func (s *Service) GetUsage(ctx context.Context, orgID snowflake.ID) (usagedomain.Usage, error) {
	sub, err := s.subscription(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return s.currentUsage(ctx, sub)
}

// CheckUsageLimits only reads, so request paths can call it freely.
func (s *Service) CheckUsageLimits(ctx context.Context, orgID snowflake.ID) (usagedomain.LimitsReport, error) {
	sub, err := s.subscription(ctx, orgID)
	if err != nil {
		return usagedomain.LimitsReport{}, err
	}
	usage, err := s.currentUsage(ctx, sub)
	if err != nil {
		return usagedomain.LimitsReport{}, err
	}
	plan, err := s.catalog.GetPlan(ctx, sub.Tier, sub.BillingCycle)
	if err != nil {
		return usagedomain.LimitsReport{}, err
	}
	return usagedomain.Evaluate(usage, plan.Limits), nil
}

func (s *Service) currentUsage(ctx context.Context, sub *subscriptiondomain.Subscription) (usagedomain.Usage, error) {
	monthly := usagedomain.PeriodKey(usagedomain.MetricSMS, windowAnchor(sub), s.clock.Now())
	rows, err := s.repo.ListByPeriods(ctx, s.db, sub.OrgID, []string{usagedomain.PeriodKeyCumulative, monthly})
	if err != nil {
		return nil, err
	}

	usage := make(usagedomain.Usage, len(usagedomain.Metrics))
	for _, metric := range usagedomain.Metrics {
		usage[metric] = 0
	}
	for _, row := range rows {
		want := monthly
		if row.Metric.Cumulative() {
			want = usagedomain.PeriodKeyCumulative
		}
		if row.PeriodKey == want {
			usage[row.Metric] = row.Value
		}
	}
	return usage, nil
}

func (s *Service) subscription(ctx context.Context, orgID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if orgID == 0 {
		return nil, subscriptiondomain.ErrInvalidOrganization
	}
	sub, err := s.subscriptions.FindByOrgID(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

// windowAnchor follows the billing period, so activation and cycle switches
// restart the monthly windows with it.
func windowAnchor(sub *subscriptiondomain.Subscription) time.Time {
	if sub.CurrentPeriodStart.IsZero() {
		return sub.StartDate
	}
	return sub.CurrentPeriodStart
}
