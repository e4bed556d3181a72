package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/tenantbilling/internal/catalog/domain"
	catalogservice "github.com/smallbiznis/tenantbilling/internal/catalog/service"
	"github.com/smallbiznis/tenantbilling/internal/clock"
	"github.com/smallbiznis/tenantbilling/internal/config"
	"github.com/smallbiznis/tenantbilling/internal/errs"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/tenantbilling/internal/subscription/repository"
	"github.com/smallbiznis/tenantbilling/internal/testutil"
	usagedomain "github.com/smallbiznis/tenantbilling/internal/usage/domain"
	"github.com/smallbiznis/tenantbilling/internal/usage/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var start = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

type fixture struct {
	svc   usagedomain.Service
	db    *gorm.DB
	clock *clock.FakeClock
	orgID snowflake.ID
	subs  subscriptiondomain.Repository
	sub   *subscriptiondomain.Subscription
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(start.Add(24 * time.Hour))
	subs := subscriptionrepository.Provide()

	orgID := node.Generate()
	sub := &subscriptiondomain.Subscription{
		ID:                 node.Generate(),
		OrgID:              orgID,
		Tier:               catalogdomain.TierBasic,
		Status:             subscriptiondomain.SubscriptionStatusActive,
		BillingCycle:       catalogdomain.BillingCycleMonthly,
		Price:              299_000,
		Currency:           "IDR",
		StartDate:          start,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   start.AddDate(0, 1, 0),
		Version:            1,
		CreatedAt:          start,
		UpdatedAt:          start,
	}
	require.NoError(t, subs.Insert(context.Background(), db, sub))

	svc := NewService(ServiceParam{
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         clk,
		Repo:          repository.Provide(),
		Subscriptions: subs,
		Catalog:       catalogservice.New(zap.NewNop(), "IDR", config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())),
	})
	return fixture{svc: svc, db: db, clock: clk, orgID: orgID, subs: subs, sub: sub}
}

func TestTrackUsageAccumulates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.TrackUsage(ctx, f.orgID, "students", 1)
		require.NoError(t, err)
	}
	value, err := f.svc.TrackUsage(ctx, f.orgID, "students", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(8), value)

	usage, err := f.svc.GetUsage(ctx, f.orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), usage[usagedomain.MetricStudents])
	assert.Len(t, usage, len(usagedomain.Metrics))
	assert.Equal(t, int64(0), usage[usagedomain.MetricSMS])
}

func TestTrackUsageRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.TrackUsage(ctx, f.orgID, "pigeons", 1)
	assert.True(t, errs.Is(err, usagedomain.ErrInvalidMetric))
	assert.Equal(t, errs.ErrValidation, errs.KindOf(err))

	_, err = f.svc.TrackUsage(ctx, f.orgID, "smsUsedThisMonth", -1)
	assert.True(t, errs.Is(err, usagedomain.ErrInvalidIncrement))

	_, err = f.svc.TrackUsage(ctx, f.orgID, "students", 0)
	assert.True(t, errs.Is(err, usagedomain.ErrInvalidIncrement))

	_, err = f.svc.TrackUsage(ctx, snowflake.ID(42), "students", 1)
	assert.True(t, errs.Is(err, subscriptiondomain.ErrSubscriptionNotFound))
}

func TestCumulativeCounterClampsAtZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.TrackUsage(ctx, f.orgID, "teachers", 2)
	require.NoError(t, err)
	value, err := f.svc.TrackUsage(ctx, f.orgID, "teachers", -5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), value)
}

func TestMonthlyCounterResetsAtWindowRollover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.TrackUsage(ctx, f.orgID, "smsUsedThisMonth", 40)
	require.NoError(t, err)
	_, err = f.svc.TrackUsage(ctx, f.orgID, "students", 7)
	require.NoError(t, err)

	f.clock.Set(start.AddDate(0, 1, 1))
	usage, err := f.svc.GetUsage(ctx, f.orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage[usagedomain.MetricSMS])
	assert.Equal(t, int64(7), usage[usagedomain.MetricStudents])

	value, err := f.svc.TrackUsage(ctx, f.orgID, "smsUsedThisMonth", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), value)
}

func TestMonthlyWindowFollowsBillingPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.TrackUsage(ctx, f.orgID, "smsUsedThisMonth", 40)
	require.NoError(t, err)

	periodStart := start.AddDate(0, 0, 20)
	f.sub.CurrentPeriodStart = periodStart
	f.sub.CurrentPeriodEnd = periodStart.AddDate(0, 1, 0)
	require.NoError(t, f.subs.Update(ctx, f.db, f.sub))
	f.clock.Set(periodStart.Add(time.Hour))

	usage, err := f.svc.GetUsage(ctx, f.orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage[usagedomain.MetricSMS])

	value, err := f.svc.TrackUsage(ctx, f.orgID, "smsUsedThisMonth", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), value)
}

func TestSetUsageOnlyForCumulative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SetUsage(ctx, f.orgID, "storageUsedGB", 4))
	require.NoError(t, f.svc.SetUsage(ctx, f.orgID, "storageUsedGB", 3))
	usage, err := f.svc.GetUsage(ctx, f.orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage[usagedomain.MetricStorageUsedGB])

	err = f.svc.SetUsage(ctx, f.orgID, "emailsUsedThisMonth", 10)
	assert.True(t, errs.Is(err, usagedomain.ErrNotCumulative))
}

func TestCheckUsageLimitsIsReadOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SetUsage(ctx, f.orgID, "students", 190))

	var before int64
	require.NoError(t, f.db.Model(&usagedomain.UsageCounter{}).Count(&before).Error)

	report, err := f.svc.CheckUsageLimits(ctx, f.orgID)
	require.NoError(t, err)
	assert.True(t, report.IsWithinLimits)
	assert.Equal(t, int64(200), report.Limits[usagedomain.MetricStudents])
	assert.Equal(t, int64(95), report.UsagePercentages[usagedomain.MetricStudents])
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, usagedomain.SeverityCritical, report.Warnings[0].Severity)

	var after int64
	require.NoError(t, f.db.Model(&usagedomain.UsageCounter{}).Count(&after).Error)
	assert.Equal(t, before, after)
}
