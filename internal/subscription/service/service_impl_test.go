package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/tenantbilling/internal/catalog/domain"
	catalogservice "github.com/smallbiznis/tenantbilling/internal/catalog/service"
	"github.com/smallbiznis/tenantbilling/internal/clock"
	"github.com/smallbiznis/tenantbilling/internal/config"
	"github.com/smallbiznis/tenantbilling/internal/errs"
	invoicedomain "github.com/smallbiznis/tenantbilling/internal/invoice/domain"
	invoicerepository "github.com/smallbiznis/tenantbilling/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/tenantbilling/internal/invoice/service"
	notificationdomain "github.com/smallbiznis/tenantbilling/internal/notification/domain"
	notificationrepository "github.com/smallbiznis/tenantbilling/internal/notification/repository"
	notificationservice "github.com/smallbiznis/tenantbilling/internal/notification/service"
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/tenantbilling/internal/payment/domain"
	paymentrepository "github.com/smallbiznis/tenantbilling/internal/payment/repository"
	paymentservice "github.com/smallbiznis/tenantbilling/internal/payment/service"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"github.com/smallbiznis/tenantbilling/internal/subscription/repository"
	"github.com/smallbiznis/tenantbilling/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var now = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc           *Service
	db            *gorm.DB
	clock         *clock.FakeClock
	node          *snowflake.Node
	invoices      invoicedomain.Service
	payments      paymentdomain.Service
	notifications notificationdomain.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(now)
	log := zap.NewNop()
	cfg := config.Config{Currency: "IDR"}
	billing := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	subs := repository.Provide()

	notifications := notificationservice.NewService(notificationservice.Params{
		DB:     db,
		Log:    log,
		GenID:  node,
		Clock:  clk,
		Repo:   notificationrepository.Provide(),
		Sender: notificationservice.NewLogSender(log),
	})
	invoices := invoiceservice.NewService(invoiceservice.ServiceParam{
		DB:            db,
		Log:           log,
		GenID:         node,
		Clock:         clk,
		Cfg:           cfg,
		Billing:       billing,
		Repo:          invoicerepository.Provide(),
		Subscriptions: subs,
		Notifications: notifications,
	})
	payments := paymentservice.NewService(paymentservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Registry: adapters.NewRegistry(),
		Repo:     paymentrepository.Provide(),
		Invoices: invoicerepository.Provide(),
	})
	svc := NewService(ServiceParam{
		DB:            db,
		Log:           log,
		GenID:         node,
		Clock:         clk,
		Cfg:           cfg,
		Billing:       billing,
		Repo:          subs,
		Catalog:       catalogservice.New(log, "IDR", billing),
		Invoices:      invoices,
		Payments:      payments,
		Notifications: notifications,
	}).(*Service)

	return fixture{svc: svc, db: db, clock: clk, node: node, invoices: invoices, payments: payments, notifications: notifications}
}

// seed stores a subscription directly, bypassing Create.
func (f fixture) seed(t *testing.T, tier catalogdomain.Tier, status subscriptiondomain.SubscriptionStatus, price int64, periodStart, periodEnd time.Time) *subscriptiondomain.Subscription {
	t.Helper()
	sub := &subscriptiondomain.Subscription{
		ID:                 f.node.Generate(),
		OrgID:              f.node.Generate(),
		Tier:               tier,
		Status:             status,
		BillingCycle:       catalogdomain.BillingCycleMonthly,
		Price:              price,
		Currency:           "IDR",
		StartDate:          periodStart,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
		NextBillingDate:    &periodEnd,
		Version:            1,
		CreatedAt:          periodStart,
		UpdatedAt:          periodStart,
	}
	if status == subscriptiondomain.SubscriptionStatusTrial {
		sub.TrialEndDate = &periodEnd
	}
	require.NoError(t, f.svc.repo.Insert(context.Background(), f.db, sub))
	return sub
}

// advance runs AdvanceLifecycle the way the scheduler does.
func (f fixture) advance(t *testing.T, id snowflake.ID) []subscriptiondomain.Transition {
	t.Helper()
	var transitions []subscriptiondomain.Transition
	err := f.db.Transaction(func(tx *gorm.DB) error {
		sub, err := f.svc.LockForUpdate(context.Background(), tx, id)
		if err != nil {
			return err
		}
		transitions, err = f.svc.AdvanceLifecycle(context.Background(), tx, sub, f.clock.Now())
		return err
	})
	require.NoError(t, err)
	return transitions
}

func (f fixture) renew(t *testing.T, id snowflake.ID) (*invoicedomain.Invoice, bool) {
	t.Helper()
	var (
		invoice *invoicedomain.Invoice
		issued  bool
	)
	err := f.db.Transaction(func(tx *gorm.DB) error {
		sub, err := f.svc.LockForUpdate(context.Background(), tx, id)
		if err != nil {
			return err
		}
		invoice, issued, err = f.svc.IssueRenewal(context.Background(), tx, sub, f.clock.Now())
		return err
	})
	require.NoError(t, err)
	return invoice, issued
}

// openCharge stores a PENDING gateway attempt against invoice.
func (f fixture) openCharge(t *testing.T, invoice *invoicedomain.Invoice) *paymentdomain.PaymentTransaction {
	t.Helper()
	id := f.node.Generate()
	item := &paymentdomain.PaymentTransaction{
		ID:                   id,
		OrgID:                invoice.OrgID,
		InvoiceID:            invoice.ID,
		SubscriptionID:       invoice.SubscriptionID,
		Amount:               invoice.Total,
		Currency:             invoice.Currency,
		Status:               paymentdomain.PaymentStatusPending,
		PaymentMethod:        "QRIS",
		PaymentGateway:       "tripay",
		GatewayTransactionID: invoice.InvoiceNumber + "-" + id.String(),
		CreatedAt:            f.clock.Now(),
		UpdatedAt:            f.clock.Now(),
	}
	require.NoError(t, paymentrepository.Provide().Insert(context.Background(), f.db, item))
	return item
}

func (f fixture) chargeStatus(t *testing.T, invoiceID snowflake.ID) []paymentdomain.PaymentStatus {
	t.Helper()
	items, err := f.payments.ListByInvoice(context.Background(), invoiceID)
	require.NoError(t, err)
	statuses := make([]paymentdomain.PaymentStatus, 0, len(items))
	for _, item := range items {
		statuses = append(statuses, item.Status)
	}
	return statuses
}

// pay settles invoice the way a gateway callback does.
func (f fixture) pay(t *testing.T, invoice *invoicedomain.Invoice) {
	t.Helper()
	err := f.db.Transaction(func(tx *gorm.DB) error {
		paid, err := f.invoices.MarkPaid(context.Background(), tx, invoice.ID, f.clock.Now(), "QRIS")
		if err != nil {
			return err
		}
		_, err = f.svc.ApplyPaymentOutcome(context.Background(), tx, subscriptiondomain.PaymentOutcome{
			SubscriptionID: paid.SubscriptionID,
			InvoiceKind:    paid.Kind,
			PeriodStart:    paid.PeriodStart,
			PaidAt:         f.clock.Now(),
		})
		return err
	})
	require.NoError(t, err)
}

// Times read back from sqlite carry a fixed zone, so compare instants.
func assertSameInstant(t *testing.T, want, got time.Time) {
	t.Helper()
	assert.True(t, want.Equal(got), "want %s, got %s", want, got)
}

func TestCreateOnTrialTier(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Create(context.Background(), subscriptiondomain.CreateRequest{
		OrgID:        101,
		Tier:         catalogdomain.TierTrial,
		BillingCycle: catalogdomain.BillingCycleMonthly,
	})
	require.NoError(t, err)

	sub := res.Subscription
	assert.Equal(t, subscriptiondomain.SubscriptionStatusTrial, sub.Status)
	require.NotNil(t, sub.TrialEndDate)
	assert.Equal(t, now.AddDate(0, 0, 14), *sub.TrialEndDate)
	assert.Equal(t, "IDR", sub.Currency)
	assert.Nil(t, res.Invoice)
}

func TestCreatePaidTierIssuesFirstInvoice(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Create(context.Background(), subscriptiondomain.CreateRequest{
		OrgID:           102,
		Tier:            "basic",
		BillingCycle:    "monthly",
		DiscountPercent: decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	assert.Equal(t, subscriptiondomain.SubscriptionStatusTrial, res.Subscription.Status)
	assert.Equal(t, catalogdomain.TierBasic, res.Subscription.Tier)
	require.NotNil(t, res.Invoice)
	assert.Equal(t, invoicedomain.InvoiceKindNew, res.Invoice.Kind)
	assert.Equal(t, invoicedomain.InvoiceStatusPending, res.Invoice.Status)
	assert.Equal(t, int64(299_000), res.Invoice.Subtotal)
	assert.Equal(t, int64(29_900), res.Invoice.Discount)
	assert.Equal(t, int64(269_100), res.Invoice.Total)

	notes, err := f.notifications.ListBySubscription(context.Background(), res.Subscription.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, notificationdomain.KindInvoiceIssued, notes[0].Kind)
}

func TestCreateWithInitialPaymentStartsActive(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Create(context.Background(), subscriptiondomain.CreateRequest{
		OrgID:          103,
		Tier:           catalogdomain.TierStandard,
		BillingCycle:   catalogdomain.BillingCycleMonthly,
		InitialPayment: &subscriptiondomain.InitialPayment{Method: "bank_transfer", Reference: "TRX-778"},
	})
	require.NoError(t, err)

	sub := res.Subscription
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.Nil(t, sub.TrialEndDate)
	assert.Equal(t, now, sub.CurrentPeriodStart)
	assert.Equal(t, now.AddDate(0, 1, 0), sub.CurrentPeriodEnd)

	require.NotNil(t, res.Invoice)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, res.Invoice.Status)

	txs, err := f.payments.ListByInvoice(context.Background(), res.Invoice.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, paymentdomain.PaymentStatusSuccess, txs[0].Status)
	assert.Equal(t, paymentdomain.GatewayManual, txs[0].PaymentGateway)
	assert.Equal(t, "TRX-778", txs[0].GatewayTransactionID)
	assert.Equal(t, int64(799_000), txs[0].Amount)
}

func TestCreateRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, subscriptiondomain.CreateRequest{OrgID: 104, Tier: "GOLD", BillingCycle: "MONTHLY"})
	assert.True(t, errs.Is(err, catalogdomain.ErrInvalidTier))

	_, err = f.svc.Create(ctx, subscriptiondomain.CreateRequest{OrgID: 104, Tier: "ENTERPRISE", BillingCycle: "MONTHLY"})
	assert.True(t, errs.Is(err, catalogdomain.ErrPlanUnavailable))

	_, err = f.svc.Create(ctx, subscriptiondomain.CreateRequest{
		OrgID:           104,
		Tier:            "BASIC",
		BillingCycle:    "MONTHLY",
		DiscountPercent: decimal.NewFromInt(120),
	})
	assert.True(t, errs.Is(err, subscriptiondomain.ErrInvalidDiscount))

	_, err = f.svc.Create(ctx, subscriptiondomain.CreateRequest{Tier: "BASIC", BillingCycle: "MONTHLY"})
	assert.True(t, errs.Is(err, subscriptiondomain.ErrInvalidOrganization))
}

func TestCreateRejectsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := subscriptiondomain.CreateRequest{OrgID: 105, Tier: catalogdomain.TierTrial, BillingCycle: catalogdomain.BillingCycleMonthly}

	_, err := f.svc.Create(ctx, req)
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, req)
	assert.True(t, errs.Is(err, subscriptiondomain.ErrDuplicateSubscription))
	assert.Equal(t, errs.ErrValidation, errs.KindOf(err))
}

func TestChangeImmediateUpgradeInvoicesProration(t *testing.T) {
	f := newFixture(t)
	sub := f.seed(t, catalogdomain.TierStandard, subscriptiondomain.SubscriptionStatusActive, 799_000,
		now.AddDate(0, 0, -15), now.AddDate(0, 0, 15))

	res, err := f.svc.Change(context.Background(), subscriptiondomain.ChangeRequest{
		SubscriptionID:  sub.ID,
		NewTier:         catalogdomain.TierPremium,
		ProrationOption: subscriptiondomain.ProrationImmediate,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(600_000), res.ProrationAmount)
	assert.Equal(t, catalogdomain.TierPremium, res.Subscription.Tier)
	assert.Equal(t, int64(1_999_000), res.Subscription.Price)
	assert.Equal(t, int64(0), res.Subscription.ProrationBalance)
	require.NotNil(t, res.Invoice)
	assert.Equal(t, invoicedomain.InvoiceKindProration, res.Invoice.Kind)
	assert.Equal(t, int64(600_000), res.Invoice.Total)

	stored, err := f.svc.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
	assertSameInstant(t, sub.CurrentPeriodEnd, stored.CurrentPeriodEnd)
}

func TestChangeNextCycleCarriesBalanceToRenewal(t *testing.T) {
	f := newFixture(t)
	sub := f.seed(t, catalogdomain.TierStandard, subscriptiondomain.SubscriptionStatusActive, 799_000,
		now.AddDate(0, 0, -15), now.AddDate(0, 0, 15))

	res, err := f.svc.Change(context.Background(), subscriptiondomain.ChangeRequest{
		SubscriptionID:  sub.ID,
		NewTier:         catalogdomain.TierPremium,
		ProrationOption: "next_cycle",
	})
	require.NoError(t, err)
	assert.Nil(t, res.Invoice)
	assert.Equal(t, int64(600_000), res.Subscription.ProrationBalance)

	f.clock.Set(now.AddDate(0, 0, 13))
	invoice, issued := f.renew(t, sub.ID)
	require.True(t, issued)
	assert.Equal(t, invoicedomain.InvoiceKindRenewal, invoice.Kind)
	assert.Equal(t, int64(1_999_000+600_000), invoice.Total)

	stored, err := f.svc.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.ProrationBalance)
}

func TestChangeDowngradeCarriesCredit(t *testing.T) {
	f := newFixture(t)
	sub := f.seed(t, catalogdomain.TierPremium, subscriptiondomain.SubscriptionStatusActive, 1_999_000,
		now.AddDate(0, 0, -15), now.AddDate(0, 0, 15))

	res, err := f.svc.Change(context.Background(), subscriptiondomain.ChangeRequest{
		SubscriptionID: sub.ID,
		NewTier:        catalogdomain.TierStandard,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-600_000), res.ProrationAmount)
	assert.Equal(t, int64(-600_000), res.Subscription.ProrationBalance)
	assert.Nil(t, res.Invoice)
}

func TestChangeRejectsUnsupportedTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.seed(t, catalogdomain.TierStandard, subscriptiondomain.SubscriptionStatusActive, 799_000,
		now.AddDate(0, 0, -15), now.AddDate(0, 0, 15))

	_, err := f.svc.Change(ctx, subscriptiondomain.ChangeRequest{SubscriptionID: sub.ID, NewTier: catalogdomain.TierEnterprise})
	assert.True(t, errs.Is(err, subscriptiondomain.ErrInvalidTierTransition))

	_, err = f.svc.Change(ctx, subscriptiondomain.ChangeRequest{SubscriptionID: sub.ID, NewTier: catalogdomain.TierStandard})
	assert.True(t, errs.Is(err, subscriptiondomain.ErrInvalidTierTransition))

	late := now.AddDate(0, 2, 0)
	_, err = f.svc.Change(ctx, subscriptiondomain.ChangeRequest{SubscriptionID: sub.ID, NewTier: catalogdomain.TierPremium, EffectiveDate: &late})
	assert.True(t, errs.Is(err, subscriptiondomain.ErrInvalidEffectiveDate))

	_, err = f.svc.Change(ctx, subscriptiondomain.ChangeRequest{SubscriptionID: sub.ID, NewTier: catalogdomain.TierPremium, ProrationOption: "LATER"})
	assert.True(t, errs.Is(err, subscriptiondomain.ErrInvalidProrationOption))

	_, err = f.svc.Change(ctx, subscriptiondomain.ChangeRequest{SubscriptionID: 77, NewTier: catalogdomain.TierPremium})
	assert.True(t, errs.Is(err, subscriptiondomain.ErrSubscriptionNotFound))
}

func TestChangeDuringTrialRepricesOpenInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, subscriptiondomain.CreateRequest{
		OrgID:        106,
		Tier:         catalogdomain.TierBasic,
		BillingCycle: catalogdomain.BillingCycleMonthly,
	})
	require.NoError(t, err)

	res, err := f.svc.Change(ctx, subscriptiondomain.ChangeRequest{
		SubscriptionID: created.Subscription.ID,
		NewTier:        catalogdomain.TierStandard,
	})
	require.NoError(t, err)

	assert.Equal(t, subscriptiondomain.SubscriptionStatusTrial, res.Subscription.Status)
	assert.Equal(t, int64(0), res.ProrationAmount)
	require.NotNil(t, res.Invoice)
	assert.Equal(t, created.Invoice.ID, res.Invoice.ID)
	assert.Equal(t, int64(799_000), res.Invoice.Total)
}

func TestChangeTierRepricesIssuedRenewal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.seed(t, catalogdomain.TierStandard, subscriptiondomain.SubscriptionStatusActive, 799_000,
		now.AddDate(0, 0, -28), now.AddDate(0, 0, 2))
	renewal, issued := f.renew(t, sub.ID)
	require.True(t, issued)
	require.Equal(t, int64(799_000), renewal.Total)
	f.openCharge(t, renewal)

	res, err := f.svc.Change(ctx, subscriptiondomain.ChangeRequest{
		SubscriptionID:  sub.ID,
		NewTier:         catalogdomain.TierPremium,
		ProrationOption: subscriptiondomain.ProrationNextCycle,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(80_000), res.ProrationAmount)
	require.NotNil(t, res.Renewal)
	assert.Equal(t, renewal.ID, res.Renewal.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusPending, res.Renewal.Status)
	assert.Equal(t, int64(1_999_000+80_000), res.Renewal.Total)
	assert.Equal(t, int64(0), res.Subscription.ProrationBalance)
	assert.Equal(t, []paymentdomain.PaymentStatus{paymentdomain.PaymentStatusCancelled}, f.chargeStatus(t, renewal.ID))

	f.pay(t, res.Renewal)
	stored, err := f.svc.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assertSameInstant(t, sub.CurrentPeriodEnd, stored.CurrentPeriodStart)
	assertSameInstant(t, sub.CurrentPeriodEnd.AddDate(0, 1, 0), stored.CurrentPeriodEnd)
	assert.Equal(t, catalogdomain.TierPremium, stored.Tier)
}

func TestChangeCycleVoidsIssuedRenewal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.seed(t, catalogdomain.TierStandard, subscriptiondomain.SubscriptionStatusActive, 799_000,
		now.AddDate(0, 0, -28), now.AddDate(0, 0, 2))
	renewal, issued := f.renew(t, sub.ID)
	require.True(t, issued)
	f.openCharge(t, renewal)

	yearly := catalogdomain.BillingCycleYearly
	res, err := f.svc.Change(ctx, subscriptiondomain.ChangeRequest{
		SubscriptionID:  sub.ID,
		NewTier:         catalogdomain.TierStandard,
		NewBillingCycle: &yearly,
		ProrationOption: subscriptiondomain.ProrationNextCycle,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Renewal)
	assert.Equal(t, renewal.ID, res.Renewal.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusVoid, res.Renewal.Status)
	assert.Equal(t, res.ProrationAmount, res.Subscription.ProrationBalance)
	assert.Equal(t, []paymentdomain.PaymentStatus{paymentdomain.PaymentStatusCancelled}, f.chargeStatus(t, renewal.ID))
	assertSameInstant(t, now, res.Subscription.CurrentPeriodStart)
	assertSameInstant(t, now.AddDate(1, 0, 0), res.Subscription.CurrentPeriodEnd)

	_, err = f.invoices.MarkPaid(ctx, f.db, renewal.ID, now, "QRIS")
	assert.True(t, errs.Is(err, invoicedomain.ErrInvoiceImmutable))

	// A settlement for the monthly period that no longer follows does not
	// move the yearly one.
	err = f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.svc.ApplyPaymentOutcome(ctx, tx, subscriptiondomain.PaymentOutcome{
			SubscriptionID: sub.ID,
			InvoiceKind:    invoicedomain.InvoiceKindRenewal,
			PeriodStart:    renewal.PeriodStart,
			PaidAt:         now,
		})
		return err
	})
	require.NoError(t, err)
	stored, err := f.svc.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assertSameInstant(t, now, stored.CurrentPeriodStart)
	assertSameInstant(t, now.AddDate(1, 0, 0), stored.CurrentPeriodEnd)
	require.NotNil(t, stored.LastPaymentDate)
}

func TestChangeReturnsCreditHeldByVoidedRenewal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.seed(t, catalogdomain.TierPremium, subscriptiondomain.SubscriptionStatusActive, 1_999_000,
		now.AddDate(0, 0, -15), now.AddDate(0, 0, 15))

	down, err := f.svc.Change(ctx, subscriptiondomain.ChangeRequest{SubscriptionID: sub.ID, NewTier: catalogdomain.TierStandard})
	require.NoError(t, err)
	require.Equal(t, int64(-600_000), down.Subscription.ProrationBalance)

	f.clock.Set(now.AddDate(0, 0, 13))
	renewal, issued := f.renew(t, sub.ID)
	require.True(t, issued)
	require.Equal(t, int64(199_000), renewal.Total)
	require.Equal(t, int64(-600_000), renewal.AppliedBalance)

	yearly := catalogdomain.BillingCycleYearly
	res, err := f.svc.Change(ctx, subscriptiondomain.ChangeRequest{
		SubscriptionID:  sub.ID,
		NewTier:         catalogdomain.TierStandard,
		NewBillingCycle: &yearly,
		ProrationOption: subscriptiondomain.ProrationNextCycle,
	})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusVoid, res.Renewal.Status)
	assert.Equal(t, res.ProrationAmount-600_000, res.Subscription.ProrationBalance)
}

func TestChangeDuringGracePeriodRepricesOverdueRenewal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	periodEnd := now.AddDate(0, 0, -1)
	sub := f.seed(t, catalogdomain.TierStandard, subscriptiondomain.SubscriptionStatusGracePeriod, 799_000,
		periodEnd.AddDate(0, -1, 0), periodEnd)
	renewal, issued := f.renew(t, sub.ID)
	require.True(t, issued)

	res, err := f.svc.Change(ctx, subscriptiondomain.ChangeRequest{
		SubscriptionID: sub.ID,
		NewTier:        catalogdomain.TierPremium,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.ProrationAmount)
	assert.Nil(t, res.Invoice)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusGracePeriod, res.Subscription.Status)
	assert.Equal(t, catalogdomain.TierPremium, res.Subscription.Tier)
	require.NotNil(t, res.Renewal)
	assert.Equal(t, renewal.ID, res.Renewal.ID)
	assert.Equal(t, int64(1_999_000), res.Renewal.Total)

	yearly := catalogdomain.BillingCycleYearly
	_, err = f.svc.Change(ctx, subscriptiondomain.ChangeRequest{
		SubscriptionID:  sub.ID,
		NewTier:         catalogdomain.TierPremium,
		NewBillingCycle: &yearly,
	})
	assert.True(t, errs.Is(err, subscriptiondomain.ErrInvalidTierTransition))

	f.pay(t, res.Renewal)
	stored, err := f.svc.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, stored.Status)
	assertSameInstant(t, periodEnd, stored.CurrentPeriodStart)
	assertSameInstant(t, periodEnd.AddDate(0, 1, 0), stored.CurrentPeriodEnd)
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.seed(t, catalogdomain.TierBasic, subscriptiondomain.SubscriptionStatusActive, 299_000,
		now.AddDate(0, 0, -10), now.AddDate(0, 0, 20))

	cancelled, err := f.svc.Cancel(ctx, sub.ID, "closing the school")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.EndDate)
	assert.Equal(t, now, *cancelled.EndDate)
	assert.Nil(t, cancelled.NextBillingDate)
	require.NotNil(t, cancelled.CancelReason)
	assert.Equal(t, "closing the school", *cancelled.CancelReason)

	f.clock.Advance(time.Hour)
	again, err := f.svc.Cancel(ctx, sub.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, cancelled.Version, again.Version)
	assert.Equal(t, "closing the school", *again.CancelReason)

	notes, err := f.notifications.ListBySubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, notificationdomain.KindSubscriptionCancelled, notes[0].Kind)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(notes[0].Payload, &payload))
	assert.Equal(t, subscriptiondomain.ReasonAdminCancellation, payload["transitionReason"])
	assert.Equal(t, string(subscriptiondomain.SubscriptionStatusActive), payload["previousStatus"])

	_, err = f.svc.Change(ctx, subscriptiondomain.ChangeRequest{SubscriptionID: sub.ID, NewTier: catalogdomain.TierPremium})
	assert.True(t, errs.Is(err, subscriptiondomain.ErrInvalidStateTransition))
}

func TestExpiredTrialSkipsGracePeriod(t *testing.T) {
	f := newFixture(t)
	sub := f.seed(t, catalogdomain.TierBasic, subscriptiondomain.SubscriptionStatusTrial, 299_000,
		now.AddDate(0, 0, -15), now.AddDate(0, 0, -1))

	transitions := f.advance(t, sub.ID)
	require.Len(t, transitions, 1)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusTrial, transitions[0].From)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusExpired, transitions[0].To)
	assert.Equal(t, subscriptiondomain.ReasonTrialEnded, transitions[0].Reason)

	stored, err := f.svc.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusExpired, stored.Status)
	assert.Nil(t, stored.NextBillingDate)
}

func TestAdvanceLifecycleEntersGraceThenExpires(t *testing.T) {
	f := newFixture(t)
	sub := f.seed(t, catalogdomain.TierBasic, subscriptiondomain.SubscriptionStatusActive, 299_000,
		now.AddDate(0, -1, -1), now.AddDate(0, 0, -1))

	transitions := f.advance(t, sub.ID)
	require.Len(t, transitions, 1)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusGracePeriod, transitions[0].To)

	assert.Empty(t, f.advance(t, sub.ID))

	f.clock.Set(now.AddDate(0, 0, 2))
	transitions = f.advance(t, sub.ID)
	require.Len(t, transitions, 1)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusExpired, transitions[0].To)
	assert.Equal(t, subscriptiondomain.ReasonGraceElapsed, transitions[0].Reason)
}

func TestAdvanceLifecycleChainsMissedDays(t *testing.T) {
	f := newFixture(t)
	sub := f.seed(t, catalogdomain.TierBasic, subscriptiondomain.SubscriptionStatusActive, 299_000,
		now.AddDate(0, -1, -10), now.AddDate(0, 0, -10))

	transitions := f.advance(t, sub.ID)
	require.Len(t, transitions, 2)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusGracePeriod, transitions[0].To)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusExpired, transitions[1].To)
}

func TestIssueRenewalIsIdempotent(t *testing.T) {
	f := newFixture(t)
	sub := f.seed(t, catalogdomain.TierBasic, subscriptiondomain.SubscriptionStatusActive, 299_000,
		now.AddDate(0, -1, 2), now.AddDate(0, 0, 2))

	first, issued := f.renew(t, sub.ID)
	require.True(t, issued)
	require.NotNil(t, first.PeriodStart)
	assertSameInstant(t, sub.CurrentPeriodEnd, *first.PeriodStart)
	assert.Equal(t, int64(299_000), first.Total)

	second, issued := f.renew(t, sub.ID)
	assert.False(t, issued)
	assert.Equal(t, first.ID, second.ID)

	invoices, err := f.invoices.ListBySubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Len(t, invoices, 1)
}

func TestIssueRenewalWaitsForLeadWindow(t *testing.T) {
	f := newFixture(t)
	sub := f.seed(t, catalogdomain.TierBasic, subscriptiondomain.SubscriptionStatusActive, 299_000,
		now.AddDate(0, 0, -10), now.AddDate(0, 0, 20))

	invoice, issued := f.renew(t, sub.ID)
	assert.False(t, issued)
	assert.Nil(t, invoice)
}

func TestApplyPaymentOutcomeRestoresGraceSubscription(t *testing.T) {
	f := newFixture(t)
	periodEnd := now.AddDate(0, 0, -1)
	sub := f.seed(t, catalogdomain.TierBasic, subscriptiondomain.SubscriptionStatusGracePeriod, 299_000,
		periodEnd.AddDate(0, -1, 0), periodEnd)

	var transitions []subscriptiondomain.Transition
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		transitions, err = f.svc.ApplyPaymentOutcome(context.Background(), tx, subscriptiondomain.PaymentOutcome{
			SubscriptionID: sub.ID,
			InvoiceKind:    invoicedomain.InvoiceKindRenewal,
			PaidAt:         now,
		})
		return err
	})
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, transitions[0].To)

	stored, err := f.svc.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, stored.Status)
	assertSameInstant(t, periodEnd, stored.CurrentPeriodStart)
	assertSameInstant(t, periodEnd.AddDate(0, 1, 0), stored.CurrentPeriodEnd)
	require.NotNil(t, stored.LastPaymentDate)
	assertSameInstant(t, now, *stored.LastPaymentDate)
}

func TestApplyPaymentOutcomeLeavesCancelledAlone(t *testing.T) {
	f := newFixture(t)
	sub := f.seed(t, catalogdomain.TierBasic, subscriptiondomain.SubscriptionStatusCancelled, 299_000,
		now.AddDate(0, 0, -10), now.AddDate(0, 0, 20))

	err := f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.svc.ApplyPaymentOutcome(context.Background(), tx, subscriptiondomain.PaymentOutcome{
			SubscriptionID: sub.ID,
			InvoiceKind:    invoicedomain.InvoiceKindRenewal,
			PaidAt:         now,
		})
		return err
	})
	require.NoError(t, err)

	stored, err := f.svc.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCancelled, stored.Status)
	assert.Equal(t, int64(1), stored.Version)
}
