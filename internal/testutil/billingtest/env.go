// Package billingtest wires the billing services against a private sqlite
// database for tests of the layers above them.
package billingtest

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/tenantbilling/internal/catalog/domain"
	catalogservice "github.com/smallbiznis/tenantbilling/internal/catalog/service"
	"github.com/smallbiznis/tenantbilling/internal/clock"
	"github.com/smallbiznis/tenantbilling/internal/config"
	invoicedomain "github.com/smallbiznis/tenantbilling/internal/invoice/domain"
	invoicerepository "github.com/smallbiznis/tenantbilling/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/tenantbilling/internal/invoice/service"
	notificationdomain "github.com/smallbiznis/tenantbilling/internal/notification/domain"
	notificationrepository "github.com/smallbiznis/tenantbilling/internal/notification/repository"
	notificationservice "github.com/smallbiznis/tenantbilling/internal/notification/service"
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters"
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters/midtrans"
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters/tripay"
	paymentdomain "github.com/smallbiznis/tenantbilling/internal/payment/domain"
	paymentrepository "github.com/smallbiznis/tenantbilling/internal/payment/repository"
	paymentservice "github.com/smallbiznis/tenantbilling/internal/payment/service"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/tenantbilling/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/tenantbilling/internal/subscription/service"
	"github.com/smallbiznis/tenantbilling/internal/testutil"
	usagedomain "github.com/smallbiznis/tenantbilling/internal/usage/domain"
	usagerepository "github.com/smallbiznis/tenantbilling/internal/usage/repository"
	usageservice "github.com/smallbiznis/tenantbilling/internal/usage/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	TripayPrivateKey  = "tripay-private-key"
	MidtransServerKey = "SB-Mid-server-test"
)

// Start is the initial time of every Env clock.
var Start = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

type Env struct {
	DB      *gorm.DB
	Clock   *clock.FakeClock
	Node    *snowflake.Node
	Log     *zap.Logger
	Cfg     config.Config
	Billing *config.BillingConfigHolder

	Catalog          catalogdomain.Service
	SubscriptionRepo subscriptiondomain.Repository
	Subscriptions    subscriptiondomain.Service
	InvoiceRepo      invoicedomain.Repository
	Invoices         invoicedomain.Service
	PaymentRepo      paymentdomain.Repository
	Payments         paymentdomain.Service
	Registry         *adapters.Registry
	Notifications    notificationdomain.Service
	Usage            usagedomain.Service
}

func New(t *testing.T) *Env {
	t.Helper()
	env := &Env{
		DB:      testutil.NewDB(t),
		Clock:   clock.NewFakeClock(Start),
		Node:    testutil.NewNode(t),
		Log:     zap.NewNop(),
		Cfg:     config.Config{Currency: "IDR"},
		Billing: config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
	}

	tripayAdapter, err := tripay.New(tripay.Config{
		APIKey:       "tripay-api-key",
		PrivateKey:   TripayPrivateKey,
		MerchantCode: "T0001",
	}, nil, env.Log)
	require.NoError(t, err)
	midtransAdapter, err := midtrans.New(midtrans.Config{ServerKey: MidtransServerKey}, nil, env.Log)
	require.NoError(t, err)
	env.Registry = adapters.NewRegistry(tripayAdapter, midtransAdapter)

	env.Catalog = catalogservice.New(env.Log, env.Cfg.Currency, env.Billing)
	env.SubscriptionRepo = subscriptionrepository.Provide()
	env.InvoiceRepo = invoicerepository.Provide()
	env.PaymentRepo = paymentrepository.Provide()

	env.Notifications = notificationservice.NewService(notificationservice.Params{
		DB:     env.DB,
		Log:    env.Log,
		GenID:  env.Node,
		Clock:  env.Clock,
		Repo:   notificationrepository.Provide(),
		Sender: notificationservice.NewLogSender(env.Log),
	})
	env.Invoices = invoiceservice.NewService(invoiceservice.ServiceParam{
		DB:            env.DB,
		Log:           env.Log,
		GenID:         env.Node,
		Clock:         env.Clock,
		Cfg:           env.Cfg,
		Billing:       env.Billing,
		Repo:          env.InvoiceRepo,
		Subscriptions: env.SubscriptionRepo,
		Notifications: env.Notifications,
	})
	env.Payments = paymentservice.NewService(paymentservice.Params{
		DB:       env.DB,
		Log:      env.Log,
		GenID:    env.Node,
		Clock:    env.Clock,
		Registry: env.Registry,
		Repo:     env.PaymentRepo,
		Invoices: env.InvoiceRepo,
	})
	env.Subscriptions = subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:            env.DB,
		Log:           env.Log,
		GenID:         env.Node,
		Clock:         env.Clock,
		Cfg:           env.Cfg,
		Billing:       env.Billing,
		Repo:          env.SubscriptionRepo,
		Catalog:       env.Catalog,
		Invoices:      env.Invoices,
		Payments:      env.Payments,
		Notifications: env.Notifications,
	})
	env.Usage = usageservice.NewService(usageservice.ServiceParam{
		DB:            env.DB,
		Log:           env.Log,
		GenID:         env.Node,
		Clock:         env.Clock,
		Repo:          usagerepository.Provide(),
		Subscriptions: env.SubscriptionRepo,
		Catalog:       env.Catalog,
	})
	return env
}

// CreateTrial signs an organization up for tier without paying, which
// leaves a PENDING first invoice for paid tiers.
func (e *Env) CreateTrial(t *testing.T, tier catalogdomain.Tier) subscriptiondomain.CreateResult {
	t.Helper()
	res, err := e.Subscriptions.Create(context.Background(), subscriptiondomain.CreateRequest{
		OrgID:        e.Node.Generate(),
		Tier:         tier,
		BillingCycle: catalogdomain.BillingCycleMonthly,
	})
	require.NoError(t, err)
	return res
}

// SeedCharge stores a PENDING gateway transaction for invoice, as
// CreateCharge would before calling out.
func (e *Env) SeedCharge(t *testing.T, invoice *invoicedomain.Invoice, gateway string) *paymentdomain.PaymentTransaction {
	t.Helper()
	id := e.Node.Generate()
	now := e.Clock.Now()
	item := &paymentdomain.PaymentTransaction{
		ID:                   id,
		OrgID:                invoice.OrgID,
		InvoiceID:            invoice.ID,
		SubscriptionID:       invoice.SubscriptionID,
		Amount:               invoice.Total,
		Currency:             invoice.Currency,
		Status:               paymentdomain.PaymentStatusPending,
		PaymentMethod:        "QRIS",
		PaymentGateway:       gateway,
		GatewayTransactionID: invoice.InvoiceNumber + "-" + id.String(),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	require.NoError(t, e.PaymentRepo.Insert(context.Background(), e.DB, item))
	return item
}

// SeedSubscription stores a subscription directly, bypassing Create.
func (e *Env) SeedSubscription(t *testing.T, tier catalogdomain.Tier, status subscriptiondomain.SubscriptionStatus, price int64, periodStart, periodEnd time.Time) *subscriptiondomain.Subscription {
	t.Helper()
	sub := &subscriptiondomain.Subscription{
		ID:                 e.Node.Generate(),
		OrgID:              e.Node.Generate(),
		Tier:               tier,
		Status:             status,
		BillingCycle:       catalogdomain.BillingCycleMonthly,
		Price:              price,
		Currency:           e.Cfg.Currency,
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
	require.NoError(t, e.SubscriptionRepo.Insert(context.Background(), e.DB, sub))
	return sub
}
