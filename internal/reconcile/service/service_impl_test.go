package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	catalogdomain "github.com/smallbiznis/tenantbilling/internal/catalog/domain"
	"github.com/smallbiznis/tenantbilling/internal/errs"
	invoicedomain "github.com/smallbiznis/tenantbilling/internal/invoice/domain"
	notificationdomain "github.com/smallbiznis/tenantbilling/internal/notification/domain"
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters/midtrans"
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters/tripay"
	paymentdomain "github.com/smallbiznis/tenantbilling/internal/payment/domain"
	reconciledomain "github.com/smallbiznis/tenantbilling/internal/reconcile/domain"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"github.com/smallbiznis/tenantbilling/internal/testutil/billingtest"
	"github.com/stretchr/testify/assert"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	env     *billingtest.Env
	svc     reconciledomain.Service
	sub     *subscriptiondomain.Subscription
	invoice *invoicedomain.Invoice
	charge  *paymentdomain.PaymentTransaction
}

func newFixture(t *testing.T, gateway string) fixture {
	t.Helper()
	env := billingtest.New(t)
	svc := NewService(Params{
		DB:            env.DB,
		Log:           env.Log,
		Clock:         env.Clock,
		Registry:      env.Registry,
		Payments:      env.PaymentRepo,
		InvoiceRepo:   env.InvoiceRepo,
		Invoices:      env.Invoices,
		Subscriptions: env.Subscriptions,
		Notifications: env.Notifications,
	})
	created := env.CreateTrial(t, catalogdomain.TierBasic)
	require.NotNil(t, created.Invoice)
	charge := env.SeedCharge(t, created.Invoice, gateway)
	return fixture{env: env, svc: svc, sub: created.Subscription, invoice: created.Invoice, charge: charge}
}

func tripayCallback(t *testing.T, orderRef, status string, amount int64, paidAt time.Time) ([]byte, http.Header) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"reference":           "T0001" + orderRef,
		"merchant_ref":        orderRef,
		"payment_method":      "QRIS by ShopeePay",
		"payment_method_code": "QRIS",
		"total_amount":        amount,
		"amount_received":     amount,
		"is_closed_payment":   1,
		"status":              status,
		"paid_at":             paidAt.Unix(),
	})
	require.NoError(t, err)
	headers := http.Header{}
	headers.Set(tripay.HeaderSignature, tripay.Sign(string(body), billingtest.TripayPrivateKey))
	headers.Set(tripay.HeaderEvent, tripay.EventPayment)
	return body, headers
}

func (f fixture) reconcile(t *testing.T, status string) reconciledomain.Result {
	t.Helper()
	body, headers := tripayCallback(t, f.charge.GatewayTransactionID, status, f.charge.Amount, billingtest.Start.Add(time.Hour))
	res, err := f.svc.Reconcile(context.Background(), tripay.Name, body, headers)
	require.NoError(t, err)
	return res
}

func (f fixture) state(t *testing.T) (*paymentdomain.PaymentTransaction, *invoicedomain.Invoice, *subscriptiondomain.Subscription) {
	t.Helper()
	ctx := context.Background()
	charge, err := f.env.PaymentRepo.FindByID(ctx, f.env.DB, f.charge.ID)
	require.NoError(t, err)
	invoice, err := f.env.Invoices.GetByID(ctx, f.invoice.ID)
	require.NoError(t, err)
	sub, err := f.env.Subscriptions.GetByID(ctx, f.sub.ID)
	require.NoError(t, err)
	return charge, invoice, sub
}

func historyLen(t *testing.T, charge *paymentdomain.PaymentTransaction) int {
	t.Helper()
	if len(charge.GatewayResponse) == 0 {
		return 0
	}
	var entries []paymentdomain.ResponseEntry
	require.NoError(t, json.Unmarshal(charge.GatewayResponse, &entries))
	return len(entries)
}

func TestSuccessPaysInvoiceAndActivatesSubscription(t *testing.T) {
	f := newFixture(t, tripay.Name)

	res := f.reconcile(t, "PAID")
	assert.Equal(t, reconciledomain.OutcomeApplied, res.Outcome)
	assert.Equal(t, paymentdomain.PaymentStatusPending, res.PreviousStatus)
	assert.Equal(t, paymentdomain.PaymentStatusSuccess, res.Status)
	assert.Equal(t, f.invoice.ID, res.InvoiceID)

	charge, invoice, sub := f.state(t)
	paidAt := billingtest.Start.Add(time.Hour)
	assert.Equal(t, paymentdomain.PaymentStatusSuccess, charge.Status)
	require.NotNil(t, charge.PaidAt)
	assert.True(t, paidAt.Equal(*charge.PaidAt))
	assert.Equal(t, 1, historyLen(t, charge))

	assert.Equal(t, invoicedomain.InvoiceStatusPaid, invoice.Status)
	require.NotNil(t, invoice.PaymentMethod)
	assert.Equal(t, "QRIS", *invoice.PaymentMethod)

	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.Nil(t, sub.TrialEndDate)
	assert.True(t, paidAt.AddDate(0, 1, 0).Equal(sub.CurrentPeriodEnd))

	notes, err := f.env.Notifications.ListBySubscription(context.Background(), f.sub.ID)
	require.NoError(t, err)
	kinds := make([]notificationdomain.Kind, 0, len(notes))
	for _, n := range notes {
		kinds = append(kinds, n.Kind)
	}
	assert.Contains(t, kinds, notificationdomain.KindPaymentSucceeded)
}

func TestReplayedSuccessIsIdempotent(t *testing.T) {
	f := newFixture(t, tripay.Name)

	first := f.reconcile(t, "PAID")
	require.Equal(t, reconciledomain.OutcomeApplied, first.Outcome)
	_, invoiceAfterFirst, subAfterFirst := f.state(t)

	second := f.reconcile(t, "PAID")
	assert.Equal(t, reconciledomain.OutcomeDuplicate, second.Outcome)

	charge, invoice, sub := f.state(t)
	assert.Equal(t, paymentdomain.PaymentStatusSuccess, charge.Status)
	assert.Equal(t, 2, historyLen(t, charge))
	assert.Equal(t, invoiceAfterFirst.Status, invoice.Status)
	assert.Equal(t, subAfterFirst.Version, sub.Version)
	assert.True(t, subAfterFirst.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd))

	notes, err := f.env.Notifications.ListBySubscription(context.Background(), f.sub.ID)
	require.NoError(t, err)
	succeeded := 0
	for _, n := range notes {
		if n.Kind == notificationdomain.KindPaymentSucceeded {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestPendingAfterSuccessIsNoOp(t *testing.T) {
	f := newFixture(t, tripay.Name)

	f.reconcile(t, "PAID")
	res := f.reconcile(t, "UNPAID")
	assert.Equal(t, reconciledomain.OutcomeIgnored, res.Outcome)
	assert.Equal(t, reconciledomain.ReasonStickySuccess, res.Reason)

	charge, invoice, _ := f.state(t)
	assert.Equal(t, paymentdomain.PaymentStatusSuccess, charge.Status)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, invoice.Status)
}

func TestSuccessWinsInEitherOrder(t *testing.T) {
	orders := map[string][]string{
		"success first": {"PAID", "FAILED"},
		"failure first": {"FAILED", "PAID"},
	}
	for name, statuses := range orders {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, tripay.Name)
			for _, status := range statuses {
				f.reconcile(t, status)
			}

			charge, invoice, sub := f.state(t)
			assert.Equal(t, paymentdomain.PaymentStatusSuccess, charge.Status)
			assert.Equal(t, invoicedomain.InvoiceStatusPaid, invoice.Status)
			assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
		})
	}
}

func TestFailureMarksInvoiceFailedOnly(t *testing.T) {
	f := newFixture(t, tripay.Name)

	res := f.reconcile(t, "EXPIRED")
	assert.Equal(t, reconciledomain.OutcomeApplied, res.Outcome)
	assert.Equal(t, paymentdomain.PaymentStatusCancelled, res.Status)

	charge, invoice, sub := f.state(t)
	assert.Equal(t, paymentdomain.PaymentStatusCancelled, charge.Status)
	assert.Equal(t, invoicedomain.InvoiceStatusFailed, invoice.Status)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusTrial, sub.Status)

	res = f.reconcile(t, "FAILED")
	assert.Equal(t, reconciledomain.OutcomeIgnored, res.Outcome)
	assert.Equal(t, reconciledomain.ReasonTerminal, res.Reason)
}

func TestBadSignatureIsRejectedBeforeLookup(t *testing.T) {
	f := newFixture(t, tripay.Name)

	body, headers := tripayCallback(t, f.charge.GatewayTransactionID, "PAID", f.charge.Amount, billingtest.Start)
	headers.Set(tripay.HeaderSignature, tripay.Sign(string(body), "someone-else"))

	_, err := f.svc.Reconcile(context.Background(), tripay.Name, body, headers)
	assert.True(t, errs.Is(err, paymentdomain.ErrInvalidSignature))
	assert.Equal(t, errs.ErrInvalidSignature, errs.KindOf(err))

	charge, invoice, _ := f.state(t)
	assert.Equal(t, paymentdomain.PaymentStatusPending, charge.Status)
	assert.Equal(t, 0, historyLen(t, charge))
	assert.Equal(t, invoicedomain.InvoiceStatusPending, invoice.Status)
}

func TestUnknownTransaction(t *testing.T) {
	f := newFixture(t, tripay.Name)

	body, headers := tripayCallback(t, "INV-UNKNOWN-1", "PAID", 299_000, billingtest.Start)
	_, err := f.svc.Reconcile(context.Background(), tripay.Name, body, headers)
	assert.True(t, errs.Is(err, paymentdomain.ErrTransactionNotFound))
}

func TestUnknownGateway(t *testing.T) {
	f := newFixture(t, tripay.Name)

	_, err := f.svc.Reconcile(context.Background(), "paypal", []byte(`{}`), http.Header{})
	assert.True(t, errs.Is(err, paymentdomain.ErrGatewayNotFound))
}

func TestNonPaymentEventIsIgnored(t *testing.T) {
	f := newFixture(t, tripay.Name)

	body, headers := tripayCallback(t, f.charge.GatewayTransactionID, "PAID", f.charge.Amount, billingtest.Start)
	headers.Set(tripay.HeaderEvent, "transaction_created")

	res, err := f.svc.Reconcile(context.Background(), tripay.Name, body, headers)
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.OutcomeIgnored, res.Outcome)
	assert.Equal(t, reconciledomain.ReasonEventIgnored, res.Reason)
}

func TestAmountMismatchDoesNotPay(t *testing.T) {
	f := newFixture(t, tripay.Name)

	body, headers := tripayCallback(t, f.charge.GatewayTransactionID, "PAID", 1_000, billingtest.Start)
	res, err := f.svc.Reconcile(context.Background(), tripay.Name, body, headers)
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.OutcomeIgnored, res.Outcome)
	assert.Equal(t, reconciledomain.ReasonAmountMismatch, res.Reason)

	charge, invoice, _ := f.state(t)
	assert.Equal(t, paymentdomain.PaymentStatusPending, charge.Status)
	assert.Equal(t, 1, historyLen(t, charge))
	assert.Equal(t, invoicedomain.InvoiceStatusPending, invoice.Status)
}

func TestSuccessForVoidInvoiceIsIgnored(t *testing.T) {
	f := newFixture(t, tripay.Name)
	_, err := f.env.Invoices.Void(context.Background(), f.env.DB, f.invoice.ID)
	require.NoError(t, err)

	res := f.reconcile(t, "PAID")
	assert.Equal(t, reconciledomain.OutcomeIgnored, res.Outcome)
	assert.Equal(t, reconciledomain.ReasonInvoiceVoid, res.Reason)

	charge, invoice, sub := f.state(t)
	assert.Equal(t, paymentdomain.PaymentStatusPending, charge.Status)
	assert.Equal(t, invoicedomain.InvoiceStatusVoid, invoice.Status)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusTrial, sub.Status)
}

func TestSuccessForRepricedInvoiceIsIgnored(t *testing.T) {
	f := newFixture(t, tripay.Name)
	_, err := f.env.Subscriptions.Change(context.Background(), subscriptiondomain.ChangeRequest{
		SubscriptionID: f.sub.ID,
		NewTier:        catalogdomain.TierPremium,
	})
	require.NoError(t, err)

	charge, invoice, _ := f.state(t)
	require.Equal(t, paymentdomain.PaymentStatusCancelled, charge.Status)
	require.NotEqual(t, f.charge.Amount, invoice.Total)

	res := f.reconcile(t, "PAID")
	assert.Equal(t, reconciledomain.OutcomeIgnored, res.Outcome)
	assert.Equal(t, reconciledomain.ReasonInvoiceRepriced, res.Reason)

	charge, invoice, sub := f.state(t)
	assert.Equal(t, paymentdomain.PaymentStatusCancelled, charge.Status)
	assert.Equal(t, invoicedomain.InvoiceStatusPending, invoice.Status)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusTrial, sub.Status)
}

func TestConcurrentCallbacksSettleOnce(t *testing.T) {
	for round := 0; round < 5; round++ {
		t.Run(fmt.Sprintf("round %d", round), func(t *testing.T) {
			f := newFixture(t, tripay.Name)
			statuses := []string{"PAID", "FAILED", "PAID", "EXPIRED"}

			var (
				mu       sync.Mutex
				outcomes []reconciledomain.Outcome
				failures []error
			)
			start := make(chan struct{})
			var wg conc.WaitGroup
			for _, status := range statuses {
				body, headers := tripayCallback(t, f.charge.GatewayTransactionID, status, f.charge.Amount, billingtest.Start.Add(time.Hour))
				wg.Go(func() {
					<-start
					res, err := f.svc.Reconcile(context.Background(), tripay.Name, body, headers)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						failures = append(failures, err)
						return
					}
					outcomes = append(outcomes, res.Outcome)
				})
			}
			close(start)
			wg.Wait()

			// Losers either see the winner's row or surface a retryable conflict.
			for _, err := range failures {
				assert.Equal(t, errs.ErrConcurrencyConflict, errs.KindOf(err), err)
			}
			applied := 0
			for _, outcome := range outcomes {
				if outcome == reconciledomain.OutcomeApplied {
					applied++
				}
			}
			assert.GreaterOrEqual(t, applied, 1)

			charge, invoice, sub := f.state(t)
			assert.Equal(t, paymentdomain.PaymentStatusSuccess, charge.Status)
			assert.Equal(t, invoicedomain.InvoiceStatusPaid, invoice.Status)
			assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
			paidAt := billingtest.Start.Add(time.Hour)
			assert.True(t, paidAt.Equal(sub.CurrentPeriodStart), sub.CurrentPeriodStart)
			assert.True(t, paidAt.AddDate(0, 1, 0).Equal(sub.CurrentPeriodEnd), sub.CurrentPeriodEnd)
			assert.Equal(t, len(statuses)-len(failures), historyLen(t, charge))
		})
	}
}

func TestMidtransSettlement(t *testing.T) {
	f := newFixture(t, midtrans.Name)

	gross := fmt.Sprintf("%d.00", f.charge.Amount)
	body, err := json.Marshal(map[string]any{
		"transaction_status": "settlement",
		"status_code":        "200",
		"order_id":           f.charge.GatewayTransactionID,
		"gross_amount":       gross,
		"payment_type":       "bank_transfer",
		"transaction_id":     "9aed5972-5b6a-401e-894b-a32c91ed1a3a",
		"settlement_time":    "2024-06-01 18:30:00",
		"signature_key":      midtrans.Signature(f.charge.GatewayTransactionID, "200", gross, billingtest.MidtransServerKey),
	})
	require.NoError(t, err)

	res, err := f.svc.Reconcile(context.Background(), midtrans.Name, body, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.OutcomeApplied, res.Outcome)

	charge, invoice, sub := f.state(t)
	assert.Equal(t, paymentdomain.PaymentStatusSuccess, charge.Status)
	require.NotNil(t, charge.PaidAt)
	assert.True(t, time.Date(2024, 6, 1, 11, 30, 0, 0, time.UTC).Equal(*charge.PaidAt))
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, invoice.Status)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
}
