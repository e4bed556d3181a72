package service

import (
	"context"
	"net/http"
	"time"

	"github.com/samber/lo"
	"github.com/smallbiznis/tenantbilling/internal/clock"
	"github.com/smallbiznis/tenantbilling/internal/errs"
	invoicedomain "github.com/smallbiznis/tenantbilling/internal/invoice/domain"
	notificationdomain "github.com/smallbiznis/tenantbilling/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/tenantbilling/internal/observability/metrics"
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/tenantbilling/internal/payment/domain"
	reconciledomain "github.com/smallbiznis/tenantbilling/internal/reconcile/domain"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Registry      *adapters.Registry
	Payments      paymentdomain.Repository
	InvoiceRepo   invoicedomain.Repository
	Invoices      invoicedomain.Service
	Subscriptions subscriptiondomain.Service
	Notifications notificationdomain.Service
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	registry      *adapters.Registry
	payments      paymentdomain.Repository
	invoiceRepo   invoicedomain.Repository
	invoices      invoicedomain.Service
	subscriptions subscriptiondomain.Service
	notifications notificationdomain.Service
	obsMetrics    *obsmetrics.Metrics
}

func NewService(p Params) reconciledomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("reconcile.service"),
		clock:         p.Clock,
		registry:      p.Registry,
		payments:      p.Payments,
		invoiceRepo:   p.InvoiceRepo,
		invoices:      p.Invoices,
		subscriptions: p.Subscriptions,
		notifications: p.Notifications,
		obsMetrics:    p.ObsMetrics,
	}
}

// Reconcile applies a gateway callback to its transaction, invoice and
// subscription in one database transaction.
//
// SUCCESS is sticky: once a transaction succeeded no later callback moves it,
// and a SUCCESS arriving after FAILED or CANCELLED still wins. Every callback
// that reaches a transaction is appended to its history, including replays.
func (s *Service) Reconcile(ctx context.Context, gatewayName string, payload []byte, headers http.Header) (reconciledomain.Result, error) {
	gateway, err := s.registry.Get(gatewayName)
	if err != nil {
		return reconciledomain.Result{}, err
	}
	name := gateway.Name()

	if !gateway.VerifyNotification(payload, gateway.SignatureFrom(payload, headers)) {
		s.obsMetrics.RecordReconciliation(ctx, name, "rejected")
		s.log.Warn("callback signature rejected", zap.String("gateway", name))
		return reconciledomain.Result{}, paymentdomain.ErrInvalidSignature
	}

	notification, err := gateway.ParseNotification(payload, headers)
	if errs.Is(err, paymentdomain.ErrEventIgnored) {
		s.obsMetrics.RecordReconciliation(ctx, name, string(reconciledomain.OutcomeIgnored))
		return reconciledomain.Result{Outcome: reconciledomain.OutcomeIgnored, Gateway: name, Reason: reconciledomain.ReasonEventIgnored}, nil
	}
	if err != nil {
		s.obsMetrics.RecordReconciliation(ctx, name, "invalid")
		return reconciledomain.Result{}, err
	}
	status := gateway.NormalizeStatus(notification)

	var result reconciledomain.Result
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.apply(ctx, tx, name, notification, status)
		return err
	})
	if err != nil {
		s.obsMetrics.RecordReconciliation(ctx, name, "error")
		s.log.Error("callback reconciliation failed",
			zap.String("gateway", name),
			zap.String("order_ref", notification.OrderRef),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return reconciledomain.Result{}, err
	}

	s.obsMetrics.RecordReconciliation(ctx, name, string(result.Outcome))
	s.log.Info("callback reconciled",
		zap.String("gateway", name),
		zap.String("order_ref", notification.OrderRef),
		zap.String("transaction_id", result.TransactionID.String()),
		zap.String("outcome", string(result.Outcome)),
		zap.String("previous_status", string(result.PreviousStatus)),
		zap.String("status", string(result.Status)),
	)
	return result, nil
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, gateway string, n paymentdomain.Notification, status paymentdomain.PaymentStatus) (reconciledomain.Result, error) {
	item, err := s.payments.FindByGatewayRefForUpdate(ctx, tx, gateway, n.OrderRef)
	if err != nil {
		return reconciledomain.Result{}, err
	}
	if item == nil {
		s.log.Warn("callback for unknown transaction",
			zap.String("gateway", gateway),
			zap.String("order_ref", n.OrderRef),
		)
		return reconciledomain.Result{}, paymentdomain.ErrTransactionNotFound
	}

	now := s.clock.Now()
	result := reconciledomain.Result{
		Gateway:        gateway,
		TransactionID:  item.ID,
		InvoiceID:      item.InvoiceID,
		SubscriptionID: item.SubscriptionID,
		PreviousStatus: item.Status,
		Status:         item.Status,
	}
	history, err := paymentdomain.AppendResponse(item.GatewayResponse, paymentdomain.ResponseEntry{
		ReceivedAt: now,
		Source:     paymentdomain.SourceNotification,
		Payload:    n.Payload,
	})
	if err != nil {
		return reconciledomain.Result{}, err
	}

	skip := func(outcome reconciledomain.Outcome, reason string) (reconciledomain.Result, error) {
		if err := s.payments.UpdateHistory(ctx, tx, item.ID, history, now); err != nil {
			return reconciledomain.Result{}, err
		}
		result.Outcome = outcome
		result.Reason = reason
		return result, nil
	}

	switch {
	case status == item.Status:
		return skip(reconciledomain.OutcomeDuplicate, "")
	case item.Status == paymentdomain.PaymentStatusSuccess:
		return skip(reconciledomain.OutcomeIgnored, reconciledomain.ReasonStickySuccess)
	case status == paymentdomain.PaymentStatusSuccess:
		return s.applySuccess(ctx, tx, item, n, history, now, result, skip)
	case item.Status.Terminal() || status == paymentdomain.PaymentStatusPending:
		return skip(reconciledomain.OutcomeIgnored, reconciledomain.ReasonTerminal)
	default:
		return s.applyFailure(ctx, tx, item, status, history, now, result)
	}
}

type skipFunc func(reconciledomain.Outcome, string) (reconciledomain.Result, error)

func (s *Service) applySuccess(ctx context.Context, tx *gorm.DB, item *paymentdomain.PaymentTransaction, n paymentdomain.Notification, history datatypes.JSON, now time.Time, result reconciledomain.Result, skip skipFunc) (reconciledomain.Result, error) {
	if n.Amount > 0 && n.Amount != item.Amount {
		s.log.Warn("callback amount does not match transaction",
			zap.String("transaction_id", item.ID.String()),
			zap.Int64("expected", item.Amount),
			zap.Int64("received", n.Amount),
		)
		return skip(reconciledomain.OutcomeIgnored, reconciledomain.ReasonAmountMismatch)
	}

	invoice, err := s.invoiceRepo.FindByIDForUpdate(ctx, tx, item.InvoiceID)
	if err != nil {
		return reconciledomain.Result{}, err
	}
	if invoice == nil {
		return reconciledomain.Result{}, invoicedomain.ErrInvoiceNotFound
	}
	if invoice.Status == invoicedomain.InvoiceStatusPaid {
		// Settled by another transaction; this money needs a refund.
		s.log.Warn("second payment for paid invoice",
			zap.String("transaction_id", item.ID.String()),
			zap.String("invoice_id", invoice.ID.String()),
		)
		return skip(reconciledomain.OutcomeIgnored, reconciledomain.ReasonInvoicePaid)
	}
	if invoice.Status == invoicedomain.InvoiceStatusVoid {
		s.log.Warn("payment for void invoice",
			zap.String("transaction_id", item.ID.String()),
			zap.String("invoice_id", invoice.ID.String()),
		)
		return skip(reconciledomain.OutcomeIgnored, reconciledomain.ReasonInvoiceVoid)
	}
	if item.Amount != invoice.Total {
		s.log.Warn("payment for superseded invoice amount",
			zap.String("transaction_id", item.ID.String()),
			zap.String("invoice_id", invoice.ID.String()),
			zap.Int64("charged", item.Amount),
			zap.Int64("invoice_total", invoice.Total),
		)
		return skip(reconciledomain.OutcomeIgnored, reconciledomain.ReasonInvoiceRepriced)
	}

	paidAt := now
	if n.PaidAt != nil {
		paidAt = *n.PaidAt
	}
	if err := s.transition(ctx, tx, item, paymentdomain.PaymentStatusSuccess, &paidAt, history, now); err != nil {
		return reconciledomain.Result{}, err
	}

	method, _ := lo.Coalesce(n.PaymentMethod, item.PaymentMethod, item.PaymentGateway)
	if _, err := s.invoices.MarkPaid(ctx, tx, invoice.ID, paidAt, method); err != nil {
		return reconciledomain.Result{}, err
	}
	if _, err := s.subscriptions.ApplyPaymentOutcome(ctx, tx, subscriptiondomain.PaymentOutcome{
		SubscriptionID: item.SubscriptionID,
		InvoiceKind:    invoice.Kind,
		PeriodStart:    invoice.PeriodStart,
		PaidAt:         paidAt,
	}); err != nil {
		return reconciledomain.Result{}, err
	}

	if _, err := s.notifications.Enqueue(ctx, tx, notificationdomain.Message{
		OrgID:          item.OrgID,
		SubscriptionID: item.SubscriptionID,
		Kind:           notificationdomain.KindPaymentSucceeded,
		Reference:      item.ID.String(),
		Payload: map[string]any{
			"invoiceId":     invoice.ID.String(),
			"invoiceNumber": invoice.InvoiceNumber,
			"amount":        item.Amount,
			"currency":      item.Currency,
			"gateway":       item.PaymentGateway,
			"paidAt":        paidAt,
		},
	}); err != nil {
		return reconciledomain.Result{}, err
	}

	result.Outcome = reconciledomain.OutcomeApplied
	result.Status = paymentdomain.PaymentStatusSuccess
	return result, nil
}

func (s *Service) applyFailure(ctx context.Context, tx *gorm.DB, item *paymentdomain.PaymentTransaction, status paymentdomain.PaymentStatus, history datatypes.JSON, now time.Time, result reconciledomain.Result) (reconciledomain.Result, error) {
	if err := s.transition(ctx, tx, item, status, nil, history, now); err != nil {
		return reconciledomain.Result{}, err
	}
	if _, err := s.invoices.MarkFailed(ctx, tx, item.InvoiceID); err != nil {
		return reconciledomain.Result{}, err
	}
	if _, err := s.notifications.Enqueue(ctx, tx, notificationdomain.Message{
		OrgID:          item.OrgID,
		SubscriptionID: item.SubscriptionID,
		Kind:           notificationdomain.KindPaymentFailed,
		Reference:      item.ID.String(),
		Payload: map[string]any{
			"invoiceId": item.InvoiceID.String(),
			"amount":    item.Amount,
			"currency":  item.Currency,
			"gateway":   item.PaymentGateway,
			"status":    status,
		},
	}); err != nil {
		return reconciledomain.Result{}, err
	}

	result.Outcome = reconciledomain.OutcomeApplied
	result.Status = status
	return result, nil
}

// transition is guarded on the status read under lock; a concurrent writer
// that got there first turns this into a conflict the caller may retry.
func (s *Service) transition(ctx context.Context, tx *gorm.DB, item *paymentdomain.PaymentTransaction, to paymentdomain.PaymentStatus, paidAt *time.Time, history datatypes.JSON, now time.Time) error {
	rows, err := s.payments.UpdateStatus(ctx, tx, item.ID, item.Status, to, paidAt, history, now)
	if err != nil {
		return err
	}
	if rows == 0 {
		return paymentdomain.ErrTransactionConflict
	}
	return nil
}
