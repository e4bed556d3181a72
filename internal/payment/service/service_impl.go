package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/tenantbilling/internal/clock"
	"github.com/smallbiznis/tenantbilling/internal/errs"
	invoicedomain "github.com/smallbiznis/tenantbilling/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/tenantbilling/internal/observability/metrics"
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/tenantbilling/internal/payment/domain"
	"github.com/smallbiznis/tenantbilling/internal/validation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Registry   *adapters.Registry
	Repo       paymentdomain.Repository
	Invoices   invoicedomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	registry   *adapters.Registry
	repo       paymentdomain.Repository
	invoices   invoicedomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		registry:   p.Registry,
		repo:       p.Repo,
		invoices:   p.Invoices,
		obsMetrics: p.ObsMetrics,
	}
}

// CreateCharge opens a payment for an invoice through the named gateway.
//
// The PENDING transaction is committed before the gateway is called so a
// callback racing the response always finds its row. The gateway result is
// appended to the row as re-read under lock, so such a callback keeps its
// status and history entry. A gateway failure leaves a still PENDING
// transaction FAILED with the error in its history.
func (s *Service) CreateCharge(ctx context.Context, req paymentdomain.CreateChargeRequest) (*paymentdomain.PaymentTransaction, error) {
	gateway, err := s.registry.Get(req.Gateway)
	if err != nil {
		return nil, err
	}
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	var (
		item    *paymentdomain.PaymentTransaction
		invoice *invoicedomain.Invoice
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		invoice, err = s.invoices.FindByIDForUpdate(ctx, tx, req.InvoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		switch invoice.Status {
		case invoicedomain.InvoiceStatusPaid:
			return paymentdomain.ErrAlreadyPaid
		case invoicedomain.InvoiceStatusPending, invoicedomain.InvoiceStatusFailed:
		default:
			return paymentdomain.ErrInvoiceNotPayable
		}
		if invoice.Total <= 0 {
			return paymentdomain.ErrInvoiceNotPayable
		}
		paid, err := s.repo.FindSuccessfulByInvoice(ctx, tx, invoice.ID)
		if err != nil {
			return err
		}
		if paid != nil {
			return paymentdomain.ErrAlreadyPaid
		}

		now := s.clock.Now()
		id := s.genID.Generate()
		requestLog, _ := json.Marshal(map[string]any{
			"gateway": gateway.Name(),
			"method":  req.Method,
			"amount":  invoice.Total,
		})
		history, err := paymentdomain.AppendResponse(nil, paymentdomain.ResponseEntry{
			ReceivedAt: now,
			Source:     paymentdomain.SourceChargeRequest,
			Payload:    requestLog,
		})
		if err != nil {
			return err
		}
		item = &paymentdomain.PaymentTransaction{
			ID:                   id,
			OrgID:                invoice.OrgID,
			InvoiceID:            invoice.ID,
			SubscriptionID:       invoice.SubscriptionID,
			Amount:               invoice.Total,
			Currency:             invoice.Currency,
			Status:               paymentdomain.PaymentStatusPending,
			PaymentMethod:        strings.TrimSpace(req.Method),
			PaymentGateway:       gateway.Name(),
			GatewayTransactionID: fmt.Sprintf("%s-%s", invoice.InvoiceNumber, id.String()),
			GatewayResponse:      history,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		return s.repo.Insert(ctx, tx, item)
	})
	if err != nil {
		return nil, err
	}

	charge := paymentdomain.ChargeRequest{
		OrderRef:  item.GatewayTransactionID,
		Amount:    item.Amount,
		Currency:  item.Currency,
		Method:    item.PaymentMethod,
		Customer:  req.Customer,
		LineItems: chargeLines(invoice),
	}
	if due := invoice.DueDate; due.After(s.clock.Now().Add(time.Hour)) {
		charge.ExpiresAt = &due
	}

	started := time.Now()
	result, chargeErr := gateway.CreateCharge(ctx, charge)
	s.obsMetrics.RecordGatewayCall(ctx, gateway.Name(), time.Since(started), chargeErr)

	if chargeErr != nil {
		s.log.Warn("gateway charge failed",
			zap.String("gateway", gateway.Name()),
			zap.String("transaction_id", item.ID.String()),
			zap.String("invoice_id", item.InvoiceID.String()),
			zap.Error(chargeErr),
		)
		if err := s.failCharge(ctx, item, result, chargeErr); err != nil {
			s.log.Error("record charge failure", zap.String("transaction_id", item.ID.String()), zap.Error(err))
		}
		if errs.KindOf(chargeErr) == nil {
			chargeErr = errs.Wrap(errs.ErrGateway, chargeErr, "create charge")
		}
		return nil, errs.Mark(chargeErr, paymentdomain.ErrGatewayFailure)
	}

	var stored *paymentdomain.PaymentTransaction
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := s.repo.FindByIDForUpdate(ctx, tx, item.ID)
		if err != nil {
			return err
		}
		if fresh == nil {
			return paymentdomain.ErrTransactionNotFound
		}
		now := s.clock.Now()
		history, err := paymentdomain.AppendResponse(fresh.GatewayResponse, paymentdomain.ResponseEntry{
			ReceivedAt: now,
			Source:     paymentdomain.SourceChargeResponse,
			Payload:    result.Raw,
		})
		if err != nil {
			return err
		}
		fresh.ExternalRef = optional(result.ExternalRef)
		fresh.RedirectURL = optional(result.RedirectURL)
		fresh.PayCode = optional(result.PayCode)
		fresh.GatewayResponse = history
		fresh.UpdatedAt = now
		stored = fresh
		return s.repo.UpdateChargeResult(ctx, tx, fresh)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("charge created",
		zap.String("gateway", gateway.Name()),
		zap.String("transaction_id", stored.ID.String()),
		zap.String("order_ref", stored.GatewayTransactionID),
		zap.String("status", string(stored.Status)),
		zap.Int64("amount", stored.Amount),
	)
	return stored, nil
}

// failCharge records a gateway error against the stored row. A callback may
// already have settled the attempt, in which case only history is appended.
func (s *Service) failCharge(ctx context.Context, item *paymentdomain.PaymentTransaction, result paymentdomain.ChargeResult, chargeErr error) error {
	payload := result.Raw
	if len(payload) == 0 {
		payload, _ = json.Marshal(map[string]string{"error": chargeErr.Error()})
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := s.repo.FindByIDForUpdate(ctx, tx, item.ID)
		if err != nil {
			return err
		}
		if fresh == nil {
			return paymentdomain.ErrTransactionNotFound
		}
		now := s.clock.Now()
		history, err := paymentdomain.AppendResponse(fresh.GatewayResponse, paymentdomain.ResponseEntry{
			ReceivedAt: now,
			Source:     paymentdomain.SourceChargeError,
			Payload:    payload,
		})
		if err != nil {
			return err
		}
		if fresh.Status != paymentdomain.PaymentStatusPending {
			return s.repo.UpdateHistory(ctx, tx, fresh.ID, history, now)
		}
		_, err = s.repo.UpdateStatus(ctx, tx, fresh.ID,
			paymentdomain.PaymentStatusPending, paymentdomain.PaymentStatusFailed, nil, history, now)
		return err
	})
}

// SupersedeOpenCharges cancels the PENDING attempts against invoiceID. A
// callback that later reports success for one of them is not applied.
func (s *Service) SupersedeOpenCharges(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, reason string) (int, error) {
	open, err := s.repo.ListPendingByInvoiceForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	cancelled := 0
	for _, item := range open {
		history, err := paymentdomain.AppendResponse(item.GatewayResponse, paymentdomain.ResponseEntry{
			ReceivedAt: now,
			Source:     paymentdomain.SourceSuperseded,
			Payload:    payload,
		})
		if err != nil {
			return cancelled, err
		}
		rows, err := s.repo.UpdateStatus(ctx, tx, item.ID,
			paymentdomain.PaymentStatusPending, paymentdomain.PaymentStatusCancelled, nil, history, now)
		if err != nil {
			return cancelled, err
		}
		cancelled += int(rows)
	}
	if cancelled > 0 {
		s.log.Info("open charges superseded",
			zap.String("invoice_id", invoiceID.String()),
			zap.String("reason", reason),
			zap.Int("count", cancelled),
		)
	}
	return cancelled, nil
}

// RecordManualPayment stores a SUCCESS transaction for money collected
// outside the gateways. It runs inside the caller's transaction.
func (s *Service) RecordManualPayment(ctx context.Context, tx *gorm.DB, invoiceID, subscriptionID, orgID snowflake.ID, amount int64, method, reference string, paidAt time.Time) (*paymentdomain.PaymentTransaction, error) {
	if amount < 0 || strings.TrimSpace(method) == "" {
		return nil, paymentdomain.ErrInvalidCharge
	}
	paid, err := s.repo.FindSuccessfulByInvoice(ctx, tx, invoiceID)
	if err != nil {
		return nil, err
	}
	if paid != nil {
		return nil, paymentdomain.ErrAlreadyPaid
	}

	id := s.genID.Generate()
	ref := strings.TrimSpace(reference)
	if ref == "" {
		ref = id.String()
	}
	payload, _ := json.Marshal(map[string]string{"method": method, "reference": ref})
	history, err := paymentdomain.AppendResponse(nil, paymentdomain.ResponseEntry{
		ReceivedAt: paidAt,
		Source:     paymentdomain.SourceManual,
		Payload:    payload,
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	item := &paymentdomain.PaymentTransaction{
		ID:                   id,
		OrgID:                orgID,
		InvoiceID:            invoiceID,
		SubscriptionID:       subscriptionID,
		Amount:               amount,
		Status:               paymentdomain.PaymentStatusSuccess,
		PaymentMethod:        method,
		PaymentGateway:       paymentdomain.GatewayManual,
		GatewayTransactionID: ref,
		ExternalRef:          lo.ToPtr(ref),
		GatewayResponse:      history,
		PaidAt:               lo.ToPtr(paidAt),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	invoice, err := s.invoices.FindByID(ctx, tx, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice != nil {
		item.Currency = invoice.Currency
	}
	if err := s.repo.Insert(ctx, tx, item); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Service) ListByInvoice(ctx context.Context, invoiceID snowflake.ID) ([]paymentdomain.PaymentTransaction, error) {
	return s.repo.ListByInvoice(ctx, s.db, invoiceID)
}

// chargeLines sends the invoice lines when they add up to the total, and a
// single summary line otherwise; gateways reject item lists that disagree
// with the amount.
func chargeLines(invoice *invoicedomain.Invoice) []paymentdomain.LineItem {
	var lines []invoicedomain.LineItem
	_ = json.Unmarshal(invoice.LineItems, &lines)

	sum := lo.SumBy(lines, func(l invoicedomain.LineItem) int64 { return l.UnitPrice * l.Quantity })
	allPositive := lo.EveryBy(lines, func(l invoicedomain.LineItem) bool { return l.UnitPrice > 0 && l.Quantity > 0 })
	if len(lines) > 0 && sum == invoice.Total && allPositive {
		return lo.Map(lines, func(l invoicedomain.LineItem, _ int) paymentdomain.LineItem {
			return paymentdomain.LineItem{SKU: l.SKU, Name: l.Name, UnitPrice: l.UnitPrice, Quantity: l.Quantity}
		})
	}
	return []paymentdomain.LineItem{{
		SKU:       string(invoice.Kind),
		Name:      "Invoice " + invoice.InvoiceNumber,
		UnitPrice: invoice.Total,
		Quantity:  1,
	}}
}

func optional(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}
