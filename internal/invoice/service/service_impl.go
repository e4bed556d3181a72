package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/tenantbilling/internal/clock"
	"github.com/smallbiznis/tenantbilling/internal/config"
	"github.com/smallbiznis/tenantbilling/internal/errs"
	invoicedomain "github.com/smallbiznis/tenantbilling/internal/invoice/domain"
	"github.com/smallbiznis/tenantbilling/internal/invoice/format"
	notificationdomain "github.com/smallbiznis/tenantbilling/internal/notification/domain"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"github.com/smallbiznis/tenantbilling/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PaymentMethodCredit marks invoices settled entirely from subscription credit.
const PaymentMethodCredit = "credit"

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Cfg           config.Config
	Billing       *config.BillingConfigHolder
	Repo          invoicedomain.Repository
	Subscriptions subscriptiondomain.Repository
	Notifications notificationdomain.Service
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	currency      string
	billing       *config.BillingConfigHolder
	repo          invoicedomain.Repository
	subscriptions subscriptiondomain.Repository
	notifications notificationdomain.Service
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("invoice.service"),
		genID: p.GenID,
		clock: p.Clock,

		currency:      p.Cfg.Currency,
		billing:       p.Billing,
		repo:          p.Repo,
		subscriptions: p.Subscriptions,
		notifications: p.Notifications,
	}
}

// CreateForSubscription issues an invoice inside tx. Renewal invoices are
// unique per period: a second request for the same period returns the
// existing invoice with Existing set, unless that invoice was voided, in
// which case it is issued again under the same number. An invoice fully
// covered by credit is issued already PAID.
func (s *Service) CreateForSubscription(ctx context.Context, tx *gorm.DB, req invoicedomain.CreateRequest) (invoicedomain.CreateResult, error) {
	if err := validateCreate(req); err != nil {
		return invoicedomain.CreateResult{}, err
	}

	var voided *invoicedomain.Invoice
	if req.Kind == invoicedomain.InvoiceKindRenewal && req.PeriodStart != nil {
		existing, err := s.repo.FindByPeriod(ctx, tx, req.SubscriptionID, req.Kind, *req.PeriodStart)
		if err != nil {
			return invoicedomain.CreateResult{}, err
		}
		if existing != nil && existing.Status != invoicedomain.InvoiceStatusVoid {
			return invoicedomain.CreateResult{Invoice: existing, Balance: req.Balance, Existing: true}, nil
		}
		voided = existing
	}

	cfg := s.billing.Get()
	issuedAt := req.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = s.clock.Now()
	}
	totals := invoicedomain.ComputeTotals(req.Lines, req.Balance, req.DiscountPercent, cfg.TaxPercent)

	id, number, createdAt := s.genID.Generate(), "", issuedAt
	if voided != nil {
		id, number, createdAt = voided.ID, voided.InvoiceNumber, voided.CreatedAt
	} else {
		var err error
		if number, err = s.nextNumber(ctx, tx, cfg.InvoiceNumberTemplate, issuedAt); err != nil {
			return invoicedomain.CreateResult{}, err
		}
	}
	lines, err := json.Marshal(totals.Lines)
	if err != nil {
		return invoicedomain.CreateResult{}, err
	}

	invoice := &invoicedomain.Invoice{
		ID:             id,
		OrgID:          req.OrgID,
		SubscriptionID: req.SubscriptionID,
		InvoiceNumber:  number,
		Kind:           req.Kind,
		Status:         invoicedomain.InvoiceStatusPending,
		Currency:       s.currency,
		Subtotal:       totals.Subtotal,
		Discount:       totals.Discount,
		Tax:            totals.Tax,
		Total:          totals.Total,
		Amount:         totals.Total,
		AppliedBalance: totals.Applied(req.Balance),
		PeriodStart:    req.PeriodStart,
		PeriodEnd:      req.PeriodEnd,
		IssuedAt:       issuedAt,
		DueDate:        issuedAt.AddDate(0, 0, cfg.InvoiceDueDays),
		LineItems:      datatypes.JSON(lines),
		CreatedAt:      createdAt,
		UpdatedAt:      issuedAt,
	}
	if invoice.Total == 0 {
		invoice.Status = invoicedomain.InvoiceStatusPaid
		invoice.PaidDate = lo.ToPtr(issuedAt)
		invoice.PaymentMethod = lo.ToPtr(PaymentMethodCredit)
	}

	if voided != nil {
		rows, err := s.repo.UpdateAmounts(ctx, tx, invoice, []invoicedomain.InvoiceStatus{invoicedomain.InvoiceStatusVoid})
		if err != nil {
			return invoicedomain.CreateResult{}, err
		}
		if rows == 0 {
			return invoicedomain.CreateResult{}, invoicedomain.ErrStatusConflict
		}
	} else if err := s.repo.Insert(ctx, tx, invoice); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return invoicedomain.CreateResult{}, errs.Mark(err, invoicedomain.ErrStatusConflict)
		}
		return invoicedomain.CreateResult{}, err
	}

	if invoice.Status == invoicedomain.InvoiceStatusPending {
		if _, err := s.notifications.Enqueue(ctx, tx, notificationdomain.Message{
			OrgID:          invoice.OrgID,
			SubscriptionID: invoice.SubscriptionID,
			Kind:           notificationdomain.KindInvoiceIssued,
			Reference:      invoice.ID.String(),
			Payload: map[string]any{
				"invoiceNumber": invoice.InvoiceNumber,
				"kind":          invoice.Kind,
				"total":         invoice.Total,
				"currency":      invoice.Currency,
				"dueDate":       invoice.DueDate,
			},
		}); err != nil {
			return invoicedomain.CreateResult{}, err
		}
	}

	s.log.Info("invoice issued",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("invoice_number", invoice.InvoiceNumber),
		zap.String("subscription_id", invoice.SubscriptionID.String()),
		zap.String("kind", string(invoice.Kind)),
		zap.String("status", string(invoice.Status)),
		zap.Int64("total", invoice.Total),
	)

	return invoicedomain.CreateResult{Invoice: invoice, Balance: totals.Balance}, nil
}

// MarkPaid settles a PENDING or FAILED invoice. Paying an already PAID
// invoice returns it unchanged.
func (s *Service) MarkPaid(ctx context.Context, tx *gorm.DB, id snowflake.ID, paidAt time.Time, method string) (*invoicedomain.Invoice, error) {
	invoice, err := s.lock(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	switch invoice.Status {
	case invoicedomain.InvoiceStatusPaid:
		return invoice, nil
	case invoicedomain.InvoiceStatusVoid:
		return nil, invoicedomain.ErrInvoiceImmutable
	}

	var methodPtr *string
	if method != "" {
		methodPtr = &method
	}
	rows, err := s.repo.UpdateStatus(ctx, tx, id,
		[]invoicedomain.InvoiceStatus{invoicedomain.InvoiceStatusPending, invoicedomain.InvoiceStatusFailed},
		invoicedomain.InvoiceStatusPaid, &paidAt, methodPtr, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, invoicedomain.ErrStatusConflict
	}
	return s.repo.FindByID(ctx, tx, id)
}

// MarkFailed fails a PENDING invoice. FAILED and PAID invoices are returned
// unchanged so a late failure never overrides a payment.
func (s *Service) MarkFailed(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	invoice, err := s.lock(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if invoice.Status != invoicedomain.InvoiceStatusPending {
		return invoice, nil
	}

	rows, err := s.repo.UpdateStatus(ctx, tx, id,
		[]invoicedomain.InvoiceStatus{invoicedomain.InvoiceStatusPending},
		invoicedomain.InvoiceStatusFailed, nil, nil, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, invoicedomain.ErrStatusConflict
	}
	return s.repo.FindByID(ctx, tx, id)
}

// Reprice replaces the lines of an unpaid invoice and recomputes its totals.
// The balance the invoice consumed when issued is returned to the pool before
// pricing, so repricing never charges or credits the same balance twice. A
// repriced invoice fully covered by credit is settled with method credit.
func (s *Service) Reprice(ctx context.Context, tx *gorm.DB, id snowflake.ID, req invoicedomain.RepriceRequest) (invoicedomain.RepriceResult, error) {
	if err := validateLines(req.Lines); err != nil {
		return invoicedomain.RepriceResult{}, err
	}
	invoice, err := s.lock(ctx, tx, id)
	if err != nil {
		return invoicedomain.RepriceResult{}, err
	}
	if !invoice.Status.Payable() {
		return invoicedomain.RepriceResult{}, invoicedomain.ErrInvoiceImmutable
	}

	available := req.Balance + invoice.AppliedBalance
	totals := invoicedomain.ComputeTotals(req.Lines, available, req.DiscountPercent, s.billing.Get().TaxPercent)
	raw, err := json.Marshal(totals.Lines)
	if err != nil {
		return invoicedomain.RepriceResult{}, err
	}
	now := s.clock.Now()
	previous := invoice.Status
	invoice.Status = invoicedomain.InvoiceStatusPending
	invoice.Subtotal = totals.Subtotal
	invoice.Discount = totals.Discount
	invoice.Tax = totals.Tax
	invoice.Total = totals.Total
	invoice.Amount = totals.Total
	invoice.AppliedBalance = totals.Applied(available)
	invoice.LineItems = datatypes.JSON(raw)
	invoice.UpdatedAt = now
	if invoice.Total == 0 {
		invoice.Status = invoicedomain.InvoiceStatusPaid
		invoice.PaidDate = lo.ToPtr(now)
		invoice.PaymentMethod = lo.ToPtr(PaymentMethodCredit)
	}

	rows, err := s.repo.UpdateAmounts(ctx, tx, invoice, []invoicedomain.InvoiceStatus{previous})
	if err != nil {
		return invoicedomain.RepriceResult{}, err
	}
	if rows == 0 {
		return invoicedomain.RepriceResult{}, invoicedomain.ErrStatusConflict
	}

	s.log.Info("invoice repriced",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("subscription_id", invoice.SubscriptionID.String()),
		zap.String("status", string(invoice.Status)),
		zap.Int64("total", invoice.Total),
	)
	return invoicedomain.RepriceResult{Invoice: invoice, Balance: totals.Balance}, nil
}

// Void closes an unpaid invoice. Voiding a VOID invoice returns it
// unchanged; a PAID invoice cannot be voided. The caller owns returning
// AppliedBalance to the subscription.
func (s *Service) Void(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	invoice, err := s.lock(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if invoice.Status == invoicedomain.InvoiceStatusVoid {
		return invoice, nil
	}
	if !invoice.Status.Payable() {
		return nil, invoicedomain.ErrInvoiceImmutable
	}

	rows, err := s.repo.UpdateStatus(ctx, tx, id,
		[]invoicedomain.InvoiceStatus{invoicedomain.InvoiceStatusPending, invoicedomain.InvoiceStatusFailed},
		invoicedomain.InvoiceStatusVoid, nil, nil, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, invoicedomain.ErrStatusConflict
	}
	s.log.Info("invoice voided",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("subscription_id", invoice.SubscriptionID.String()),
		zap.Int64("applied_balance", invoice.AppliedBalance),
	)
	return s.repo.FindByID(ctx, tx, id)
}

// CreateManual bills ad-hoc lines against a subscription outside its cycle.
func (s *Service) CreateManual(ctx context.Context, req invoicedomain.ManualRequest) (*invoicedomain.Invoice, error) {
	lines := lo.Map(req.Lines, func(line invoicedomain.LineItem, _ int) invoicedomain.LineItem {
		return invoicedomain.NewLineItem(line.SKU, line.Name, line.UnitPrice, line.Quantity)
	})
	if err := validateLines(lines); err != nil {
		return nil, err
	}

	var invoice *invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.subscriptions.FindByID(ctx, tx, req.SubscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if sub.Status == subscriptiondomain.SubscriptionStatusCancelled {
			return subscriptiondomain.ErrInvalidStateTransition
		}

		result, err := s.CreateForSubscription(ctx, tx, invoicedomain.CreateRequest{
			OrgID:          sub.OrgID,
			SubscriptionID: sub.ID,
			Kind:           invoicedomain.InvoiceKindManual,
			Lines:          lines,
			IssuedAt:       s.clock.Now(),
		})
		if err != nil {
			return err
		}
		invoice = result.Invoice
		return nil
	})
	if err != nil {
		return nil, err
	}
	return invoice, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*invoicedomain.Invoice, error) {
	invoice, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return invoice, nil
}

func (s *Service) ListBySubscription(ctx context.Context, subscriptionID snowflake.ID) ([]invoicedomain.Invoice, error) {
	return s.repo.ListBySubscription(ctx, s.db, subscriptionID)
}

func (s *Service) FindOpenBySubscription(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, kind invoicedomain.InvoiceKind) (*invoicedomain.Invoice, error) {
	if tx == nil {
		tx = s.db
	}
	return s.repo.FindOpenBySubscription(ctx, tx, subscriptionID, kind)
}

func (s *Service) lock(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	invoice, err := s.repo.FindByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return invoice, nil
}

func (s *Service) nextNumber(ctx context.Context, tx *gorm.DB, template string, issuedAt time.Time) (string, error) {
	if template == "" {
		template = format.DefaultInvoiceNumberTemplate
	}
	seq, err := s.repo.NextSequence(ctx, tx, format.SequenceScope(template, issuedAt), issuedAt)
	if err != nil {
		return "", err
	}
	return format.FormatInvoiceNumber(template, issuedAt, seq)
}

func validateCreate(req invoicedomain.CreateRequest) error {
	switch req.Kind {
	case invoicedomain.InvoiceKindNew, invoicedomain.InvoiceKindRenewal, invoicedomain.InvoiceKindProration, invoicedomain.InvoiceKindManual:
	default:
		return invoicedomain.ErrInvalidInvoiceKind
	}
	if req.SubscriptionID == 0 || req.OrgID == 0 {
		return errs.Wrap(errs.ErrValidation, invoicedomain.ErrInvalidLineItems, "invoice without subscription")
	}
	return validateLines(req.Lines)
}

func validateLines(lines []invoicedomain.LineItem) error {
	if len(lines) == 0 {
		return invoicedomain.ErrEmptyInvoice
	}
	for _, line := range lines {
		if line.Quantity <= 0 || line.UnitPrice < 0 || line.Amount != line.UnitPrice*line.Quantity {
			return invoicedomain.ErrInvalidLineItems
		}
	}
	return nil
}
