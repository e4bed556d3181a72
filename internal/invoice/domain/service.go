package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tenantbilling/internal/errs"
	"gorm.io/gorm"
)

type CreateRequest struct {
	OrgID           snowflake.ID
	SubscriptionID  snowflake.ID
	Kind            InvoiceKind
	Lines           []LineItem
	Balance         int64
	DiscountPercent decimal.Decimal
	PeriodStart     *time.Time
	PeriodEnd       *time.Time
	IssuedAt        time.Time
}

// CreateResult carries the invoice plus the subscription balance left after
// any credit it consumed.
type CreateResult struct {
	Invoice *Invoice
	Balance int64
	// Existing is set when an invoice for the same period was already issued.
	Existing bool
}

// RepriceRequest replaces the lines of an unpaid invoice. Balance is the
// subscription balance available on top of what the invoice already consumed.
type RepriceRequest struct {
	Lines           []LineItem
	Balance         int64
	DiscountPercent decimal.Decimal
}

type RepriceResult struct {
	Invoice *Invoice
	Balance int64
}

type ManualRequest struct {
	SubscriptionID snowflake.ID `json:"-"`
	Lines          []LineItem   `json:"lineItems" validate:"required,min=1,dive"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindByPeriod(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, kind InvoiceKind, periodStart time.Time) (*Invoice, error)
	FindOpenBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, kind InvoiceKind) (*Invoice, error)
	ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]Invoice, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []InvoiceStatus, to InvoiceStatus, paidAt *time.Time, method *string, now time.Time) (int64, error)
	// UpdateAmounts rewrites amounts, lines and status while the invoice is
	// still in one of from.
	UpdateAmounts(ctx context.Context, db *gorm.DB, invoice *Invoice, from []InvoiceStatus) (int64, error)
	NextSequence(ctx context.Context, db *gorm.DB, scope string, now time.Time) (int64, error)
}

type Service interface {
	CreateForSubscription(ctx context.Context, tx *gorm.DB, req CreateRequest) (CreateResult, error)
	MarkPaid(ctx context.Context, tx *gorm.DB, id snowflake.ID, paidAt time.Time, method string) (*Invoice, error)
	MarkFailed(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Invoice, error)
	Reprice(ctx context.Context, tx *gorm.DB, id snowflake.ID, req RepriceRequest) (RepriceResult, error)
	Void(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Invoice, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Invoice, error)
	ListBySubscription(ctx context.Context, subscriptionID snowflake.ID) ([]Invoice, error)
	FindOpenBySubscription(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, kind InvoiceKind) (*Invoice, error)
	CreateManual(ctx context.Context, req ManualRequest) (*Invoice, error)
}

var (
	ErrInvoiceNotFound      = errs.New(errs.ErrNotFound, "invoice_not_found")
	ErrInvoiceImmutable     = errs.New(errs.ErrInvalidStateTransition, "invoice_immutable")
	ErrInvalidInvoiceStatus = errs.New(errs.ErrInvalidStateTransition, "invalid_invoice_status")
	ErrInvalidLineItems     = errs.New(errs.ErrValidation, "invalid_line_items")
	ErrInvalidInvoiceKind   = errs.New(errs.ErrValidation, "invalid_invoice_kind")
	ErrEmptyInvoice         = errs.New(errs.ErrValidation, "empty_invoice")
	ErrStatusConflict       = errs.New(errs.ErrConcurrencyConflict, "invoice_status_conflict")
)
