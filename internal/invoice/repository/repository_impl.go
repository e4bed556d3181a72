package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/tenantbilling/internal/invoice/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() invoicedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, invoice *invoicedomain.Invoice) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoices (
			id, org_id, subscription_id, invoice_number, kind, status, currency,
			subtotal, discount, tax, total, amount, applied_balance, period_start, period_end,
			issued_at, due_date, paid_date, payment_method, line_items, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invoice.ID,
		invoice.OrgID,
		invoice.SubscriptionID,
		invoice.InvoiceNumber,
		invoice.Kind,
		invoice.Status,
		invoice.Currency,
		invoice.Subtotal,
		invoice.Discount,
		invoice.Tax,
		invoice.Total,
		invoice.Amount,
		invoice.AppliedBalance,
		invoice.PeriodStart,
		invoice.PeriodEnd,
		invoice.IssuedAt,
		invoice.DueDate,
		invoice.PaidDate,
		invoice.PaymentMethod,
		invoice.LineItems,
		invoice.CreatedAt,
		invoice.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	return first(db.WithContext(ctx).Where("id = ?", id))
}

// FindByIDForUpdate takes a row lock on dialects that support it.
func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	return first(db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id))
}

func (r *repo) FindByPeriod(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, kind invoicedomain.InvoiceKind, periodStart time.Time) (*invoicedomain.Invoice, error) {
	return first(db.WithContext(ctx).
		Where("subscription_id = ? AND kind = ? AND period_start = ?", subscriptionID, kind, periodStart))
}

// FindOpenBySubscription returns the latest unpaid invoice of kind, PENDING
// or FAILED.
func (r *repo) FindOpenBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, kind invoicedomain.InvoiceKind) (*invoicedomain.Invoice, error) {
	return first(db.WithContext(ctx).
		Where("subscription_id = ? AND kind = ? AND status IN ?", subscriptionID, kind,
			[]invoicedomain.InvoiceStatus{invoicedomain.InvoiceStatusPending, invoicedomain.InvoiceStatusFailed}).
		Order("issued_at DESC, id DESC"))
}

func (r *repo) ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]invoicedomain.Invoice, error) {
	var invoices []invoicedomain.Invoice
	err := db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("issued_at DESC, id DESC").
		Find(&invoices).Error
	return invoices, err
}

// UpdateStatus moves the invoice to status only while it is in one of from.
// The affected row count is the caller's concurrency guard.
func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []invoicedomain.InvoiceStatus, to invoicedomain.InvoiceStatus, paidAt *time.Time, method *string, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, paid_date = COALESCE(?, paid_date), payment_method = COALESCE(?, payment_method), updated_at = ?
		 WHERE id = ? AND status IN ?`,
		to,
		paidAt,
		method,
		now,
		id,
		from,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) UpdateAmounts(ctx context.Context, db *gorm.DB, invoice *invoicedomain.Invoice, from []invoicedomain.InvoiceStatus) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, subtotal = ?, discount = ?, tax = ?, total = ?, amount = ?, applied_balance = ?,
		     period_end = ?, issued_at = ?, due_date = ?, paid_date = ?, payment_method = ?, line_items = ?, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		invoice.Status,
		invoice.Subtotal,
		invoice.Discount,
		invoice.Tax,
		invoice.Total,
		invoice.Amount,
		invoice.AppliedBalance,
		invoice.PeriodEnd,
		invoice.IssuedAt,
		invoice.DueDate,
		invoice.PaidDate,
		invoice.PaymentMethod,
		invoice.LineItems,
		invoice.UpdatedAt,
		invoice.ID,
		from,
	)
	return res.RowsAffected, res.Error
}

// NextSequence increments the counter for scope in a single statement so
// concurrent issuers never share a number.
func (r *repo) NextSequence(ctx context.Context, db *gorm.DB, scope string, now time.Time) (int64, error) {
	var next int64
	err := db.WithContext(ctx).Raw(
		`INSERT INTO invoice_sequences (scope, next_value, updated_at)
		 VALUES (?, 1, ?)
		 ON CONFLICT (scope) DO UPDATE SET next_value = invoice_sequences.next_value + 1, updated_at = excluded.updated_at
		 RETURNING next_value`,
		scope,
		now,
	).Scan(&next).Error
	return next, err
}

func first(query *gorm.DB) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := query.Take(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}
